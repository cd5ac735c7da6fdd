// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

// Package pgstore provides a bulkupload.Store backed by PostgreSQL.
//
// A source is a SQL query. Each result row becomes a document whose fields
// are the row's columns; NULL columns are indexed as null.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/elastic/go-bulkupload"
)

// Beginner starts transactions. *pgxpool.Pool and *pgx.Conn implement it.
type Beginner interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// Config holds configuration for Store.
type Config struct {
	// IDColumn holds the column used as document ID.
	//
	// If IDColumn is empty, "id" will be used.
	IDColumn string

	// RoutingColumn holds the column used as routing key.
	//
	// If RoutingColumn is empty, documents are not routed.
	RoutingColumn string

	// IsoLevel holds the isolation level of source transactions.
	//
	// If IsoLevel is empty, repeatable read is used so that every page of
	// a source is read from the same snapshot.
	IsoLevel pgx.TxIsoLevel
}

// Store streams query results from PostgreSQL.
type Store struct {
	db     Beginner
	config Config
}

var errNoTransaction = errors.New("pgstore: records must be streamed within a transaction")

type txKey struct{}

// New returns a Store reading from db.
func New(db Beginner, cfg Config) *Store {
	if cfg.IDColumn == "" {
		cfg.IDColumn = "id"
	}
	if cfg.IsoLevel == "" {
		cfg.IsoLevel = pgx.RepeatableRead
	}
	return &Store{db: db, config: cfg}
}

// Transaction runs fn within a read-only transaction. The transaction is
// committed when fn succeeds and rolled back otherwise.
func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   s.config.IsoLevel,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	// The transaction must end even when ctx is cancelled or fn panics.
	rollbackCtx := context.WithoutCancel(ctx)
	done := false
	defer func() {
		if !done {
			tx.Rollback(rollbackCtx)
		}
	}()
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		done = true
		if rbErr := tx.Rollback(rollbackCtx); rbErr != nil {
			return errors.Join(err, fmt.Errorf("failed to roll back transaction: %w", rbErr))
		}
		return err
	}
	done = true
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Records runs the query source and yields one record per row.
func (s *Store) Records(ctx context.Context, source string) iter.Seq2[bulkupload.Record, error] {
	return func(yield func(bulkupload.Record, error) bool) {
		tx, ok := ctx.Value(txKey{}).(pgx.Tx)
		if !ok {
			yield(nil, errNoTransaction)
			return
		}
		rows, err := tx.Query(ctx, source)
		if err != nil {
			yield(nil, fmt.Errorf("failed to query source: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			values, err := pgx.RowToMap(rows)
			if err != nil {
				yield(nil, fmt.Errorf("failed to scan row: %w", err))
				return
			}
			normalizeUUIDs(values)
			rec, err := bulkupload.NewMapRecord(values, s.config.IDColumn, s.config.RoutingColumn)
			if err != nil {
				// A row without ID cannot be indexed; let the encoder
				// report it alongside the other per-record failures.
				if !yield(bulkupload.InvalidRecord(rec.ID, err), nil) {
					return
				}
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("failed to read rows: %w", err))
		}
	}
}

// normalizeUUIDs replaces uuid column values, which pgx decodes as 16-byte
// arrays, with their canonical string form.
func normalizeUUIDs(values map[string]any) {
	for k, v := range values {
		if b, ok := v.([16]byte); ok {
			values[k] = uuid.UUID(b).String()
		}
	}
}
