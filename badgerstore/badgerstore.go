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

// Package badgerstore provides a bulkupload.Store backed by BadgerDB.
//
// A source is a key prefix. Every value under the prefix must be a JSON
// object, which is indexed as the document body.
package badgerstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/dgraph-io/badger/v4"
	jsoniter "github.com/json-iterator/go"

	"github.com/elastic/go-bulkupload"
)

// UseNumber keeps integer fields exact instead of widening them to float64.
var valueJSON = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

var errNoTransaction = errors.New("badgerstore: records must be streamed within a transaction")

// Config holds configuration for Store.
type Config struct {
	// IDField holds the document field used as document ID.
	//
	// If the field is empty or missing from a document, the key with the
	// source prefix trimmed is used.
	IDField string

	// RoutingField holds the document field used as routing key.
	//
	// If RoutingField is empty, documents are not routed.
	RoutingField string
}

// Store streams documents stored in BadgerDB.
type Store struct {
	db     *badger.DB
	config Config
}

type txnKey struct{}

// New returns a Store reading from db.
func New(db *badger.DB, cfg Config) *Store {
	return &Store{db: db, config: cfg}
}

// Transaction runs fn within a read-only transaction, so that a source is
// streamed from a consistent snapshot.
func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		return fn(context.WithValue(ctx, txnKey{}, txn))
	})
}

// Records yields one record per key starting with source, in key order.
func (s *Store) Records(ctx context.Context, source string) iter.Seq2[bulkupload.Record, error] {
	return func(yield func(bulkupload.Record, error) bool) {
		txn, ok := ctx.Value(txnKey{}).(*badger.Txn)
		if !ok {
			yield(nil, errNoTransaction)
			return
		}
		prefix := []byte(source)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			item := it.Item()
			key := string(bytes.TrimPrefix(item.Key(), prefix))
			var values bulkupload.Fields
			err := item.Value(func(val []byte) error {
				return valueJSON.Unmarshal(val, &values)
			})
			if err != nil {
				if !yield(bulkupload.InvalidRecord(key, fmt.Errorf("invalid document %q: %w", key, err)), nil) {
					return
				}
				continue
			}
			if !yield(s.record(key, values), nil) {
				return
			}
		}
	}
}

func (s *Store) record(key string, values bulkupload.Fields) bulkupload.MapRecord {
	rec := bulkupload.MapRecord{ID: key, Values: values}
	if id, ok := values[s.config.IDField]; s.config.IDField != "" && ok && id != nil {
		rec.ID = fmt.Sprint(id)
	}
	if route, ok := values[s.config.RoutingField]; s.config.RoutingField != "" && ok && route != nil {
		rec.Route = fmt.Sprint(route)
	}
	return rec
}
