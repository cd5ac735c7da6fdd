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

package bulkuploadtest

import (
	"context"
	"errors"
	"iter"
	"sync"

	"github.com/elastic/go-bulkupload"
)

var errNoTransaction = errors.New("records streamed outside of a transaction")

// MemoryStore is an in-memory bulkupload.Store keyed by source name.
type MemoryStore struct {
	// Sources holds the records of each source.
	Sources map[string][]bulkupload.Record

	// RecordErrors holds errors yielded by a source after its records.
	RecordErrors map[string]error

	// TransactionErr, when set, is returned by Transaction without calling fn.
	TransactionErr error

	mu           sync.Mutex
	transactions int
	committed    int
	rolledBack   int
	streamed     []string
}

// NewMemoryStore returns a MemoryStore holding sources.
func NewMemoryStore(sources map[string][]bulkupload.Record) *MemoryStore {
	return &MemoryStore{Sources: sources}
}

type memoryTxKey struct{}

func (s *MemoryStore) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.TransactionErr != nil {
		return s.TransactionErr
	}
	s.mu.Lock()
	s.transactions++
	s.mu.Unlock()

	err := fn(context.WithValue(ctx, memoryTxKey{}, s))

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.rolledBack++
		return err
	}
	s.committed++
	return nil
}

func (s *MemoryStore) Records(ctx context.Context, source string) iter.Seq2[bulkupload.Record, error] {
	return func(yield func(bulkupload.Record, error) bool) {
		if ctx.Value(memoryTxKey{}) != s {
			yield(nil, errNoTransaction)
			return
		}
		s.mu.Lock()
		s.streamed = append(s.streamed, source)
		s.mu.Unlock()
		for _, rec := range s.Sources[source] {
			if !yield(rec, nil) {
				return
			}
		}
		if err := s.RecordErrors[source]; err != nil {
			yield(nil, err)
		}
	}
}

// Transactions returns the number of transactions started, committed and
// rolled back.
func (s *MemoryStore) Transactions() (started, committed, rolledBack int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transactions, s.committed, s.rolledBack
}

// Streamed returns the sources streamed so far, in order.
func (s *MemoryStore) Streamed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.streamed...)
}

// Doc returns a record with the given ID and fields, without routing.
func Doc(id string, fields bulkupload.Fields) bulkupload.MapRecord {
	return bulkupload.MapRecord{ID: id, Values: fields}
}

// RoutedDoc returns a record with the given ID, routing key and fields.
func RoutedDoc(id, routing string, fields bulkupload.Fields) bulkupload.MapRecord {
	return bulkupload.MapRecord{ID: id, Route: routing, Values: fields}
}
