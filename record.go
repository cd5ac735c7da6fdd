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

package bulkupload

import (
	"context"
	"database/sql/driver"
	"fmt"
	"iter"

	"github.com/google/uuid"
)

// Fields holds the serializable field set of a record. Keys whose value is
// nil are encoded as explicit JSON nulls.
type Fields map[string]any

// Record is implemented by any value that can be indexed.
type Record interface {
	// DocumentID returns the stable identifier of the document.
	DocumentID() string

	// Routing returns the routing key of the document, if any.
	Routing() (string, bool)

	// Fields returns the document body.
	Fields() (Fields, error)
}

// Store provides records for an upload.
//
// Records for a source are only streamed within a call to Transaction, using
// the context passed to fn. Implementations release any resources held by the
// unit of work when fn returns, regardless of its result.
type Store interface {
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
	Records(ctx context.Context, source string) iter.Seq2[Record, error]
}

// MapRecord is a Record backed by a generic field map, as produced by
// row-oriented stores.
type MapRecord struct {
	// ID holds the document ID.
	ID string

	// Route holds the routing key. It is omitted from the action when empty.
	Route string

	// Values holds the document fields.
	Values Fields
}

// NewMapRecord returns a MapRecord for values, reading the document ID and
// routing key from the idField and routingField entries. The entries are kept
// in the document body. An empty routingField disables routing.
func NewMapRecord(values Fields, idField, routingField string) (MapRecord, error) {
	rec := MapRecord{Values: values}
	id, ok := values[idField]
	if !ok || id == nil {
		return rec, fmt.Errorf("missing id field %q", idField)
	}
	rec.ID = FormatKey(id)
	if routingField != "" {
		if route, ok := values[routingField]; ok && route != nil {
			rec.Route = FormatKey(route)
		}
	}
	return rec, nil
}

// FormatKey renders a field value used as document ID or routing key.
// 16-byte arrays, as decoded from uuid columns, are formatted as canonical
// UUIDs.
func FormatKey(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case [16]byte:
		return uuid.UUID(v).String()
	case fmt.Stringer:
		return v.String()
	case driver.Valuer:
		if dv, err := v.Value(); err == nil && dv != nil {
			return FormatKey(dv)
		}
	}
	return fmt.Sprint(v)
}

func (r MapRecord) DocumentID() string { return r.ID }

func (r MapRecord) Routing() (string, bool) { return r.Route, r.Route != "" }

func (r MapRecord) Fields() (Fields, error) { return r.Values, nil }

// InvalidRecord returns a Record whose Fields method fails with err. Stores
// yield it for entries which cannot be turned into documents, so that they
// are reported as encoding failures without aborting the source.
func InvalidRecord(id string, err error) Record {
	return invalidRecord{id: id, err: err}
}

type invalidRecord struct {
	id  string
	err error
}

func (r invalidRecord) DocumentID() string      { return r.id }
func (r invalidRecord) Routing() (string, bool) { return "", false }
func (r invalidRecord) Fields() (Fields, error) { return nil, r.err }
