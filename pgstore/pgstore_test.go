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

package pgstore_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastic/go-bulkupload"
	"github.com/elastic/go-bulkupload/bulkuploadtest"
	"github.com/elastic/go-bulkupload/pgstore"
)

const productsQuery = "SELECT id, title, tenant FROM products"

var readOnlyTx = pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}

func collect(t *testing.T, store bulkupload.Store, source string) ([]bulkupload.Record, error) {
	t.Helper()
	var records []bulkupload.Record
	err := store.Transaction(context.Background(), func(ctx context.Context) error {
		for rec, err := range store.Records(ctx, source) {
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

func TestStoreRecords(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBeginTx(readOnlyTx)
	mock.ExpectQuery(regexp.QuoteMeta(productsQuery)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "title", "tenant"}).
			AddRow(int64(1), "lamp", "t1").
			AddRow(int64(2), nil, "t2"))
	mock.ExpectCommit()

	store := pgstore.New(mock, pgstore.Config{RoutingColumn: "tenant"})
	records, err := collect(t, store, productsQuery)
	require.NoError(t, err)
	require.Len(t, records, 2)

	action := bulkupload.MustEncodeAction("products", records[0])
	assert.Equal(t, `{"index":{"_index":"products","_id":"1","_routing":"t1"}}`, string(action.Header))
	assert.Equal(t, `{"id":1,"tenant":"t1","title":"lamp"}`, string(action.Body))

	action = bulkupload.MustEncodeAction("products", records[1])
	assert.Equal(t, `{"id":2,"tenant":"t2","title":null}`, string(action.Body))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreUUIDColumns(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := [16]byte{0x12, 0x34, 0x56, 0x78, 0x9a, 0xbc, 0xde, 0xf0, 1, 2, 3, 4, 5, 6, 7, 8}
	tenant := [16]byte{0xa0, 0xee, 0xbc, 0x99, 0x9c, 0x0b, 0x4e, 0xf8, 0xbb, 0x6d, 0x6b, 0xb9, 0xbd, 0x38, 0x0a, 0x11}
	mock.ExpectBeginTx(readOnlyTx)
	mock.ExpectQuery(regexp.QuoteMeta(productsQuery)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "title", "tenant"}).AddRow(id, "lamp", tenant))
	mock.ExpectCommit()

	store := pgstore.New(mock, pgstore.Config{RoutingColumn: "tenant"})
	records, err := collect(t, store, productsQuery)
	require.NoError(t, err)
	require.Len(t, records, 1)

	action := bulkupload.MustEncodeAction("products", records[0])
	assert.Equal(t,
		`{"index":{"_index":"products","_id":"12345678-9abc-def0-0102-030405060708","_routing":"a0eebc99-9c0b-4ef8-bb6d-6bb9bd380a11"}}`,
		string(action.Header),
	)
	assert.Equal(t,
		`{"id":"12345678-9abc-def0-0102-030405060708","tenant":"a0eebc99-9c0b-4ef8-bb6d-6bb9bd380a11","title":"lamp"}`,
		string(action.Body),
	)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreMissingID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBeginTx(readOnlyTx)
	mock.ExpectQuery("SELECT title FROM products").
		WillReturnRows(pgxmock.NewRows([]string{"title"}).AddRow("lamp"))
	mock.ExpectCommit()

	store := pgstore.New(mock, pgstore.Config{})
	records, err := collect(t, store, "SELECT title FROM products")
	require.NoError(t, err)
	require.Len(t, records, 1)

	_, err = bulkupload.EncodeAction("products", records[0])
	var encErr *bulkupload.EncodingError
	require.ErrorAs(t, err, &encErr)
	assert.Contains(t, err.Error(), `missing id field "id"`)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreQueryErrorRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	queryErr := errors.New(`relation "products" does not exist`)
	mock.ExpectBeginTx(readOnlyTx)
	mock.ExpectQuery(regexp.QuoteMeta(productsQuery)).WillReturnError(queryErr)
	mock.ExpectRollback()

	store := pgstore.New(mock, pgstore.Config{})
	_, err = collect(t, store, productsQuery)
	assert.ErrorIs(t, err, queryErr)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreCancelledRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBeginTx(readOnlyTx)
	mock.ExpectRollback()

	ctx, cancel := context.WithCancel(context.Background())
	store := pgstore.New(mock, pgstore.Config{})
	err = store.Transaction(ctx, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	assert.Equal(t, context.Canceled, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStorePanicRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBeginTx(readOnlyTx)
	mock.ExpectRollback()

	store := pgstore.New(mock, pgstore.Config{})
	assert.PanicsWithValue(t, "boom", func() {
		store.Transaction(context.Background(), func(ctx context.Context) error {
			panic("boom")
		})
	})
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreBeginError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	beginErr := errors.New("too many connections")
	mock.ExpectBeginTx(readOnlyTx).WillReturnError(beginErr)

	store := pgstore.New(mock, pgstore.Config{})
	_, err = collect(t, store, productsQuery)
	assert.ErrorIs(t, err, beginErr)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreRecordsOutsideTransaction(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := pgstore.New(mock, pgstore.Config{})
	for _, err := range store.Records(context.Background(), productsQuery) {
		assert.Error(t, err)
	}
}

func TestStoreUpload(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBeginTx(readOnlyTx)
	mock.ExpectQuery(regexp.QuoteMeta(productsQuery)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "title", "tenant"}).
			AddRow("a", "lamp", "t1").
			AddRow("b", "desk", "t1").
			AddRow("c", "chair", "t2"))
	mock.ExpectCommit()

	var routing []string
	client := bulkuploadtest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {
		actions, result := bulkuploadtest.DecodeBulkRequest(r)
		for _, action := range actions {
			route, _ := action.Field("_routing")
			routing = append(routing, route)
		}
		json.NewEncoder(w).Encode(result)
	})
	uploader, err := bulkupload.New(client, bulkupload.Config{})
	require.NoError(t, err)

	err = uploader.Upload(context.Background(), "products", bulkupload.IndexUploadConfig{
		Store:    pgstore.New(mock, pgstore.Config{RoutingColumn: "tenant"}),
		Sources:  []string{productsQuery},
		PageSize: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t1", "t2"}, routing)
	require.NoError(t, mock.ExpectationsWereMet())
}
