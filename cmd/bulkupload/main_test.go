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

package main

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/elastic/go-bulkupload/bulkuploadtest"
)

func runApp(args ...string) error {
	app := newApp()
	app.ExitErrHandler = func(*cli.Context, error) {}
	return app.Run(append([]string{"bulkupload"}, args...))
}

func TestRunValidation(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	err := runApp("--index", "idx")
	assert.ErrorContains(t, err, "at least one SOURCE is required")

	err = runApp("--index", "idx", "src")
	assert.ErrorContains(t, err, "one of --postgres or --badger is required")

	err = runApp("--index", "idx", "--postgres", "postgres://localhost/db", "--badger", t.TempDir(), "src")
	assert.ErrorContains(t, err, "mutually exclusive")

	err = runApp("src")
	assert.Error(t, err)
}

// writeBadgerDocs creates a BadgerDB holding two documents under "docs/".
func writeBadgerDocs(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	require.NoError(t, err)
	require.NoError(t, db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte("docs/1"), []byte(`{"title":"one","tenant":"a"}`)); err != nil {
			return err
		}
		return txn.Set([]byte("docs/2"), []byte(`{"title":"two","tenant":"b"}`))
	}))
	require.NoError(t, db.Close())
	return dir
}

func TestRunBadger(t *testing.T) {
	t.Setenv("ELASTIC_APM_ACTIVE", "false")
	t.Setenv("DATABASE_URL", "")
	dir := writeBadgerDocs(t)

	var requests int
	var routing []string
	config := bulkuploadtest.NewMockElasticsearchClientConfig(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		assert.Equal(t, "/docs/_bulk", r.URL.Path)
		actions, result := bulkuploadtest.DecodeBulkRequest(r)
		for _, action := range actions {
			route, _ := action.Field("_routing")
			routing = append(routing, route)
		}
		json.NewEncoder(w).Encode(result)
	})

	err := runApp(
		"--es-url", config.Addresses[0],
		"--index", "docs",
		"--badger", dir,
		"--routing-field", "tenant",
		"--page-size", "1",
		"docs/",
	)
	require.NoError(t, err)
	assert.Equal(t, 2, requests)
	assert.Equal(t, []string{"a", "b"}, routing)
}

func TestRunBadgerWithDatabaseURL(t *testing.T) {
	t.Setenv("ELASTIC_APM_ACTIVE", "false")
	t.Setenv("DATABASE_URL", "postgres://localhost/db")
	dir := writeBadgerDocs(t)

	var requests int
	config := bulkuploadtest.NewMockElasticsearchClientConfig(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		_, result := bulkuploadtest.DecodeBulkRequest(r)
		json.NewEncoder(w).Encode(result)
	})

	err := runApp(
		"--es-url", config.Addresses[0],
		"--index", "docs",
		"--badger", dir,
		"docs/",
	)
	require.NoError(t, err)
	assert.Equal(t, 1, requests)
}
