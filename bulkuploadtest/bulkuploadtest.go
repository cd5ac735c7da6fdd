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

// Package bulkuploadtest provides helpers for testing bulk uploads against
// a mock Elasticsearch bulk endpoint.
package bulkuploadtest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
	"go.elastic.co/apm/module/apmelasticsearch/v2"

	"github.com/elastic/go-elasticsearch/v8"
)

// BulkAction is a decoded bulk request action.
type BulkAction struct {
	// Type holds the action type, such as "index".
	Type string

	// Meta holds the raw action metadata, keyed by field name.
	Meta map[string]json.RawMessage

	// Source holds the document line.
	Source json.RawMessage
}

// Field returns the string value of a metadata field, and whether the field
// was present.
func (a BulkAction) Field(name string) (string, bool) {
	raw, ok := a.Meta[name]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return string(raw), true
	}
	return s, true
}

// BulkResponse is a bulk API response body.
type BulkResponse struct {
	HasErrors bool                          `json:"errors"`
	Items     []map[string]BulkResponseItem `json:"items"`
}

// BulkResponseItem is a single bulk API response item.
type BulkResponseItem struct {
	Index      string             `json:"_index"`
	DocumentID string             `json:"_id"`
	Status     int                `json:"status"`
	Error      *BulkResponseError `json:"error,omitempty"`
}

// BulkResponseError is the error of a rejected bulk API response item.
type BulkResponseError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// Fail marks the item at position i of res as rejected with the given status,
// and flags the response as having errors.
func (res *BulkResponse) Fail(i, status int, errType, reason string) {
	res.HasErrors = true
	for action, item := range res.Items[i] {
		item.Status = status
		item.Error = &BulkResponseError{Type: errType, Reason: reason}
		res.Items[i][action] = item
	}
}

// DecodeBulkRequest decodes a /_bulk request's body, returning the decoded
// actions and a response body reporting every action as created.
func DecodeBulkRequest(r *http.Request) ([]BulkAction, BulkResponse) {
	body := r.Body
	switch r.Header.Get("Content-Encoding") {
	case "gzip":
		r, err := gzip.NewReader(body)
		if err != nil {
			panic(err)
		}
		defer r.Close()
		body = r
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var actions []BulkAction
	var result BulkResponse
	for scanner.Scan() {
		line := make(map[string]map[string]json.RawMessage)
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			panic(err)
		}
		var action BulkAction
		for action.Type, action.Meta = range line {
		}
		if !scanner.Scan() {
			panic("expected source")
		}

		doc := append(json.RawMessage{}, scanner.Bytes()...)
		if !json.Valid(doc) {
			panic(fmt.Errorf("invalid JSON: %s", doc))
		}
		action.Source = doc
		actions = append(actions, action)

		item := BulkResponseItem{Status: http.StatusCreated}
		item.Index, _ = action.Field("_index")
		item.DocumentID, _ = action.Field("_id")
		result.Items = append(result.Items, map[string]BulkResponseItem{action.Type: item})
	}
	if err := scanner.Err(); err != nil {
		panic(err)
	}
	return actions, result
}

// NewMockElasticsearchClient returns an elasticsearch.Client which sends /_bulk requests to bulkHandler.
func NewMockElasticsearchClient(t testing.TB, bulkHandler http.HandlerFunc) *elasticsearch.Client {
	config := NewMockElasticsearchClientConfig(t, bulkHandler)
	client, err := elasticsearch.NewClient(config)
	require.NoError(t, err)
	return client
}

// NewMockElasticsearchClientConfig starts an httptest.Server, and returns an elasticsearch.Config which
// sends /_bulk requests to bulkHandler. The httptest.Server will be closed via t.Cleanup.
func NewMockElasticsearchClientConfig(t testing.TB, bulkHandler http.HandlerFunc) elasticsearch.Config {
	mux := http.NewServeMux()
	HandleBulk(mux, bulkHandler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	config := elasticsearch.Config{}
	config.Addresses = []string{srv.URL}
	config.DisableRetry = true
	config.Transport = apmelasticsearch.WrapRoundTripper(http.DefaultTransport)

	return config
}

// HandleBulk registers bulkHandler with mux for handling /_bulk and
// /{index}/_bulk requests, wrapping bulkHandler to conform with
// go-elasticsearch version checking.
func HandleBulk(mux *http.ServeMux, bulkHandler http.HandlerFunc) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		bulkHandler.ServeHTTP(w, r)
	}
	mux.HandleFunc("/_bulk", handler)
	mux.HandleFunc("/{index}/_bulk", handler)
}
