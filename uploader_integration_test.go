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

package bulkupload_test

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/elastic/go-bulkupload"
	"github.com/elastic/go-bulkupload/bulkuploadtest"
)

func TestUploaderIntegration(t *testing.T) {
	switch strings.ToLower(os.Getenv("INTEGRATION_TESTS")) {
	case "1", "true":
	default:
		t.Skip("Skipping integration test, export INTEGRATION_TESTS=1 to run")
	}

	config := elasticsearch.Config{}
	config.Username = "admin"
	config.Password = "changeme"
	client, err := elasticsearch.NewClient(config)
	require.NoError(t, err)
	uploader, err := bulkupload.New(client, bulkupload.Config{})
	require.NoError(t, err)

	index := "bulkupload-testing"
	deleteIndex := func() {
		resp, err := esapi.IndicesDeleteRequest{Index: []string{index}}.Do(context.Background(), client)
		require.NoError(t, err)
		defer resp.Body.Close()
	}
	deleteIndex()
	defer deleteIndex()

	const N = 100
	store := bulkuploadtest.NewMemoryStore(map[string][]bulkupload.Record{
		"first":  docs("first-", N/2),
		"second": docs("second-", N/2),
	})
	err = uploader.Upload(context.Background(), index, bulkupload.IndexUploadConfig{
		Store:    store,
		Sources:  []string{"first", "second"},
		PageSize: 30,
	})
	require.NoError(t, err)

	// Check that docs are indexed.
	resp, err := esapi.IndicesRefreshRequest{Index: []string{index}}.Do(context.Background(), client)
	require.NoError(t, err)
	resp.Body.Close()

	var result struct {
		Count int
	}
	resp, err = esapi.CountRequest{Index: []string{index}}.Do(context.Background(), client)
	require.NoError(t, err)
	defer resp.Body.Close()
	err = json.NewDecoder(resp.Body).Decode(&result)
	require.NoError(t, err)
	assert.Equal(t, N, result.Count)

	// Uploading the same records again replaces the documents.
	err = uploader.Upload(context.Background(), index, bulkupload.IndexUploadConfig{
		Store:   store,
		Sources: []string{"first"},
	})
	require.NoError(t, err)
}
