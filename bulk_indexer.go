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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8/esapi"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
)

// BulkIndexerConfig holds configuration for BulkIndexer.
type BulkIndexerConfig struct {
	// Client holds the Elasticsearch client.
	Client esapi.Transport

	// CompressionLevel holds the gzip compression level, from 0 (gzip.NoCompression)
	// to 9 (gzip.BestCompression). Higher values provide greater compression, at a
	// greater cost of CPU. The special value -1 (gzip.DefaultCompression) selects the
	// default compression level.
	CompressionLevel int

	// Pipeline holds the ingest pipeline ID.
	//
	// If Pipeline is empty, no ingest pipeline will be specified in the Bulk request.
	Pipeline string

	// Refresh holds the refresh policy sent with every bulk request: "true",
	// "false" or "wait_for".
	//
	// If Refresh is empty, the cluster default is used.
	Refresh string
}

// BulkIndexer submits pages of actions as bulk requests. It is not safe for
// concurrent use.
type BulkIndexer struct {
	config       BulkIndexerConfig
	bytesFlushed int
	writer       io.Writer
	gzipw        *gzip.Writer
	buf          bytes.Buffer
}

// SubmissionResult holds the decoded response of a single bulk request.
type SubmissionResult struct {
	// HasErrors reports whether Elasticsearch flagged any item as failed.
	HasErrors bool

	// Items holds one entry per submitted action, in request order.
	Items []ItemResult
}

// ItemResult represents a single Elasticsearch bulk response item.
type ItemResult struct {
	Position   int
	Action     string
	Index      string
	DocumentID string
	Status     int

	// Error is nil unless Elasticsearch rejected the item.
	Error *ItemErrorCause
}

// ItemErrorCause holds the error reported for a bulk response item.
type ItemErrorCause struct {
	Type   string
	Reason string
}

// NewBulkIndexer returns a bulk indexer that issues bulk requests to Elasticsearch.
func NewBulkIndexer(cfg BulkIndexerConfig) (*BulkIndexer, error) {
	if cfg.Client == nil {
		return nil, errors.New("client is nil")
	}
	if cfg.CompressionLevel < -1 || cfg.CompressionLevel > 9 {
		return nil, fmt.Errorf(
			"expected CompressionLevel in range [-1,9], got %d",
			cfg.CompressionLevel,
		)
	}

	b := &BulkIndexer{config: cfg}
	if cfg.CompressionLevel != gzip.NoCompression {
		b.gzipw, _ = gzip.NewWriterLevel(&b.buf, cfg.CompressionLevel)
		b.writer = b.gzipw
	} else {
		b.writer = &b.buf
	}
	return b, nil
}

func (b *BulkIndexer) resetBuf() {
	b.buf.Reset()
	if b.gzipw != nil {
		b.gzipw.Reset(&b.buf)
	}
}

// BytesFlushed returns the number of bytes sent by the last successful
// request, after compression.
func (b *BulkIndexer) BytesFlushed() int {
	return b.bytesFlushed
}

// Submit sends page to the bulk endpoint of index as a single request.
//
// A non-nil error means the request as a whole failed and no item was
// indexed. Items rejected individually are reported in the result.
func (b *BulkIndexer) Submit(ctx context.Context, index string, page []Action) (SubmissionResult, error) {
	b.bytesFlushed = 0
	if len(page) == 0 {
		return SubmissionResult{}, nil
	}

	b.resetBuf()
	for _, action := range page {
		if _, err := action.WriteTo(b.writer); err != nil {
			return SubmissionResult{}, fmt.Errorf("failed to write bulk action: %w", err)
		}
	}
	if b.gzipw != nil {
		if err := b.gzipw.Close(); err != nil {
			return SubmissionResult{}, fmt.Errorf("failed closing the gzip writer: %w", err)
		}
	}

	req := esapi.BulkRequest{
		Index:  index,
		Body:   &b.buf,
		Header: make(http.Header),
		FilterPath: []string{
			"errors",
			"items.*._index",
			"items.*._id",
			"items.*.status",
			"items.*.error.type",
			"items.*.error.reason",
		},
		Pipeline: b.config.Pipeline,
		Refresh:  b.config.Refresh,
	}
	if b.gzipw != nil {
		req.Header.Set("Content-Encoding", "gzip")
	}

	bytesFlushed := b.buf.Len()
	res, err := req.Do(ctx, b.config.Client)
	if err != nil {
		return SubmissionResult{}, fmt.Errorf("failed to execute the request: %w", err)
	}
	defer res.Body.Close()

	// Record the number of flushed bytes only when err == nil. The body may
	// not have been sent otherwise.
	b.bytesFlushed = bytesFlushed
	if res.IsError() {
		return SubmissionResult{}, newErrorFlushFailed(res)
	}

	result, err := decodeSubmissionResult(res.Body)
	if err != nil {
		return SubmissionResult{}, fmt.Errorf("error decoding bulk response: %w", err)
	}
	// filter_path or older clusters may drop _id; items are positionally
	// aligned with the request.
	for i := range result.Items {
		if result.Items[i].DocumentID == "" && i < len(page) {
			result.Items[i].DocumentID = page[i].DocumentID
		}
	}
	return result, nil
}

func decodeSubmissionResult(r io.Reader) (SubmissionResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return SubmissionResult{}, err
	}
	var result SubmissionResult
	iter := jsoniter.ParseBytes(jsoniter.ConfigDefault, data)
	iter.ReadObjectCB(func(iter *jsoniter.Iterator, field string) bool {
		switch field {
		case "errors":
			result.HasErrors = iter.ReadBool()
		case "items":
			iter.ReadArrayCB(func(iter *jsoniter.Iterator) bool {
				item := ItemResult{Position: len(result.Items)}
				iter.ReadObjectCB(func(iter *jsoniter.Iterator, action string) bool {
					item.Action = action
					return iter.ReadObjectCB(func(iter *jsoniter.Iterator, field string) bool {
						readItemField(iter, field, &item)
						return true
					})
				})
				result.Items = append(result.Items, item)
				return true
			})
		default:
			iter.Skip()
		}
		return true
	})
	if iter.Error != nil {
		return SubmissionResult{}, iter.Error
	}
	return result, nil
}

func readItemField(iter *jsoniter.Iterator, field string, item *ItemResult) {
	switch field {
	case "_index":
		item.Index = iter.ReadString()
	case "_id":
		item.DocumentID = iter.ReadString()
	case "status":
		item.Status = iter.ReadInt()
	case "error":
		if iter.ReadNil() {
			return
		}
		cause := &ItemErrorCause{}
		if iter.WhatIsNext() == jsoniter.StringValue {
			cause.Reason = iter.ReadString()
			item.Error = cause
			return
		}
		iter.ReadObjectCB(func(iter *jsoniter.Iterator, field string) bool {
			switch field {
			case "type":
				cause.Type = iter.ReadString()
			case "reason":
				// Match Elasticsearch field mapper field value:
				// failed to parse field [%s] of type [%s] in %s. Preview of field's value: '%s'
				cause.Reason, _, _ = strings.Cut(iter.ReadString(), ". Preview")
			default:
				iter.Skip()
			}
			return true
		})
		item.Error = cause
	default:
		iter.Skip()
	}
}

// ErrorFlushFailed is returned when Elasticsearch rejects a bulk request as
// a whole.
type ErrorFlushFailed struct {
	resp        string
	statusCode  int
	tooMany     bool
	clientError bool
	serverError bool
}

func newErrorFlushFailed(res *esapi.Response) ErrorFlushFailed {
	return ErrorFlushFailed{
		resp:        res.String(),
		statusCode:  res.StatusCode,
		tooMany:     res.StatusCode == http.StatusTooManyRequests,
		clientError: res.StatusCode >= 400 && res.StatusCode < 500,
		serverError: res.StatusCode >= 500,
	}
}

// StatusCode returns the HTTP status code of the failed request.
func (e ErrorFlushFailed) StatusCode() int {
	return e.statusCode
}

func (e ErrorFlushFailed) Error() string {
	return fmt.Sprintf("flush failed: %s", e.resp)
}
