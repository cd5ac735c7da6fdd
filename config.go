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
	"errors"
	"fmt"
	"time"

	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config holds configuration for Uploader.
type Config struct {
	// Logger holds an optional Logger to use for logging bulk requests.
	//
	// All Elasticsearch errors will be logged at error level.
	//
	// If Logger is nil, logging will be disabled.
	Logger *zap.Logger

	// Tracer holds an optional apm.Tracer to use for tracing uploads. Each
	// upload is traced as a transaction, and each bulk request as a span.
	//
	// If Tracer is nil, uploads will not be traced with Elastic APM.
	Tracer *apm.Tracer

	// TracerProvider holds an optional OTel TracerProvider. When set, each
	// upload and each bulk request is recorded as a span.
	TracerProvider trace.TracerProvider

	// CompressionLevel holds the gzip compression level, from 0 (gzip.NoCompression)
	// to 9 (gzip.BestCompression). Higher values provide greater compression, at a
	// greater cost of CPU. The special value -1 (gzip.DefaultCompression) selects the
	// default compression level.
	CompressionLevel int

	// FlushTimeout holds the timeout for a single bulk request.
	//
	// If FlushTimeout is zero, no timeout will be used.
	FlushTimeout time.Duration

	// Pipeline holds the ingest pipeline ID.
	//
	// If Pipeline is empty, no ingest pipeline will be specified in the Bulk request.
	Pipeline string

	// Refresh holds the refresh policy for bulk requests.
	Refresh string

	// MeterProvider holds the OTel MeterProvider to be used to create and
	// record uploader metrics.
	//
	// If unset, the global OTel MeterProvider will be used, if that is unset,
	// no metrics will be recorded.
	MeterProvider metric.MeterProvider

	// MetricAttributes holds any extra attributes to set in the recorded
	// metrics.
	MetricAttributes attribute.Set
}

// IndexUploadConfig describes the sources uploaded into one index.
type IndexUploadConfig struct {
	// Store provides the records of every source.
	Store Store

	// Sources holds the source descriptors, uploaded in order. Their meaning
	// is defined by Store.
	Sources []string

	// PageSize holds the number of actions sent per bulk request.
	//
	// If PageSize is zero, DefaultPageSize will be used.
	PageSize int

	// Pace holds the delay between two consecutive bulk requests of a source.
	//
	// If Pace is zero, requests are sent back to back.
	Pace time.Duration
}

var errMissingStore = errors.New("missing store")

func (c IndexUploadConfig) withDefaults() (IndexUploadConfig, error) {
	if c.Store == nil {
		return c, errMissingStore
	}
	if c.PageSize < 0 {
		return c, fmt.Errorf("expected PageSize >= 0, got %d", c.PageSize)
	}
	if c.Pace < 0 {
		return c, fmt.Errorf("expected Pace >= 0, got %s", c.Pace)
	}
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	return c, nil
}
