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
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elastic/elastic-transport-go/v8/elastictransport"
	"go.elastic.co/apm/module/apmzap/v2"
	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var errMissingIndex = errors.New("missing index name")

// Uploader streams records from stores into Elasticsearch indices.
//
// Each upload walks its sources in order. Within a source, records are
// encoded, grouped into pages and submitted one bulk request at a time;
// the next page is not built until the previous request has completed.
// Failures are collected and reported once the upload has finished.
//
// Uploads issued concurrently on the same Uploader are serialized.
type Uploader struct {
	uploads        atomic.Int64
	pages          atomic.Int64
	indexed        atomic.Int64
	failed         atomic.Int64
	encodingFailed atomic.Int64
	requestsFailed atomic.Int64

	config  Config
	indexer *BulkIndexer
	metrics metrics
	mu      sync.Mutex

	// tracer is an OTel tracer, and should not be confused with `u.config.Tracer`
	// which is an Elastic APM Tracer.
	tracer trace.Tracer
}

// Stats holds cumulative upload statistics.
type Stats struct {
	// Uploads holds the number of completed Upload calls.
	Uploads int64

	// Pages holds the number of bulk requests issued.
	Pages int64

	// Indexed holds the number of documents indexed successfully.
	Indexed int64

	// Failed holds the number of documents which failed to be indexed,
	// including those of failed bulk requests.
	Failed int64

	// EncodingFailed holds the number of records which could not be encoded.
	EncodingFailed int64

	// RequestsFailed holds the number of bulk requests which failed as a whole.
	RequestsFailed int64
}

// New returns a new Uploader that indexes documents into Elasticsearch.
// It is only tested with v8 go-elasticsearch client. Use other clients at your own risk.
func New(client elastictransport.Interface, cfg Config) (*Uploader, error) {
	if client == nil {
		return nil, errors.New("client is nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	indexer, err := NewBulkIndexer(BulkIndexerConfig{
		Client:           client,
		CompressionLevel: cfg.CompressionLevel,
		Pipeline:         cfg.Pipeline,
		Refresh:          cfg.Refresh,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating bulk indexer: %w", err)
	}
	ms, err := newMetrics(cfg)
	if err != nil {
		return nil, err
	}
	u := &Uploader{
		config:  cfg,
		indexer: indexer,
		metrics: ms,
	}
	if cfg.TracerProvider != nil {
		u.tracer = cfg.TracerProvider.Tracer("github.com/elastic/go-bulkupload.uploader")
	}
	return u, nil
}

// Stats returns the cumulative statistics of the uploader.
func (u *Uploader) Stats() Stats {
	return Stats{
		Uploads:        u.uploads.Load(),
		Pages:          u.pages.Load(),
		Indexed:        u.indexed.Load(),
		Failed:         u.failed.Load(),
		EncodingFailed: u.encodingFailed.Load(),
		RequestsFailed: u.requestsFailed.Load(),
	}
}

// Upload indexes every record of cfg.Sources into index.
//
// Upload returns nil when every record was indexed. Otherwise it returns an
// *UploadError holding all collected failures. Rejected documents, records
// which cannot be encoded and failed bulk requests do not stop the upload;
// an error from the store or ctx does, and is reported in UploadError.Err.
func (u *Uploader) Upload(ctx context.Context, index string, cfg IndexUploadConfig) (err error) {
	if index == "" {
		return errMissingIndex
	}
	cfg, err = cfg.withDefaults()
	if err != nil {
		return err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.config.Tracer != nil {
		tx := u.config.Tracer.StartTransaction("bulkupload "+index, "output")
		defer tx.End()
		ctx = apm.ContextWithTransaction(ctx, tx)
	}
	var span trace.Span
	if u.otelTracingEnabled() {
		ctx, span = u.tracer.Start(ctx, "bulkupload.upload", trace.WithAttributes(
			attribute.String("index", index),
			attribute.Int("sources", len(cfg.Sources)),
		))
		defer span.End()
	}
	logger := u.config.Logger.With(zap.String("index", index))
	logger = logger.With(apmzap.TraceContext(ctx)...)

	attrs := metric.WithAttributeSet(u.config.MetricAttributes)
	start := time.Now()
	defer func() {
		status := "Success"
		if err != nil {
			status = "Failed"
		}
		u.uploads.Add(1)
		u.metrics.uploads.Add(context.Background(), 1, attrs,
			metric.WithAttributes(attribute.String("status", status)),
		)
		u.metrics.uploadDuration.Record(context.Background(), time.Since(start).Seconds(), attrs)
	}()

	var errs ErrorList
	for _, source := range cfg.Sources {
		var srcErr error
		errs, srcErr = u.uploadSource(ctx, logger, index, source, cfg, errs)
		if srcErr != nil {
			srcErr = fmt.Errorf("failed to upload source %q: %w", source, srcErr)
			logger.Error("upload aborted", zap.Error(srcErr), zap.Int("failures", len(errs)))
			if u.otelTracingEnabled() && span.IsRecording() {
				span.RecordError(srcErr)
				span.SetStatus(codes.Error, "upload aborted")
			}
			return &UploadError{Index: index, Failures: errs, Err: srcErr}
		}
	}
	if len(errs) > 0 {
		logger.Error("upload completed with failures", zap.Int("failures", len(errs)))
		if u.otelTracingEnabled() && span.IsRecording() {
			span.SetStatus(codes.Error, "upload completed with failures")
		}
		return &UploadError{Index: index, Failures: errs}
	}
	logger.Info("upload completed", zap.Int("sources", len(cfg.Sources)))
	if u.otelTracingEnabled() && span.IsRecording() {
		span.SetStatus(codes.Ok, "")
	}
	return nil
}

// uploadSource streams source through the pipeline within a store
// transaction, folding every failure into errs.
func (u *Uploader) uploadSource(
	ctx context.Context,
	logger *zap.Logger,
	index, source string,
	cfg IndexUploadConfig,
	errs ErrorList,
) (ErrorList, error) {
	logger = logger.With(zap.String("source", source))
	logger.Debug("uploading source")
	err := cfg.Store.Transaction(ctx, func(ctx context.Context) error {
		var streamErr error
		var failures pageFailures
		defer func() { errs = failures.flush(errs) }()

		var read int
		actions := func(yield func(Action) bool) {
			for rec, err := range cfg.Store.Records(ctx, source) {
				if err != nil {
					streamErr = err
					return
				}
				action, err := EncodeAction(index, rec)
				if err != nil {
					u.encodingFailure(logger, err)
					failures.add(read, err)
					continue
				}
				read++
				if !yield(action) {
					return
				}
			}
		}
		for segment := range Paginate(actions, cfg.PageSize, cfg.Pace) {
			if segment.IsPace() {
				if err := Wait(ctx, segment.Pace); err != nil {
					return err
				}
				continue
			}
			res, err := u.submit(ctx, logger, index, segment.Actions)
			errs = failures.collect(res, err, len(segment.Actions), errs)
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		return streamErr
	})
	return errs, err
}

func (u *Uploader) encodingFailure(logger *zap.Logger, err error) {
	u.encodingFailed.Add(1)
	u.failed.Add(1)
	u.metrics.docsProcessed.Add(
		context.Background(),
		1,
		metric.WithAttributes(attribute.String("status", "EncodingFailed")),
		metric.WithAttributeSet(u.config.MetricAttributes),
	)
	logger.Error("failed to encode record", zap.Error(err))
}

// submit sends a single page and records its outcome in metrics, traces and
// logs.
func (u *Uploader) submit(ctx context.Context, logger *zap.Logger, index string, page []Action) (SubmissionResult, error) {
	n := len(page)
	var span trace.Span
	if u.otelTracingEnabled() {
		ctx, span = u.tracer.Start(ctx, "bulkupload.page", trace.WithAttributes(
			attribute.Int("documents", n),
		))
		defer span.End()

		// Add trace IDs to logger, to associate any per-item errors
		// below with the trace.
		logger = logger.With(
			zap.String("traceId", span.SpanContext().TraceID().String()),
			zap.String("spanId", span.SpanContext().SpanID().String()),
		)
	}
	apmSpan, ctx := apm.StartSpan(ctx, "bulkupload.page", "output")
	defer apmSpan.End()

	flushCtx := ctx
	if u.config.FlushTimeout != 0 {
		var cancel context.CancelFunc
		flushCtx, cancel = context.WithTimeout(ctx, u.config.FlushTimeout)
		defer cancel()
	}

	var res SubmissionResult
	var err error
	took := timeFunc(func() {
		res, err = u.indexer.Submit(flushCtx, index, page)
	})

	attrs := metric.WithAttributeSet(u.config.MetricAttributes)
	u.pages.Add(1)
	u.metrics.pages.Add(context.Background(), 1, attrs)
	u.metrics.pageDuration.Record(context.Background(), took.Seconds(), attrs)
	if flushed := u.indexer.BytesFlushed(); flushed > 0 {
		u.metrics.bytesTotal.Add(context.Background(), int64(flushed), attrs)
	}

	if err != nil {
		u.requestsFailed.Add(1)
		u.failed.Add(int64(n))
		logger.Error("bulk indexing request failed", zap.Int("documents", n), zap.Error(err))
		if e := apm.CaptureError(ctx, err); e != nil {
			e.Send()
		}
		if u.otelTracingEnabled() && span.IsRecording() {
			span.RecordError(err)
			span.SetStatus(codes.Error, "bulk indexing request failed")
		}

		status := "Failed"
		opts := []metric.AddOption{attrs}
		var errFailed ErrorFlushFailed
		switch {
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			status = "Timeout"
		case errors.As(err, &errFailed):
			switch {
			case errFailed.tooMany:
				status = "TooMany"
			case errFailed.clientError:
				status = "FailedClient"
			case errFailed.serverError:
				status = "FailedServer"
			}
			opts = append(opts, metric.WithAttributes(semconv.HTTPResponseStatusCode(errFailed.statusCode)))
		}
		opts = append(opts, metric.WithAttributes(attribute.String("status", status)))
		u.metrics.docsProcessed.Add(context.Background(), int64(n), opts...)
		return res, err
	}

	type failureKey struct {
		index, errType, reason string
	}
	var docsIndexed, tooManyRequests, clientFailed, serverFailed int64
	var failedCount map[failureKey]int
	for _, item := range res.Items {
		if item.Error == nil {
			docsIndexed++
			continue
		}
		switch {
		case item.Status == http.StatusTooManyRequests:
			tooManyRequests++
		case item.Status >= 500:
			serverFailed++
		default:
			clientFailed++
		}
		if failedCount == nil {
			failedCount = make(map[failureKey]int)
		}
		failedCount[failureKey{item.Index, item.Error.Type, item.Error.Reason}]++
		if u.otelTracingEnabled() && span.IsRecording() {
			e := errors.New(item.Error.Reason)
			span.RecordError(e)
			span.SetStatus(codes.Error, e.Error())
		}
	}
	for key, count := range failedCount {
		logger.Error(fmt.Sprintf("failed to index documents in '%s' (%s): %s",
			key.index, key.errType, key.reason,
		), zap.Int("documents", count))
	}
	docsFailed := tooManyRequests + clientFailed + serverFailed
	u.indexed.Add(docsIndexed)
	u.failed.Add(docsFailed)

	for status, count := range map[string]int64{
		"Success":      docsIndexed,
		"TooMany":      tooManyRequests,
		"FailedClient": clientFailed,
		"FailedServer": serverFailed,
	} {
		if count == 0 {
			continue
		}
		u.metrics.docsProcessed.Add(
			context.Background(),
			count,
			metric.WithAttributes(attribute.String("status", status)),
			attrs,
		)
	}
	logger.Debug(
		"bulk request completed",
		zap.Int64("docs_indexed", docsIndexed),
		zap.Int64("docs_failed", docsFailed),
		zap.Int64("docs_rate_limited", tooManyRequests),
		zap.Duration("took", took),
	)
	if docsFailed == 0 && u.otelTracingEnabled() && span.IsRecording() {
		span.SetStatus(codes.Ok, "")
	}
	return res, nil
}

// otelTracingEnabled checks whether we should be doing tracing
// using otel tracer.
func (u *Uploader) otelTracingEnabled() bool {
	return u.tracer != nil
}

func timeFunc(f func()) time.Duration {
	t0 := time.Now()
	if f != nil {
		f()
	}
	return time.Since(t0)
}
