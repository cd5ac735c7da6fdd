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

// Command bulkupload streams records from PostgreSQL or BadgerDB into an
// Elasticsearch index.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dgraph-io/badger/v4"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
	"go.elastic.co/apm/module/apmelasticsearch/v2"
	"go.elastic.co/apm/v2"
	"go.uber.org/zap"

	"github.com/elastic/go-bulkupload"
	"github.com/elastic/go-bulkupload/badgerstore"
	"github.com/elastic/go-bulkupload/pgstore"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:      "bulkupload",
		Usage:     "Stream records into an Elasticsearch index using the bulk API",
		ArgsUsage: "SOURCE...",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "es-url",
				Usage:   "Elasticsearch URL",
				Value:   cli.NewStringSlice("http://localhost:9200"),
				EnvVars: []string{"ELASTICSEARCH_URL"},
			},
			&cli.StringFlag{
				Name:    "es-username",
				Usage:   "Elasticsearch username",
				EnvVars: []string{"ELASTICSEARCH_USERNAME"},
			},
			&cli.StringFlag{
				Name:    "es-password",
				Usage:   "Elasticsearch password",
				EnvVars: []string{"ELASTICSEARCH_PASSWORD"},
			},
			&cli.StringFlag{
				Name:    "es-api-key",
				Usage:   "Elasticsearch API key",
				EnvVars: []string{"ELASTICSEARCH_API_KEY"},
			},
			&cli.StringFlag{
				Name:     "index",
				Aliases:  []string{"i"},
				Usage:    "Target index",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "postgres",
				Usage: "PostgreSQL connection string; sources are SQL queries. Defaults to $DATABASE_URL when no store is given",
			},
			&cli.StringFlag{
				Name:  "badger",
				Usage: "BadgerDB directory; sources are key prefixes",
			},
			&cli.StringFlag{
				Name:  "id-field",
				Usage: "Column or field holding the document ID",
			},
			&cli.StringFlag{
				Name:  "routing-field",
				Usage: "Column or field holding the routing key",
			},
			&cli.IntFlag{
				Name:  "page-size",
				Usage: "Number of documents per bulk request",
				Value: bulkupload.DefaultPageSize,
			},
			&cli.DurationFlag{
				Name:  "pace",
				Usage: "Delay between consecutive bulk requests",
			},
			&cli.DurationFlag{
				Name:  "flush-timeout",
				Usage: "Timeout of a single bulk request",
			},
			&cli.IntFlag{
				Name:  "compression-level",
				Usage: "Gzip compression level of bulk requests, -1 to 9",
			},
			&cli.StringFlag{
				Name:  "pipeline",
				Usage: "Ingest pipeline",
			},
			&cli.StringFlag{
				Name:  "refresh",
				Usage: "Refresh policy of bulk requests (true, false, wait_for)",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Action: run,
	}
}

func run(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("at least one SOURCE is required", 2)
	}
	logger, err := newLogger(c.Bool("debug"))
	if err != nil {
		return err
	}
	defer logger.Sync()
	logger = logger.With(zap.String("upload.id", uuid.NewString()))

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, c)
	if err != nil {
		return err
	}
	defer closeStore()

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: c.StringSlice("es-url"),
		Username:  c.String("es-username"),
		Password:  c.String("es-password"),
		APIKey:    c.String("es-api-key"),
		Transport: apmelasticsearch.WrapRoundTripper(http.DefaultTransport),
	})
	if err != nil {
		return fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	uploader, err := bulkupload.New(client, bulkupload.Config{
		Logger:           logger,
		Tracer:           apm.DefaultTracer(),
		CompressionLevel: c.Int("compression-level"),
		FlushTimeout:     c.Duration("flush-timeout"),
		Pipeline:         c.String("pipeline"),
		Refresh:          c.String("refresh"),
	})
	if err != nil {
		return err
	}

	err = uploader.Upload(ctx, c.String("index"), bulkupload.IndexUploadConfig{
		Store:    store,
		Sources:  c.Args().Slice(),
		PageSize: c.Int("page-size"),
		Pace:     c.Duration("pace"),
	})
	stats := uploader.Stats()
	logger.Info("upload finished",
		zap.Int64("pages", stats.Pages),
		zap.Int64("indexed", stats.Indexed),
		zap.Int64("failed", stats.Failed),
	)
	var uploadErr *bulkupload.UploadError
	if errors.As(err, &uploadErr) {
		for _, failure := range uploadErr.Failures {
			logger.Warn("document failure", zap.Error(failure))
		}
		return cli.Exit(uploadErr.Error(), 1)
	}
	return err
}

func newLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

func openStore(ctx context.Context, c *cli.Context) (bulkupload.Store, func(), error) {
	dsn, dir := c.String("postgres"), c.String("badger")
	if dsn == "" && dir == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	switch {
	case dsn != "" && dir != "":
		return nil, nil, cli.Exit("--postgres and --badger are mutually exclusive", 2)
	case dsn != "":
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		store := pgstore.New(pool, pgstore.Config{
			IDColumn:      c.String("id-field"),
			RoutingColumn: c.String("routing-field"),
		})
		return store, pool.Close, nil
	case dir != "":
		db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open BadgerDB: %w", err)
		}
		store := badgerstore.New(db, badgerstore.Config{
			IDField:      c.String("id-field"),
			RoutingField: c.String("routing-field"),
		})
		return store, func() { db.Close() }, nil
	default:
		return nil, nil, cli.Exit("one of --postgres or --badger is required", 2)
	}
}
