// Package main wires the crawl service together and runs one crawl.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/crawlpool/crawlpool/internal/api"
	"github.com/crawlpool/crawlpool/internal/config"
	"github.com/crawlpool/crawlpool/internal/crawl"
	"github.com/crawlpool/crawlpool/internal/dataset"
	datasetgcs "github.com/crawlpool/crawlpool/internal/dataset/gcs"
	"github.com/crawlpool/crawlpool/internal/events"
	eventspubsub "github.com/crawlpool/crawlpool/internal/events/pubsub"
	"github.com/crawlpool/crawlpool/internal/fetcher"
	collyfetcher "github.com/crawlpool/crawlpool/internal/fetcher/colly"
	headlessfetcher "github.com/crawlpool/crawlpool/internal/fetcher/headless"
	"github.com/crawlpool/crawlpool/internal/logging"
	"github.com/crawlpool/crawlpool/internal/metrics"
	"github.com/crawlpool/crawlpool/internal/pool"
	"github.com/crawlpool/crawlpool/internal/request"
	queuememory "github.com/crawlpool/crawlpool/internal/request/memory"
	queuepostgres "github.com/crawlpool/crawlpool/internal/request/postgres"
	"github.com/crawlpool/crawlpool/internal/snapshot"
	"github.com/crawlpool/crawlpool/internal/status"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("crawl service failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	metrics.Init()

	snapshotter := snapshot.New(snapshot.Options{
		CPUInterval:        time.Duration(cfg.Snapshotter.CPUIntervalMs) * time.Millisecond,
		MemoryInterval:     time.Duration(cfg.Snapshotter.MemoryIntervalMs) * time.Millisecond,
		WakeupInterval:     time.Duration(cfg.Snapshotter.WakeupIntervalMs) * time.Millisecond,
		ClientInterval:     time.Duration(cfg.Snapshotter.ClientIntervalMs) * time.Millisecond,
		Retention:          time.Duration(cfg.Snapshotter.RetentionSeconds) * time.Second,
		MaxUsedCPURatio:    cfg.Snapshotter.MaxUsedCPURatio,
		MaxUsedMemoryRatio: cfg.Snapshotter.MaxUsedMemoryRatio,
		MaxWakeupDelay:     time.Duration(cfg.Snapshotter.MaxWakeupDelayMs) * time.Millisecond,
		MaxClientErrors:    cfg.Snapshotter.MaxClientErrors,
		Logger:             logger.Named("snapshot"),
	})
	snapshotter.Start(ctx)
	defer snapshotter.Stop()

	sys := status.New(snapshotter, status.Options{
		CurrentWindow:       time.Duration(cfg.Status.CurrentWindowSeconds) * time.Second,
		HistoryWindow:       time.Duration(cfg.Status.HistoryWindowSeconds) * time.Second,
		CPUOverloadRatio:    cfg.Status.CPUOverloadRatio,
		MemoryOverloadRatio: cfg.Status.MemoryOverloadRatio,
		WakeupOverloadRatio: cfg.Status.WakeupOverloadRatio,
		ClientOverloadRatio: cfg.Status.ClientOverloadRatio,
	})

	list, err := request.NewList(cfg.Crawler.Seeds)
	if err != nil {
		return fmt.Errorf("build seed list: %w", err)
	}

	queue, closeQueue, err := buildQueue(ctx, cfg.Queue)
	if err != nil {
		return err
	}
	defer closeQueue()

	store, err := buildDataset(ctx, cfg.Dataset)
	if err != nil {
		return err
	}

	publisher, closeEvents, err := buildEvents(ctx, cfg.Events)
	if err != nil {
		return err
	}
	defer closeEvents()

	pageFetcher, closeFetcher, err := buildFetcher(cfg)
	if err != nil {
		return err
	}
	defer closeFetcher()

	crawler, err := crawl.New(crawl.Options{
		Handler:        pageHandler(queue != nil),
		FailedHandler:  logFailedRequest(logger),
		Fetcher:        pageFetcher,
		MaxRetries:     cfg.Crawler.MaxRetries,
		HandlerTimeout: time.Duration(cfg.Crawler.HandlerTimeoutSeconds) * time.Second,
		MaxRequests:    cfg.Crawler.MaxRequests,
		MaxDepth:       cfg.Crawler.MaxDepth,
		SameHostOnly:   cfg.Crawler.SameHostOnly,
		List:           list,
		Queue:          queue,
		Recorder:       snapshotter,
		Dataset:        store,
		Events:         publisher,
		Logger:         logger.Named("crawl"),
		Pool: pool.Options{
			MinConcurrency:          cfg.Pool.MinConcurrency,
			MaxConcurrency:          cfg.Pool.MaxConcurrency,
			DesiredConcurrencyRatio: cfg.Pool.DesiredRatio,
			ScaleUpStepRatio:        cfg.Pool.ScaleUpStepRatio,
			ScaleDownStepRatio:      cfg.Pool.ScaleDownStepRatio,
			MaybeRunInterval:        time.Duration(cfg.Pool.MaybeRunIntervalMs) * time.Millisecond,
			AutoscaleInterval:       time.Duration(cfg.Pool.AutoscaleSeconds) * time.Second,
			LoggingInterval:         time.Duration(cfg.Pool.LoggingSeconds) * time.Second,
			Status:                  sys,
			Logger:                  logger.Named("pool"),
		},
	})
	if err != nil {
		return fmt.Errorf("build crawler: %w", err)
	}

	server := api.NewServer(crawler, sys, logger.Named("api"))
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown failed", zap.Error(err))
		}
	}()

	runErr := crawler.Run(ctx)

	stats := crawler.Stats()
	logger.Info("crawl summary",
		zap.Int("started", stats.Started),
		zap.Int("handled", stats.Handled),
		zap.Int("failed", stats.Failed),
		zap.Int("retried", stats.Retried),
	)
	return runErr
}

func buildQueue(ctx context.Context, cfg config.QueueConfig) (request.Queue, func(), error) {
	switch cfg.Kind {
	case "memory":
		return queuememory.NewQueue(), func() {}, nil
	case "postgres":
		q, err := queuepostgres.NewQueue(ctx, queuepostgres.Config{
			DSN:      cfg.DSN,
			Table:    cfg.Table,
			MaxConns: int32(cfg.MaxConns),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("build postgres queue: %w", err)
		}
		if err := q.EnsureSchema(ctx); err != nil {
			q.Close()
			return nil, nil, fmt.Errorf("ensure queue schema: %w", err)
		}
		return q, q.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown queue kind %q", cfg.Kind)
	}
}

func buildDataset(ctx context.Context, cfg config.DatasetConfig) (dataset.Dataset, error) {
	switch cfg.Kind {
	case "memory":
		return dataset.NewMemory(), nil
	case "fs":
		return dataset.NewFS(cfg.Dir)
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("build gcs client: %w", err)
		}
		return datasetgcs.New(client, datasetgcs.Config{
			Bucket: cfg.GCSBucket,
			Prefix: cfg.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown dataset kind %q", cfg.Kind)
	}
}

func buildEvents(ctx context.Context, cfg config.EventsConfig) (events.Publisher, func(), error) {
	switch cfg.Kind {
	case "none":
		return nil, func() {}, nil
	case "memory":
		return events.NewMemory(), func() {}, nil
	case "pubsub":
		client, err := gpubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("build pubsub client: %w", err)
		}
		topic := client.Topic(cfg.TopicName)
		publisher, err := eventspubsub.New(topic)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			publisher.Stop()
			if err := client.Close(); err != nil {
				zap.L().Warn("close pubsub client failed", zap.Error(err))
			}
		}
		return publisher, closeFn, nil
	default:
		return nil, nil, fmt.Errorf("unknown events kind %q", cfg.Kind)
	}
}

func buildFetcher(cfg config.Config) (fetcher.Fetcher, func(), error) {
	switch cfg.Fetcher.Kind {
	case "none":
		return nil, func() {}, nil
	case "http":
		f := collyfetcher.New(collyfetcher.Config{
			UserAgent:     cfg.Fetcher.UserAgent,
			RespectRobots: cfg.Fetcher.RespectRobots,
			Timeout:       time.Duration(cfg.Fetcher.TimeoutSeconds) * time.Second,
			MaxRPS:        cfg.Fetcher.MaxRPS,
			Burst:         cfg.Fetcher.Burst,
		})
		if !cfg.Headless.Enabled {
			return f, func() {}, nil
		}
		browser, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Fetcher.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("build headless fetcher: %w", err)
		}
		return &labelFetcher{plain: f, browser: browser}, browser.Close, nil
	case "headless":
		f, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Fetcher.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("build headless fetcher: %w", err)
		}
		return f, f.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown fetcher kind %q", cfg.Fetcher.Kind)
	}
}

// labelFetcher promotes requests labeled "browser" to headless rendering
// and sends everything else over plain HTTP.
type labelFetcher struct {
	plain   fetcher.Fetcher
	browser fetcher.Fetcher
}

func (f *labelFetcher) Fetch(ctx context.Context, req *request.Request) (*fetcher.Response, error) {
	if req.Label == "browser" {
		return f.browser.Fetch(ctx, req)
	}
	return f.plain.Fetch(ctx, req)
}

// pageHandler extracts the title and outgoing links of each fetched page,
// stores one record per page and feeds discovered links back into the
// queue.
func pageHandler(hasQueue bool) crawl.Handler {
	return func(ctx context.Context, page *crawl.Context) error {
		record := map[string]any{
			"url":        page.Request.URL,
			"depth":      page.Request.Depth,
			"fetched_at": time.Now().UTC().Format(time.RFC3339),
		}
		if page.Response != nil {
			record["final_url"] = page.Response.URL
			record["status"] = page.Response.StatusCode
			record["bytes"] = len(page.Response.Body)

			doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Response.Body))
			if err != nil {
				return fmt.Errorf("parse page: %w", err)
			}
			if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
				record["title"] = title
			}
			if hasQueue {
				links := extractLinks(doc, page.Response.URL)
				added, err := page.Enqueue(ctx, links...)
				if err != nil {
					return err
				}
				record["links_found"] = len(links)
				record["links_enqueued"] = added
			}
		}
		return page.PushData(ctx, record)
	}
}

func extractLinks(doc *goquery.Document, baseURL string) []string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}
	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		links = append(links, abs.String())
	})
	return links
}

func logFailedRequest(logger *zap.Logger) crawl.FailedHandler {
	return func(_ context.Context, page *crawl.Context, err error) {
		logger.Error("request exhausted its retries",
			zap.String("url", page.Request.URL),
			zap.Int("retries", page.Request.Retries),
			zap.Error(err),
		)
	}
}
