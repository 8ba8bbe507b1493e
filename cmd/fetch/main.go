// Command fetch downloads one or more URLs through the loading pipeline and
// reports what it fetched. Repeated URLs coalesce into a single download, and
// completed payloads are cached in a local BadgerDB directory when
// LANTERN_CACHE_DIR is set.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	// Bundled CA roots so TLS works in minimal containers.
	_ "golang.org/x/crypto/x509roots/fallback"

	"github.com/Amund211/lantern/cache"
	"github.com/Amund211/lantern/internal/config"
	"github.com/Amund211/lantern/internal/reporting"
	"github.com/Amund211/lantern/internal/telemetry"
	"github.com/Amund211/lantern/logging"
	"github.com/Amund211/lantern/pipeline"
	"github.com/Amund211/lantern/ratelimit"
	"github.com/Amund211/lantern/scheduler"
	"github.com/Amund211/lantern/stores/badgerstore"
)

const defaultUserAgent = "lantern-fetch/1.0"

func main() {
	instanceID := uuid.New().String()
	logger := slog.New(
		logging.NewTracingLogHandler(slog.NewJSONHandler(os.Stdout, nil)),
	).With("instanceID", instanceID)

	fail := func(msg string, args ...any) {
		logger.Error(msg, args...)
		os.Exit(1)
	}

	if len(os.Args) < 2 {
		fail("No URLs provided", "usage", "fetch <url> [<url> ...]")
	}
	urls := os.Args[1:]

	conf, err := config.ConfigFromEnv()
	if err != nil {
		fail("Failed to load config", "error", err.Error())
	}
	logger.Info("Loaded config", "config", conf.NonSensitiveString())

	flush, err := reporting.NewSentryOrMock(conf)
	if err != nil {
		fail("Failed to initialize Sentry", "error", err.Error())
	}
	defer flush()

	ctx := logging.AddToContext(context.Background(), logger)
	ctx = reporting.SetStartedAtInContext(ctx, time.Now())

	otelShutdown, err := telemetry.SetupOTelSDK(ctx, "lantern-fetch")
	if err != nil {
		fail("Failed to set up OpenTelemetry", "error", err.Error())
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			logger.Error("Failed to shut down OpenTelemetry", "error", err.Error())
		}
	}()

	var store pipeline.PersistentStore
	if conf.CacheDir() != "" {
		badgerStore, err := badgerstore.New(conf.CacheDir())
		if err != nil {
			fail("Failed to open payload cache", "error", err.Error())
		}
		defer badgerStore.Close()
		store = badgerStore
		logger.Info("Opened payload cache", "dir", conf.CacheDir())
	}

	userAgent := conf.UserAgent()
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	httpClient := &http.Client{
		Timeout:   30 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	memCache := cache.New[string, []byte](cache.Options{
		CostLimit: 64 << 20, // 64 MiB of payloads
	})

	p, err := pipeline.New(pipeline.Options[[]byte]{
		Source: pipeline.NewHTTPSource(httpClient, userAgent),
		Consumer: pipeline.ConsumerFunc[[]byte](func(accumulated []byte, final bool) ([]byte, bool, error) {
			if !final {
				return nil, false, nil
			}
			data := make([]byte, len(accumulated))
			copy(data, accumulated)
			return data, true, nil
		}),
		Store:       store,
		MemoryCache: memCache,
		Cost:        func(data []byte) int64 { return int64(len(data)) },
		CacheTTL:    time.Minute,
	})
	if err != nil {
		fail("Failed to initialize pipeline", "error", err.Error())
	}
	defer p.Close()

	// Politeness limit per remote host, on top of the pipeline's own
	// token bucket for new downloads.
	hostLimiter, stopHostLimiter := ratelimit.NewKeyed(10, 5, time.Minute)
	defer stopHostLimiter()

	logger.Info("Init complete", "urls", len(urls))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(8)
	for _, rawURL := range urls {
		group.Go(func() error {
			parsed, err := url.Parse(rawURL)
			if err != nil {
				return fmt.Errorf("invalid url %s: %w", rawURL, err)
			}

			ran, err := hostLimiter.Execute(groupCtx, parsed.Host, func() bool { return true })
			if err != nil || !ran {
				return fmt.Errorf("rate limit wait for %s failed: %w", parsed.Host, err)
			}

			sub := p.Load(groupCtx, pipeline.LoadRequest{
				Locator:  rawURL,
				Priority: scheduler.PriorityNormal,
			})
			defer sub.Cancel()

			progressCh := sub.Progress()
			for {
				select {
				case <-groupCtx.Done():
					return groupCtx.Err()
				case event, ok := <-progressCh:
					if !ok {
						progressCh = nil
						continue
					}
					logger.Debug("progress", "url", rawURL, "completed", event.Completed, "total", event.Total)
				case outcome := <-sub.Result():
					if outcome.Err != nil {
						reporting.Report(groupCtx, outcome.Err, map[string]string{"url": rawURL})
						return outcome.Err
					}
					logger.Info("Fetched", "url", rawURL, "bytes", len(outcome.Value))
					return nil
				}
			}
		})
	}
	if err := group.Wait(); err != nil {
		fail("Fetch failed", "error", err.Error())
	}

	if err := p.Flush(ctx); err != nil {
		logger.Error("Failed to flush payload cache", "error", err.Error())
	}
	logger.Info("Done")
}
