// Producer for load testing: posts events to the ingress API at a fixed rate.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/felipemaragno/hookly/internal/api"
	"github.com/felipemaragno/hookly/internal/observability"
)

func main() {
	count := flag.Int("count", 10000, "Number of events to produce")
	apiURL := flag.String("api", "http://localhost:8080", "API base URL")
	appID := flag.String("app", "", "Application ID the events belong to")
	eventType := flag.String("type", "loadtest.event", "Event type name")
	rps := flag.Float64("rate", 500, "Requests per second (0 = unlimited)")
	concurrency := flag.Int("concurrency", 50, "Concurrent HTTP requests")
	idempotent := flag.Bool("idempotent", false, "Send an Idempotency-Key with every request")
	flag.Parse()

	logger := observability.NewLogger(os.Stdout, "info")
	slog.SetDefault(logger)

	if *appID == "" {
		logger.Error("-app is required")
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	limit := rate.Inf
	if *rps > 0 {
		limit = rate.Limit(*rps)
	}
	limiter := rate.NewLimiter(limit, *concurrency)

	client := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: *concurrency,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	url := fmt.Sprintf("%s/v1/applications/%s/events", *apiURL, *appID)

	logger.Info("starting load test producer",
		"url", url,
		"count", *count,
		"event_type", *eventType,
		"rate", *rps,
		"concurrency", *concurrency,
	)

	var accepted, rejected, failed atomic.Int64
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*concurrency)

	for i := 0; i < *count; i++ {
		if err := limiter.Wait(gctx); err != nil {
			break
		}
		g.Go(func() error {
			status, err := post(gctx, client, url, *eventType, i, *idempotent)
			switch {
			case err != nil:
				failed.Add(1)
				logger.Debug("request failed", "error", err)
			case status == http.StatusAccepted:
				accepted.Add(1)
			default:
				rejected.Add(1)
				logger.Debug("event rejected", "status", status)
			}
			return nil
		})
	}
	_ = g.Wait()

	duration := time.Since(start)
	logger.Info("load test complete",
		"accepted", accepted.Load(),
		"rejected", rejected.Load(),
		"failed", failed.Load(),
		"duration", duration,
		"rate", float64(accepted.Load())/duration.Seconds(),
	)
}

func post(ctx context.Context, client *http.Client, url, eventType string, seq int, idempotent bool) (int, error) {
	body, err := json.Marshal(api.CreateEventRequest{
		EventType: eventType,
		Payload:   json.RawMessage(fmt.Sprintf(`{"seq":%d,"sentAt":%q}`, seq, time.Now().UTC().Format(time.RFC3339Nano))),
	})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotent {
		req.Header.Set(api.IdempotencyKeyHeader, uuid.NewString())
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}
