package simulator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tutorhq/retention/pkg/logger"
)

// Config controls a simulator run.
type Config struct {
	BaseURL string
	Events  int
	Tutors  int
	Days    int
	Workers int
	Timeout time.Duration
}

// DefaultConfig returns a small local run.
func DefaultConfig() *Config {
	return &Config{
		BaseURL: "http://localhost:9090",
		Events:  1000,
		Tutors:  25,
		Days:    30,
		Workers: 8,
		Timeout: 10 * time.Second,
	}
}

// Run generates events and submits them through the ingest endpoint.
func Run(ctx context.Context, cfg *Config) error {
	log := logger.Get().Named("simulator")
	log.Info(ctx, "starting session event simulation",
		logger.String("baseURL", cfg.BaseURL),
		logger.Int("events", cfg.Events),
		logger.Int("tutors", cfg.Tutors),
		logger.Int("workers", cfg.Workers),
	)

	if err := checkServiceHealth(ctx, cfg); err != nil {
		return fmt.Errorf("service health check failed: %w", err)
	}

	events := GenerateEvents(cfg.Events, cfg.Tutors, cfg.Days)

	client := &http.Client{Timeout: cfg.Timeout}
	url := cfg.BaseURL + "/v1/events/sessions"

	var accepted, failed int64
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if err := postEvent(ctx, client, url, events[i]); err != nil {
					atomic.AddInt64(&failed, 1)
					log.Debug(ctx, "submit failed",
						logger.String("eventID", events[i].EventID),
						logger.Error(err),
					)
					continue
				}
				atomic.AddInt64(&accepted, 1)
			}
		}()
	}

	for i := range events {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return ctx.Err()
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()

	log.Info(ctx, "simulation finished",
		logger.Int64("accepted", accepted),
		logger.Int64("failed", failed),
	)
	if failed > 0 {
		return fmt.Errorf("%d of %d events failed to submit", failed, len(events))
	}
	return nil
}

func checkServiceHealth(ctx context.Context, cfg *Config) error {
	client := &http.Client{Timeout: cfg.Timeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.BaseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func postEvent(ctx context.Context, client *http.Client, url string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
