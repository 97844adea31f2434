// Package nwp detects and ingests NWP model publications from public S3.
//
// The detector subscribes to detection-window-open events. For each window
// it runs one job: tight HEAD polling against the expected object key until
// the file appears or the window closes, then a bounded download and a
// bounded decode. The job publishes file-detected the moment the HEAD sees
// the object and file-confirmed once the decode has produced per-city
// observations.
//
// Failures other than 404 count against a per-job circuit breaker so a
// misbehaving bucket cannot keep the poll loop spinning at full rate.
// A download or decode failure ends the job without confirmation; the API
// fallback poller covers the cycle instead.
package nwp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker/v2"

	"weatheredge/internal/bus"
	"weatheredge/internal/config"
	"weatheredge/internal/schedule"
	"weatheredge/pkg/types"
)

const (
	breakerFailures = 5                // HEAD failures before the breaker opens
	breakerWindow   = 60 * time.Second // counting window for those failures
	breakerOpenFor  = 60 * time.Second // how long the breaker stays open
	breakerProbes   = 3                // half-open probe calls
)

// Detector polls object storage for expected NWP files.
type Detector struct {
	cfg     config.DetectionConfig
	sched   *schedule.Manager
	decoder *Decoder
	cities  []types.City
	bus     *bus.Bus
	logger  *slog.Logger
	client  *resty.Client

	mu     sync.Mutex
	active map[string]struct{} // expected-file keys with a running job

	wg sync.WaitGroup
}

// NewDetector wires a detector. Cities are the full tracked set; each job
// narrows them to the model's domain.
func NewDetector(cfg config.DetectionConfig, sched *schedule.Manager, decoder *Decoder,
	cities []types.City, b *bus.Bus, logger *slog.Logger) *Detector {

	headTimeout := time.Duration(cfg.HeadTimeoutMs) * time.Millisecond
	if headTimeout <= 0 {
		headTimeout = 2 * time.Second
	}

	return &Detector{
		cfg:     cfg,
		sched:   sched,
		decoder: decoder,
		cities:  cities,
		bus:     b,
		logger:  logger.With("component", "detector"),
		client:  resty.New().SetTimeout(headTimeout),
		active:  make(map[string]struct{}),
	}
}

// Run subscribes to detection windows and spawns one job per window.
// Blocks until ctx is cancelled; running jobs are joined before return.
func (d *Detector) Run(ctx context.Context) error {
	sub, err := d.bus.Subscribe(bus.TagDetectionWindowOpen, 0)
	if err != nil {
		return err
	}
	defer d.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return ctx.Err()
		case ev := <-sub.Events():
			open, ok := ev.Payload.(bus.WindowOpenEvent)
			if !ok {
				d.logger.Error("unexpected payload on detection-window-open", "payload", ev.Payload)
				continue
			}
			d.startJob(ctx, open.Window)
		}
	}
}

// startJob launches a detection job unless one is already running for the
// same expected file.
func (d *Detector) startJob(ctx context.Context, w types.DetectionWindow) {
	file := d.sched.ExpectedFile(w.Cycle)

	d.mu.Lock()
	if _, dup := d.active[file.Key]; dup {
		d.mu.Unlock()
		d.logger.Debug("detection already active", "key", file.Key)
		return
	}
	d.active[file.Key] = struct{}{}
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.active, file.Key)
			d.mu.Unlock()
		}()
		d.runJob(ctx, w, file)
	}()
}

func (d *Detector) runJob(ctx context.Context, w types.DetectionWindow, file types.ExpectedFile) {
	jobCtx, cancel := context.WithDeadline(ctx, w.LatestPoll)
	defer cancel()

	interval := time.Duration(d.cfg.PollIntervalMs) * time.Millisecond
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	if interval > 250*time.Millisecond {
		interval = 250 * time.Millisecond
	}

	cb := gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
		Name:        file.Key,
		MaxRequests: breakerProbes,
		Interval:    breakerWindow,
		Timeout:     breakerOpenFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.TotalFailures >= breakerFailures
		},
	})

	url := fmt.Sprintf("https://%s.s3.amazonaws.com/%s", file.Bucket, file.Key)
	start := time.Now()
	d.logger.Info("detection started",
		"cycle", w.Cycle.String(), "key", file.Key, "deadline", w.LatestPoll)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastProbe := time.Now()
	for {
		select {
		case <-jobCtx.Done():
			d.logger.Info("detection window closed without file",
				"cycle", w.Cycle.String(), "elapsed", time.Since(start))
			return
		case <-ticker.C:
		}

		status, err := cb.Execute(func() (int, error) {
			resp, err := d.client.R().SetContext(jobCtx).Head(url)
			if err != nil {
				return 0, err
			}
			code := resp.StatusCode()
			// Anonymous S3 reports missing keys as 404 or 403; neither is
			// a transport failure.
			if code == http.StatusOK || code == http.StatusNotFound || code == http.StatusForbidden {
				return code, nil
			}
			return code, fmt.Errorf("head %s: status %d", file.Key, code)
		})
		if err != nil {
			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				continue
			}
			d.logger.Debug("head probe failed", "key", file.Key, "error", err)
			continue
		}

		if status != http.StatusOK {
			lastProbe = time.Now()
			continue
		}

		detectedAt := time.Now()
		latency := detectedAt.Sub(lastProbe)
		d.logger.Info("file detected",
			"cycle", w.Cycle.String(), "latency_ms", latency.Milliseconds())
		d.bus.Publish(bus.TagFileDetected, bus.FileDetectedEvent{
			File:       file,
			DetectedAt: detectedAt,
			LatencyMs:  latency.Milliseconds(),
		})

		d.downloadAndConfirm(ctx, w, file, url, start)
		return
	}
}

// downloadAndConfirm fetches the detected object, decodes it for the
// in-domain cities, and publishes file-confirmed. Any failure falls
// through silently to the API fallback path.
func (d *Detector) downloadAndConfirm(ctx context.Context, w types.DetectionWindow,
	file types.ExpectedFile, url string, windowStart time.Time) {

	downloadTimeout := time.Duration(d.cfg.DownloadTimeoutMs) * time.Millisecond
	if downloadTimeout <= 0 {
		downloadTimeout = 5 * time.Second
	}
	dlCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	tmpDir := d.cfg.TempDir
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}
	tmpPath := filepath.Join(tmpDir, "wx-"+strings.ReplaceAll(file.Key, "/", "_"))
	defer os.Remove(tmpPath)

	resp, err := d.client.R().SetContext(dlCtx).SetOutput(tmpPath).Get(url)
	if err != nil {
		d.logger.Warn("download failed, falling through to api fallback",
			"cycle", w.Cycle.String(), "error", err)
		return
	}
	if resp.StatusCode() != http.StatusOK {
		d.logger.Warn("download bad status, falling through to api fallback",
			"cycle", w.Cycle.String(), "status", resp.StatusCode())
		return
	}

	cities := d.citiesInDomain(w.Cycle.Model)
	if len(cities) == 0 {
		d.logger.Debug("no cities in model domain", "model", w.Cycle.Model)
		return
	}

	obs, err := d.decoder.Decode(ctx, tmpPath, cities)
	if err != nil {
		d.logger.Warn("decode failed, falling through to api fallback",
			"cycle", w.Cycle.String(), "error", err)
		return
	}

	e2e := time.Since(windowStart)
	d.logger.Info("file confirmed",
		"cycle", w.Cycle.String(), "cities", len(obs), "e2e_ms", e2e.Milliseconds())
	d.bus.Publish(bus.TagFileConfirmed, bus.FileConfirmedEvent{
		Cycle:        w.Cycle,
		Cities:       obs,
		E2ELatencyMs: e2e.Milliseconds(),
	})
}

// citiesInDomain narrows the tracked cities to those routed to the model
// and inside its grid envelope. Out-of-bounds cities are skipped silently.
func (d *Detector) citiesInDomain(model types.ModelKind) []types.City {
	var out []types.City
	for _, c := range d.cities {
		if c.Model != model {
			continue
		}
		if !InBounds(model, c.Lat, c.Lon) {
			d.logger.Debug("city outside model grid", "city", c.ID, "model", model)
			continue
		}
		out = append(out, c)
	}
	return out
}
