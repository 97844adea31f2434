// Package api is the HTTP ingress: the venue forecast webhook and the
// status endpoints.
//
// The webhook lets the venue push forecast revisions it has observed;
// payloads are authenticated with an HMAC-SHA256 signature over the raw
// body. Accepted forecasts enter the bus as api-data with a venue source,
// so the confirmation manager applies the same emission rules as any other
// API path and the controller can use them as burst triggers.
package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"weatheredge/internal/bus"
	"weatheredge/internal/config"
	"weatheredge/pkg/types"
)

const (
	signatureHeader = "X-Webhook-Signature"
	maxBodyBytes    = 1 << 20
	readTimeout     = 5 * time.Second
	writeTimeout    = 10 * time.Second
)

// forecastPayload is the webhook's wire format.
type forecastPayload struct {
	CityID    string           `json:"city_id"`
	Metric    types.MetricType `json:"metric"`
	Value     float64          `json:"value"`
	Unit      string           `json:"unit"`
	ValidTime time.Time        `json:"valid_time"`
}

// StatusFunc assembles the engine status report on demand.
type StatusFunc func() types.StatusReport

// Server is the HTTP ingress.
type Server struct {
	cfg    config.WebhookConfig
	bus    *bus.Bus
	status StatusFunc
	logger *slog.Logger
	http   *http.Server
}

// NewServer wires the routes.
func NewServer(cfg config.WebhookConfig, b *bus.Bus, status StatusFunc, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		bus:    b,
		status: status,
		logger: logger.With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/forecast", s.handleForecastWebhook)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleForecastWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if !s.verifySignature(body, r.Header.Get(signatureHeader)) {
		s.logger.Warn("webhook signature rejected", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var payload forecastPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if payload.CityID == "" || payload.Metric == "" {
		http.Error(w, "missing city_id or metric", http.StatusBadRequest)
		return
	}

	snap := types.ForecastSnapshot{
		CityID:     payload.CityID,
		Metric:     payload.Metric,
		Value:      payload.Value,
		Unit:       payload.Unit,
		ValidTime:  payload.ValidTime,
		Source:     types.SourceVenue,
		State:      types.StateAPIUnconfirmed,
		ProducedAt: time.Now().UTC(),
	}
	s.bus.Publish(bus.TagAPIData, bus.SnapshotEvent{Snapshot: snap})

	s.logger.Info("venue forecast accepted",
		"city", payload.CityID, "metric", payload.Metric, "value", payload.Value)
	w.WriteHeader(http.StatusAccepted)
}

// verifySignature checks the hex HMAC-SHA256 of the raw body.
func (s *Server) verifySignature(body []byte, signature string) bool {
	if s.cfg.Secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.cfg.Secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report := s.status()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(report); err != nil {
		s.logger.Error("encode status", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","time":%q}`, time.Now().UTC().Format(time.RFC3339))
}
