// Package server exposes a Generator over HTTP: channel configuration, wave
// application, a timing-diagram preview and a websocket event stream.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fkcurrie/multipwm/internal/plot"
	"github.com/fkcurrie/multipwm/pkg/pwm"
)

// Store records the channel configuration and the event history.
type Store interface {
	SaveChannel(ctx context.Context, cfg pwm.ChannelConfig) error
	DeleteChannel(ctx context.Context, ch int) error
	ReplaceChannels(ctx context.Context, cfgs []pwm.ChannelConfig) error
	Events(ctx context.Context, limit int) ([]pwm.Event, error)
}

// Option configures a Server.
type Option func(*Server)

// WithStore persists every channel change, and the whole channel set after
// every successful apply.
func WithStore(st Store) Option {
	return func(s *Server) { s.store = st }
}

// WithHub streams events from hub on /api/v1/events.
func WithHub(h *Hub) Option {
	return func(s *Server) { s.hub = h }
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// Server is the HTTP front end of a Generator.
type Server struct {
	gen    *pwm.Generator
	store  Store
	hub    *Hub
	logger *slog.Logger
	router chi.Router
}

// New creates a server for gen.
func New(gen *pwm.Generator, opts ...Option) *Server {
	s := &Server{gen: gen, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if s.hub == nil {
		s.hub = NewHub(s.logger)
	}
	s.routes()
	return s
}

// Hub returns the hub feeding the event stream.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Put("/channels/{ch}", s.handleConfigure)
		r.Delete("/channels/{ch}", s.handleDisarm)
		r.Post("/apply", s.handleApply)
		r.Post("/await", s.handleAwait)
		r.Post("/abandon", s.handleAbandon)
		r.Post("/stop", s.handleStop)
		r.Get("/preview.png", s.handlePreviewPNG)
		r.Get("/preview.svg", s.handlePreviewSVG)
		r.Get("/events", s.hub.ServeHTTP)
		r.Get("/events/history", s.handleHistory)
	})
	s.router = r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// ChannelRequest is the body of PUT /api/v1/channels/{ch}. Times are in
// microseconds; when Duty is set it replaces High and Low.
type ChannelRequest struct {
	Phase float64  `json:"phase"`
	High  float64  `json:"high"`
	Low   float64  `json:"low"`
	Count int      `json:"count"`
	Duty  *float64 `json:"duty,omitempty"`
}

// ApplyResponse is the body of a successful POST /api/v1/apply.
type ApplyResponse struct {
	Wave   pwm.WaveID `json:"wave"`
	Status pwm.Status `json:"status"`
}

type timeoutResponse struct {
	Error   string     `json:"error"`
	Current pwm.WaveID `json:"current"`
	Next    pwm.WaveID `json:"next"`
	Waited  string     `json:"waited"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gen.Status())
}

func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	ch, err := strconv.Atoi(chi.URLParam(r, "ch"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("bad channel %q", chi.URLParam(r, "ch")))
		return
	}

	var req ChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding channel: %w", err))
		return
	}

	if req.Duty != nil {
		err = s.gen.ConfigureDuty(ch, req.Phase, *req.Duty, req.Count)
	} else {
		err = s.gen.Configure(ch, req.Phase, req.High, req.Low, req.Count)
	}
	if err != nil {
		s.fail(w, err)
		return
	}

	cfg, _ := s.gen.Channels().Config(ch)
	s.logger.Info("channel configured", "channel", ch, "pin", cfg.Pin, "phase", cfg.Phase, "high", cfg.High, "low", cfg.Low, "count", cfg.Count)
	if s.store != nil {
		if err := s.store.SaveChannel(r.Context(), cfg); err != nil {
			s.logger.Error("persisting channel", "channel", ch, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleDisarm(w http.ResponseWriter, r *http.Request) {
	ch, err := strconv.Atoi(chi.URLParam(r, "ch"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("bad channel %q", chi.URLParam(r, "ch")))
		return
	}
	if err := s.gen.Disarm(ch); err != nil {
		s.fail(w, err)
		return
	}
	s.logger.Info("channel disarmed", "channel", ch)
	if s.store != nil {
		if err := s.store.DeleteChannel(r.Context(), ch); err != nil {
			s.logger.Error("forgetting channel", "channel", ch, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	id, err := s.gen.Apply(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.persist(r.Context())
	writeJSON(w, http.StatusOK, ApplyResponse{Wave: id, Status: s.gen.Status()})
}

func (s *Server) handleAwait(w http.ResponseWriter, r *http.Request) {
	if err := s.gen.Controller().Await(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	s.persist(r.Context())
	writeJSON(w, http.StatusOK, s.gen.Status())
}

func (s *Server) handleAbandon(w http.ResponseWriter, r *http.Request) {
	if err := s.gen.Controller().Abandon(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.gen.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.gen.Stop(); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.gen.Status())
}

func (s *Server) handlePreviewPNG(w http.ResponseWriter, r *http.Request) {
	s.preview(w, r, "image/png", plot.WritePNG)
}

func (s *Server) handlePreviewSVG(w http.ResponseWriter, r *http.Request) {
	s.preview(w, r, "image/svg+xml", plot.WriteSVG)
}

type drawFunc func(w io.Writer, period uint64, traces []plot.Trace, opts plot.Options) error

// preview draws the program the next apply would transmit, one lane per
// channel.
func (s *Server) preview(w http.ResponseWriter, r *http.Request, contentType string, draw drawFunc) {
	program, err := s.gen.Preview()
	if err != nil {
		s.fail(w, err)
		return
	}

	opts := plot.DefaultOptions()
	if width, err := strconv.Atoi(r.URL.Query().Get("width")); err == nil {
		opts.Width = width
	}
	channels := s.gen.Channels()

	var buf bytes.Buffer
	if err := draw(&buf, uint64(channels.Period()), plot.Lanes(program, channels.Pins()), opts); err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(buf.Bytes())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, errors.New("no event store configured"))
		return
	}
	limit := 100
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		limit = n
	}
	events, err := s.store.Events(r.Context(), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if events == nil {
		events = []pwm.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// persist records the transmitted channel set. A failure is logged; the
// wave is already on the wire.
func (s *Server) persist(ctx context.Context) {
	if s.store == nil {
		return
	}
	if err := s.store.ReplaceChannels(ctx, s.gen.Channels().Configs()); err != nil {
		s.logger.Error("persisting channels", "error", err)
	}
}

// fail maps a generator error to a status code.
func (s *Server) fail(w http.ResponseWriter, err error) {
	var (
		cfgErr  *pwm.ConfigurationError
		compErr *pwm.CompositionError
		timeout *pwm.SwapTimeoutError
	)
	switch {
	case errors.As(err, &timeout):
		s.logger.Warn("swap timed out", "current", timeout.Current, "next", timeout.Next, "waited", timeout.Waited)
		writeJSON(w, http.StatusGatewayTimeout, timeoutResponse{
			Error:   err.Error(),
			Current: timeout.Current,
			Next:    timeout.Next,
			Waited:  timeout.Waited.String(),
		})
	case errors.Is(err, pwm.ErrEngineUnavailable):
		s.logger.Error("engine unavailable", "error", err)
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.As(err, &cfgErr), errors.As(err, &compErr):
		writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, pwm.ErrSwapPending), errors.Is(err, pwm.ErrSwapAborted),
		errors.Is(err, pwm.ErrNoSwapPending), errors.Is(err, pwm.ErrNotRunning):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, err)
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
