package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/wordwatch/internal/health"
	"github.com/MrWong99/wordwatch/internal/observe"
	"github.com/MrWong99/wordwatch/internal/resilience"
	"github.com/MrWong99/wordwatch/internal/transcribe"
)

const readHeaderTimeout = 10 * time.Second

// Status is the document served on /api/status.
type Status struct {
	State        string            `json:"state"`
	Source       string            `json:"source"`
	Words        []string          `json:"words"`
	Isolate      bool              `json:"isolate"`
	Latency      string            `json:"latency"`
	Backlog      int               `json:"backlog"`
	TimeBehindMS int64             `json:"time_behind_ms"`
	FarBehind    bool              `json:"far_behind"`
	Speaking     bool              `json:"speaking"`
	BufferedMS   int64             `json:"buffered_ms"`
	Matches      uint64            `json:"matches"`
	LastMatch    *MatchEvent       `json:"last_match,omitempty"`
	Subscribers  int               `json:"subscribers"`
	Breakers     map[string]string `json:"breakers,omitempty"`
}

// Status returns a snapshot of the pipeline.
func (a *App) Status() Status {
	ls := a.listener.Status()
	st := Status{
		State:        a.worker.State().String(),
		Source:       string(a.cfg.Source.Name),
		Words:        a.Words(),
		Isolate:      a.detector.Isolate(),
		Latency:      a.listener.Latency().String(),
		Backlog:      ls.Backlog,
		TimeBehindMS: ls.TimeBehind.Milliseconds(),
		FarBehind:    ls.FarBehind,
		Speaking:     ls.Speaking,
		BufferedMS:   ls.Buffered.Milliseconds(),
		Subscribers:  a.hub.Subscribers(),
	}
	a.matchMu.Lock()
	st.Matches = a.matches
	if a.lastMatch != nil {
		ev := *a.lastMatch
		st.LastMatch = &ev
	}
	a.matchMu.Unlock()

	if f, ok := a.providers.STT.(*resilience.Failover); ok {
		st.Breakers = make(map[string]string)
		for name, s := range f.Breakers() {
			st.Breakers[name] = s.String()
		}
	}
	return st
}

func (a *App) initHTTP() {
	a.hub = newHub(a.log, a.cfg.Source.Origins)

	mux := http.NewServeMux()
	health.New(a.checkers()...).Register(mux)

	metricsH := a.metricsH
	if metricsH == nil {
		metricsH = promhttp.Handler()
	}
	mux.Handle("GET /metrics", metricsH)
	mux.HandleFunc("GET /api/status", a.handleStatus)
	mux.Handle("GET /ws/matches", a.hub)
	if h, ok := a.providers.Source.(http.Handler); ok {
		mux.Handle("GET /ws/ingest", h)
	}
	a.mux = mux

	if a.cfg.Server.ListenAddr == "" {
		return
	}
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(a.log.Handler(), slog.LevelWarn),
	}
}

// Handler returns the HTTP routes wrapped in the observability middleware.
func (a *App) Handler() http.Handler {
	return observe.Middleware(a.metrics, a.log)(a.mux)
}

func (a *App) checkers() []health.Checker {
	checks := []health.Checker{
		{
			Name: "transcriber",
			Check: func(context.Context) error {
				if s := a.worker.State(); s != transcribe.StateRunning {
					return fmt.Errorf("worker is %s", s)
				}
				return nil
			},
		},
		{
			Name:     "lag",
			Optional: true,
			Check: func(context.Context) error {
				if st := a.listener.Status(); st.FarBehind {
					return fmt.Errorf("transcription is %s behind", st.TimeBehind.Round(time.Second))
				}
				return nil
			},
		},
	}
	if c, ok := a.providers.Source.(interface{ Connected() bool }); ok {
		checks = append(checks, health.Checker{
			Name:     "source",
			Optional: true,
			Check: func(context.Context) error {
				if !c.Connected() {
					return errors.New("no client streaming")
				}
				return nil
			},
		})
	}
	return checks
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(a.Status()); err != nil {
		a.log.Warn("encode status", "err", err)
	}
}

// serve runs the HTTP server until ctx is done.
func (a *App) serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.log.Info("http server listening", "addr", a.server.Addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("http shutdown error", "err", err)
		}
		return nil
	}
}
