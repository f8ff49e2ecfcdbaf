package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"commoditydash/internal/cache"
	"commoditydash/internal/config"
	"commoditydash/internal/fetcher"
	"commoditydash/internal/prices"
	"commoditydash/internal/views"
)

type server struct {
	loader   cache.Loader
	settings config.Settings
	logger   *slog.Logger
}

type errorResponse struct {
	Error string `json:"error"`
}

// newRouter mounts the view endpoints, /healthz and metricsHandler at /metrics.
func newRouter(s *server, metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5, "application/json", "text/csv"))
	r.Use(withCORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metricsHandler)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(s.settings.Server.RequestTimeout()))
		r.Get("/prices", s.handleView(views.Prices))
		r.Get("/returns", s.handleView(views.Returns))
		r.Get("/moving-averages", s.handleView(views.MovingAverages))
		r.Get("/change", s.handleView(views.Change))
		r.Get("/summary", s.handleView(views.Summary))
	})
	return r
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// viewQuery is a parsed view request.
type viewQuery struct {
	params  fetcher.Params
	format  views.Format
	options views.Options
}

func (s *server) parseQuery(r *http.Request) (viewQuery, error) {
	q := r.URL.Query()
	format, err := views.ParseFormat(q.Get("format"), views.JSON)
	if err != nil {
		return viewQuery{}, err
	}
	start, err := views.ParseDate("start", q.Get("start"))
	if err != nil {
		return viewQuery{}, err
	}
	end, err := views.ParseDate("end", q.Get("end"))
	if err != nil {
		return viewQuery{}, err
	}
	tickers := config.SplitList(q.Get("tickers"))
	if len(tickers) == 0 {
		tickers = s.settings.DefaultTickers
	}

	opts := views.Options{Windows: s.settings.MovingAverageWindows}
	if raw := q.Get("windows"); strings.TrimSpace(raw) != "" {
		if opts.Windows, err = views.ParseWindows(raw); err != nil {
			return viewQuery{}, err
		}
	}
	if raw := strings.TrimSpace(q.Get("last")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return viewQuery{}, prices.Invalid("last must be a non-negative integer")
		}
		opts.Last = n
	}

	return viewQuery{
		params: fetcher.Params{
			Tickers:  tickers,
			Start:    start,
			End:      end,
			Interval: q.Get("interval"),
		},
		format:  format,
		options: opts,
	}, nil
}

func (s *server) handleView(kind views.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := s.parseQuery(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		table, err := s.loader.Fetch(r.Context(), q.params)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		// render fully before the status line goes out
		var buf bytes.Buffer
		if err := views.Render(&buf, table, kind, q.format, q.options); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", q.format.ContentType())
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		_, _ = buf.WriteTo(w)
	}
}

// statusFor maps pipeline errors to HTTP statuses. A request whose own
// deadline passed is a gateway timeout whatever the error.
func statusFor(ctx context.Context, err error) int {
	var dlErr *fetcher.DataDownloadError
	switch {
	case errors.Is(err, prices.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &dlErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(r.Context(), err)
	msg := views.Describe(err)
	if status == http.StatusGatewayTimeout {
		msg = "request timed out after " + s.settings.Server.RequestTimeout().Round(time.Second).String()
	}
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	s.logger.Log(r.Context(), level, "view request failed",
		"path", r.URL.Path,
		"status", status,
		"request_id", middleware.GetReqID(r.Context()),
		"error", err,
	)

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(errorResponse{Error: msg})
}
