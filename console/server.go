// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package console serves recordings and cached media to Asterisk and origin
// applications, and a call inspection UI and API to operators.
package console

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/sprucehealth/twiari/engine"
	"github.com/sprucehealth/twiari/model"
)

//go:embed templates/*.html static/*
var content embed.FS

// Calls is the view of the engine the console reads
type Calls interface {
	Calls() []model.Call
	Call(sid model.SID) (model.Call, error)
	SubscribeEvents() (<-chan model.Event, func())
	Hangup(sid model.SID) error
}

// Server is the static file server plus the call console
type Server struct {
	Addr string

	calls      Calls
	log        *slog.Logger
	now        func() time.Time
	secret     string
	recordings string
	cacheDir   string
	mediaDir   string
	metrics    http.Handler
	tmpl       *template.Template
	server     *http.Server
}

// Option configures the server
type Option func(*Server)

// WithLogger sets the server logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// WithSecret requires console and API requests to carry an access token
// signed with secret
func WithSecret(secret string) Option {
	return func(s *Server) {
		s.secret = secret
	}
}

// WithRecordings serves recording files from dir at the root
func WithRecordings(dir string) Option {
	return func(s *Server) {
		s.recordings = dir
	}
}

// WithMediaCache serves cached speech and audio from dir under /ml/
func WithMediaCache(dir string) Option {
	return func(s *Server) {
		s.cacheDir = dir
	}
}

// WithMedia serves static prompts from dir under /media/
func WithMedia(dir string) Option {
	return func(s *Server) {
		s.mediaDir = dir
	}
}

// WithMetrics exposes h at /metrics
func WithMetrics(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithNow sets the time source used for in-progress durations
func WithNow(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// NewServer creates a console server listening on addr
func NewServer(calls Calls, addr string, opts ...Option) (*Server, error) {
	if addr == "" {
		addr = ":8888"
	}

	funcs := template.FuncMap{
		"json": func(v any) string {
			b, _ := json.MarshalIndent(v, "", "  ")
			return string(b)
		},
		"duration": func(c model.Call, now time.Time) string {
			return c.Duration(now).Round(time.Second).String()
		},
	}
	tmpl, err := template.New("").Funcs(funcs).ParseFS(content, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	s := &Server{
		Addr:  addr,
		calls: calls,
		log:   slog.Default(),
		now:   time.Now,
		tmpl:  tmpl,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the routes served by the console
func (s *Server) Handler() http.Handler {
	static, _ := fs.Sub(content, "static")

	mux := http.NewServeMux()
	if s.recordings != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.recordings)))
	}
	if s.cacheDir != "" {
		mux.Handle("/ml/", http.StripPrefix("/ml/", http.FileServer(http.Dir(s.cacheDir))))
	}
	if s.mediaDir != "" {
		mux.Handle("/media/", http.StripPrefix("/media/", http.FileServer(http.Dir(s.mediaDir))))
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	mux.Handle("/console/static/", http.StripPrefix("/console/static/", http.FileServer(http.FS(static))))
	mux.Handle("GET /console/{$}", s.requireToken(http.HandlerFunc(s.handleCalls)))
	mux.Handle("GET /console/calls/{sid}", s.requireToken(http.HandlerFunc(s.handleCallDetail)))
	mux.Handle("GET /api/calls", s.requireToken(http.HandlerFunc(s.handleAPICalls)))
	mux.Handle("GET /api/calls/{sid}", s.requireToken(http.HandlerFunc(s.handleAPICall)))
	mux.Handle("POST /api/calls/{sid}", s.requireToken(http.HandlerFunc(s.handleAPIUpdateCall)))
	mux.Handle("GET /ws/events", s.requireToken(http.HandlerFunc(s.handleEvents)))
	return mux
}

// Start serves until Stop is called
func (s *Server) Start() error {
	s.log.Info("console running", "addr", s.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	calls := s.calls.Calls()
	slices.Reverse(calls)
	data := map[string]any{
		"Calls": calls,
		"Now":   s.now(),
	}
	if err := s.tmpl.ExecuteTemplate(w, "calls.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleCallDetail(w http.ResponseWriter, r *http.Request) {
	call, err := s.calls.Call(model.SID(r.PathValue("sid")))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	data := map[string]any{
		"Call": call,
		"Now":  s.now(),
	}
	if err := s.tmpl.ExecuteTemplate(w, "call.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleAPICalls(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	calls := s.calls.Calls()
	out := make([]any, 0, len(calls))
	for _, c := range calls {
		out = append(out, apiCall(c, now))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"calls": out})
}

func (s *Server) handleAPICall(w http.ResponseWriter, r *http.Request) {
	sid := model.SID(r.PathValue("sid"))
	call, err := s.calls.Call(sid)
	if err != nil {
		rest := engine.NotFoundError(sid)
		s.writeJSON(w, rest.Status, rest)
		return
	}
	s.writeJSON(w, http.StatusOK, apiCall(call, s.now()))
}

// handleAPIUpdateCall supports the Twilio call update that ends a call,
// Status=completed
func (s *Server) handleAPIUpdateCall(w http.ResponseWriter, r *http.Request) {
	sid := model.SID(r.PathValue("sid"))
	if status := r.FormValue("Status"); status != string(model.CallCompleted) && status != string(model.CallCanceled) {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{
			"code":    21218,
			"message": "Status must be completed or canceled",
			"status":  http.StatusBadRequest,
		})
		return
	}
	err := s.calls.Hangup(sid)
	switch {
	case errors.Is(err, engine.ErrNotFound):
		rest := engine.NotFoundError(sid)
		s.writeJSON(w, rest.Status, rest)
		return
	case err != nil && !errors.Is(err, engine.ErrCallTerminated):
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	call, err := s.calls.Call(sid)
	if err != nil {
		rest := engine.NotFoundError(sid)
		s.writeJSON(w, rest.Status, rest)
		return
	}
	s.writeJSON(w, http.StatusOK, apiCall(call, s.now()))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("writing response failed", "error", err)
	}
}
