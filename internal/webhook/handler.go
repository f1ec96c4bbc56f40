// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package webhook exposes the Slack Events API endpoint and the supporting
// health and test routes. Slack POSTs every subscribed event to /events;
// the handler reads the raw body (the signature covers the exact bytes),
// hands it to the dispatcher, and answers with the status it decides.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/bcem/onboarding/internal/dispatch"
	"github.com/bcem/onboarding/internal/signature"
)

const (
	// maxBodyBytes caps an inbound event. Slack payloads are a few KB.
	maxBodyBytes = 1 << 20

	shutdownGrace = 30 * time.Second
)

// Dispatcher runs a verified request to its terminal state.
type Dispatcher interface {
	Handle(ctx context.Context, req dispatch.Request) dispatch.Result
}

// Handler serves the Slack-facing HTTP routes.
type Handler struct {
	dispatcher Dispatcher
}

// NewHandler creates an events handler.
func NewHandler(d Dispatcher) *Handler {
	return &Handler{dispatcher: d}
}

// Routes builds the router.
//
//	POST /events, /slack/events  Slack Events API
//	GET  /health                 liveness
//	POST /test                   echoes the JSON body back
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	// RequestID first so the access log and dispatcher see it; the access log
	// wraps recoverPanic so a recovered 500 is logged with its status.
	r.Use(chimw.RequestID)
	r.Use(accessLog)
	r.Use(recoverPanic)

	r.Post("/events", h.ServeEvents)
	r.Post("/slack/events", h.ServeEvents)
	r.Get("/health", ServeHealth)
	r.Post("/test", ServeTest)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Endpoint not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
	})

	return r
}

// ServeEvents handles Slack event deliveries.
//
// Slack flow:
//   - every request carries X-Slack-Request-Timestamp and X-Slack-Signature
//   - url_verification bodies must be answered with {"challenge": token}
//   - anything else gets {"status": "ok"} once handled; Slack only looks at
//     the status code and retries on non-2xx
func (h *Handler) ServeEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		slog.Warn("failed to read event body", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Bad request"})
		return
	}

	res := h.dispatcher.Handle(r.Context(), dispatch.Request{
		ID:        chimw.GetReqID(r.Context()),
		Body:      body,
		Timestamp: r.Header.Get(signature.TimestampHeader),
		Signature: r.Header.Get(signature.SignatureHeader),
	})

	switch res.Status {
	case http.StatusUnauthorized:
		writeJSON(w, res.Status, map[string]string{"error": "Unauthorized"})
	case http.StatusBadRequest:
		writeJSON(w, res.Status, map[string]string{"error": "Bad request"})
	default:
		if res.State == dispatch.StateURLVerification {
			writeJSON(w, http.StatusOK, map[string]string{"challenge": res.Challenge})
			return
		}
		writeJSON(w, res.Status, map[string]string{"status": "ok"})
	}
}

// ServeHealth is the liveness probe.
func ServeHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ServeTest echoes the posted JSON so operators can check reachability
// without going through Slack.
func ServeTest(w http.ResponseWriter, r *http.Request) {
	var data any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&data); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON"})
		return
	}
	slog.Info("test endpoint called", "request_id", chimw.GetReqID(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "success",
		"received_data": data,
		"message":       "Bot endpoint is working!",
	})
}

// accessLog logs one line per request.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			slog.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", chimw.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// recoverPanic turns a panic anywhere below it into a JSON 500.
func recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			slog.Error("panic handling request",
				"path", r.URL.Path,
				"panic", fmt.Sprint(rec),
				"request_id", chimw.GetReqID(r.Context()),
			)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "error", err)
	}
}

// Serve starts the HTTP server on the given port.
// It binds the port immediately and signals readiness via the returned ready
// channel before starting to accept connections. Once ctx is cancelled,
// in-flight requests get up to shutdownGrace to finish; stopped is closed
// when the server has fully shut down.
func Serve(ctx context.Context, port int, handler http.Handler) (ready, stopped <-chan struct{}, err error) {
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, nil, fmt.Errorf("bind webhook port %d: %w", port, err)
	}

	readyCh := make(chan struct{})
	stoppedCh := make(chan struct{})

	go func() {
		defer close(stoppedCh)
		<-ctx.Done()
		slog.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("webhook server shutdown incomplete", "error", err)
			server.Close()
		}
	}()

	go func() {
		slog.Info("webhook server listening", "port", port)
		close(readyCh)
		if err := server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("webhook server error", "error", err)
		}
	}()

	return readyCh, stoppedCh, nil
}
