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


// Onboarding Relay
//
// Entry point for the Slack onboarding relay. It:
//  1. Loads .env (if present) and configuration from the environment
//  2. Connects to Redis when the shared dedup filter or outcome queue is on
//  3. Builds the mail sender, Slack notifier and event dispatcher
//  4. Serves the Slack Events API endpoint plus /health and /test
//  5. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/onboarding/internal/config"
	"github.com/bcem/onboarding/internal/dedup"
	"github.com/bcem/onboarding/internal/dispatch"
	"github.com/bcem/onboarding/internal/mailer"
	"github.com/bcem/onboarding/internal/queue"
	"github.com/bcem/onboarding/internal/signature"
	"github.com/bcem/onboarding/internal/slack"
	"github.com/bcem/onboarding/internal/webhook"
)

func main() {
	// Structured JSON logging; the level is adjusted once config is loaded.
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	slog.Info("starting onboarding relay")

	// A missing .env is normal in containers.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to read .env", "error", err)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	level.Set(cfg.SlogLevel())

	slog.Info("configuration loaded", "config", cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to Redis (optional) ---
	var rdb *redis.Client
	if cfg.UsesRedis() {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		defer rdb.Close()
	}

	// --- Dedup ---
	admitter := dedup.Local(dedup.NewCache(dedup.DefaultCeiling))
	if cfg.DedupBackend == config.DedupRedis {
		admitter = dedup.NewRedisFilter(rdb, dedup.DefaultTTL)
	}
	slog.Info("dedup backend selected", "backend", cfg.DedupBackend)

	// --- Mail ---
	renderer, err := mailer.NewRenderer(cfg.Company, cfg.Mail.Signature, mailer.Subjects{
		Welcome:   cfg.Mail.Subjects.Welcome,
		Kickoff:   cfg.Mail.Subjects.Kickoff,
		Onboarded: cfg.Mail.Subjects.Onboarded,
	})
	if err != nil {
		slog.Error("failed to parse email templates", "error", err)
		os.Exit(1)
	}

	sender := mailer.NewSender(mailer.Config{
		Username:   cfg.Mail.Username,
		Password:   cfg.Mail.Password,
		FromName:   cfg.Mail.FromName,
		Transports: transports(cfg.Mail.Transports),
		Timeout:    cfg.Mail.Timeout,
	})
	for _, t := range sender.Transports() {
		slog.Info("smtp transport configured", "transport", t.String())
	}

	// --- Slack ---
	notifier := slack.NewNotifier(ctx, cfg.SlackBotToken, cfg.SlackAPIURL, cfg.SlackTimeout)

	// --- Dispatcher ---
	dispatcher := dispatch.New(
		signature.NewVerifier([]byte(cfg.SlackSigningSecret)),
		admitter,
		renderer,
		sender,
		notifier,
		cfg.DefaultRecipient,
	)

	// --- Outcome Queue (optional) ---
	if cfg.OutcomesQueue != "" {
		publisher := queue.NewPublisher(rdb, cfg.OutcomesQueue)
		if err := publisher.Ping(ctx); err != nil {
			// Outcomes are best effort; the relay works without them.
			slog.Warn("redis unreachable, outcomes will fail until it recovers", "error", err)
		} else {
			slog.Info("connected to Redis", "queue", cfg.OutcomesQueue)
		}
		dispatcher.WithPublisher(publisher)
	}

	// --- HTTP Server ---
	handler := webhook.NewHandler(dispatcher)
	ready, stopped, err := webhook.Serve(ctx, cfg.Port, handler.Routes())
	if err != nil {
		slog.Error("failed to start webhook server", "error", err)
		os.Exit(1)
	}
	<-ready

	if url := resolvePublicURL(cfg.PublicURL); url != "" {
		slog.Info("set the Slack app's Request URL", "url", strings.TrimRight(url, "/")+"/events")
	}

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	slog.Info("received shutdown signal", "signal", sig)
	cancel()
	<-stopped

	slog.Info("onboarding relay stopped")
}

// transports converts configured SMTP endpoints; an empty list keeps the
// sender's Gmail defaults.
func transports(in []config.TransportConfig) []mailer.Transport {
	out := make([]mailer.Transport, 0, len(in))
	for _, t := range in {
		out = append(out, mailer.Transport{
			Host:     t.Host,
			Port:     t.Port,
			Security: mailer.Security(strings.ToLower(t.Security)),
		})
	}
	return out
}

// resolvePublicURL resolves the public URL from config.
//
//   - Empty string → "" (nothing to report)
//   - "auto" → discover the public URL from a local ngrok agent
//   - Any other string → use as-is
func resolvePublicURL(raw string) string {
	if raw == "" {
		return ""
	}

	if strings.ToLower(raw) != "auto" {
		return raw
	}

	// Auto-discover from ngrok's local API.
	ngrokAPI := os.Getenv("NGROK_API_URL")
	if ngrokAPI == "" {
		ngrokAPI = "http://localhost:4040"
	}

	slog.Info("discovering public URL from ngrok", "api", ngrokAPI)

	client := &http.Client{Timeout: 5 * time.Second}
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		url, err := ngrokTunnel(client, ngrokAPI)
		if err == nil {
			slog.Info("ngrok tunnel discovered", "url", url)
			return url
		}
		lastErr = err
		slog.Debug("ngrok not ready, retrying",
			"attempt", attempt+1,
			"error", err,
		)
		time.Sleep(2 * time.Second)
	}

	slog.Warn("failed to discover ngrok tunnel", "error", lastErr)
	return ""
}

// ngrokTunnel returns the first https tunnel, or any tunnel if none is https.
func ngrokTunnel(client *http.Client, api string) (string, error) {
	resp, err := client.Get(api + "/api/tunnels")
	if err != nil {
		return "", fmt.Errorf("query ngrok: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Tunnels []struct {
			PublicURL string `json:"public_url"`
			Proto     string `json:"proto"`
		} `json:"tunnels"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode ngrok tunnels: %w", err)
	}

	for _, t := range result.Tunnels {
		if t.Proto == "https" {
			return t.PublicURL, nil
		}
	}
	if len(result.Tunnels) > 0 {
		return result.Tunnels[0].PublicURL, nil
	}
	return "", fmt.Errorf("no tunnels found")
}
