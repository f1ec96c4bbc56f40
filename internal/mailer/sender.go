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

// Package mailer delivers onboarding emails over SMTP.
//
// A Sender holds an ordered list of transports (host, port, TLS mode) and
// tries them one after another until one accepts the message. Only one
// delivery runs at a time per Sender; concurrent callers queue on a mutex.
// Each transport sits behind its own circuit breaker so a port that keeps
// timing out is skipped for a while instead of costing a full dial timeout
// on every request.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"github.com/wneessen/go-mail"
)

// DefaultTimeout bounds a single transport attempt.
const DefaultTimeout = 20 * time.Second

// Security is the TLS mode of a transport.
type Security string

const (
	SecuritySTARTTLS Security = "starttls"
	SecuritySSL      Security = "ssl"
	SecurityNone     Security = "none"
)

// Transport is one SMTP endpoint configuration.
type Transport struct {
	Host     string
	Port     int
	Security Security
}

func (t Transport) String() string {
	return fmt.Sprintf("%s:%d/%s", t.Host, t.Port, t.Security)
}

// DefaultTransports is Gmail submission over STARTTLS, then implicit TLS.
func DefaultTransports() []Transport {
	return []Transport{
		{Host: "smtp.gmail.com", Port: 587, Security: SecuritySTARTTLS},
		{Host: "smtp.gmail.com", Port: 465, Security: SecuritySSL},
	}
}

// ContentType of a message body.
type ContentType string

const (
	ContentPlain ContentType = "text/plain"
	ContentHTML  ContentType = "text/html"
)

// Message is a rendered email ready for delivery.
type Message struct {
	To          string
	Subject     string
	Body        string
	ContentType ContentType
}

// Attempt records the outcome of one transport.
type Attempt struct {
	Transport Transport
	Err       error
}

// DeliveryError is returned when every transport failed.
type DeliveryError struct {
	To       string
	Attempts []Attempt
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s: all %d transports failed: %s", e.To, len(e.Attempts), strings.Join(e.Tried(), "; "))
}

// Unwrap exposes the per-transport errors to errors.Is / errors.As.
func (e *DeliveryError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

// Tried lists "transport: error" for each attempt.
func (e *DeliveryError) Tried() []string {
	out := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		out = append(out, fmt.Sprintf("%s: %v", a.Transport, a.Err))
	}
	return out
}

// Config holds account and transport settings for a Sender.
type Config struct {
	Username    string
	Password    string
	FromAddress string
	FromName    string
	Transports  []Transport
	Timeout     time.Duration
}

// deliverFunc sends msg over a single transport.
type deliverFunc func(ctx context.Context, t Transport, msg *mail.Msg) error

// Sender delivers messages over the configured transports.
type Sender struct {
	cfg      Config
	breakers []*gobreaker.CircuitBreaker
	deliver  deliverFunc

	// mu serialises deliveries; the SMTP session is not shared between goroutines.
	mu sync.Mutex
}

// NewSender creates a sender. With no transports configured it falls back
// to DefaultTransports.
func NewSender(cfg Config) *Sender {
	if len(cfg.Transports) == 0 {
		cfg.Transports = DefaultTransports()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.FromAddress == "" {
		cfg.FromAddress = cfg.Username
	}

	s := &Sender{cfg: cfg}
	s.deliver = s.dialAndSend
	for _, t := range cfg.Transports {
		s.breakers = append(s.breakers, newBreaker(t))
	}
	return s
}

func newBreaker(t Transport) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "smtp " + t.String(),
		MaxRequests: 1,
		Interval:    5 * time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("smtp circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
}

// Transports returns the transports in the order they are tried.
func (s *Sender) Transports() []Transport {
	out := make([]Transport, len(s.cfg.Transports))
	copy(out, s.cfg.Transports)
	return out
}

// Send delivers msg, trying each transport in order until one succeeds.
// A *DeliveryError is returned when all of them fail.
func (s *Sender) Send(ctx context.Context, msg Message) error {
	m, err := s.build(msg)
	if err != nil {
		return fmt.Errorf("build message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	derr := &DeliveryError{To: msg.To}
	for i, t := range s.cfg.Transports {
		_, err := s.breakers[i].Execute(func() (interface{}, error) {
			attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
			defer cancel()
			return nil, s.deliver(attemptCtx, t, m)
		})
		if err == nil {
			slog.Info("email sent",
				"to", msg.To,
				"transport", t.String(),
				"attempt", i+1,
			)
			return nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			slog.Debug("smtp transport skipped, circuit open", "transport", t.String())
		} else {
			slog.Warn("smtp transport failed",
				"to", msg.To,
				"transport", t.String(),
				"error", err,
			)
		}
		derr.Attempts = append(derr.Attempts, Attempt{Transport: t, Err: err})
	}

	slog.Error("email delivery failed",
		"to", msg.To,
		"attempts", derr.Tried(),
	)
	return derr
}

// build converts a Message into a go-mail message.
func (s *Sender) build(msg Message) (*mail.Msg, error) {
	m := mail.NewMsg()
	if s.cfg.FromName != "" {
		if err := m.FromFormat(s.cfg.FromName, s.cfg.FromAddress); err != nil {
			return nil, fmt.Errorf("from: %w", err)
		}
	} else if err := m.From(s.cfg.FromAddress); err != nil {
		return nil, fmt.Errorf("from: %w", err)
	}
	if err := m.To(msg.To); err != nil {
		return nil, fmt.Errorf("to: %w", err)
	}

	ct := msg.ContentType
	if ct == "" {
		ct = ContentPlain
	}
	m.Subject(msg.Subject)
	m.SetDate()
	m.SetMessageID()
	m.SetBodyString(mail.ContentType(ct), msg.Body)
	return m, nil
}

// dialAndSend opens a fresh SMTP session on t and sends m.
func (s *Sender) dialAndSend(ctx context.Context, t Transport, m *mail.Msg) error {
	opts := []mail.Option{
		mail.WithPort(t.Port),
		mail.WithTimeout(s.cfg.Timeout),
	}

	switch t.Security {
	case SecuritySSL:
		opts = append(opts, mail.WithSSL())
	case SecurityNone:
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	}

	if s.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.Username),
			mail.WithPassword(s.cfg.Password),
		)
	}

	client, err := mail.NewClient(t.Host, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}
