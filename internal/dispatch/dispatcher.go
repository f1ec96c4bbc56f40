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


// Package dispatch routes a verified Slack event through admission,
// extraction, and validation, then hands the result to the mail and chat
// collaborators. Every request ends in exactly one terminal State.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/bcem/onboarding/internal/address"
	"github.com/bcem/onboarding/internal/dedup"
	"github.com/bcem/onboarding/internal/extract"
	"github.com/bcem/onboarding/internal/mailer"
	"github.com/bcem/onboarding/internal/models"
	"github.com/bcem/onboarding/internal/signature"
)

// State is the terminal state of one request.
type State string

const (
	StateUnauthorized    State = "unauthorized"
	StateBadRequest      State = "bad_request"
	StateURLVerification State = "url_verification"
	StateIgnored         State = "ignored"
	StateDuplicate       State = "duplicate"
	StateOnboardedSent   State = "onboarded_sent"
	StateOnboardedFailed State = "onboarded_failed"
	StateInvalidFormat   State = "invalid_format"
	StateMissingEmail    State = "missing_email"
	StateInvalidEmail    State = "invalid_email"
	StateEmailSent       State = "email_sent"
	StateEmailFailed     State = "email_failed"
)

// Chat replies posted back to the originating channel.
const (
	msgUsage        = "❌ Invalid format. Please use: `@onboarding-bot John Doe john@example.com`"
	msgMissingEmail = "❌ Found customer %s but no email address. Add it to the Customer line, e.g. `Customer: %s - jane@example.com`"
	msgInvalidEmail = "❌ Invalid email format: %s"
	msgInvalidLabel = "❌ Invalid email format for customer %s: %s"
	msgEmailSent    = "✅ Onboarding email sent to %s (%s)"
	msgEmailFailed  = "❌ Failed to send email to %s (%s). Please try again or contact support."
	msgNoticeSent   = "✅ Onboarded notice sent to %s"
	msgNoticeFailed = "❌ Failed to send onboarded notice to %s. Please try again or contact support."
)

// dispatchDeadline bounds all collaborator calls for one request.
const dispatchDeadline = 2 * time.Minute

var onboardedRe = regexp.MustCompile(`(?i)\bonboarded\b`)

// EmailSender delivers a rendered message.
type EmailSender interface {
	Send(ctx context.Context, msg mailer.Message) error
}

// ChatNotifier posts text to a channel.
type ChatNotifier interface {
	PostMessage(ctx context.Context, channel, text string) error
}

// OutcomePublisher receives one Outcome per handled mention.
type OutcomePublisher interface {
	Publish(ctx context.Context, o models.Outcome) error
}

// Request is the raw inbound webhook call.
type Request struct {
	ID        string
	Body      []byte
	Timestamp string
	Signature string
}

// Result tells the HTTP layer what to answer.
type Result struct {
	State     State
	Status    int
	Challenge string
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	verifier         *signature.Verifier
	admitter         dedup.Admitter
	renderer         *mailer.Renderer
	sender           EmailSender
	notifier         ChatNotifier
	publisher        OutcomePublisher
	defaultRecipient string
}

// New creates a dispatcher. defaultRecipient receives the "onboarded"
// shorthand notices.
func New(
	verifier *signature.Verifier,
	admitter dedup.Admitter,
	renderer *mailer.Renderer,
	sender EmailSender,
	notifier ChatNotifier,
	defaultRecipient string,
) *Dispatcher {
	return &Dispatcher{
		verifier:         verifier,
		admitter:         admitter,
		renderer:         renderer,
		sender:           sender,
		notifier:         notifier,
		defaultRecipient: defaultRecipient,
	}
}

// WithPublisher attaches an outcome publisher. A nil publisher disables
// publishing.
func (d *Dispatcher) WithPublisher(p OutcomePublisher) *Dispatcher {
	d.publisher = p
	return d
}

// Handle runs req to a terminal state. Collaborator calls are detached from
// ctx cancellation and bounded by dispatchDeadline.
func (d *Dispatcher) Handle(ctx context.Context, req Request) Result {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	log := slog.With("request_id", req.ID)

	if err := d.verifier.VerifyErr(req.Body, req.Timestamp, req.Signature); err != nil {
		log.Warn("rejected unsigned request", "reason", err)
		return Result{State: StateUnauthorized, Status: http.StatusUnauthorized}
	}

	var env models.Envelope
	if err := json.Unmarshal(req.Body, &env); err != nil {
		log.Warn("undecodable event body", "body_len", len(req.Body), "error", err)
		return Result{State: StateBadRequest, Status: http.StatusBadRequest}
	}

	if env.Type == models.EnvelopeURLVerification {
		log.Info("url verification handshake")
		return Result{State: StateURLVerification, Status: http.StatusOK, Challenge: env.Challenge}
	}

	if !env.IsMention() {
		log.Debug("ignoring event",
			"envelope_type", env.Type,
			"event_type", env.Event.Type,
			"bot_id", env.Event.BotID,
		)
		return ok(StateIgnored)
	}

	ev := env.Event
	log = log.With("channel", ev.Channel, "user", ev.User, "event_ts", ev.TS)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatchDeadline)
	defer cancel()

	admitted, err := d.admitter.Admit(ctx, dedup.Key(ev.Channel, ev.User, ev.TS, ev.Text))
	if err != nil {
		log.Warn("dedup check failed, proceeding", "error", err)
	} else if !admitted {
		log.Info("skipping duplicate event")
		return ok(StateDuplicate)
	}

	out := models.Outcome{
		ID:      req.ID,
		Channel: ev.Channel,
		User:    ev.User,
		EventTS: ev.TS,
	}
	d.route(ctx, log, ev, &out)
	d.publish(ctx, log, out)

	return ok(State(out.State))
}

// route picks the branch for a mention, fills out and posts exactly one chat
// reply.
func (d *Dispatcher) route(ctx context.Context, log *slog.Logger, ev models.Event, out *models.Outcome) {
	if IsShorthand(ev.Text) {
		d.onboarded(ctx, log, ev, out)
		return
	}

	rec := extract.Extract(ev.Text)
	out.Format = string(rec.Format)
	out.Name = rec.Name
	log = log.With("format", rec.Format)

	switch {
	case !rec.Recognized(),
		rec.Format != extract.FormatLabeledBlock && rec.Name == "":
		out.State = string(StateInvalidFormat)
		log.Info("unrecognized mention format")
		d.reply(ctx, log, ev.Channel, msgUsage)
		return

	case rec.Email == "":
		out.State = string(StateMissingEmail)
		log.Info("labeled block without email", "name", rec.Name)
		d.reply(ctx, log, ev.Channel, fmt.Sprintf(msgMissingEmail, rec.Name, rec.Name))
		return
	}

	out.Recipient = rec.Email
	if err := address.Check(rec.Email); err != nil {
		out.State = string(StateInvalidEmail)
		out.Error = err.Error()
		log.Info("invalid email address", "email", rec.Email, "reason", err)
		text := fmt.Sprintf(msgInvalidEmail, rec.Email)
		if rec.Format == extract.FormatLabeledBlock {
			text = fmt.Sprintf(msgInvalidLabel, rec.Name, rec.Email)
		}
		d.reply(ctx, log, ev.Channel, text)
		return
	}

	err := d.sendOnboarding(ctx, rec)
	if err != nil {
		out.State = string(StateEmailFailed)
		out.Error = err.Error()
		log.Error("onboarding email failed", "email", rec.Email, "error", err)
		d.reply(ctx, log, ev.Channel, fmt.Sprintf(msgEmailFailed, rec.Name, rec.Email))
		return
	}

	out.State = string(StateEmailSent)
	log.Info("onboarding email sent", "email", rec.Email)
	d.reply(ctx, log, ev.Channel, fmt.Sprintf(msgEmailSent, rec.Name, rec.Email))
}

// IsShorthand reports whether a mention is the "onboarded" shorthand, which
// skips field extraction.
func IsShorthand(text string) bool {
	return onboardedRe.MatchString(extract.StripMention(text))
}

func (d *Dispatcher) sendOnboarding(ctx context.Context, rec extract.Record) error {
	msg, err := d.renderer.Onboarding(rec)
	if err != nil {
		return fmt.Errorf("render onboarding email: %w", err)
	}
	return d.sender.Send(ctx, msg)
}

// onboarded handles the shorthand "... onboarded" mention, which notifies
// the default recipient instead of parsing fields.
func (d *Dispatcher) onboarded(ctx context.Context, log *slog.Logger, ev models.Event, out *models.Outcome) {
	out.Recipient = d.defaultRecipient

	err := d.sendNotice(ctx, ev)
	if err != nil {
		out.State = string(StateOnboardedFailed)
		out.Error = err.Error()
		log.Error("onboarded notice failed", "recipient", d.defaultRecipient, "error", err)
		d.reply(ctx, log, ev.Channel, fmt.Sprintf(msgNoticeFailed, d.defaultRecipient))
		return
	}

	out.State = string(StateOnboardedSent)
	log.Info("onboarded notice sent", "recipient", d.defaultRecipient)
	d.reply(ctx, log, ev.Channel, fmt.Sprintf(msgNoticeSent, d.defaultRecipient))
}

func (d *Dispatcher) sendNotice(ctx context.Context, ev models.Event) error {
	if d.defaultRecipient == "" {
		return errors.New("no default recipient configured")
	}
	msg, err := d.renderer.Onboarded(d.defaultRecipient, mailer.Notice{
		Channel: ev.Channel,
		User:    ev.User,
		Text:    extract.StripMention(ev.Text),
	})
	if err != nil {
		return fmt.Errorf("render onboarded notice: %w", err)
	}
	return d.sender.Send(ctx, msg)
}

// reply posts text to channel. Failures are logged; the request is still
// acknowledged.
func (d *Dispatcher) reply(ctx context.Context, log *slog.Logger, channel, text string) {
	if err := d.notifier.PostMessage(ctx, channel, text); err != nil {
		log.Error("chat reply failed", "error", err)
	}
}

func (d *Dispatcher) publish(ctx context.Context, log *slog.Logger, out models.Outcome) {
	if d.publisher == nil {
		return
	}
	out.At = time.Now().UTC()
	if err := d.publisher.Publish(ctx, out); err != nil {
		log.Warn("outcome publish failed", "state", out.State, "error", err)
	}
}

func ok(s State) Result {
	return Result{State: s, Status: http.StatusOK}
}
