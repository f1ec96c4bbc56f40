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


package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/onboarding/internal/dedup"
	"github.com/bcem/onboarding/internal/mailer"
	"github.com/bcem/onboarding/internal/models"
	"github.com/bcem/onboarding/internal/signature"
)

// --- Fakes ---

type fakeSender struct {
	mu   sync.Mutex
	sent []mailer.Message
	err  error
}

func (f *fakeSender) Send(ctx context.Context, msg mailer.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return f.err
}

func (f *fakeSender) messages() []mailer.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mailer.Message(nil), f.sent...)
}

type post struct{ channel, text string }

type fakeNotifier struct {
	mu    sync.Mutex
	posts []post
	err   error
}

func (f *fakeNotifier) PostMessage(_ context.Context, channel, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, post{channel, text})
	return f.err
}

func (f *fakeNotifier) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.posts))
	for _, p := range f.posts {
		out = append(out, p.text)
	}
	return out
}

type fakePublisher struct {
	mu       sync.Mutex
	outcomes []models.Outcome
}

func (f *fakePublisher) Publish(_ context.Context, o models.Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, o)
	return nil
}

type brokenAdmitter struct{}

func (brokenAdmitter) Admit(context.Context, string) (bool, error) {
	return false, errors.New("connection refused")
}

// --- Helpers ---

var testNow = time.Unix(1700000000, 0)

type harness struct {
	d        *Dispatcher
	verifier *signature.Verifier
	sender   *fakeSender
	notifier *fakeNotifier
	pub      *fakePublisher
}

func newHarness(t *testing.T, admitter dedup.Admitter) *harness {
	t.Helper()
	if admitter == nil {
		admitter = dedup.Local(dedup.NewCache(0))
	}
	r, err := mailer.NewRenderer("Acme", "The Acme Team", mailer.Subjects{})
	require.NoError(t, err)

	h := &harness{
		verifier: signature.NewVerifier([]byte("test-signing-secret")).WithClock(func() time.Time { return testNow }),
		sender:   &fakeSender{},
		notifier: &fakeNotifier{},
		pub:      &fakePublisher{},
	}
	h.d = New(h.verifier, admitter, r, h.sender, h.notifier, "team@acme.com").WithPublisher(h.pub)
	return h
}

func (h *harness) request(body string) Request {
	ts := strconv.FormatInt(testNow.Unix(), 10)
	return Request{
		Body:      []byte(body),
		Timestamp: ts,
		Signature: h.verifier.Sign([]byte(body), ts),
	}
}

func envelope(ev models.Event) string {
	b, _ := json.Marshal(models.Envelope{Type: models.EnvelopeEventCallback, Event: ev})
	return string(b)
}

func mention(text string) string {
	return envelope(models.Event{
		Type:    models.EventAppMention,
		Text:    text,
		Channel: "C123",
		User:    "U456",
		TS:      "1700000000.000100",
	})
}

// --- Tests ---

// TestHandle_Mentions walks each mention branch through to its chat reply.
func TestHandle_Mentions(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		wantState State
		wantTo    string
		wantReply string
		wantHTML  bool
	}{
		{
			name:      "plain text",
			text:      "<@U0BOT> John Smith john@x.com Premium Tier",
			wantState: StateEmailSent,
			wantTo:    "john@x.com",
			wantReply: "✅ Onboarding email sent to John Smith (john@x.com)",
		},
		{
			name:      "link notation",
			text:      "<@U0BOT> <mailto:jane@acme.com|jane@acme.com> Jane Doe Gold",
			wantState: StateEmailSent,
			wantTo:    "jane@acme.com",
			wantReply: "✅ Onboarding email sent to Jane Doe (jane@acme.com)",
		},
		{
			name:      "labeled block gets kickoff email",
			text:      "<@U0BOT>\nCustomer: Acme Corp - <mailto:ops@acme.com|ops@acme.com>\nCSM: Dana Ray",
			wantState: StateEmailSent,
			wantTo:    "ops@acme.com",
			wantReply: "✅ Onboarding email sent to Acme Corp (ops@acme.com)",
			wantHTML:  true,
		},
		{
			name:      "unrecognized",
			text:      "<@U0BOT> hello there",
			wantState: StateInvalidFormat,
			wantReply: msgUsage,
		},
		{
			name:      "link notation without a name",
			text:      "<@U0BOT> <mailto:jane@acme.com|jane@acme.com>",
			wantState: StateInvalidFormat,
			wantReply: msgUsage,
		},
		{
			name:      "plain text without a name",
			text:      "<@U0BOT> john@x.com Gold",
			wantState: StateInvalidFormat,
			wantReply: msgUsage,
		},
		{
			name:      "labeled block missing email",
			text:      "<@U0BOT>\nCustomer: Acme Corp\nCSM: Dana",
			wantState: StateMissingEmail,
			wantReply: "❌ Found customer Acme Corp but no email address. Add it to the Customer line, e.g. `Customer: Acme Corp - jane@example.com`",
		},
		{
			name:      "plain text bad address",
			text:      "<@U0BOT> John john@bad..com",
			wantState: StateInvalidEmail,
			wantReply: "❌ Invalid email format: john@bad..com",
		},
		{
			name:      "labeled block bad address",
			text:      "Customer: Acme - <mailto:ops@-acme.com|ops@-acme.com>",
			wantState: StateInvalidEmail,
			wantReply: "❌ Invalid email format for customer Acme: ops@-acme.com",
		},
		{
			name:      "onboarded shorthand",
			text:      "<@U0BOT> Acme Corp is onboarded!",
			wantState: StateOnboardedSent,
			wantTo:    "team@acme.com",
			wantReply: "✅ Onboarded notice sent to team@acme.com",
		},
		{
			name:      "onboarded shorthand is case insensitive",
			text:      "<@U0BOT> ONBOARDED",
			wantState: StateOnboardedSent,
			wantTo:    "team@acme.com",
			wantReply: "✅ Onboarded notice sent to team@acme.com",
		},
		{
			name:      "onboarding is not the shorthand",
			text:      "<@U0BOT> onboarding",
			wantState: StateInvalidFormat,
			wantReply: msgUsage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)

			res := h.d.Handle(context.Background(), h.request(mention(tt.text)))

			assert.Equal(t, tt.wantState, res.State)
			assert.Equal(t, http.StatusOK, res.Status)
			assert.Equal(t, []string{tt.wantReply}, h.notifier.texts())

			sent := h.sender.messages()
			if tt.wantTo == "" {
				assert.Empty(t, sent)
			} else {
				require.Len(t, sent, 1)
				assert.Equal(t, tt.wantTo, sent[0].To)
				if tt.wantHTML {
					assert.Equal(t, mailer.ContentHTML, sent[0].ContentType)
				}
			}

			require.Len(t, h.pub.outcomes, 1)
			assert.Equal(t, string(tt.wantState), h.pub.outcomes[0].State)
			assert.Equal(t, "C123", h.pub.outcomes[0].Channel)
		})
	}
}

// TestHandle_DeliveryFailure verifies a failed send is reported once and
// still acknowledged.
func TestHandle_DeliveryFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.sender.err = errors.New("all transports failed")

	res := h.d.Handle(context.Background(), h.request(mention("<@U0BOT> John Smith john@x.com")))

	assert.Equal(t, StateEmailFailed, res.State)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, []string{"❌ Failed to send email to John Smith (john@x.com). Please try again or contact support."}, h.notifier.texts())
	require.Len(t, h.pub.outcomes, 1)
	assert.Contains(t, h.pub.outcomes[0].Error, "all transports failed")
}

// TestHandle_NoticeFailure covers the shorthand path when delivery fails.
func TestHandle_NoticeFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.sender.err = errors.New("535 authentication failed")

	res := h.d.Handle(context.Background(), h.request(mention("<@U0BOT> onboarded")))

	assert.Equal(t, StateOnboardedFailed, res.State)
	assert.Equal(t, []string{"❌ Failed to send onboarded notice to team@acme.com. Please try again or contact support."}, h.notifier.texts())
}

// TestHandle_NoticeWithoutRecipient verifies the shorthand fails cleanly
// when no default recipient is configured.
func TestHandle_NoticeWithoutRecipient(t *testing.T) {
	h := newHarness(t, nil)
	h.d.defaultRecipient = ""

	res := h.d.Handle(context.Background(), h.request(mention("<@U0BOT> onboarded")))

	assert.Equal(t, StateOnboardedFailed, res.State)
	assert.Empty(t, h.sender.messages())
	assert.Len(t, h.notifier.texts(), 1)
}

// TestHandle_Unauthorized verifies nothing happens for a bad signature.
func TestHandle_Unauthorized(t *testing.T) {
	h := newHarness(t, nil)
	req := h.request(mention("<@U0BOT> John Smith john@x.com"))
	req.Signature = "v0=" + "00"

	res := h.d.Handle(context.Background(), req)

	assert.Equal(t, StateUnauthorized, res.State)
	assert.Equal(t, http.StatusUnauthorized, res.Status)
	assert.Empty(t, h.sender.messages())
	assert.Empty(t, h.notifier.texts())
	assert.Empty(t, h.pub.outcomes)
}

// TestHandle_Stale verifies replayed requests are rejected.
func TestHandle_Stale(t *testing.T) {
	h := newHarness(t, nil)
	body := mention("<@U0BOT> John Smith john@x.com")
	ts := strconv.FormatInt(testNow.Add(-301*time.Second).Unix(), 10)

	res := h.d.Handle(context.Background(), Request{
		Body:      []byte(body),
		Timestamp: ts,
		Signature: h.verifier.Sign([]byte(body), ts),
	})

	assert.Equal(t, StateUnauthorized, res.State)
}

// TestHandle_BadJSON verifies a signed but undecodable body is a 400.
func TestHandle_BadJSON(t *testing.T) {
	h := newHarness(t, nil)

	res := h.d.Handle(context.Background(), h.request("{not json"))

	assert.Equal(t, StateBadRequest, res.State)
	assert.Equal(t, http.StatusBadRequest, res.Status)
}

// TestHandle_URLVerification verifies the challenge is echoed.
func TestHandle_URLVerification(t *testing.T) {
	h := newHarness(t, nil)

	res := h.d.Handle(context.Background(), h.request(`{"type":"url_verification","challenge":"3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P"}`))

	assert.Equal(t, StateURLVerification, res.State)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, "3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P", res.Challenge)
	assert.Empty(t, h.notifier.texts())
}

// TestHandle_Ignored covers events that are not human mentions.
func TestHandle_Ignored(t *testing.T) {
	bodies := map[string]string{
		"plain message": envelope(models.Event{Type: "message", Text: "John john@x.com", Channel: "C1", User: "U1", TS: "1"}),
		"bot mention":   envelope(models.Event{Type: models.EventAppMention, Text: "John john@x.com", Channel: "C1", BotID: "B1", TS: "1"}),
		"other type":    `{"type":"app_rate_limited"}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, nil)

			res := h.d.Handle(context.Background(), h.request(body))

			assert.Equal(t, StateIgnored, res.State)
			assert.Equal(t, http.StatusOK, res.Status)
			assert.Empty(t, h.sender.messages())
			assert.Empty(t, h.notifier.texts())
			assert.Empty(t, h.pub.outcomes)
		})
	}
}

// TestHandle_Duplicate verifies a redelivered event is acknowledged silently.
func TestHandle_Duplicate(t *testing.T) {
	h := newHarness(t, nil)
	req := h.request(mention("<@U0BOT> John Smith john@x.com"))

	first := h.d.Handle(context.Background(), req)
	second := h.d.Handle(context.Background(), req)

	assert.Equal(t, StateEmailSent, first.State)
	assert.Equal(t, StateDuplicate, second.State)
	assert.Equal(t, http.StatusOK, second.Status)
	assert.Len(t, h.sender.messages(), 1)
	assert.Len(t, h.notifier.texts(), 1)
	assert.Len(t, h.pub.outcomes, 1)
}

// TestHandle_ConcurrentRedelivery verifies only one of many simultaneous
// deliveries of the same event sends an email.
func TestHandle_ConcurrentRedelivery(t *testing.T) {
	h := newHarness(t, nil)
	req := h.request(mention("<@U0BOT> John Smith john@x.com"))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := h.d.Handle(context.Background(), req)
			assert.Equal(t, http.StatusOK, res.Status)
		}()
	}
	wg.Wait()

	assert.Len(t, h.sender.messages(), 1)
	assert.Len(t, h.notifier.texts(), 1)
}

// TestHandle_AdmitterErrorFailsOpen verifies a broken dedup backend does
// not drop events.
func TestHandle_AdmitterErrorFailsOpen(t *testing.T) {
	h := newHarness(t, brokenAdmitter{})

	res := h.d.Handle(context.Background(), h.request(mention("<@U0BOT> John Smith john@x.com")))

	assert.Equal(t, StateEmailSent, res.State)
	assert.Len(t, h.sender.messages(), 1)
}

// TestHandle_NotifierFailure verifies a failed chat reply does not change
// the outcome.
func TestHandle_NotifierFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.notifier.err = errors.New("channel_not_found")

	res := h.d.Handle(context.Background(), h.request(mention("<@U0BOT> John Smith john@x.com")))

	assert.Equal(t, StateEmailSent, res.State)
	assert.Equal(t, http.StatusOK, res.Status)
}

// TestHandle_DetachedFromCaller verifies a cancelled request context does
// not abort collaborator calls.
func TestHandle_DetachedFromCaller(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := h.d.Handle(ctx, h.request(mention("<@U0BOT> John Smith john@x.com")))

	assert.Equal(t, StateEmailSent, res.State)
	assert.Len(t, h.sender.messages(), 1)
}

// TestHandle_WithoutPublisher verifies publishing is optional.
func TestHandle_WithoutPublisher(t *testing.T) {
	h := newHarness(t, nil)
	h.d.WithPublisher(nil)

	res := h.d.Handle(context.Background(), h.request(mention("<@U0BOT> John Smith john@x.com")))

	assert.Equal(t, StateEmailSent, res.State)
	assert.Empty(t, h.pub.outcomes)
}
