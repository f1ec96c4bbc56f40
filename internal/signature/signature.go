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

// Package signature verifies Slack request signatures (v0 scheme).
//
// Slack signs every request with HMAC-SHA256 over "v0:{timestamp}:{body}"
// using the app's signing secret and sends the result in the
// X-Slack-Signature header as "v0=<hex>". The timestamp travels in
// X-Slack-Request-Timestamp and bounds the replay window.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

const (
	// Version is the signing scheme prefix used in both the basestring
	// and the signature header.
	Version = "v0"

	// MaxSkew is the largest accepted distance between the request
	// timestamp and the local clock.
	MaxSkew = 300 * time.Second

	// Header names Slack uses for the signature material.
	TimestampHeader = "X-Slack-Request-Timestamp"
	SignatureHeader = "X-Slack-Signature"
)

// Verification failures. Callers that only need a yes/no answer use Verify.
var (
	ErrMissingInput = errors.New("signature: missing body, timestamp or signature")
	ErrBadTimestamp = errors.New("signature: timestamp is not a unix time")
	ErrStale        = errors.New("signature: timestamp outside replay window")
	ErrMismatch     = errors.New("signature: mismatch")
)

// Verifier checks request signatures against a single signing secret.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier creates a verifier for the given signing secret.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{
		secret: secret,
		now:    time.Now,
	}
}

// WithClock returns a copy of the verifier that reads time from now.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	cp := *v
	cp.now = now
	return &cp
}

// Verify reports whether sig is a fresh, valid signature of body.
func (v *Verifier) Verify(body []byte, timestamp, sig string) bool {
	return v.VerifyErr(body, timestamp, sig) == nil
}

// VerifyErr is Verify with the reason for rejection.
func (v *Verifier) VerifyErr(body []byte, timestamp, sig string) error {
	if len(body) == 0 || timestamp == "" || sig == "" || len(v.secret) == 0 {
		return ErrMissingInput
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrBadTimestamp
	}

	// Compare against the window bounds; subtracting ts from now overflows
	// for timestamps near the int64 limits.
	now, limit := v.now().Unix(), int64(MaxSkew/time.Second)
	if ts < now-limit || ts > now+limit {
		return ErrStale
	}

	expected := compute(v.secret, body, timestamp)

	// hmac.Equal runs in time independent of where the first difference is.
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return ErrMismatch
	}
	return nil
}

// Sign produces the header value Slack would send for body at timestamp.
func (v *Verifier) Sign(body []byte, timestamp string) string {
	return compute(v.secret, body, timestamp)
}

func compute(secret, body []byte, timestamp string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(Version + ":" + timestamp + ":"))
	mac.Write(body)
	return Version + "=" + hex.EncodeToString(mac.Sum(nil))
}
