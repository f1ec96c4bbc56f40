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


// Onboarding Relay: Mention Inspector
//
// Standalone CLI tool that shows how the relay would read a mention: which
// format matched, the extracted fields, and whether the address passes
// validation. With --sign it also prints a signed Events API request for the
// text, ready to replay against a running relay.
//
// Usage:
//
//	go run ./cmd/extract/ --text '<@U123> Jane Doe jane@acme.com Gold'
//	echo 'Customer: Acme' | go run ./cmd/extract/
//	go run ./cmd/extract/ --text '...' --sign --secret $SLACK_SIGNING_SECRET
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bcem/onboarding/internal/address"
	"github.com/bcem/onboarding/internal/dispatch"
	"github.com/bcem/onboarding/internal/extract"
	"github.com/bcem/onboarding/internal/models"
	"github.com/bcem/onboarding/internal/signature"
)

// report is what the tool prints.
type report struct {
	Text       string         `json:"text"`
	Shorthand  bool           `json:"onboarded_shorthand"`
	Record     extract.Record `json:"record"`
	EmailValid bool           `json:"email_valid"`
	EmailError string         `json:"email_error,omitempty"`
	Request    *signedRequest `json:"request,omitempty"`
}

// signedRequest is a ready-to-send Events API call.
type signedRequest struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	Curl    string            `json:"curl"`
}

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, time.Now); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer, now func() time.Time) error {
	fs := flag.NewFlagSet("extract", flag.ContinueOnError)
	textFlag := fs.String("text", "", "Mention text (default: read stdin)")
	signFlag := fs.Bool("sign", false, "Also print a signed Events API request")
	secretFlag := fs.String("secret", os.Getenv("SLACK_SIGNING_SECRET"), "Signing secret for --sign")
	urlFlag := fs.String("url", "http://localhost:5000/events", "Target URL for --sign")
	channelFlag := fs.String("channel", "C0000000000", "Channel ID for --sign")
	userFlag := fs.String("user", "U0000000000", "User ID for --sign")
	if err := fs.Parse(args); err != nil {
		return err
	}

	text := *textFlag
	if text == "" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		text = strings.TrimRight(string(data), "\n")
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("no text given: use --text or pipe it on stdin")
	}

	rep := report{
		Text:      text,
		Shorthand: dispatch.IsShorthand(text),
		Record:    extract.Extract(text),
	}
	if rep.Record.Email != "" {
		if err := address.Check(rep.Record.Email); err != nil {
			rep.EmailError = err.Error()
		} else {
			rep.EmailValid = true
		}
	}

	if *signFlag {
		if *secretFlag == "" {
			return errors.New("--sign needs --secret or SLACK_SIGNING_SECRET")
		}
		req, err := sign(text, *secretFlag, *urlFlag, *channelFlag, *userFlag, now())
		if err != nil {
			return err
		}
		rep.Request = req
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

// sign builds an app_mention envelope for text and signs it the way Slack
// does.
func sign(text, secret, url, channel, user string, at time.Time) (*signedRequest, error) {
	ts := strconv.FormatInt(at.Unix(), 10)
	body, err := json.Marshal(models.Envelope{
		Type:      models.EnvelopeEventCallback,
		EventID:   "Ev" + ts,
		EventTime: at.Unix(),
		Event: models.Event{
			Type:    models.EventAppMention,
			Text:    text,
			Channel: channel,
			User:    user,
			TS:      ts + ".000100",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	sig := signature.NewVerifier([]byte(secret)).Sign(body, ts)
	headers := map[string]string{
		"Content-Type":            "application/json",
		signature.TimestampHeader: ts,
		signature.SignatureHeader: sig,
	}

	curl := fmt.Sprintf("curl -sS -X POST %s -H 'Content-Type: application/json' -H '%s: %s' -H '%s: %s' --data-binary %s",
		url,
		signature.TimestampHeader, ts,
		signature.SignatureHeader, sig,
		shellQuote(string(body)),
	)

	return &signedRequest{URL: url, Headers: headers, Body: string(body), Curl: curl}, nil
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
