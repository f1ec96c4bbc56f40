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

// Package extract turns the free text of a bot mention into an onboarding
// record. Three surface formats are recognised, tried in this order:
//
//   - labeled block: "Customer: ...", "CSM: ...", "Date: ..." lines
//   - link notation: Slack's "<mailto:addr|display>" followed by name and package
//   - plain text:    "First Last addr@example.com Package Name"
//
// The first format that matches wins; there is no backtracking.
package extract

import (
	"regexp"
	"strings"
)

// Format identifies which surface format produced a Record.
type Format string

const (
	FormatLabeledBlock Format = "labeled-block"
	FormatLinkNotation Format = "link-notation"
	FormatPlainText    Format = "plain-text"
	FormatUnrecognized Format = "unrecognized"
)

// Record is the structured result of parsing a mention. Empty strings mean
// the field was not present.
type Record struct {
	Format    Format `json:"format"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	Package   string `json:"package,omitempty"`
	CSM       string `json:"csm,omitempty"`
	CSA       string `json:"csa,omitempty"`
	Date      string `json:"date,omitempty"`
	NotesLink string `json:"notes_link,omitempty"`
}

// Recognized reports whether any format matched.
func (r Record) Recognized() bool {
	return r.Format != FormatUnrecognized
}

// HasKickoffDetails reports whether the record carries any of the account
// team or meeting fields that only the labeled block provides.
func (r Record) HasKickoffDetails() bool {
	return r.CSM != "" || r.CSA != "" || r.Date != "" || r.NotesLink != ""
}

var (
	mentionRe = regexp.MustCompile(`^\s*<@[A-Za-z0-9]+>\s*`)
	mailtoRe  = regexp.MustCompile(`<mailto:([^|>]+)\|([^>]*)>`)
	slackURL  = regexp.MustCompile(`^<([^|>]+)(?:\|[^>]*)?>$`)

	// A label's value is the first non-blank line after the colon, which may
	// be the label's own line or the next one. Slack bold/italic markers
	// closing the label ("*CSM:*") are skipped.
	customerRe = regexp.MustCompile(`(?i)\bCustomer:[*_]*\s*(.+)`)
	csmRe      = regexp.MustCompile(`(?i)\bCSM:[*_]*\s*(.+)`)
	csaRe      = regexp.MustCompile(`(?i)\bCSA:[*_]*\s*(.+)`)
	packageRe  = regexp.MustCompile(`(?i)\bPackage:[*_]*\s*(.+)`)
	dateRe     = regexp.MustCompile(`(?i)\bDate[^:\n]*:[*_]*\s*(.+)`)
	notesRe    = regexp.MustCompile(`(?i)\bGranola[^:\n]*:[*_]*\s*(.+)`)
)

// Extract parses raw mention text into a Record.
func Extract(raw string) Record {
	text := StripMention(raw)

	if rec, ok := labeledBlock(text); ok {
		return rec
	}
	if rec, ok := linkNotation(text); ok {
		return rec
	}
	if rec, ok := plainText(text); ok {
		return rec
	}
	return Record{Format: FormatUnrecognized}
}

// StripMention removes a leading "<@U123ABC>" bot mention and surrounding
// whitespace.
func StripMention(raw string) string {
	return strings.TrimSpace(mentionRe.ReplaceAllString(raw, ""))
}

func labeledBlock(text string) (Record, bool) {
	line := capture(customerRe, text)
	if line == "" {
		return Record{}, false
	}

	rec := Record{Format: FormatLabeledBlock}
	if loc := mailtoRe.FindStringSubmatchIndex(line); loc != nil {
		rec.Email = strings.TrimSpace(line[loc[2]:loc[3]])
		rest := strings.TrimSpace(line[:loc[0]] + line[loc[1]:])
		rec.Name = strings.TrimSpace(strings.TrimSuffix(rest, " -"))
		if rec.Name == "" {
			// The line was only the link; fall back to its display text.
			rec.Name = firstNonEmpty(strings.TrimSpace(line[loc[4]:loc[5]]), rec.Email)
		}
	} else {
		rec.Name = line
	}

	rec.CSM = capture(csmRe, text)
	rec.CSA = capture(csaRe, text)
	rec.Package = capture(packageRe, text)
	rec.Date = capture(dateRe, text)
	rec.NotesLink = unwrapLink(capture(notesRe, text))
	return rec, true
}

func linkNotation(text string) (Record, bool) {
	loc := mailtoRe.FindStringSubmatchIndex(text)
	if loc == nil {
		return Record{}, false
	}

	rec := Record{
		Format: FormatLinkNotation,
		Email:  strings.TrimSpace(text[loc[2]:loc[3]]),
	}

	tokens := strings.Fields(text[:loc[0]] + " " + text[loc[1]:])
	switch len(tokens) {
	case 0:
	case 1:
		rec.Name = tokens[0]
	default:
		rec.Name = strings.Join(tokens[:len(tokens)-1], " ")
		rec.Package = tokens[len(tokens)-1]
	}
	return rec, true
}

func plainText(text string) (Record, bool) {
	tokens := strings.Fields(text)
	if len(tokens) < 2 {
		return Record{}, false
	}

	for i, tok := range tokens {
		if strings.Contains(tok, "@") && strings.Contains(tok, ".") {
			return Record{
				Format:  FormatPlainText,
				Name:    strings.Join(tokens[:i], " "),
				Email:   tok,
				Package: strings.Join(tokens[i+1:], " "),
			}, true
		}
	}
	return Record{}, false
}

// capture returns the trimmed first group of re in text, or "".
func capture(re *regexp.Regexp, text string) string {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// unwrapLink turns Slack's "<https://x|label>" into "https://x".
func unwrapLink(s string) string {
	if m := slackURL.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
