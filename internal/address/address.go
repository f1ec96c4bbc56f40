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

// Package address validates recipient email addresses syntactically.
// It applies the RFC 5322 addr-spec grammar (net/mail) and the domain
// label rules of IDNA/RFC 1035. No DNS or MX lookups are made.
package address

import (
	"errors"
	"net/mail"
	"strings"

	"golang.org/x/net/idna"
)

const (
	maxAddressLen = 254
	maxLocalLen   = 64
	maxLabelLen   = 63
)

// Validation failures.
var (
	ErrEmpty       = errors.New("address: empty")
	ErrTooLong     = errors.New("address: too long")
	ErrSyntax      = errors.New("address: not a bare addr-spec")
	ErrLocalPart   = errors.New("address: invalid local part")
	ErrDomain      = errors.New("address: invalid domain")
	ErrNoSubdomain = errors.New("address: domain has no dot")
)

// Valid reports whether addr is a syntactically deliverable address.
func Valid(addr string) bool {
	return Check(addr) == nil
}

// Check is Valid with the reason for rejection.
func Check(addr string) error {
	if addr == "" {
		return ErrEmpty
	}
	if len(addr) > maxAddressLen {
		return ErrTooLong
	}

	parsed, err := mail.ParseAddress(addr)
	if err != nil || parsed.Name != "" || parsed.Address != addr {
		// Rejects display names, angle brackets, comments and stray '@'.
		return ErrSyntax
	}

	at := strings.LastIndexByte(addr, '@')
	local, domain := addr[:at], addr[at+1:]

	if local == "" || len(local) > maxLocalLen {
		return ErrLocalPart
	}

	return checkDomain(domain)
}

func checkDomain(domain string) error {
	// Domain literals ("[192.0.2.1]") are legal addr-spec but never used
	// for onboarding recipients.
	if strings.HasPrefix(domain, "[") {
		return ErrDomain
	}

	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil || ascii == "" {
		return ErrDomain
	}

	labels := strings.Split(ascii, ".")
	if len(labels) < 2 {
		return ErrNoSubdomain
	}

	for _, label := range labels {
		if !validLabel(label) {
			return ErrDomain
		}
	}

	if isNumeric(labels[len(labels)-1]) {
		return ErrDomain
	}
	return nil
}

func validLabel(label string) bool {
	if label == "" || len(label) > maxLabelLen {
		return false
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return false
	}
	for i := 0; i < len(label); i++ {
		c := label[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
		default:
			return false
		}
	}
	return true
}

func isNumeric(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
