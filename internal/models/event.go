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

// Package models defines the data structures shared across the relay.
package models

// Envelope types sent by the Slack Events API.
const (
	EnvelopeURLVerification = "url_verification"
	EnvelopeEventCallback   = "event_callback"
)

// EventAppMention is the inner event type for "@bot ..." messages.
const EventAppMention = "app_mention"

// Envelope is the outer JSON body Slack POSTs to the events endpoint.
type Envelope struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge,omitempty"`
	TeamID    string `json:"team_id,omitempty"`
	EventID   string `json:"event_id,omitempty"`
	EventTime int64  `json:"event_time,omitempty"`
	Event     Event  `json:"event"`
}

// Event is the inner event of an event_callback envelope.
type Event struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Channel string `json:"channel"`
	User    string `json:"user"`
	TS      string `json:"ts"`
	BotID   string `json:"bot_id,omitempty"`
	SubType string `json:"subtype,omitempty"`
}

// IsMention reports whether the envelope carries a human app_mention.
func (e Envelope) IsMention() bool {
	return e.Type == EnvelopeEventCallback &&
		e.Event.Type == EventAppMention &&
		e.Event.BotID == ""
}
