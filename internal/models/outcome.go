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

package models

import "time"

// Outcome describes how one mention was handled. It is published for
// downstream consumers (CRM sync, dashboards) and never read back.
//
// This struct's JSON serialisation is the contract with those consumers.
type Outcome struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	Channel   string    `json:"channel"`
	User      string    `json:"user"`
	EventTS   string    `json:"event_ts"`
	Format    string    `json:"format,omitempty"`
	Name      string    `json:"name,omitempty"`
	Recipient string    `json:"recipient,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}
