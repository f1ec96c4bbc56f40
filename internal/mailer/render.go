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

package mailer

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	"github.com/bcem/onboarding/internal/extract"
)

// Subjects are text/template strings rendered with the same data as bodies.
type Subjects struct {
	Welcome   string
	Kickoff   string
	Onboarded string
}

// DefaultSubjects returns the built-in subject lines.
func DefaultSubjects() Subjects {
	return Subjects{
		Welcome:   "Welcome to {{.Company}}!",
		Kickoff:   "Welcome to {{.Company}}, {{.Name}}: your onboarding kickoff",
		Onboarded: "Customer onboarded (reported in Slack)",
	}
}

const welcomeBody = `Hi {{.Name}},

Welcome aboard! We're thrilled to have you with us.
{{- if .Package}}

You're all set up on the {{.Package}} package.
{{- end}}

Feel free to reach out if you need any help getting started.

Best,
{{.Signature}}
`

const kickoffBody = `<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; line-height: 1.5;">
<p>Hi {{.Name}},</p>
<p>Welcome aboard! We're thrilled to have you with us. Here is a summary of your onboarding kickoff.</p>
<table cellpadding="4">
{{- if .Package}}
<tr><td><strong>Package</strong></td><td>{{.Package}}</td></tr>
{{- end}}
{{- if .CSM}}
<tr><td><strong>Customer Success Manager</strong></td><td>{{.CSM}}</td></tr>
{{- end}}
{{- if .CSA}}
<tr><td><strong>Customer Success Architect</strong></td><td>{{.CSA}}</td></tr>
{{- end}}
{{- if .Date}}
<tr><td><strong>Kickoff date</strong></td><td>{{.Date}}</td></tr>
{{- end}}
{{- if .NotesLink}}
<tr><td><strong>Meeting notes</strong></td><td><a href="{{.NotesLink}}">{{.NotesLink}}</a></td></tr>
{{- end}}
</table>
<p>Feel free to reach out if you need any help getting started.</p>
<p>Best,<br>{{.Signature}}</p>
</body>
</html>
`

const onboardedBody = `A customer was marked as onboarded in Slack.

Channel: {{.Channel}}
Reported by: {{.User}}

Message:
{{.Text}}
`

// view is the data every template sees.
type view struct {
	extract.Record
	Company   string
	Signature string
}

// Notice describes an "onboarded" shorthand mention.
type Notice struct {
	Channel string
	User    string
	Text    string
}

type noticeView struct {
	Notice
	Company string
}

// Renderer turns extracted records into messages. Which body is used depends
// on the populated fields: records with account team or meeting details get
// the HTML kickoff email, everything else the plain-text welcome.
type Renderer struct {
	company   string
	signature string

	welcome        *texttemplate.Template
	welcomeSubject *texttemplate.Template
	kickoff        *htmltemplate.Template
	kickoffSubject *texttemplate.Template
	notice         *texttemplate.Template
	noticeSubject  *texttemplate.Template
}

// NewRenderer parses the templates. Empty subjects fall back to the defaults.
func NewRenderer(company, signature string, subjects Subjects) (*Renderer, error) {
	def := DefaultSubjects()
	if subjects.Welcome == "" {
		subjects.Welcome = def.Welcome
	}
	if subjects.Kickoff == "" {
		subjects.Kickoff = def.Kickoff
	}
	if subjects.Onboarded == "" {
		subjects.Onboarded = def.Onboarded
	}
	if signature == "" {
		signature = "The Team"
	}

	r := &Renderer{company: company, signature: signature}

	var err error
	if r.welcome, err = texttemplate.New("welcome").Parse(welcomeBody); err != nil {
		return nil, fmt.Errorf("parse welcome template: %w", err)
	}
	if r.kickoff, err = htmltemplate.New("kickoff").Parse(kickoffBody); err != nil {
		return nil, fmt.Errorf("parse kickoff template: %w", err)
	}
	if r.notice, err = texttemplate.New("onboarded").Parse(onboardedBody); err != nil {
		return nil, fmt.Errorf("parse onboarded template: %w", err)
	}
	if r.welcomeSubject, err = texttemplate.New("welcome-subject").Parse(subjects.Welcome); err != nil {
		return nil, fmt.Errorf("parse welcome subject: %w", err)
	}
	if r.kickoffSubject, err = texttemplate.New("kickoff-subject").Parse(subjects.Kickoff); err != nil {
		return nil, fmt.Errorf("parse kickoff subject: %w", err)
	}
	if r.noticeSubject, err = texttemplate.New("onboarded-subject").Parse(subjects.Onboarded); err != nil {
		return nil, fmt.Errorf("parse onboarded subject: %w", err)
	}
	return r, nil
}

// Onboarding renders the customer-facing email for rec.
func (r *Renderer) Onboarding(rec extract.Record) (Message, error) {
	v := view{Record: rec, Company: r.company, Signature: r.signature}

	if rec.HasKickoffDetails() {
		subject, err := execText(r.kickoffSubject, v)
		if err != nil {
			return Message{}, err
		}
		var body bytes.Buffer
		if err := r.kickoff.Execute(&body, v); err != nil {
			return Message{}, fmt.Errorf("render kickoff: %w", err)
		}
		return Message{To: rec.Email, Subject: subject, Body: body.String(), ContentType: ContentHTML}, nil
	}

	subject, err := execText(r.welcomeSubject, v)
	if err != nil {
		return Message{}, err
	}
	body, err := execText(r.welcome, v)
	if err != nil {
		return Message{}, err
	}
	return Message{To: rec.Email, Subject: subject, Body: body, ContentType: ContentPlain}, nil
}

// Onboarded renders the internal notice sent for the "onboarded" shorthand.
func (r *Renderer) Onboarded(to string, n Notice) (Message, error) {
	v := noticeView{Notice: n, Company: r.company}
	subject, err := execText(r.noticeSubject, v)
	if err != nil {
		return Message{}, err
	}
	body, err := execText(r.notice, v)
	if err != nil {
		return Message{}, err
	}
	return Message{To: to, Subject: subject, Body: body, ContentType: ContentPlain}, nil
}

func execText(t *texttemplate.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}
