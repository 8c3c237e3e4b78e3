package notify

import (
	"fmt"
	"strings"
	"text/template"
	"time"
)

// TemplateData is what the subject and message templates can reference.
type TemplateData struct {
	// Value is the newly observed value.
	Value string

	// Previous is the last notified value, empty on the first run.
	Previous string

	URL       string
	CheckedAt time.Time
}

// Template renders the subject and body of a change notification.
type Template struct {
	subject *template.Template
	body    *template.Template
}

// ParseTemplate compiles subject and body. Text without template actions is
// rendered unchanged.
func ParseTemplate(subject, body string) (*Template, error) {
	st, err := template.New("subject").Option("missingkey=error").Parse(subject)
	if err != nil {
		return nil, fmt.Errorf("failed to parse subject template: %w", err)
	}
	bt, err := template.New("message").Option("missingkey=error").Parse(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message template: %w", err)
	}
	return &Template{subject: st, body: bt}, nil
}

// Render produces a message for recipients from data.
func (t *Template) Render(data TemplateData, recipients []string) (Message, error) {
	var subject, body strings.Builder
	if err := t.subject.Execute(&subject, data); err != nil {
		return Message{}, fmt.Errorf("failed to render subject: %w", err)
	}
	if err := t.body.Execute(&body, data); err != nil {
		return Message{}, fmt.Errorf("failed to render message: %w", err)
	}
	return Message{
		Subject:    subject.String(),
		Body:       body.String(),
		Recipients: recipients,
	}, nil
}
