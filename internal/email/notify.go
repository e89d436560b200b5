package email

import (
	"fmt"
	"html/template"
	"strings"
	texttemplate "text/template"

	"github.com/biz-doublej/rangu.fam-sub002/internal/wiki"
)

// SubmissionData feeds the review queue templates.
type SubmissionData struct {
	AppName    string
	ID         string
	Type       string
	Status     string
	Page       string
	Title      string
	Summary    string
	Author     string
	Reviewer   string
	Reason     string
	Revision   int
	Categories string
}

// Notifier tells reviewers about submission queue activity.
type Notifier struct {
	mail       *Service
	recipients []string
	appName    string
}

func NewNotifier(mail *Service, recipients []string, appName string) *Notifier {
	if appName == "" {
		appName = "Wiki"
	}
	return &Notifier{mail: mail, recipients: recipients, appName: appName}
}

// Enabled reports whether SMTP is configured and someone is listening.
func (n *Notifier) Enabled() bool {
	return n != nil && n.mail != nil && n.mail.IsConfigured() && len(n.recipients) > 0
}

// SubmissionQueued announces a new pending submission.
func (n *Notifier) SubmissionQueued(sub wiki.Submission) error {
	if !n.Enabled() {
		return nil
	}
	data := n.data(sub)
	subject := fmt.Sprintf("[%s] %s submission pending for %s", n.appName, sub.Type, data.Page)
	return n.deliver(subject, queuedText, queuedTemplate, data)
}

// SubmissionDecided reports a review decision.
func (n *Notifier) SubmissionDecided(sub wiki.Submission) error {
	if !n.Enabled() {
		return nil
	}
	data := n.data(sub)
	subject := fmt.Sprintf("[%s] submission %s %s", n.appName, sub.ID, sub.Status)
	return n.deliver(subject, decidedText, decidedTemplate, data)
}

func (n *Notifier) data(sub wiki.Submission) SubmissionData {
	return SubmissionData{
		AppName:    n.appName,
		ID:         sub.ID,
		Type:       string(sub.Type),
		Status:     string(sub.Status),
		Page:       sub.Key().String(),
		Title:      sub.Title,
		Summary:    sub.Summary,
		Author:     sub.AuthorName,
		Reviewer:   sub.ReviewerName,
		Reason:     sub.Reason,
		Revision:   sub.AppliedRevision,
		Categories: strings.Join(sub.Categories, ", "),
	}
}

func (n *Notifier) deliver(subject string, text *texttemplate.Template, html *template.Template, data SubmissionData) error {
	textBody, err := renderTemplate(text, data)
	if err != nil {
		return fmt.Errorf("render text template: %w", err)
	}
	htmlBody, err := renderTemplate(html, data)
	if err != nil {
		return fmt.Errorf("render html template: %w", err)
	}
	return n.mail.SendHTMLEmail(n.recipients, subject, textBody, htmlBody)
}

var queuedText = texttemplate.Must(texttemplate.New("queued.txt").Parse(
	`{{.Author}} submitted a {{.Type}} for {{.Page}} ({{.Title}}).
Summary: {{.Summary}}
Submission: {{.ID}}`))

var decidedText = texttemplate.Must(texttemplate.New("decided.txt").Parse(
	`Submission {{.ID}} for {{.Page}} is now {{.Status}}.
Reviewer: {{.Reviewer}}{{if .Reason}}
Reason: {{.Reason}}{{end}}{{if .Revision}}
Applied as revision {{.Revision}}{{end}}`))

const emailStyle = `body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }`

var queuedTemplate = template.Must(template.New("queued.html").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Submission pending review</title>
    <style>
        ` + emailStyle + `
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>New {{.Type}} submission for {{.Page}}</h2>

    <p><strong>{{.Author}}</strong> proposed a change to <em>{{.Title}}</em>.</p>
    {{if .Summary}}<p>Summary: {{.Summary}}</p>{{end}}
    {{if .Categories}}<p>Categories: {{.Categories}}</p>{{end}}

    <div class="footer">
        <p>Submission {{.ID}} is waiting in the review queue.</p>
    </div>
</body>
</html>`))

var decidedTemplate = template.Must(template.New("decided.html").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Submission {{.Status}}</title>
    <style>
        ` + emailStyle + `
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Submission for {{.Page}} {{.Status}}</h2>

    <p>Reviewed by <strong>{{.Reviewer}}</strong>.</p>
    {{if .Reason}}<p>Reason: {{.Reason}}</p>{{end}}
    {{if .Revision}}<p>Applied as revision {{.Revision}}.</p>{{end}}

    <div class="footer">
        <p>Submission {{.ID}} by {{.Author}}.</p>
    </div>
</body>
</html>`))
