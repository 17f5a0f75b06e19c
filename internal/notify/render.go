package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"github.com/JinY0ung-Shin/PortKnox/internal/logutil"
)

var mailTemplate = template.Must(template.New("alarm").Parse(`<!DOCTYPE html>
<html>
<head>
<style>
  body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif; }
  .container { max-width: 600px; margin: 0 auto; padding: 20px; }
  .header { background: {{.Color}}; color: white; padding: 20px; border-radius: 8px 8px 0 0; }
  .content { background: #f8f9fa; padding: 20px; border-radius: 0 0 8px 8px; }
  .info { background: white; padding: 15px; border-radius: 6px; margin: 10px 0; }
  .label { font-weight: 600; color: #64748b; }
</style>
</head>
<body>
<div class="container">
  <div class="header"><h1 style="margin: 0;">{{.State}}: {{.Name}}</h1></div>
  <div class="content">
    <div class="info">
      <p><span class="label">Monitor:</span> {{.Name}}</p>
      <p><span class="label">URL:</span> <a href="{{.URL}}">{{.URL}}</a></p>
      <p><span class="label">Status:</span> {{.State}}</p>
      {{- if .StatusCode}}
      <p><span class="label">Status Code:</span> {{.StatusCode}}</p>
      {{- end}}
      {{- if .Error}}
      <p><span class="label">Error:</span> {{.Error}}</p>
      {{- end}}
      <p><span class="label">Checked at:</span> {{.CheckedAt}}</p>
      {{- if .Unhealthy}}
      <p><span class="label">Consecutive Failures:</span> {{.Failures}}</p>
      {{- end}}
    </div>
    {{- if .Author}}
    <p style="color: #64748b;">Registered by: {{.Author}}</p>
    {{- end}}
    <p style="color: #64748b; font-size: 12px; margin-top: 20px;">
      This is an automated message from PortKnox monitoring system.
    </p>
  </div>
</div>
</body>
</html>
`))

// Subject returns the mail subject line for an alarm.
func Subject(a Alarm) string {
	if a.Kind == KindUnhealthy {
		return fmt.Sprintf("[PortKnox] ALERT: %s is DOWN", logutil.SanitizeForLog(a.Name))
	}
	return fmt.Sprintf("[PortKnox] RECOVERED: %s is UP", logutil.SanitizeForLog(a.Name))
}

// RenderHTML renders the alarm mail body.
func RenderHTML(a Alarm) (string, error) {
	unhealthy := a.Kind == KindUnhealthy
	data := struct {
		Name, URL, State, Error, Author, CheckedAt string
		Color                                     template.CSS
		StatusCode                                int
		Unhealthy                                 bool
		Failures                                  int
	}{
		Name:      a.Name,
		URL:       logutil.RedactURL(a.URL),
		State:     "UP",
		Color:     "#16a34a",
		Error:     a.ErrorMessage,
		Author:    a.Author,
		CheckedAt: checkedAt(a).Format(time.RFC1123),
		Unhealthy: unhealthy,
		Failures:  a.ConsecutiveFailures,
	}
	if unhealthy {
		data.State = "DOWN"
		data.Color = "#dc2626"
	}
	if a.StatusCode != nil {
		data.StatusCode = *a.StatusCode
	}

	var buf bytes.Buffer
	if err := mailTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render alarm mail: %w", err)
	}
	return buf.String(), nil
}

func checkedAt(a Alarm) time.Time {
	if a.CheckedAt.IsZero() {
		return time.Now()
	}
	return a.CheckedAt
}
