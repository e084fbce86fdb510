// Package report summarises scrape sessions and archived records.
package report

import (
	"encoding/json"
	"fmt"
	htmltemplate "html/template"
	"io"
	"sort"
	"text/template"
	"time"

	"github.com/FranksOps/prospect/internal/session"
	"github.com/FranksOps/prospect/internal/storage"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Summary describes one finished scrape session.
type Summary struct {
	SearchTerm  string        `json:"searchTerm"`
	Outcome     string        `json:"outcome"`
	Records     int           `json:"records"`
	WithWebsite int           `json:"withWebsite"`
	WithPhone   int           `json:"withPhone"`
	Saved       int           `json:"saved"` // -1 when the save result is unknown
	Error       string        `json:"error,omitempty"`
	StartTime   time.Time     `json:"startTime"`
	EndTime     time.Time     `json:"endTime"`
	Duration    time.Duration `json:"duration"`
}

// FromSnapshot summarises the state a session finished in.
func FromSnapshot(snap session.Snapshot) Summary {
	s := Summary{
		SearchTerm: snap.SearchTerm,
		Outcome:    snap.State.String(),
		Records:    len(snap.Records),
		Saved:      snap.Saved,
		StartTime:  snap.StartedAt,
		EndTime:    snap.FinishedAt,
	}
	for _, r := range snap.Records {
		if r.Website != "" {
			s.WithWebsite++
		}
		if r.Phone != "" {
			s.WithPhone++
		}
	}
	if snap.Err != nil {
		s.Error = session.UserMessage(snap.Err)
	}
	if !s.StartTime.IsZero() && !s.EndTime.IsZero() {
		s.Duration = s.EndTime.Sub(s.StartTime)
	}
	return s
}

// ArchiveSummary aggregates records read back from a local archive.
type ArchiveSummary struct {
	Total       int            `json:"total"`
	WithWebsite int            `json:"withWebsite"`
	WithPhone   int            `json:"withPhone"`
	ByTerm      map[string]int `json:"byTerm"`
	Oldest      time.Time      `json:"oldest"`
	Newest      time.Time      `json:"newest"`
}

// Terms returns the search terms in ByTerm, most records first.
func (a ArchiveSummary) Terms() []string {
	terms := make([]string, 0, len(a.ByTerm))
	for t := range a.ByTerm {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(i, j int) bool {
		if a.ByTerm[terms[i]] != a.ByTerm[terms[j]] {
			return a.ByTerm[terms[i]] > a.ByTerm[terms[j]]
		}
		return terms[i] < terms[j]
	})
	return terms
}

// SummarizeArchive processes archived records to generate summary counts.
func SummarizeArchive(records []*storage.ArchivedRecord) ArchiveSummary {
	s := ArchiveSummary{ByTerm: make(map[string]int)}
	if len(records) == 0 {
		return s
	}

	s.Oldest = records[0].CreatedAt
	s.Newest = records[0].CreatedAt

	for _, r := range records {
		s.Total++
		s.ByTerm[r.SearchTerm]++
		if r.Website != "" {
			s.WithWebsite++
		}
		if r.Phone != "" {
			s.WithPhone++
		}
		if r.CreatedAt.Before(s.Oldest) {
			s.Oldest = r.CreatedAt
		}
		if r.CreatedAt.After(s.Newest) {
			s.Newest = r.CreatedAt
		}
	}
	return s
}

var printer = message.NewPrinter(language.English)

var funcs = map[string]any{
	"num": func(n int) string { return printer.Sprintf("%d", n) },
	"saved": func(n int) string {
		if n < 0 {
			return "unknown"
		}
		return printer.Sprintf("%d", n)
	},
	"ts": func(t time.Time) string {
		if t.IsZero() {
			return "-"
		}
		return t.Format("2006-01-02 15:04:05")
	},
	"round": func(d time.Duration) time.Duration { return d.Round(time.Millisecond) },
}

// WriteJSON writes v, a Summary, a slice of them or an ArchiveSummary, as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}

const sessionsText = `{{range .}}Search:        {{.SearchTerm}}
Outcome:       {{.Outcome}}{{if .Error}} ({{.Error}}){{end}}
Time:          {{ts .StartTime}} - {{ts .EndTime}} ({{round .Duration}})
Businesses:    {{num .Records}}
With website:  {{num .WithWebsite}}
With phone:    {{num .WithPhone}}
Saved:         {{saved .Saved}}

{{else}}No sessions.
{{end}}`

// WriteText writes a human-readable block per session.
func WriteText(w io.Writer, summaries ...Summary) error {
	t, err := template.New("sessions").Funcs(funcs).Parse(sessionsText)
	if err != nil {
		return fmt.Errorf("parse template: %w", err)
	}
	if err := t.Execute(w, summaries); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	return nil
}

const archiveText = `Archive Summary
---------------
Records:       {{num .Total}}
With website:  {{num .WithWebsite}}
With phone:    {{num .WithPhone}}
Range:         {{ts .Oldest}} - {{ts .Newest}}

Search terms:
{{- range .Terms}}
  {{.}}: {{num (index $.ByTerm .)}}
{{- else}}
  None
{{- end}}
`

// WriteArchiveText writes a human-readable archive summary.
func WriteArchiveText(w io.Writer, summary ArchiveSummary) error {
	t, err := template.New("archive").Funcs(funcs).Parse(archiveText)
	if err != nil {
		return fmt.Errorf("parse template: %w", err)
	}
	if err := t.Execute(w, summary); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	return nil
}

const sessionsHTML = `<!DOCTYPE html>
<html>
<head>
<title>Prospect Scrape Report</title>
<style>
  body { font-family: sans-serif; margin: 40px; color: #333; }
  h1 { border-bottom: 2px solid #ccc; padding-bottom: 10px; }
  table { border-collapse: collapse; margin-top: 10px; }
  th, td { padding: 8px 12px; border: 1px solid #ccc; text-align: left; }
  th { background: #eaeaea; }
  .completed { color: green; }
  .errored { color: red; }
  .cancelled { color: #b58900; }
</style>
</head>
<body>
  <h1>Prospect Scrape Report</h1>
  <table>
    <tr><th>Search</th><th>Outcome</th><th>Businesses</th><th>Website</th><th>Phone</th><th>Saved</th><th>Started</th><th>Duration</th></tr>
    {{- range .}}
    <tr>
      <td>{{.SearchTerm}}</td>
      <td class="{{.Outcome}}">{{.Outcome}}{{if .Error}}: {{.Error}}{{end}}</td>
      <td>{{num .Records}}</td>
      <td>{{num .WithWebsite}}</td>
      <td>{{num .WithPhone}}</td>
      <td>{{saved .Saved}}</td>
      <td>{{ts .StartTime}}</td>
      <td>{{round .Duration}}</td>
    </tr>
    {{- else}}
    <tr><td colspan="8">No sessions</td></tr>
    {{- end}}
  </table>
</body>
</html>
`

// WriteHTML writes a basic HTML table of sessions. Values are escaped.
func WriteHTML(w io.Writer, summaries ...Summary) error {
	t, err := htmltemplate.New("sessionsHTML").Funcs(funcs).Parse(sessionsHTML)
	if err != nil {
		return fmt.Errorf("parse template: %w", err)
	}
	if err := t.Execute(w, summaries); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	return nil
}
