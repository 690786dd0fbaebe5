package jira

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/madpin/jiraviz/internal/config"
)

func sampleIssue() map[string]any {
	return map[string]any{
		"id":  "10042",
		"key": "VIZ-7",
		"fields": map[string]any{
			"summary":     "Wire the probe",
			"description": "Check the provider before ranking.",
			"issuetype":   map[string]any{"name": "Story"},
			"status": map[string]any{
				"name":           "In Progress",
				"statusCategory": map[string]any{"name": "In Progress"},
			},
			"priority": map[string]any{"name": "High"},
			"assignee": map[string]any{"displayName": "Dana Reyes", "emailAddress": "dana@example.com"},
			"reporter": map[string]any{"displayName": "Sam Ortiz", "emailAddress": "sam@example.com"},
			"created":  "2025-05-01T09:30:00.000+0000",
			"updated":  "2025-05-14T18:02:11.000+0000",
			"labels":   []any{"backend", "ranking"},
			"components": []any{
				map[string]any{"name": "core"},
			},
			"parent": map[string]any{"id": "10001", "key": "VIZ-1"},
		},
	}
}

func TestParseTicket(t *testing.T) {
	tk := parseTicket(sampleIssue())
	if tk.ID != "10042" || tk.Key != "VIZ-7" { t.Fatalf("id/key = %s/%s", tk.ID, tk.Key) }
	if tk.Summary != "Wire the probe" { t.Fatalf("summary = %q", tk.Summary) }
	if tk.IssueType != "Story" || tk.Status != "In Progress" || tk.Priority != "High" {
		t.Fatalf("type/status/priority = %s/%s/%s", tk.IssueType, tk.Status, tk.Priority)
	}
	if tk.AssigneeEmail != "dana@example.com" || tk.ReporterEmail != "sam@example.com" {
		t.Fatalf("emails = %s/%s", tk.AssigneeEmail, tk.ReporterEmail)
	}
	if tk.ParentID != "10001" || tk.ParentKey != "VIZ-1" {
		t.Fatalf("parent = %s/%s", tk.ParentID, tk.ParentKey)
	}
	if tk.Created == nil || tk.Updated == nil { t.Fatal("timestamps not parsed") }
	if got := tk.Created.UTC().Format("2006-01-02"); got != "2025-05-01" {
		t.Fatalf("created = %s", got)
	}
	if len(tk.Labels) != 2 || len(tk.Components) != 1 {
		t.Fatalf("labels/components = %v/%v", tk.Labels, tk.Components)
	}
}

func TestParseTicket_EpicLinkFallback(t *testing.T) {
	im := sampleIssue()
	fields := im["fields"].(map[string]any)
	delete(fields, "parent")
	fields["customfield_10014"] = "VIZ-2"
	tk := parseTicket(im)
	if tk.ParentID != "" || tk.ParentKey != "VIZ-2" {
		t.Fatalf("parent = %q/%q, want epic link key VIZ-2", tk.ParentID, tk.ParentKey)
	}
}

func TestProjectTickets_ZeroMaxResultsStopsPagination(t *testing.T) {
	// a server that reports total > page size but never advances maxResults
	// would loop forever without the pagination guard
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"issues":[{"id":"1","key":"VIZ-1","fields":{"summary":"only"}}],"total":50,"startAt":0,"maxResults":0}`)
	}))
	defer srv.Close()

	c := NewClient(config.Config{
		JiraBaseURL:    srv.URL,
		JiraAPIVersion: "2",
		HTTPTimeout:    5 * time.Second,
	}, zerolog.Nop())
	tickets, err := c.ProjectTickets(context.Background(), "VIZ")
	if err != nil { t.Fatalf("ProjectTickets: %v", err) }
	if requests != 1 { t.Fatalf("server hit %d times, want 1", requests) }
	if len(tickets) != 1 || tickets[0].Key != "VIZ-1" {
		t.Fatalf("got %#v, want the single served ticket", tickets)
	}
}

func TestParseTicket_MissingOptionalFields(t *testing.T) {
	tk := parseTicket(map[string]any{
		"id":     "1",
		"key":    "VIZ-9",
		"fields": map[string]any{"summary": "bare"},
	})
	if tk.Key != "VIZ-9" || tk.Summary != "bare" { t.Fatalf("got %#v", tk) }
	if tk.Created != nil || tk.Updated != nil { t.Fatal("missing timestamps should stay nil") }
	if tk.ParentID != "" || tk.ParentKey != "" { t.Fatal("no parent expected") }
}
