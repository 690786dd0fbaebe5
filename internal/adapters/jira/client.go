/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package jira

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/madpin/jiraviz/internal/config"
	"github.com/madpin/jiraviz/internal/domain"
)

type Client struct {
	baseURL  string
	token    string
	basic    string
	user     string
	pass     string
	http     *http.Client
	log      zerolog.Logger
	apiVer   string
	extraJQL string
}

func NewClient(cfg config.Config, log zerolog.Logger) *Client {
	return &Client{
		baseURL:  cfg.JiraBaseURL,
		token:    cfg.JiraPAT,
		basic:    getenvBasic(),
		user:     cfg.JiraUsername,
		pass:     cfg.JiraPassword,
		http:     &http.Client{Timeout: cfg.HTTPTimeout},
		log:      log,
		apiVer:   cfg.JiraAPIVersion,
		extraJQL: cfg.JiraDefaultJQL,
	}
}

// getenvBasic reads JIRA_BASIC_AUTH from environment if present (format: user:pass base64), optional
func getenvBasic() string {
	v := ""
	if s := strings.TrimSpace(os.Getenv("JIRA_BASIC_AUTH")); s != "" { v = s }
	return v
}

func (c *Client) apiPath(suffix string) string {
	if c.apiVer == "2" { return "/rest/api/2" + suffix }
	return "/rest/api/3" + suffix
}

func (c *Client) apiURL(path string, q url.Values) string {
	base := strings.TrimRight(c.baseURL, "/")
	if !strings.HasPrefix(path, "/") { path = "/" + path }
	u := base + path
	if len(q) > 0 { u = u + "?" + q.Encode() }
	return u
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else if c.user != "" && c.pass != "" {
		req.SetBasicAuth(c.user, c.pass)
	} else if c.basic != "" {
		req.Header.Set("Authorization", "Basic "+c.basic)
	}
}

func (c *Client) doJSON(ctx context.Context, method, u string, body any) (map[string]any, error) {
	if c.baseURL == "" { return nil, errors.New("jira: empty baseURL") }
	var payload string
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil { return nil, err }
		payload = string(b)
	}
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		var r io.Reader
		if payload != "" { r = strings.NewReader(payload) }
		req, err := http.NewRequestWithContext(ctx, method, u, r)
		if err != nil { return nil, err }
		if payload != "" { req.Header.Set("Content-Type", "application/json") }
		c.authorize(req)
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
		} else {
			b, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if resp.StatusCode >= 300 {
				// retry on 429/5xx, fail fast on the rest
				if resp.StatusCode == 429 || resp.StatusCode >= 500 {
					lastErr = fmt.Errorf("jira api status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
				} else {
					return nil, fmt.Errorf("jira api status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
				}
			} else {
				if readErr != nil { return nil, readErr }
				if len(b) == 0 { return map[string]any{}, nil }
				var out map[string]any
				if err := json.Unmarshal(b, &out); err != nil { return nil, err }
				return out, nil
			}
		}
		// backoff
		time.Sleep(time.Duration(300*(1<<attempt)) * time.Millisecond)
	}
	return nil, lastErr
}

// Myself returns the authenticated user's identity (email is the join key
// used for ownership checks).
func (c *Client) Myself(ctx context.Context) (domain.UserIdentity, error) {
	u := c.apiURL(c.apiPath("/myself"), nil)
	out, err := c.doJSON(ctx, http.MethodGet, u, nil)
	if err != nil { return domain.UserIdentity{}, err }
	return domain.UserIdentity{
		Email:       toStrAny(out["emailAddress"]),
		DisplayName: toStrAny(out["displayName"]),
	}, nil
}

// ProjectTickets fetches the full ticket set for a project as a flat slice,
// deduplicated by key (last write wins). Pagination follows the response
// metadata the way Jira reports it.
func (c *Client) ProjectTickets(ctx context.Context, projectKey string) ([]domain.Ticket, error) {
	if strings.TrimSpace(projectKey) == "" { return nil, errors.New("jira: empty project key") }
	jql := fmt.Sprintf("project = %s", projectKey)
	if strings.TrimSpace(c.extraJQL) != "" { jql += " AND (" + c.extraJQL + ")" }
	jql += " ORDER BY updated DESC"
	var tickets []domain.Ticket
	index := map[string]int{}
	startAt := 0
	for {
		page, err := c.search(ctx, jql, startAt, 100)
		if err != nil { return nil, err }
		arr, _ := page["issues"].([]any)
		if len(arr) == 0 { break }
		for _, it := range arr {
			im, _ := it.(map[string]any)
			if im == nil { continue }
			t := parseTicket(im)
			if t.Key == "" { continue }
			if idx, ok := index[t.Key]; ok {
				tickets[idx] = t
				continue
			}
			index[t.Key] = len(tickets)
			tickets = append(tickets, t)
		}
		total, _ := page["total"].(float64)
		startAtResp, _ := page["startAt"].(float64)
		maxResp, _ := page["maxResults"].(float64)
		if total == 0 { break }
		next := int(startAtResp) + int(maxResp)
		if float64(next) >= total { break }
		// a missing or zero maxResults would re-request the same page
		if next <= startAt { break }
		startAt = next
	}
	return tickets, nil
}

func (c *Client) search(ctx context.Context, jql string, startAt, max int) (map[string]any, error) {
	if jql == "" { return nil, errors.New("jira: empty jql") }
	if c.apiVer == "2" {
		q := url.Values{}
		q.Set("jql", jql)
		if startAt > 0 { q.Set("startAt", fmt.Sprint(startAt)) }
		if max > 0 { q.Set("maxResults", fmt.Sprint(max)) }
		q.Set("fields", "*all")
		u := c.apiURL("/rest/api/2/search", q)
		return c.doJSON(ctx, http.MethodGet, u, nil)
	}
	// default to v3
	body := map[string]any{"jql": jql, "startAt": startAt, "maxResults": max}
	u := c.apiURL("/rest/api/3/search", url.Values{"fields": []string{"*all"}})
	return c.doJSON(ctx, http.MethodPost, u, body)
}

// CreateTicket creates an issue and returns its new key.
func (c *Client) CreateTicket(ctx context.Context, projectKey string, t domain.Ticket) (string, error) {
	fields := map[string]any{
		"project":   map[string]any{"key": projectKey},
		"summary":   t.Summary,
		"issuetype": map[string]any{"name": t.IssueType},
	}
	if t.Description != "" { fields["description"] = t.Description }
	if t.Priority != "" { fields["priority"] = map[string]any{"name": t.Priority} }
	if len(t.Labels) > 0 { fields["labels"] = t.Labels }
	if t.ParentKey != "" { fields["parent"] = map[string]any{"key": t.ParentKey} }
	u := c.apiURL(c.apiPath("/issue"), nil)
	out, err := c.doJSON(ctx, http.MethodPost, u, map[string]any{"fields": fields})
	if err != nil { return "", err }
	return toStrAny(out["key"]), nil
}

// UpdateTicket sends a partial fields update for an existing issue.
func (c *Client) UpdateTicket(ctx context.Context, key string, fields map[string]any) error {
	if key == "" { return errors.New("jira: empty issue key") }
	u := c.apiURL(c.apiPath("/issue/"+url.PathEscape(key)), nil)
	_, err := c.doJSON(ctx, http.MethodPut, u, map[string]any{"fields": fields})
	return err
}

func (c *Client) DeleteTicket(ctx context.Context, key string) error {
	if key == "" { return errors.New("jira: empty issue key") }
	u := c.apiURL(c.apiPath("/issue/"+url.PathEscape(key)), nil)
	_, err := c.doJSON(ctx, http.MethodDelete, u, nil)
	return err
}

func (c *Client) AddComment(ctx context.Context, key, body string) error {
	if key == "" { return errors.New("jira: empty issue key") }
	u := c.apiURL(c.apiPath("/issue/"+url.PathEscape(key)+"/comment"), nil)
	_, err := c.doJSON(ctx, http.MethodPost, u, map[string]any{"body": body})
	return err
}

// parseTicket maps one raw search result onto the domain ticket. Parent
// linkage is taken from the parent field when present, then from the epic
// link (which only carries the human key).
func parseTicket(im map[string]any) domain.Ticket {
	fields, _ := im["fields"].(map[string]any)
	t := domain.Ticket{
		ID:      toStrAny(im["id"]),
		Key:     toStrAny(im["key"]),
		Summary: toStrAny(fields["summary"]),
	}
	t.Description = toStrAny(fields["description"])
	if it, ok := fields["issuetype"].(map[string]any); ok { t.IssueType = toStrAny(it["name"]) }
	if st, ok := fields["status"].(map[string]any); ok {
		t.Status = toStrAny(st["name"])
		if sc, ok := st["statusCategory"].(map[string]any); ok { t.StatusCategory = toStrAny(sc["name"]) }
	}
	if pr, ok := fields["priority"].(map[string]any); ok { t.Priority = toStrAny(pr["name"]) }
	if as, ok := fields["assignee"].(map[string]any); ok {
		t.Assignee = toStrAny(as["displayName"])
		t.AssigneeEmail = toStrAny(as["emailAddress"])
	}
	if rp, ok := fields["reporter"].(map[string]any); ok {
		t.Reporter = toStrAny(rp["displayName"])
		t.ReporterEmail = toStrAny(rp["emailAddress"])
	}
	t.Created = parseTimeUTC(fields["created"])
	t.Updated = parseTimeUTC(fields["updated"])
	if lv, ok := fields["labels"].([]any); ok {
		for _, x := range lv {
			if s, ok := x.(string); ok { t.Labels = append(t.Labels, s) }
		}
	}
	if comps, ok := fields["components"].([]any); ok {
		for _, c0 := range comps {
			if cm, _ := c0.(map[string]any); cm != nil {
				if n := toStrAny(cm["name"]); n != "" { t.Components = append(t.Components, n) }
			}
		}
	}
	if p, ok := fields["parent"].(map[string]any); ok {
		t.ParentID = toStrAny(p["id"])
		t.ParentKey = toStrAny(p["key"])
	}
	if t.ParentID == "" && t.ParentKey == "" {
		if ep, ok := fields["epic"].(map[string]any); ok { t.ParentKey = toStrAny(ep["key"]) }
	}
	if t.ParentID == "" && t.ParentKey == "" {
		// Epic Link on Server/DC instances only carries the key
		if v := toStrAny(fields["customfield_10014"]); v != "" { t.ParentKey = v }
	}
	return t
}

func parseTimeUTC(v any) *time.Time {
	s, _ := v.(string)
	if s == "" { return nil }
	layouts := []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000-0700", "2006-01-02T15:04:05-0700"}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			tt := t.UTC()
			return &tt
		}
	}
	return nil
}

func toStrAny(v any) string {
	if v == nil { return "" }
	if s, ok := v.(string); ok { return s }
	return fmt.Sprintf("%v", v)
}
