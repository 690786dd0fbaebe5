package domain

import (
	"strings"
	"time"
)

// Ticket is the flat issue record the ranking and tree subsystems operate on.
// ID is the tracker's opaque identifier; Key is the human-readable one (both
// unique). ParentID/ParentKey carry the parent linkage, either may be empty.
type Ticket struct {
	ID             string     `json:"id"`
	Key            string     `json:"key"`
	Summary        string     `json:"summary"`
	Description    string     `json:"description,omitempty"`
	IssueType      string     `json:"issueType"`
	Status         string     `json:"status"`
	StatusCategory string     `json:"statusCategory,omitempty"`
	Priority       string     `json:"priority,omitempty"`
	Assignee       string     `json:"assignee,omitempty"`
	AssigneeEmail  string     `json:"assigneeEmail,omitempty"`
	Reporter       string     `json:"reporter,omitempty"`
	ReporterEmail  string     `json:"reporterEmail,omitempty"`
	Created        *time.Time `json:"created,omitempty"`
	Updated        *time.Time `json:"updated,omitempty"`
	ParentID       string     `json:"parentId,omitempty"`
	ParentKey      string     `json:"parentKey,omitempty"`
	Labels         []string   `json:"labels,omitempty"`
	Components     []string   `json:"components,omitempty"`
}

// TreeNode is one ticket with its attached children. Children keep the
// iteration order of the input ticket list; ordering is the sorter's job.
type TreeNode struct {
	Ticket   Ticket      `json:"ticket"`
	Children []*TreeNode `json:"children,omitempty"`
}

// Forest is the output of tree building: top-level nodes plus the tickets
// that have no resolvable parent and no structural reason to be roots.
type Forest struct {
	Roots   []*TreeNode `json:"roots"`
	Orphans []Ticket    `json:"orphans"`
}

// UserIdentity carries the current user's identity; Email is the stable join
// key for ownership checks, display name is not.
type UserIdentity struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
}

type SortMode string

const (
	SortSmart        SortMode = "default"
	SortAlphabetical SortMode = "alphabetical"
	SortCreated      SortMode = "created"
	SortUpdated      SortMode = "updated"
	SortStatus       SortMode = "status"
	SortPriority     SortMode = "priority"
	SortAssignee     SortMode = "assignee"
)

// ParseSortMode maps a request string onto a known mode; anything
// unrecognized (including "") gets the smart default.
func ParseSortMode(s string) SortMode {
	switch SortMode(s) {
	case SortAlphabetical, SortCreated, SortUpdated, SortStatus, SortPriority, SortAssignee:
		return SortMode(s)
	default:
		return SortSmart
	}
}

const priorityRankUnknown = 999

var priorityRanks = map[string]int{
	"highest": 1,
	"high":    2,
	"medium":  3,
	"low":     4,
	"lowest":  5,
}

// PriorityRank returns the fixed ordering rank for a priority name;
// unknown or missing priorities sort last.
func PriorityRank(priority string) int {
	if r, ok := priorityRanks[strings.ToLower(strings.TrimSpace(priority))]; ok { return r }
	return priorityRankUnknown
}

type SyncRun struct {
	ID             int64      `json:"id"`
	Projects       string     `json:"projects"`
	StartedAt      time.Time  `json:"startedAt"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
	TicketsScanned int        `json:"ticketsScanned"`
	OK             bool       `json:"ok"`
	Note           string     `json:"note,omitempty"`
}
