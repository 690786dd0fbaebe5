/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package services

import (
	"strings"

	"github.com/madpin/jiraviz/internal/domain"
)

// containerTypes are issue classifications conventionally expected to have
// children; matched case-insensitively as substrings. A heuristic only,
// never a hard constraint.
var containerTypes = []string{"initiative", "epic", "story", "feature"}

func IsContainerType(issueType string) bool {
	lt := strings.ToLower(issueType)
	for _, c := range containerTypes {
		if strings.Contains(lt, c) { return true }
	}
	return false
}

type TreeOptions struct {
	// HideEmptyParents demotes container-typed tickets with zero children
	// from roots to orphans.
	HideEmptyParents bool
}

// parentRef is one step of the ordered parent-resolution policy: which field
// holds the reference and which index resolves it.
type parentRef struct {
	ref  string
	byID bool
}

// resolveParentRef picks the linkage field for a ticket: explicit parent id
// first, then parent key. Returns false when the ticket carries no reference.
func resolveParentRef(t domain.Ticket) (parentRef, bool) {
	if t.ParentID != "" { return parentRef{ref: t.ParentID, byID: true}, true }
	if t.ParentKey != "" { return parentRef{ref: t.ParentKey, byID: false}, true }
	return parentRef{}, false
}

// BuildTree converts the flat ticket slice into a forest plus an orphan list.
// Children keep the iteration order of the input; the input is expected to be
// pre-sorted by the ranking orchestrator. Every input ticket lands exactly
// once in either a root's subtree or the orphan list.
func BuildTree(tickets []domain.Ticket, opts TreeOptions) domain.Forest {
	byID := make(map[string]*domain.TreeNode, len(tickets))
	byKey := make(map[string]*domain.TreeNode, len(tickets))
	nodes := make([]*domain.TreeNode, len(tickets))
	for i, t := range tickets {
		n := &domain.TreeNode{Ticket: t}
		nodes[i] = n
		if t.ID != "" { byID[t.ID] = n }
		if t.Key != "" { byKey[t.Key] = n }
	}

	attached := make(map[*domain.TreeNode]bool, len(tickets))
	dangling := make(map[*domain.TreeNode]bool)
	parentOf := make(map[*domain.TreeNode]*domain.TreeNode)
	for i, t := range tickets {
		ref, ok := resolveParentRef(t)
		if !ok { continue }
		var parent *domain.TreeNode
		if ref.byID { parent = byID[ref.ref] } else { parent = byKey[ref.ref] }
		if parent == nil || parent == nodes[i] {
			// broken link, including self-reference
			dangling[nodes[i]] = true
			continue
		}
		parent.Children = append(parent.Children, nodes[i])
		parentOf[nodes[i]] = parent
		attached[nodes[i]] = true
	}

	// A parent cycle leaves every member attached, so none of them would be
	// classified below. Find the nodes not reachable from any unattached node
	// and cut one link per cycle; the cut node keeps its children and the
	// whole cycle stays in the forest.
	reachable := make(map[*domain.TreeNode]bool, len(tickets))
	var mark func(n *domain.TreeNode)
	mark = func(n *domain.TreeNode) {
		if reachable[n] { return }
		reachable[n] = true
		for _, c := range n.Children { mark(c) }
	}
	for _, n := range nodes {
		if !attached[n] { mark(n) }
	}
	for _, n := range nodes {
		if reachable[n] { continue }
		p := parentOf[n]
		for i, c := range p.Children {
			if c == n {
				p.Children = append(p.Children[:i], p.Children[i+1:]...)
				break
			}
		}
		attached[n] = false
		dangling[n] = true
		mark(n)
	}

	forest := domain.Forest{Roots: []*domain.TreeNode{}, Orphans: []domain.Ticket{}}
	for _, n := range nodes {
		if attached[n] { continue }
		switch {
		case len(n.Children) > 0:
			// anything other tickets hang off must stay reachable, even when
			// its own parent reference is broken
			forest.Roots = append(forest.Roots, n)
		case dangling[n]:
			forest.Orphans = append(forest.Orphans, n.Ticket)
		case IsContainerType(n.Ticket.IssueType) && !opts.HideEmptyParents:
			forest.Roots = append(forest.Roots, n)
		default:
			forest.Orphans = append(forest.Orphans, n.Ticket)
		}
	}
	return forest
}

// childCounts maps each ticket id to the number of tickets whose parent
// reference resolves to it; used by the smart sort's structural-parent tier.
func childCounts(tickets []domain.Ticket) map[string]int {
	keyToID := make(map[string]string, len(tickets))
	for _, t := range tickets {
		if t.Key != "" { keyToID[t.Key] = t.ID }
	}
	ids := make(map[string]bool, len(tickets))
	for _, t := range tickets { ids[t.ID] = true }
	counts := map[string]int{}
	for _, t := range tickets {
		ref, ok := resolveParentRef(t)
		if !ok { continue }
		id := ref.ref
		if !ref.byID { id = keyToID[ref.ref] }
		if id == "" || id == t.ID || !ids[id] { continue }
		counts[id]++
	}
	return counts
}
