// Package hierarchy models the building-space tree and the
// source/derived classification of a materialization request.
package hierarchy

import (
	"fmt"
	"sort"
)

// Space is one node of the building hierarchy. A nil ParentID marks a
// root (a building).
type Space struct {
	SpaceID  int64
	ParentID *int64
	Name     string
}

// Tree is an in-memory index over a space subtree. Built once per
// planning pass; all lookups are map-backed.
type Tree struct {
	root     int64
	spaces   map[int64]Space
	children map[int64][]int64
}

// NewTree indexes the given spaces under root. Every space except the
// root must have its parent present in the slice; spaces unreachable
// from the root are rejected.
func NewTree(root int64, spaces []Space) (*Tree, error) {
	t := &Tree{
		root:     root,
		spaces:   make(map[int64]Space, len(spaces)),
		children: make(map[int64][]int64),
	}
	for _, s := range spaces {
		t.spaces[s.SpaceID] = s
	}
	if _, ok := t.spaces[root]; !ok {
		return nil, fmt.Errorf("hierarchy: root space %d not in space set", root)
	}
	for _, s := range spaces {
		if s.SpaceID == root {
			continue
		}
		if s.ParentID == nil {
			return nil, fmt.Errorf("hierarchy: space %d has no parent but is not the root", s.SpaceID)
		}
		if _, ok := t.spaces[*s.ParentID]; !ok {
			return nil, fmt.Errorf("hierarchy: space %d references parent %d outside the subtree", s.SpaceID, *s.ParentID)
		}
		t.children[*s.ParentID] = append(t.children[*s.ParentID], s.SpaceID)
	}
	for _, kids := range t.children {
		sort.Slice(kids, func(i, j int) bool { return kids[i] < kids[j] })
	}
	return t, nil
}

// Root returns the subtree root's space ID.
func (t *Tree) Root() int64 { return t.root }

// Size returns the number of spaces in the subtree.
func (t *Tree) Size() int { return len(t.spaces) }

// Contains reports whether the space is part of the subtree.
func (t *Tree) Contains(spaceID int64) bool {
	_, ok := t.spaces[spaceID]
	return ok
}

// Children returns the immediate children of a space, sorted by ID.
func (t *Tree) Children(spaceID int64) []int64 {
	return t.children[spaceID]
}

// IsLeaf reports whether the space has no children within the subtree.
func (t *Tree) IsLeaf(spaceID int64) bool {
	return len(t.children[spaceID]) == 0
}

// Leaves returns all leaf space IDs, sorted.
func (t *Tree) Leaves() []int64 {
	var leaves []int64
	for id := range t.spaces {
		if t.IsLeaf(id) {
			leaves = append(leaves, id)
		}
	}
	sort.Slice(leaves, func(i, j int) bool { return leaves[i] < leaves[j] })
	return leaves
}

// Ancestors returns the strict ancestors of spaceID up to and
// including the root, nearest first.
func (t *Tree) Ancestors(spaceID int64) []int64 {
	var out []int64
	cur, ok := t.spaces[spaceID]
	if !ok {
		return nil
	}
	for cur.SpaceID != t.root {
		parent := *cur.ParentID
		out = append(out, parent)
		cur = t.spaces[parent]
	}
	return out
}

// Classification partitions a subtree into the spaces participating in
// a materialization. Source spaces are leaves with raw records in the
// request range; derived spaces are strict ancestors of at least one
// source. Spaces in neither set take no part and get no chunks.
type Classification struct {
	Sources []int64
	Derived []int64
}

// Participants returns sources and derived merged, sorted.
func (c Classification) Participants() []int64 {
	out := make([]int64, 0, len(c.Sources)+len(c.Derived))
	out = append(out, c.Sources...)
	out = append(out, c.Derived...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Classify computes the source/derived split given the set of leaves
// that have raw records. Leaves not in hasRecords are excluded, as are
// interior spaces with no source descendant.
func (t *Tree) Classify(hasRecords map[int64]bool) Classification {
	var c Classification
	derivedSet := make(map[int64]bool)
	for _, leaf := range t.Leaves() {
		if !hasRecords[leaf] {
			continue
		}
		c.Sources = append(c.Sources, leaf)
		for _, anc := range t.Ancestors(leaf) {
			derivedSet[anc] = true
		}
	}
	for id := range derivedSet {
		c.Derived = append(c.Derived, id)
	}
	sort.Slice(c.Sources, func(i, j int) bool { return c.Sources[i] < c.Sources[j] })
	sort.Slice(c.Derived, func(i, j int) bool { return c.Derived[i] < c.Derived[j] })
	return c
}
