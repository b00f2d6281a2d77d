package hierarchy

import (
	"testing"
)

func ptr(v int64) *int64 { return &v }

// buildTestTree returns this subtree rooted at 1:
//
//	1 (building)
//	├── 2 (floor)
//	│   ├── 4 (room)
//	│   └── 5 (room)
//	└── 3 (floor)
//	    └── 6 (room)
func buildTestTree(t *testing.T) *Tree {
	t.Helper()
	tree, err := NewTree(1, []Space{
		{SpaceID: 1, Name: "building"},
		{SpaceID: 2, ParentID: ptr(1), Name: "floor-1"},
		{SpaceID: 3, ParentID: ptr(1), Name: "floor-2"},
		{SpaceID: 4, ParentID: ptr(2), Name: "room-101"},
		{SpaceID: 5, ParentID: ptr(2), Name: "room-102"},
		{SpaceID: 6, ParentID: ptr(3), Name: "room-201"},
	})
	if err != nil {
		t.Fatalf("NewTree failed: %v", err)
	}
	return tree
}

func TestTreeStructure(t *testing.T) {
	tree := buildTestTree(t)

	if tree.Size() != 6 {
		t.Errorf("expected 6 spaces, got %d", tree.Size())
	}
	if got := tree.Children(1); len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Errorf("unexpected children of root: %v", got)
	}
	if got := tree.Leaves(); len(got) != 3 || got[0] != 4 || got[1] != 5 || got[2] != 6 {
		t.Errorf("unexpected leaves: %v", got)
	}
	if !tree.IsLeaf(4) || tree.IsLeaf(2) {
		t.Error("leaf detection wrong")
	}
}

func TestAncestorsNearestFirst(t *testing.T) {
	tree := buildTestTree(t)

	anc := tree.Ancestors(4)
	if len(anc) != 2 || anc[0] != 2 || anc[1] != 1 {
		t.Errorf("expected [2 1], got %v", anc)
	}
	if got := tree.Ancestors(1); len(got) != 0 {
		t.Errorf("root should have no ancestors, got %v", got)
	}
}

func TestClassifyExcludesEmptyBranches(t *testing.T) {
	tree := buildTestTree(t)

	// Only rooms 4 and 5 have records: floor 3 and room 6 must be
	// excluded entirely.
	c := tree.Classify(map[int64]bool{4: true, 5: true})

	if len(c.Sources) != 2 || c.Sources[0] != 4 || c.Sources[1] != 5 {
		t.Errorf("unexpected sources: %v", c.Sources)
	}
	if len(c.Derived) != 2 || c.Derived[0] != 1 || c.Derived[1] != 2 {
		t.Errorf("unexpected derived: %v", c.Derived)
	}
	parts := c.Participants()
	for _, p := range parts {
		if p == 3 || p == 6 {
			t.Errorf("space %d should not participate", p)
		}
	}
}

func TestClassifyNoSources(t *testing.T) {
	tree := buildTestTree(t)
	c := tree.Classify(map[int64]bool{})
	if len(c.Sources) != 0 || len(c.Derived) != 0 {
		t.Errorf("expected empty classification, got %+v", c)
	}
}

func TestClassifySingleNodeTree(t *testing.T) {
	tree, err := NewTree(9, []Space{{SpaceID: 9}})
	if err != nil {
		t.Fatalf("NewTree failed: %v", err)
	}
	c := tree.Classify(map[int64]bool{9: true})
	if len(c.Sources) != 1 || c.Sources[0] != 9 {
		t.Errorf("a lone root with records should be a source, got %+v", c)
	}
	if len(c.Derived) != 0 {
		t.Errorf("a lone root should have no derived spaces, got %v", c.Derived)
	}
}

func TestNewTreeRejectsBrokenInput(t *testing.T) {
	if _, err := NewTree(1, []Space{{SpaceID: 2, ParentID: ptr(1)}}); err == nil {
		t.Error("expected error when root is missing")
	}
	if _, err := NewTree(1, []Space{{SpaceID: 1}, {SpaceID: 2, ParentID: ptr(99)}}); err == nil {
		t.Error("expected error for parent outside the subtree")
	}
	if _, err := NewTree(1, []Space{{SpaceID: 1}, {SpaceID: 2}}); err == nil {
		t.Error("expected error for a second parentless space")
	}
}
