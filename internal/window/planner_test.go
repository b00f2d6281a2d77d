package window

import "testing"

func TestPlanSingleWindow(t *testing.T) {
	// A range entirely inside one 7-day window.
	windows, err := Plan(100, 200, 7)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if len(windows) != 1 {
		t.Fatalf("expected 1 window, got %d", len(windows))
	}
	if windows[0].Start != 0 || windows[0].End != 7*SecondsPerDay {
		t.Errorf("unexpected window %+v", windows[0])
	}
}

func TestPlanWindowsNotClippedToRange(t *testing.T) {
	// Request starts mid-window: the first window still begins at its
	// epoch-aligned boundary, before the request start.
	start := 3*SecondsPerDay + 500
	end := 10 * SecondsPerDay
	windows, err := Plan(start, end, 7)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if windows[0].Start != 0 {
		t.Errorf("first window should start at 0, got %d", windows[0].Start)
	}
	if last := windows[len(windows)-1]; last.End != 14*SecondsPerDay {
		t.Errorf("last window should end at day 14, got %d", last.End)
	}
}

func TestPlanExclusiveEndBoundary(t *testing.T) {
	// end exactly on a window boundary must not drag in the next window.
	windows, err := Plan(0, 7*SecondsPerDay, 7)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if len(windows) != 1 {
		t.Fatalf("expected 1 window for [0, 7d), got %d", len(windows))
	}
}

func TestPlanRejectsBadInputs(t *testing.T) {
	if _, err := Plan(100, 100, 7); err == nil {
		t.Error("expected error for empty range")
	}
	if _, err := Plan(200, 100, 7); err == nil {
		t.Error("expected error for inverted range")
	}
	if _, err := Plan(0, 100, 0); err == nil {
		t.Error("expected error for zero width")
	}
}

func TestIndexPreEpoch(t *testing.T) {
	if got := Index(-1, 1); got != -1 {
		t.Errorf("expected timestamp -1 in window -1, got %d", got)
	}
	if got := Index(0, 1); got != 0 {
		t.Errorf("expected timestamp 0 in window 0, got %d", got)
	}
}

func TestBinStart(t *testing.T) {
	cases := []struct {
		t, interval, want int64
	}{
		{0, 900, 0},
		{899, 900, 0},
		{900, 900, 900},
		{3601, 3600, 3600},
		{-1, 900, -900},
	}
	for _, c := range cases {
		if got := BinStart(c.t, c.interval); got != c.want {
			t.Errorf("BinStart(%d, %d) = %d, expected %d", c.t, c.interval, got, c.want)
		}
	}
}
