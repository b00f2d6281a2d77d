package window

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestPlanProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	genStart := gen.Int64Range(0, 4_000_000_000)
	genSpan := gen.Int64Range(1, 90*SecondsPerDay)
	genWidth := gen.Int64Range(1, 30)

	properties.Property("windows are contiguous and epoch-aligned", prop.ForAll(
		func(start, span, width int64) bool {
			windows, err := Plan(start, start+span, width)
			if err != nil || len(windows) == 0 {
				return false
			}
			w := width * SecondsPerDay
			for i, win := range windows {
				if win.Start%w != 0 || win.Width() != w {
					return false
				}
				if i > 0 && win.Start != windows[i-1].End {
					return false
				}
			}
			return true
		},
		genStart, genSpan, genWidth,
	))

	properties.Property("windows cover the full request range", prop.ForAll(
		func(start, span, width int64) bool {
			end := start + span
			windows, err := Plan(start, end, width)
			if err != nil {
				return false
			}
			return windows[0].Start <= start && windows[len(windows)-1].End >= end
		},
		genStart, genSpan, genWidth,
	))

	properties.Property("shifting the start within a window keeps its identity", prop.ForAll(
		func(start, span, width int64) bool {
			windows, err := Plan(start, start+span, width)
			if err != nil {
				return false
			}
			// Re-plan from anywhere inside the first window: the first
			// window must be identical. This is the cross-request reuse
			// guarantee.
			mid := windows[0].Start + windows[0].Width()/2
			if mid >= start+span {
				return true
			}
			again, err := Plan(mid, start+span, width)
			if err != nil {
				return false
			}
			return again[0] == windows[0]
		},
		genStart, genSpan, genWidth,
	))

	properties.Property("every timestamp in range falls in exactly one window", prop.ForAll(
		func(ts, width int64) bool {
			windows, err := Plan(ts, ts+1, width)
			if err != nil || len(windows) != 1 {
				return false
			}
			win := windows[0]
			return win.Start <= ts && ts < win.End && Index(ts, width)*width*SecondsPerDay == win.Start
		},
		genStart, genWidth,
	))

	properties.TestingRun(t)
}
