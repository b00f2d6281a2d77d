package types

// AllowedIntervals is the set of supported bin widths in seconds:
// 15 min, 30 min, 1 h, 2 h, 4 h, 8 h, 1 day. All are divisors of a
// day, so epoch-aligned bins never straddle a day boundary.
var AllowedIntervals = map[int64]bool{
	900:   true,
	1800:  true,
	3600:  true,
	7200:  true,
	14400: true,
	28800: true,
	86400: true,
}

// IntervalAllowed reports whether the given bin width is supported.
func IntervalAllowed(seconds int64) bool {
	return AllowedIntervals[seconds]
}
