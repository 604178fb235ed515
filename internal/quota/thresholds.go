package quota

// DefaultThresholds are the usage percentages that trigger a notification.
var DefaultThresholds = []int{50, 80, 90, 95, 100}

// CrossedThreshold returns the first threshold, in ascending order, that the
// move from before to after crosses: after is at or above threshold percent
// of limit while before was still below it. At most one threshold is
// reported per call.
func CrossedThreshold(before, after, limit int64, thresholds []int) (int, bool) {
	if limit <= 0 {
		return 0, false
	}

	for _, t := range thresholds {
		boundary := int64(t) * limit
		if after*100 >= boundary && before*100 < boundary {
			return t, true
		}
	}

	return 0, false
}
