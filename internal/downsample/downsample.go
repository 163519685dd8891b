// Package downsample reduces sample series by pairwise merging. The same
// combine rule serves read paths and permanent history compaction so stored
// and displayed data agree.
package downsample

import (
	"sort"

	"ravenhub/internal/database"
)

// Reduce returns at most max(target, 1) samples built from samples by
// repeated halving passes. The input slice is left untouched.
func Reduce(samples []database.Sample, target int) []database.Sample {
	if len(samples) == 0 {
		return []database.Sample{}
	}
	if target < 1 {
		target = 1
	}

	out := make([]database.Sample, len(samples))
	copy(out, samples)

	for len(out) > target {
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].SentAt < out[j].SentAt
		})

		// An odd tail is folded into its neighbour first. That alone may
		// reach the target.
		if n := len(out); n%2 == 1 {
			out[n-2] = Combine(out[n-2], out[n-1])
			out = out[:n-1]
			continue
		}

		for i := 0; i < len(out); i += 2 {
			out[i/2] = Combine(out[i], out[i+1])
		}
		out = out[:len(out)/2]
	}

	return out
}

// Combine merges two samples, a no later than b. A timeout always survives
// the merge with its own send time.
func Combine(a, b database.Sample) database.Sample {
	out := a

	switch {
	case a.Timeout() && b.Timeout():
		out.SentAt = mean32(a.SentAt, b.SentAt)
	case b.Timeout():
		out.RTT = database.TimeoutRTT
		out.SentAt = b.SentAt
		out.StatusCode = b.StatusCode
		out.Status = b.Status
	case a.Timeout():
		// a already carries its own time and status
	default:
		out.RTT = mean16(a.RTT, b.RTT)
		out.SentAt = mean32(a.SentAt, b.SentAt)
	}

	return out
}

func mean32(a, b uint32) uint32 {
	return uint32((uint64(a) + uint64(b)) / 2)
}

func mean16(a, b uint16) uint16 {
	return uint16((uint32(a) + uint32(b)) / 2)
}
