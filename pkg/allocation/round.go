package allocation

import "sort"

// LargestRemainderRound apportions total whole units among shares (expected
// to sum to ~1.0) using the largest-remainder method: every share's floor is
// taken first, then the leftover units go to the shares with the largest
// fractional remainder, at most one unit per share. When the shares sum to
// 1.0 the result sums to exactly total; when they sum to less, the result may
// sum to less than total. Shares summing to at most 1.0 never yield more than
// total, which keeps every per-VM denormalization within the pool's capacity.
func LargestRemainderRound(shares []float64, total int) []int {
	n := len(shares)
	out := make([]int, n)
	if n == 0 || total <= 0 {
		return out
	}

	remainders := make([]float64, n)
	floorSum := 0
	for i, s := range shares {
		v := s * float64(total)
		if v < 0 {
			v = 0
		}
		out[i] = int(v)
		remainders[i] = v - float64(out[i])
		floorSum += out[i]
	}

	leftover := total - floorSum
	if leftover <= 0 {
		return out
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return remainders[order[i]] > remainders[order[j]] })

	for k := 0; k < leftover && k < n; k++ {
		out[order[k]]++
	}
	return out
}
