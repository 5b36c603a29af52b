package allocation

import "testing"

func sum(xs []int) int {
	t := 0
	for _, x := range xs {
		t += x
	}
	return t
}

func TestLargestRemainderRoundSumsExactlyToTotal(t *testing.T) {
	shares := []float64{0.34, 0.33, 0.33}
	got := LargestRemainderRound(shares, 10)
	if s := sum(got); s != 10 {
		t.Errorf("expected sum 10, got %d (%v)", s, got)
	}
}

func TestLargestRemainderRoundNeverExceedsTotalWithManyShares(t *testing.T) {
	shares := []float64{0.111, 0.111, 0.111, 0.111, 0.111, 0.111, 0.111, 0.111, 0.112}
	got := LargestRemainderRound(shares, 100)
	if s := sum(got); s > 100 {
		t.Errorf("sum %d exceeds total 100", s)
	}
}

func TestLargestRemainderRoundEmptyShares(t *testing.T) {
	got := LargestRemainderRound(nil, 100)
	if len(got) != 0 {
		t.Errorf("expected empty result, got %v", got)
	}
}

func TestLargestRemainderRoundZeroTotal(t *testing.T) {
	got := LargestRemainderRound([]float64{0.5, 0.5}, 0)
	if sum(got) != 0 {
		t.Errorf("expected zero allocation for zero total, got %v", got)
	}
}

func TestLargestRemainderRoundGivesLeftoverToLargestRemainders(t *testing.T) {
	// 3-way split of 10: floors are 3,3,3 with remainder 1 left over; the
	// equal remainders should still sum exactly to 10 regardless of tie order.
	got := LargestRemainderRound([]float64{1.0 / 3, 1.0 / 3, 1.0 / 3}, 10)
	if s := sum(got); s != 10 {
		t.Errorf("expected sum 10, got %d (%v)", s, got)
	}
}
