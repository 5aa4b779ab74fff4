package proxyengine

import "testing"

func TestRoundUpAndDivUp(t *testing.T) {
	cases := []struct {
		v, step, roundUp, divUp int
	}{
		{0, 2, 0, 0},
		{1, 2, 2, 1},
		{4, 2, 4, 2},
		{5, 4, 8, 2},
	}
	for _, c := range cases {
		if got := roundUp(c.v, c.step); got != c.roundUp {
			t.Errorf("roundUp(%d,%d) = %d, want %d", c.v, c.step, got, c.roundUp)
		}
		if got := divUp(c.v, c.step); got != c.divUp {
			t.Errorf("divUp(%d,%d) = %d, want %d", c.v, c.step, got, c.divUp)
		}
	}
}

func TestMaxDepthFor(t *testing.T) {
	cases := []struct {
		nsubs, sharedSteps, want int
	}{
		{1, 16, 8},  // capped at NCCLSteps
		{2, 16, 8},  // 16/2=8, still capped
		{4, 16, 4},
		{8, 16, 2},
		{16, 16, 1},
		{32, 16, 1}, // floor division below 1 clamps to 1
		{0, 16, 8},  // nsubs<=0 treated as 1
	}
	for _, c := range cases {
		if got := maxDepthFor(c.nsubs, c.sharedSteps); got != c.want {
			t.Errorf("maxDepthFor(%d,%d) = %d, want %d", c.nsubs, c.sharedSteps, got, c.want)
		}
	}
}
