package server

import "testing"

func TestFee(t *testing.T) {
	cases := []struct {
		amount int64
		want   int64
	}{
		{0, 0},
		{-50, 0},
		{1, 0},
		{49, 0},
		{50, 1},
		{99, 1},
		{100, 2},
		{101, 2},
		{149, 2},
		{150, 3},
		{1000, 20},
		{12345, 246},
	}
	for _, tc := range cases {
		if got := fee(tc.amount); got != tc.want {
			t.Errorf("fee(%d) = %d, want %d", tc.amount, got, tc.want)
		}
	}
}

func TestIDArray(t *testing.T) {
	if got := idArray([]int64{7}); got != "{7}" {
		t.Fatalf("idArray single = %q", got)
	}
	if got := idArray([]int64{3, 11, 42}); got != "{3,11,42}" {
		t.Fatalf("idArray multi = %q", got)
	}
	if got := idArray(nil); got != "{}" {
		t.Fatalf("idArray empty = %q", got)
	}
}
