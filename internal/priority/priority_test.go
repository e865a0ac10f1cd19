package priority_test

import (
	"testing"

	"github.com/nulpointcorp/vllm-gateway/internal/priority"
)

func TestIgnore_AlwaysNone(t *testing.T) {
	h := priority.Ignore{}
	for _, p := range []int{0, 3, 5, 9} {
		if _, ok := h.ApplyPriority(p); ok {
			t.Errorf("ApplyPriority(%d) should not yield a backend priority", p)
		}
	}
}

func TestPassthrough_InvertsAndFloorsAtZero(t *testing.T) {
	h := priority.Passthrough{BestPriority: 5}

	cases := []struct {
		in   int
		want int
	}{
		{in: 0, want: 5},
		{in: 2, want: 3},
		{in: 5, want: 0},
		{in: 9, want: 0}, // clamps rather than going negative
	}

	for _, c := range cases {
		got, ok := h.ApplyPriority(c.in)
		if !ok {
			t.Fatalf("expected passthrough to yield a backend priority for %d", c.in)
		}
		if got != c.want {
			t.Errorf("ApplyPriority(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}
