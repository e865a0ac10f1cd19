package dispatcher_test

import (
	"testing"

	"github.com/nulpointcorp/vllm-gateway/internal/dispatcher"
)

func TestInFlight_IncrementDecrement(t *testing.T) {
	f := dispatcher.NewInFlight([]string{"A"})
	f.Increment("A")
	f.Increment("A")
	if got := f.Get("A"); got != 2 {
		t.Fatalf("Get(A) = %d, want 2", got)
	}
	f.Decrement("A")
	if got := f.Get("A"); got != 1 {
		t.Fatalf("Get(A) = %d, want 1", got)
	}
}

func TestInFlight_FlooredAtZero(t *testing.T) {
	f := dispatcher.NewInFlight([]string{"A"})
	f.Decrement("A")
	f.Decrement("A")
	if got := f.Get("A"); got != 0 {
		t.Fatalf("Get(A) = %d, want 0 (floored)", got)
	}
}

func TestInFlight_UnknownBackendIsNoop(t *testing.T) {
	f := dispatcher.NewInFlight([]string{"A"})
	f.Decrement("unknown") // must not panic or create an entry
	if got := f.Get("unknown"); got != 0 {
		t.Fatalf("Get(unknown) = %d, want 0", got)
	}
}

func TestInFlight_UnchangedAfterMatchedDispatchAndCompletion(t *testing.T) {
	f := dispatcher.NewInFlight([]string{"A"})
	before := f.Get("A")
	f.Increment("A") // dispatch
	f.Decrement("A") // matching completion
	if got := f.Get("A"); got != before {
		t.Fatalf("Get(A) = %d, want unchanged value %d", got, before)
	}
}
