package ratelimit

import (
	"testing"
	"time"
)

func TestParseRate_PlainSecondsWindow(t *testing.T) {
	limit, window, err := ParseRate("120/60")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limit != 120 || window != 60*time.Second {
		t.Fatalf("got limit=%d window=%v", limit, window)
	}
}

func TestParseRate_MinutesAndHoursSuffix(t *testing.T) {
	limit, window, err := ParseRate("10/1m")
	if err != nil || limit != 10 || window != time.Minute {
		t.Fatalf("got limit=%d window=%v err=%v", limit, window, err)
	}

	limit, window, err = ParseRate("5/2h")
	if err != nil || limit != 5 || window != 2*time.Hour {
		t.Fatalf("got limit=%d window=%v err=%v", limit, window, err)
	}
}

func TestParseRate_RejectsMalformedSpec(t *testing.T) {
	for _, spec := range []string{"", "abc", "10", "0/60", "10/0", "10/60x"} {
		if _, _, err := ParseRate(spec); err == nil {
			t.Fatalf("expected error for spec %q", spec)
		}
	}
}

func TestKeyedLimiter_BlocksAfterBurstExhausted(t *testing.T) {
	kl := newKeyedLimiter(2, time.Minute)
	if !kl.allow("k") {
		t.Fatal("expected first request to be allowed")
	}
	if !kl.allow("k") {
		t.Fatal("expected second request (within burst) to be allowed")
	}
	if kl.allow("k") {
		t.Fatal("expected third request to be rate limited")
	}
}

func TestKeyedLimiter_DistinctKeysHaveIndependentBudgets(t *testing.T) {
	kl := newKeyedLimiter(1, time.Minute)
	if !kl.allow("a") {
		t.Fatal("expected first request for key a to be allowed")
	}
	if !kl.allow("b") {
		t.Fatal("expected key b to have its own independent budget")
	}
}
