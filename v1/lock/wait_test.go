package lock

import (
	"testing"
	"time"
)

func TestRemainingFromPTTL(t *testing.T) {
	if r := RemainingFromPTTL(-1); !r.Indefinite {
		t.Fatalf("-1 should be indefinite, got %+v", r)
	}
	if r := RemainingFromPTTL(-2); r.Indefinite || r.TTL != 0 {
		t.Fatalf("-2 should be an immediate retry, got %+v", r)
	}
	if r := RemainingFromPTTL(1500); r.Indefinite || r.TTL != 1500*time.Millisecond {
		t.Fatalf("unexpected remaining %+v", r)
	}
}

func TestWaitBound(t *testing.T) {
	cases := []struct {
		name    string
		budget  time.Duration
		bounded bool
		r       Remaining
		want    time.Duration
		ok      bool
	}{
		{"unbounded indefinite", 0, false, Remaining{Indefinite: true}, 0, false},
		{"unbounded ttl", 0, false, Remaining{TTL: time.Second}, time.Second, true},
		{"budget smaller than ttl", 100 * time.Millisecond, true, Remaining{TTL: time.Second}, 100 * time.Millisecond, true},
		{"ttl smaller than budget", time.Minute, true, Remaining{TTL: time.Second}, time.Second, true},
		{"budget with indefinite ttl", time.Second, true, Remaining{Indefinite: true}, time.Second, true},
		{"exhausted budget", -time.Second, true, Remaining{TTL: time.Second}, 0, true},
	}
	for _, tc := range cases {
		got, ok := WaitBound(tc.budget, tc.bounded, tc.r)
		if got != tc.want || ok != tc.ok {
			t.Errorf("%s: got (%v, %v) want (%v, %v)", tc.name, got, ok, tc.want, tc.ok)
		}
	}
}
