package delivery

import (
	"testing"
	"time"
)

func TestBackoffFirstRetryImmediate(t *testing.T) {
	if d := backoff(1); d != 0 {
		t.Errorf("backoff(1) = %v, want 0", d)
	}
	if d := backoff(0); d != 0 {
		t.Errorf("backoff(0) = %v, want 0", d)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	prev := backoff(2)
	for n := 3; n < 40; n++ {
		cur := backoff(n)
		if cur < prev {
			t.Fatalf("backoff(%d) = %v is less than backoff(%d) = %v; expected monotonic growth", n, cur, n-1, prev)
		}
		prev = cur
	}
	if got := backoff(200); got != 24*time.Hour {
		t.Errorf("backoff(200) = %v, want capped at 24h", got)
	}
}

func TestHostOf(t *testing.T) {
	cases := map[string]string{
		"https://remote.example/inbox":           "remote.example",
		"https://remote.example:8443/u/alice":    "remote.example:8443",
		"https://remote.example/c/golang/inbox":  "remote.example",
		"not-a-url":                              "not-a-url",
	}
	for in, want := range cases {
		if got := hostOf(in); got != want {
			t.Errorf("hostOf(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMax(t *testing.T) {
	if max(1, 2) != 2 {
		t.Error("max(1, 2) should be 2")
	}
	if max(5, 2) != 5 {
		t.Error("max(5, 2) should be 5")
	}
}
