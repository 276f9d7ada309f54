package backoff

import (
	"math/rand"
	"testing"
	"time"
)

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{
		"":                 ExpFullJitter,
		"fixed":            Fixed,
		" Linear ":         Linear,
		"EXPONENTIAL":      Exponential,
		"exp_equal_jitter": ExpEqualJitter,
		"exp_full_jitter":  ExpFullJitter,
	} {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Errorf("ParsePolicy(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParsePolicy("fibonacci"); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}

func TestScheduleDeterministic(t *testing.T) {
	s := time.Second
	tests := []struct {
		name  string
		sched Schedule
		retry int
		want  time.Duration
	}{
		{"fixed", Schedule{Fixed, 5 * s, 10 * s}, 7, 5 * s},
		{"fixed base above max", Schedule{Fixed, 20 * s, 10 * s}, 0, 10 * s},
		{"fixed zero base", Schedule{Fixed, 0, 10 * s}, 0, s},
		{"fixed zero max", Schedule{Fixed, 5 * s, 0}, 3, 5 * s},
		{"linear first retry", Schedule{Linear, 5 * s, 100 * s}, 0, 5 * s},
		{"linear third retry", Schedule{Linear, 5 * s, 100 * s}, 2, 15 * s},
		{"linear capped", Schedule{Linear, 5 * s, 20 * s}, 10, 20 * s},
		{"linear negative retry", Schedule{Linear, 5 * s, 100 * s}, -3, 5 * s},
		{"exponential first retry", Schedule{Exponential, 2 * s, 60 * s}, 0, 2 * s},
		{"exponential fourth retry", Schedule{Exponential, 2 * s, 60 * s}, 3, 16 * s},
		{"exponential capped", Schedule{Exponential, 2 * s, 60 * s}, 10, 60 * s},
		{"exponential huge retry", Schedule{Exponential, 2 * s, 60 * s}, 5000, 60 * s},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sched.Delay(tt.retry, nil); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.retry, got, tt.want)
			}
		})
	}
}

func TestScheduleJitterBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	full := Schedule{ExpFullJitter, time.Second, 30 * time.Second}
	equal := Schedule{ExpEqualJitter, time.Second, 30 * time.Second}
	unknown := Schedule{"bogus", time.Second, 30 * time.Second}

	for retry := 0; retry < 12; retry++ {
		ceiling := exp(time.Second, 30*time.Second, retry)
		for i := 0; i < 50; i++ {
			if d := full.Delay(retry, rng); d < 0 || d > ceiling {
				t.Fatalf("full jitter retry %d: %v outside [0, %v]", retry, d, ceiling)
			}
			if d := equal.Delay(retry, rng); d < ceiling/2 || d > ceiling {
				t.Fatalf("equal jitter retry %d: %v outside [%v, %v]", retry, d, ceiling/2, ceiling)
			}
			if d := unknown.Delay(retry, rng); d < 0 || d > ceiling {
				t.Fatalf("unknown policy retry %d: %v outside [0, %v]", retry, d, ceiling)
			}
		}
	}
}

func TestScheduleJitterReproducible(t *testing.T) {
	sched := Schedule{ExpFullJitter, time.Second, time.Minute}
	a := rand.New(rand.NewSource(7))
	b := rand.New(rand.NewSource(7))
	for retry := 0; retry < 8; retry++ {
		if x, y := sched.Delay(retry, a), sched.Delay(retry, b); x != y {
			t.Fatalf("retry %d: %v != %v with the same seed", retry, x, y)
		}
	}
}
