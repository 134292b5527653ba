package faults

import (
	"testing"
	"time"
)

func TestSampleAlwaysDropsAt100Pct(t *testing.T) {
	p := New(Rates{DropPct: 100}, 1)
	for i := 0; i < 20; i++ {
		if !p.Sample().Drop {
			t.Fatalf("expected drop at 100%% drop rate")
		}
	}
}

func TestSampleNeverDropsAt0Pct(t *testing.T) {
	p := New(Rates{DropPct: 0}, 2)
	for i := 0; i < 20; i++ {
		if p.Sample().Drop {
			t.Fatalf("expected no drop at 0%% drop rate")
		}
	}
}

func TestSampleDelayWithinRange(t *testing.T) {
	p := New(Rates{DelayPct: 100, MinMs: 10, MaxMs: 20}, 3)
	for i := 0; i < 20; i++ {
		out := p.Sample()
		if out.Delay < 10*time.Millisecond {
			t.Fatalf("delay %v below MinMs", out.Delay)
		}
		// Allow for the per-worker offset added on top of the uniform sample.
		if out.Delay > 20*time.Millisecond+7*time.Millisecond {
			t.Fatalf("delay %v above MaxMs plus max offset", out.Delay)
		}
	}
}

func TestSetUpdatesRatesWithoutRace(t *testing.T) {
	p := New(Rates{DropPct: 0}, 4)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			p.Sample()
		}
		close(done)
	}()
	for i := 0; i < 100; i++ {
		p.Set(Rates{DropPct: i % 100})
	}
	<-done
}

func TestIndependentSeedsDiverge(t *testing.T) {
	a := New(Rates{WrongPct: 50}, 10)
	b := New(Rates{WrongPct: 50}, 11)

	var aOutcomes, bOutcomes []bool
	for i := 0; i < 30; i++ {
		aOutcomes = append(aOutcomes, a.Sample().Wrong)
		bOutcomes = append(bOutcomes, b.Sample().Wrong)
	}

	same := true
	for i := range aOutcomes {
		if aOutcomes[i] != bOutcomes[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatalf("two independently seeded policies produced identical sequences")
	}
}

func TestRandomSuffixLength(t *testing.T) {
	p := New(Rates{}, 5)
	s := p.RandomSuffix()
	if len(s) != 6 {
		t.Fatalf("expected 6-char suffix, got %q", s)
	}
}
