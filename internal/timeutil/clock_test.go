package timeutil

import (
	"reflect"
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	past := time.Now().Add(-time.Second)
	d := clock.Since(past)

	if d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
}

func TestRealClock_NewTicker(t *testing.T) {
	clock := RealClock{}
	ticker := clock.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	select {
	case <-ticker.C():
	case <-time.After(time.Second):
		t.Error("ticker did not fire")
	}
}

func TestMockClock_SleepAdvances(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	clock.Sleep(2 * time.Second)
	clock.Sleep(time.Second)

	if got := clock.Since(start); got != 3*time.Second {
		t.Errorf("Since() = %v, want 3s", got)
	}
	want := []time.Duration{2 * time.Second, time.Second}
	if got := clock.Sleeps(); !reflect.DeepEqual(got, want) {
		t.Errorf("Sleeps() = %v, want %v", got, want)
	}
}

func TestMockTicker_FiresOnAdvance(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	ticker := clock.NewTicker(time.Second)

	clock.Advance(500 * time.Millisecond)
	select {
	case <-ticker.C():
		t.Fatal("ticker fired early")
	default:
	}

	clock.Advance(500 * time.Millisecond)
	select {
	case <-ticker.C():
	default:
		t.Fatal("ticker did not fire")
	}

	ticker.Stop()
	clock.Advance(5 * time.Second)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestPacer(t *testing.T) {
	t.Run("sleeps to sensor time", func(t *testing.T) {
		clock := NewMockClock(time.Unix(100, 0))
		p := NewPacer(clock, 1)
		p.Wait(10.0)
		p.Wait(10.5)
		p.Wait(10.5)
		p.Wait(11.0)
		want := []time.Duration{500 * time.Millisecond, 500 * time.Millisecond}
		if got := clock.Sleeps(); !reflect.DeepEqual(got, want) {
			t.Fatalf("Sleeps() = %v, want %v", got, want)
		}
	})

	t.Run("speed scales", func(t *testing.T) {
		clock := NewMockClock(time.Unix(100, 0))
		p := NewPacer(clock, 2)
		p.Wait(0)
		p.Wait(1)
		want := []time.Duration{500 * time.Millisecond}
		if got := clock.Sleeps(); !reflect.DeepEqual(got, want) {
			t.Errorf("Sleeps() = %v, want %v", got, want)
		}
	})

	t.Run("loop back re-anchors", func(t *testing.T) {
		clock := NewMockClock(time.Unix(100, 0))
		p := NewPacer(clock, 1)
		p.Wait(50)
		p.Wait(51)
		p.Wait(3)
		p.Wait(3.25)
		want := []time.Duration{time.Second, 250 * time.Millisecond}
		if got := clock.Sleeps(); !reflect.DeepEqual(got, want) {
			t.Errorf("Sleeps() = %v, want %v", got, want)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		clock := NewMockClock(time.Unix(100, 0))
		p := NewPacer(clock, 0)
		p.Wait(0)
		p.Wait(100)
		if got := clock.Sleeps(); len(got) != 0 {
			t.Errorf("Sleeps() = %v, want none", got)
		}
	})
}
