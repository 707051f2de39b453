package cluster

import (
	"testing"
	"time"
)

func TestClockReadBeforeSample(t *testing.T) {
	var clock Clock
	if reading := clock.Read(DefaultSlotDuration); reading != nil {
		t.Errorf("Read before any sample = %+v, want nil", reading)
	}
}

func TestClockExtrapolation(t *testing.T) {
	var clock Clock

	// A sample taken two seconds ago at half-second slots extrapolates
	// four slots and two seconds forward.
	clock.setSample(5, 1000, 1_700_000_000, time.Now().Add(-2*time.Second))

	reading := clock.Read(0.5)
	if reading == nil {
		t.Fatal("Read returned nil after sample")
	}

	if reading.ConfirmedEpoch != 5 || reading.ConfirmedSlot != 1000 || reading.ConfirmedUnixTimestamp != 1_700_000_000 {
		t.Errorf("confirmed fields = %d/%d/%d",
			reading.ConfirmedEpoch, reading.ConfirmedSlot, reading.ConfirmedUnixTimestamp)
	}
	if reading.Slot != 1004 {
		t.Errorf("Slot = %d, want 1004", reading.Slot)
	}
	if reading.UnixTimestamp != 1_700_000_002 {
		t.Errorf("UnixTimestamp = %d, want 1700000002", reading.UnixTimestamp)
	}
}

func TestClockFreshSampleReplacesWhole(t *testing.T) {
	var clock Clock
	clock.setSample(5, 1000, 1_700_000_000, time.Now().Add(-time.Hour))

	// A fresh sample replaces the triple outright; the projection may go
	// backwards relative to the stale extrapolation.
	stale := clock.Read(0.5)
	clock.setSample(5, 1200, 1_700_000_100, time.Now())
	fresh := clock.Read(0.5)

	if fresh.ConfirmedSlot != 1200 || fresh.ConfirmedUnixTimestamp != 1_700_000_100 {
		t.Errorf("confirmed fields = %d/%d", fresh.ConfirmedSlot, fresh.ConfirmedUnixTimestamp)
	}
	if fresh.Slot >= stale.Slot {
		t.Errorf("fresh projection %d did not regress from stale %d", fresh.Slot, stale.Slot)
	}
}

func TestClockEpochProgress(t *testing.T) {
	var clock Clock
	clock.setSample(5, 1000, 1_700_000_000, time.Now())

	// No epoch length known yet.
	if r := clock.Read(0.5); r.EpochProgress != 0 {
		t.Errorf("EpochProgress without epoch shape = %v", r.EpochProgress)
	}

	clock.setEpochShape(250, 1000)
	r := clock.Read(0.5)
	if r.EpochProgress < 0.24 || r.EpochProgress > 0.30 {
		t.Errorf("EpochProgress = %v, want about 0.25", r.EpochProgress)
	}

	// Projection past the epoch end clamps.
	clock.setEpochShape(999_000, 1000)
	if r := clock.Read(0.5); r.EpochProgress != 1 {
		t.Errorf("EpochProgress = %v, want 1", r.EpochProgress)
	}
}

func TestInferSlotDuration(t *testing.T) {
	tests := []struct {
		name      string
		endpoints []string
		want      float64
	}{
		{"single local validator", []string{"http://localhost:8899"}, LocalSlotDuration},
		{"public endpoint", []string{"https://api.mainnet-beta.solana.com"}, DefaultSlotDuration},
		{"local among others", []string{"http://localhost:8899", "https://example.org"}, DefaultSlotDuration},
		{"none", nil, DefaultSlotDuration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := inferSlotDuration(tt.endpoints); got != tt.want {
				t.Errorf("inferSlotDuration(%v) = %v, want %v", tt.endpoints, got, tt.want)
			}
		})
	}
}
