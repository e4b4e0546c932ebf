package tiers

import "testing"

func TestGet(t *testing.T) {
	if Get(TierSupervised) == nil {
		t.Fatal("expected supervised tier")
	}
	if Get("root") != nil {
		t.Fatal("expected nil for unknown tier")
	}
}

func TestPermits(t *testing.T) {
	tests := []struct {
		ceiling  Tier
		required TierID
		want     bool
	}{
		{Supervised, TierAssist, true},
		{Supervised, TierSupervised, true},
		{Supervised, TierAutonomous, false},
		{Observe, TierAssist, false},
		{Autonomous, TierAutonomous, true},
		{Autonomous, "bogus", false},
	}
	for _, tt := range tests {
		if got := tt.ceiling.Permits(tt.required); got != tt.want {
			t.Errorf("%s.Permits(%s) = %v, want %v", tt.ceiling.ID, tt.required, got, tt.want)
		}
	}
}

func TestParse(t *testing.T) {
	tier, err := Parse("assist")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if tier.Rank != 1 {
		t.Errorf("rank = %d, want 1", tier.Rank)
	}
	if _, err := Parse("god"); err == nil {
		t.Error("expected error for unknown tier")
	}
}
