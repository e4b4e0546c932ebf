// Package tiers defines the autonomy tiers that bound what the governance
// gate may approve without a human.
package tiers

import "fmt"

// TierID identifies an autonomy tier.
type TierID string

const (
	TierObserve    TierID = "observe"
	TierAssist     TierID = "assist"
	TierSupervised TierID = "supervised"
	TierAutonomous TierID = "autonomous"
)

// Tier describes one level of delegated authority.
type Tier struct {
	ID          TierID
	Name        string
	Description string
	// Rank orders tiers; a higher rank may act on everything a lower one can.
	Rank int
}

var (
	Observe = Tier{
		ID:          TierObserve,
		Name:        "Observe",
		Description: "Propose only; every remediation needs a human",
		Rank:        0,
	}

	Assist = Tier{
		ID:          TierAssist,
		Name:        "Assist",
		Description: "Low-impact, reversible remediations run unattended",
		Rank:        1,
	}

	Supervised = Tier{
		ID:          TierSupervised,
		Name:        "Supervised",
		Description: "Routine remediations run unattended under audit",
		Rank:        2,
	}

	Autonomous = Tier{
		ID:          TierAutonomous,
		Name:        "Autonomous",
		Description: "Any catalogued remediation may run unattended",
		Rank:        3,
	}

	// AllTiers contains every known tier.
	AllTiers = map[TierID]Tier{
		TierObserve:    Observe,
		TierAssist:     Assist,
		TierSupervised: Supervised,
		TierAutonomous: Autonomous,
	}
)

// Get returns a tier by ID, or nil if not found.
func Get(id TierID) *Tier {
	tier, ok := AllTiers[id]
	if !ok {
		return nil
	}
	return &tier
}

// Parse resolves a configured tier name.
func Parse(s string) (Tier, error) {
	t := Get(TierID(s))
	if t == nil {
		return Tier{}, fmt.Errorf("unknown autonomy tier %q", s)
	}
	return *t, nil
}

// Permits reports whether a system running at ceiling may approve work that
// requires tier required. Unknown required tiers are never permitted.
func (ceiling Tier) Permits(required TierID) bool {
	req := Get(required)
	if req == nil {
		return false
	}
	return req.Rank <= ceiling.Rank
}
