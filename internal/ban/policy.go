// Package ban decides block durations and keeps the strike and report
// counters that drive them. Blocks escalate with each strike:
//
//	1st strike  -> 7 days
//	2nd strike  -> 30 days
//	3rd+ strike -> permanent
//
// A permanent block is stored as a far-future expiry so that every block is
// a plain blockedUntil timestamp.
package ban

import "time"

const (
	Block7Days  = 7 * 24 * time.Hour
	Block30Days = 30 * 24 * time.Hour

	TierWeek      = "7d"
	TierMonth     = "30d"
	TierPermanent = "permanent"

	// ReportsTTL is how long the report counter lives. After 24h without a
	// new report the counter resets to zero.
	ReportsTTL = 24 * time.Hour
)

// PermanentUntil is the blockedUntil value of a permanent block.
var PermanentUntil = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// Decision is the block chosen for a strike count.
type Decision struct {
	Strikes int
	Tier    string
	Until   time.Time
}

// Permanent reports whether the decision is a permanent block.
func (d Decision) Permanent() bool { return d.Tier == TierPermanent }

// Escalate returns the block for the given strike count, starting at now.
func Escalate(strikes int, now time.Time) Decision {
	switch {
	case strikes <= 1:
		return Decision{Strikes: strikes, Tier: TierWeek, Until: now.Add(Block7Days)}
	case strikes == 2:
		return Decision{Strikes: strikes, Tier: TierMonth, Until: now.Add(Block30Days)}
	default:
		return Decision{Strikes: strikes, Tier: TierPermanent, Until: PermanentUntil}
	}
}

// IsPermanent reports whether a blockedUntil value marks a permanent block.
func IsPermanent(until time.Time) bool {
	return !until.Before(PermanentUntil)
}
