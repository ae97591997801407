// Package reconcile cross-checks the two independently derived deployment
// views for a round and validates them against the reported round total.
// Mismatches are results, never errors: judgment belongs to the workflow and
// the operator.
package reconcile

import (
	"github.com/Kriptikz/evore-sub000/internal/solana/analyze"
)

// Result is the discrepancy report for one round.
type Result struct {
	RoundID       int64
	ReportedTotal int64

	// ParsedTotal sums instruction-derived deploys for this round.
	ParsedTotal int64
	// LoggedTotal sums log-derived deploys for this round.
	LoggedTotal int64

	// LoggedVsParsedDiff = LoggedTotal - ParsedTotal. Positive means the log
	// stream reports more than the decoder recovered: a decoder gap.
	LoggedVsParsedDiff int64

	// Discrepancy = ReportedTotal - ParsedTotal. Any non-zero value marks
	// the round invalid.
	Discrepancy int64
	Invalid     bool

	MatchedLogged   int
	UnmatchedLogged []analyze.LoggedDeployment

	// Logged is every log-derived deploy with MatchedParsed resolved.
	Logged []analyze.LoggedDeployment
	// Parsed is every instruction-derived deploy scoped to this round.
	Parsed []analyze.OreDeploymentInfo
}

// Round matches each logged deployment against an unconsumed parsed
// deployment on (authority, round id, total amount), tolerating reordering
// and duplicate log lines, then validates totals.
func Round(roundID, reportedTotal int64, parsed []analyze.OreDeploymentInfo, logged []analyze.LoggedDeployment) Result {
	res := Result{
		RoundID:       roundID,
		ReportedTotal: reportedTotal,
	}

	for _, d := range parsed {
		if d.RoundID != roundID {
			continue
		}
		res.Parsed = append(res.Parsed, d)
		res.ParsedTotal += d.TotalAmount
	}

	consumed := make([]bool, len(res.Parsed))
	for _, ld := range logged {
		if ld.RoundID != roundID {
			continue
		}
		res.LoggedTotal += ld.AmountLamports

		ld.MatchedParsed = false
		for i, d := range res.Parsed {
			if consumed[i] {
				continue
			}
			if d.Authority == ld.Authority && d.TotalAmount == ld.AmountLamports {
				consumed[i] = true
				ld.MatchedParsed = true
				break
			}
		}

		if ld.MatchedParsed {
			res.MatchedLogged++
		} else {
			// An unmatched logged deployment is a decoder defect and must be
			// surfaced, not dropped.
			res.UnmatchedLogged = append(res.UnmatchedLogged, ld)
		}
		res.Logged = append(res.Logged, ld)
	}

	res.LoggedVsParsedDiff = res.LoggedTotal - res.ParsedTotal
	res.Discrepancy = res.ReportedTotal - res.ParsedTotal
	res.Invalid = res.Discrepancy != 0

	return res
}
