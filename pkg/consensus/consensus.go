// Package consensus aggregates curator labels into one label per SV.
package consensus

import (
	"sort"
	"time"
)

// MethodMajority names the majority-vote method.
const MethodMajority = "majority"

// Outcomes a curator may assign.
const (
	OutcomeTrue     = "True"
	OutcomeLikely   = "Likely"
	OutcomeUnclear  = "Unclear"
	OutcomeArtifact = "Artifact"
)

var outcomes = map[string]struct{}{
	OutcomeTrue:     {},
	OutcomeLikely:   {},
	OutcomeUnclear:  {},
	OutcomeArtifact: {},
}

// ValidOutcome reports whether o is a known outcome.
func ValidOutcome(o string) bool {
	_, ok := outcomes[o]

	return ok
}

// Vote is one curator's outcome at a point in time.
type Vote struct {
	CuratorID string
	Outcome   string
	At        time.Time
}

// Result is the aggregated label.
type Result struct {
	Label     string
	Prob      float64
	NCurators int
	Method    string
}

// Compute runs a majority vote over the latest vote of each curator.
// Ties go to the outcome voted first, then to the lexically smaller one.
// It returns false when there are no votes.
func Compute(votes []Vote) (Result, bool) {
	if len(votes) == 0 {
		return Result{}, false
	}

	ordered := make([]Vote, len(votes))
	copy(ordered, votes)

	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].At.Before(ordered[j].At)
	})

	latest := make(map[string]Vote, len(ordered))
	for _, v := range ordered {
		latest[v.CuratorID] = v
	}

	type tally struct {
		count int
		first time.Time
	}

	tallies := make(map[string]*tally)

	for _, v := range latest {
		t, ok := tallies[v.Outcome]
		if !ok {
			tallies[v.Outcome] = &tally{count: 1, first: v.At}

			continue
		}

		t.count++

		if v.At.Before(t.first) {
			t.first = v.At
		}
	}

	var (
		best      string
		bestTally *tally
	)

	for outcome, t := range tallies {
		if bestTally == nil ||
			t.count > bestTally.count ||
			(t.count == bestTally.count && t.first.Before(bestTally.first)) ||
			(t.count == bestTally.count && t.first.Equal(bestTally.first) && outcome < best) {
			best = outcome
			bestTally = t
		}
	}

	return Result{
		Label:     best,
		Prob:      float64(bestTally.count) / float64(len(latest)),
		NCurators: len(latest),
		Method:    MethodMajority,
	}, true
}
