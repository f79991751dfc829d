package delivery

import "sort"

// Outcome is the terminal classification of one scene after a run.
type Outcome int

const (
	// OutcomeUnmatched means the catalog never resolved the entity ID.
	OutcomeUnmatched Outcome = iota
	// OutcomeUnavailable means the scene exists but had nothing to deliver.
	OutcomeUnavailable
	// OutcomeAlreadyDelivered means the file was present before the run.
	OutcomeAlreadyDelivered
	// OutcomeDelivered means the file was fully downloaded by this run.
	OutcomeDelivered
	// OutcomeFailed means the scene was ordered but never fully arrived.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUnmatched:
		return "unmatched"
	case OutcomeUnavailable:
		return "unavailable"
	case OutcomeAlreadyDelivered:
		return "already delivered"
	case OutcomeDelivered:
		return "delivered"
	case OutcomeFailed:
		return "failed"
	}

	return "unknown"
}

// RunSummary enumerates, per scene, how the run ended for it. It is the
// sole source of truth of what succeeded; no scene is silently dropped.
type RunSummary struct {
	Outcomes map[string]Outcome

	// Failures carries the transfer error per entity ID, where one was
	// observed. Scenes that failed at submission have no entry.
	Failures map[string]error
}

// Count returns how many scenes ended with the given outcome.
func (s *RunSummary) Count(outcome Outcome) int {
	n := 0

	for _, o := range s.Outcomes {
		if o == outcome {
			n++
		}
	}

	return n
}

// ByOutcome returns the entity IDs with the given outcome, sorted.
func (s *RunSummary) ByOutcome(outcome Outcome) []string {
	var ids []string

	for id, o := range s.Outcomes {
		if o == outcome {
			ids = append(ids, id)
		}
	}

	sort.Strings(ids)

	return ids
}
