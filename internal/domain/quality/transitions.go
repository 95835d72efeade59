package quality

import (
	"fmt"
	"sort"

	"github.com/looplab/fsm"

	"github.com/ehr/quality/internal/platform/fhir"
	"github.com/ehr/quality/pkg/fhirmodels"
)

// encounterTransitions maps each encounter status to the statuses that may
// follow it. entered-in-error is absorbing.
var encounterTransitions = map[string][]string{
	fhirmodels.EncounterStatusPlanned: {
		fhirmodels.EncounterStatusArrived,
		fhirmodels.EncounterStatusCancelled,
	},
	fhirmodels.EncounterStatusArrived: {
		fhirmodels.EncounterStatusTriaged,
		fhirmodels.EncounterStatusInProgress,
		fhirmodels.EncounterStatusCancelled,
	},
	fhirmodels.EncounterStatusTriaged: {
		fhirmodels.EncounterStatusInProgress,
		fhirmodels.EncounterStatusCancelled,
	},
	fhirmodels.EncounterStatusInProgress: {
		fhirmodels.EncounterStatusOnLeave,
		fhirmodels.EncounterStatusFinished,
		fhirmodels.EncounterStatusCancelled,
	},
	fhirmodels.EncounterStatusOnLeave: {
		fhirmodels.EncounterStatusInProgress,
		fhirmodels.EncounterStatusFinished,
		fhirmodels.EncounterStatusCancelled,
	},
	fhirmodels.EncounterStatusFinished:       {fhirmodels.EncounterStatusEnteredInError},
	fhirmodels.EncounterStatusCancelled:      {fhirmodels.EncounterStatusEnteredInError},
	fhirmodels.EncounterStatusEnteredInError: {},
}

// encounterEvents has one event per destination status, named after it,
// whose sources are every status allowed to move there.
var encounterEvents = func() fsm.Events {
	sources := map[string][]string{}
	for from, targets := range encounterTransitions {
		for _, to := range targets {
			sources[to] = append(sources[to], from)
		}
	}

	events := make(fsm.Events, 0, len(sources))
	for _, to := range sortedStrings(sources) {
		src := sources[to]
		sort.Strings(src)
		events = append(events, fsm.EventDesc{Name: to, Src: src, Dst: to})
	}
	return events
}()

func sortedStrings(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// newEncounterFSM returns a machine positioned at status. Machines are not
// shared between calls.
func newEncounterFSM(status string) *fsm.FSM {
	return fsm.NewFSM(status, encounterEvents, fsm.Callbacks{})
}

// TransitionAllowed reports whether an encounter may move from one status to
// another. Staying in the same status is always allowed.
func TransitionAllowed(from, to string) bool {
	if from == to {
		return true
	}
	return newEncounterFSM(from).Can(to)
}

// ValidateEncounterStatusTransitions orders the encounters by period.start
// and checks each consecutive status change. Pairs where either status is
// missing are skipped.
func ValidateEncounterStatusTransitions(encounters []fhir.Document) RuleResult {
	return evaluate("validating status transitions", func() (Status, string, error) {
		type step struct {
			start  string
			status string
		}

		steps := make([]step, 0, len(encounters))
		for i, enc := range encounters {
			period, _, err := enc.Object("period")
			if err != nil {
				return "", "", malformed("encounter %d: %v", i, err)
			}
			start, err := stringField(period, "start")
			if err != nil {
				return "", "", malformed("encounter %d: %v", i, err)
			}
			status, err := stringField(enc, "status")
			if err != nil {
				return "", "", malformed("encounter %d: %v", i, err)
			}
			steps = append(steps, step{start: start, status: status})
		}

		sort.SliceStable(steps, func(i, j int) bool { return steps[i].start < steps[j].start })

		var violations []string
		for i := 1; i < len(steps); i++ {
			from, to := steps[i-1].status, steps[i].status
			if from == "" || to == "" {
				continue
			}
			if !TransitionAllowed(from, to) {
				violations = append(violations, fmt.Sprintf("%s -> %s", from, to))
			}
		}

		if len(violations) > 0 {
			return StatusFailed, "Invalid status transitions: " + listViolations(violations), nil
		}
		return StatusSuccess, "All encounter status transitions are valid", nil
	})
}
