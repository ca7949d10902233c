package deploy

import "buildforge/pkg/models"

// validNext is the explicit transition table for the asynchronous backend's
// deployment lattice. A state absent from a row's set is not a forward
// transition from that row. Terminal states have empty rows.
var validNext = map[string]map[string]bool{
	models.DeployStateQueued: {
		models.DeployStateInitializing: true,
		models.DeployStateBuilding:     true,
		models.DeployStateReady:        true,
		models.DeployStateError:        true,
		models.DeployStateCanceled:     true,
	},
	models.DeployStateInitializing: {
		models.DeployStateBuilding: true,
		models.DeployStateReady:    true,
		models.DeployStateError:    true,
		models.DeployStateCanceled: true,
	},
	models.DeployStateBuilding: {
		models.DeployStateReady:    true,
		models.DeployStateError:    true,
		models.DeployStateCanceled: true,
	},
	models.DeployStateReady:    {},
	models.DeployStateError:    {},
	models.DeployStateCanceled: {},
}

// isForward reports whether moving from one state to another is permitted.
// A repeat of the current state is permitted as an idempotent no-op: the
// webhook and the poller independently observe the same provider and often
// report the same thing.
func isForward(from, to string) bool {
	if from == to {
		return !models.IsTerminalDeployState(from)
	}
	next, ok := validNext[from]
	if !ok {
		return false
	}
	return next[to]
}
