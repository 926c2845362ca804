package statetracker

import (
	"time"

	"github.com/kaihochak/tallr/internal/common/config"
	"github.com/kaihochak/tallr/pkg/tallrapi"
)

// decideTransition is the pure transition function from spec §4.4/§9: given
// the tracker's current state and timing, should candidate be accepted as
// the new state? It has no side effects so it can be property-tested
// directly, independent of the timers and HTTP pushes that wrap it.
func decideTransition(
	now time.Time,
	cur tallrapi.TaskState,
	lastChangeAt time.Time,
	lastWorkingConfirm time.Time,
	lastPendingConfirm time.Time,
	source tallrapi.DetectionMethod,
	candidate tallrapi.TaskState,
	confidence tallrapi.Confidence,
	cfg config.TrackerConfig,
) bool {
	// Network and hook sources bypass the matcher's cooldowns entirely
	// (spec §4.4: hook "bypasses the matcher cooldowns"; network's own
	// fetch-start/fetch-end/settle rules are the gating, applied by the
	// caller before decideTransition is ever reached for that source).
	if source == tallrapi.DetectionNetwork || source == tallrapi.DetectionHook {
		return true
	}

	isEntry := cur == tallrapi.StateIdle && candidate != tallrapi.StateIdle
	isExit := cur != tallrapi.StateIdle && candidate == tallrapi.StateIdle

	var cooldown time.Duration
	switch {
	case isEntry:
		cooldown = cfg.EntryCooldown
	case isExit:
		cooldown = cfg.ExitCooldown
	default:
		cooldown = cfg.OtherCooldown
	}
	if now.Sub(lastChangeAt) < cooldown {
		return false
	}

	if isExit && confidence != tallrapi.ConfidenceHigh {
		var threshold time.Duration
		var lastConfirm time.Time
		if cur == tallrapi.StateWorking {
			threshold, lastConfirm = cfg.WorkingIdlePersist, lastWorkingConfirm
		} else {
			threshold, lastConfirm = cfg.PendingIdlePersist, lastPendingConfirm
		}
		if now.Sub(lastConfirm) < threshold {
			return false
		}
	}

	return true
}
