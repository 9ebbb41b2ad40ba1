package sync

import (
	"github.com/google/uuid"

	"github.com/SavageHobbies/Aether-2/internal/model"
)

// Strategy selects how a detected conflict is resolved.
type Strategy string

const (
	StrategyLastWriteWins Strategy = "last_write_wins"
	StrategyMerge         Strategy = "merge"
	StrategyUserChoice    Strategy = "user_choice"
)

// Outcome is the result of resolving a conflict. Exactly one of the three
// shapes holds: Pending (user input required), Apply non-nil (an event to
// run through the normal apply path), or Discarded (the incoming event lost
// and the server snapshot stands).
type Outcome struct {
	Pending   bool
	Apply     *model.ChangeEvent
	Discarded bool
}

// Policy decides which strategy applies to a given conflict. Entity types
// listed in RequireConfirmation escalate delete conflicts to the user
// instead of resolving them automatically.
type Policy struct {
	RequireConfirmation map[model.EntityType]bool
}

// DefaultPolicy requires user confirmation for task deletions, which are
// irreversible from the assistant's point of view.
func DefaultPolicy() Policy {
	return Policy{RequireConfirmation: map[model.EntityType]bool{
		model.EntityTask: true,
	}}
}

// StrategyFor picks the resolution strategy per the default policy: merge
// for update/update conflicts, user choice for delete conflicts on
// confirmation-required types, last-write-wins otherwise.
func (p Policy) StrategyFor(info *model.ConflictInfo) Strategy {
	deleteInvolved := info.LocalEvent.Action == model.ActionDelete || info.ServerSnapshot.Deleted
	if deleteInvolved {
		if p.RequireConfirmation[info.EntityType] {
			return StrategyUserChoice
		}
		return StrategyLastWriteWins
	}
	if info.LocalEvent.Action == model.ActionUpdate {
		return StrategyMerge
	}
	return StrategyLastWriteWins
}

// Resolve applies the chosen strategy to a conflict. serverChanged is the
// set of fields the server modified since the event's base version; it
// drives the per-field decisions of the merge strategy. The result is
// deterministic: ties on identical timestamps are broken by the
// lexicographically greater device id.
func Resolve(info *model.ConflictInfo, strategy Strategy, serverChanged map[string]bool) Outcome {
	switch strategy {
	case StrategyUserChoice:
		return Outcome{Pending: true}
	case StrategyMerge:
		// Delete never merges; fall back to last-write-wins.
		if info.LocalEvent.Action != model.ActionUpdate || info.ServerSnapshot.Deleted {
			return lastWriteWins(info)
		}
		return merge(info, serverChanged)
	default:
		return lastWriteWins(info)
	}
}

// localIsNewer orders the local event against the snapshot's last write.
func localIsNewer(info *model.ConflictInfo) bool {
	ev, snap := info.LocalEvent, info.ServerSnapshot
	if ev.Timestamp.After(snap.LastModified) {
		return true
	}
	if ev.Timestamp.Before(snap.LastModified) {
		return false
	}
	return ev.OriginDeviceID > snap.LastModifiedDevice
}

func lastWriteWins(info *model.ConflictInfo) Outcome {
	if !localIsNewer(info) {
		return Outcome{Discarded: true}
	}
	// The local event wins outright: rebase it onto the current version so
	// it applies cleanly.
	winner := info.LocalEvent.Clone()
	winner.BaseVersion = info.ServerSnapshot.Version
	return Outcome{Apply: winner}
}

// merge keeps the event's non-overlapping payload fields and applies
// last-write-wins per overlapping field. When nothing of the local event
// survives, the event is discarded.
func merge(info *model.ConflictInfo, serverChanged map[string]bool) Outcome {
	local := info.LocalEvent
	keep := make(map[string]interface{}, len(local.Payload))
	localWins := localIsNewer(info)
	for k, v := range local.Payload {
		if serverChanged[k] && !localWins {
			continue // server's write to this field is newer
		}
		keep[k] = v
	}
	if len(keep) == 0 {
		return Outcome{Discarded: true}
	}
	merged := local.Clone()
	merged.ID = uuid.New().String()
	merged.Payload = keep
	merged.BaseVersion = info.ServerSnapshot.Version
	return Outcome{Apply: merged}
}
