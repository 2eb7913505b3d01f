package detector

import "github.com/albapepper/matchwatch/internal/model"

// Classify compares two snapshots. A first observation (prev == nil) is a
// baseline and never produces an event, whatever the current state.
func Classify(prev *model.StatusSnapshot, cur model.StatusSnapshot) model.ChangeKind {
	switch {
	case prev == nil:
		return model.NoChange
	case !prev.Active && cur.Active:
		return model.ActivityStarted
	case prev.Active && !cur.Active:
		return model.ActivityEnded
	default:
		return model.NoChange
	}
}
