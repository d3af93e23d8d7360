package workflow

import "slices"

// ContextAroundTurn returns the Q&A turns within radius of the turn with
// index turnIdx. When the turn is not found the first 2*radius+1 turns are
// returned instead.
func ContextAroundTurn(dc *DocContext, turnIdx, radius int) []Turn {
	if dc == nil {
		return nil
	}
	radius = max(radius, 0)
	turns := dc.QATurns
	pos := slices.IndexFunc(turns, func(t Turn) bool { return t.Idx == turnIdx })
	if pos < 0 {
		return turns[:min(len(turns), 2*radius+1)]
	}
	return turns[max(0, pos-radius):min(len(turns), pos+radius+1)]
}
