package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextAroundTurn(t *testing.T) {
	dc := &DocContext{DocID: "d"}
	for i := range 10 {
		dc.QATurns = append(dc.QATurns, Turn{Idx: i * 2, Speaker: "s"})
	}
	idxs := func(turns []Turn) []int {
		var out []int
		for _, t := range turns {
			out = append(out, t.Idx)
		}
		return out
	}

	assert.Equal(t, []int{6, 8, 10, 12, 14}, idxs(ContextAroundTurn(dc, 10, 2)))
	assert.Equal(t, []int{0, 2, 4}, idxs(ContextAroundTurn(dc, 0, 2)))
	assert.Equal(t, []int{16, 18}, idxs(ContextAroundTurn(dc, 18, 1)))
	assert.Equal(t, []int{0, 2, 4}, idxs(ContextAroundTurn(dc, 7, 1)), "unknown turn falls back to the head")
	assert.Nil(t, ContextAroundTurn(nil, 0, 3))
}
