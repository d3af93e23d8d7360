package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/callaudit/internal/labels"
)

func TestAgreement(t *testing.T) {
	f := newFixture(t)
	tt := labels.BoundaryAudit
	f.items(tt, "B1", "B2", "B3")
	f.annotate(tt, "B1", "u1", labels.ModeAnnotator, 0, 0)
	f.annotate(tt, "B1", "u2", labels.ModeAnnotator, 0, time.Second)
	f.annotate(tt, "B2", "u1", labels.ModeAnnotator, 1, 0)
	f.annotate(tt, "B2", "u2", labels.ModeAnnotator, 1, time.Second)
	f.annotate(tt, "B3", "u1", labels.ModeAnnotator, 0, 0)

	report, err := f.svc.Agreement(f.ctx, tt)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Pairs)
	require.Len(t, report.Fields, 2)
	assert.Equal(t, "boundary_correct", report.Fields[0].Field)
	assert.Equal(t, []string{"0", "1"}, report.Fields[0].Categories)
	assert.Equal(t, 1.0, report.Fields[0].Observed)
	assert.InDelta(t, 1.0, report.Fields[0].Kappa, 1e-9)
	assert.Equal(t, "pairing_quality", report.Fields[1].Field)
	assert.Len(t, report.Fields[1].Categories, 4)

	_, err = f.svc.Agreement(f.ctx, "bogus")
	assert.ErrorIs(t, err, ErrInvalidInput)
}
