// Package testutil provides shared test fixtures for the workflow, db and
// api packages.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/callaudit/internal/labels"
)

// Epoch is the fixed start time used by tests that need a clock.
var Epoch = time.Date(2025, 11, 3, 9, 0, 0, 0, time.UTC)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// NewSessionRequest creates a request carrying session headers.
func NewSessionRequest(method, path string, body string, userID string, mode labels.Mode) *http.Request {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		r.Header.Set("X-User-ID", userID)
	}
	if mode != "" {
		r.Header.Set("X-User-Mode", string(mode))
	}
	return r
}

// LabelJSON returns a valid label payload for tt. Variant 0 and 1 differ on
// every comparison field.
func LabelJSON(tt labels.TaskType, variant int) string {
	v := variant % 2
	switch tt {
	case labels.AISentenceAudit:
		return []string{`{"is_ai_true":1}`, `{"is_ai_true":0,"false_positive_type":"keyword"}`}[v]
	case labels.RoleAudit:
		return []string{`{"role_true":"analyst"}`, `{"role_true":"management"}`}[v]
	case labels.BoundaryAudit:
		return []string{`{"boundary_correct":1,"pairing_quality":"good"}`, `{"boundary_correct":0,"pairing_quality":"major_issue"}`}[v]
	case labels.InitiationAudit:
		return []string{
			`{"question_is_ai_true":1,"answer_is_ai_true":1,"initiation_type_true":"analyst_initiated"}`,
			`{"question_is_ai_true":0,"answer_is_ai_true":0,"initiation_type_true":"non_ai"}`,
		}[v]
	}
	return `{}`
}

// MustLabel decodes LabelJSON(tt, variant).
func MustLabel(t testing.TB, tt labels.TaskType, variant int) labels.Label {
	t.Helper()
	l, err := tt.MustSchema().DecodeLabel([]byte(LabelJSON(tt, variant)))
	if err != nil {
		t.Fatalf("decode label: %v", err)
	}
	return l
}
