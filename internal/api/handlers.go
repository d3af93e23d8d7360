package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/banshee-data/callaudit/internal/httputil"
	"github.com/banshee-data/callaudit/internal/labels"
	"github.com/banshee-data/callaudit/internal/security"
	"github.com/banshee-data/callaudit/internal/workflow"
)

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.svc.ListUsers(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSONOK(w, users)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	cfgs, err := s.svc.ListTaskConfigs(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSONOK(w, cfgs)
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	sess, err := session(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	var u workflow.TaskConfigUpdate
	if err := httputil.DecodeJSON(w, r, &u); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	u.TaskType = labels.TaskType(r.PathValue("taskType"))
	cfg, err := s.svc.UpdateTaskConfig(r.Context(), sess, u)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.invalidate()
	httputil.WriteJSONOK(w, cfg)
}

// optionalBool parses a query flag that may be absent.
func optionalBool(r *http.Request, name string) (*bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q", name, raw)
	}
	return &v, nil
}

func (s *Server) dashboardData(r *http.Request, includeTest *bool) (workflow.Dashboard, error) {
	key := "dashboard"
	if includeTest != nil {
		key += ":" + strconv.FormatBool(*includeTest)
	}
	if s.opts.DashboardCacheTTL > 0 {
		if v, ok := s.dashboard.Get(key); ok {
			return v.(workflow.Dashboard), nil
		}
	}
	d, err := s.svc.Dashboard(r.Context(), includeTest)
	if err != nil {
		return workflow.Dashboard{}, err
	}
	if s.opts.DashboardCacheTTL > 0 {
		s.dashboard.Set(key, d, s.opts.DashboardCacheTTL)
	}
	return d, nil
}

func (s *Server) showDashboard(w http.ResponseWriter, r *http.Request) {
	includeTest, err := optionalBool(r, "include_test")
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	d, err := s.dashboardData(r, includeTest)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSONOK(w, d)
}

type claimBody struct {
	BatchSize int `json:"batch_size"`
}

func (s *Server) claimBatch(w http.ResponseWriter, r *http.Request) {
	sess, err := session(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	var body claimBody
	if err := httputil.DecodeJSON(w, r, &body); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if !s.allowClaim(sess.UserID) {
		httputil.WriteJSONError(w, http.StatusTooManyRequests, "too many claim requests, try again shortly")
		return
	}
	res, err := s.svc.ClaimBatch(r.Context(), workflow.ClaimRequest{
		TaskType:  labels.TaskType(r.PathValue("taskType")),
		Session:   sess,
		BatchSize: body.BatchSize,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.invalidate()
	httputil.WriteJSON(w, http.StatusCreated, res)
}

func (s *Server) showBatch(w http.ResponseWriter, r *http.Request) {
	sess, err := session(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	view, err := s.svc.BatchView(r.Context(), sess, labels.TaskType(r.PathValue("taskType")), r.PathValue("batchID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSONOK(w, view)
}

type annotationBody struct {
	BatchID string          `json:"batch_id"`
	Label   json.RawMessage `json:"label"`
}

func (s *Server) saveAnnotation(w http.ResponseWriter, r *http.Request) {
	sess, err := session(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	var body annotationBody
	if err := httputil.DecodeJSON(w, r, &body); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if len(body.Label) == 0 {
		httputil.BadRequest(w, "missing label")
		return
	}
	ann, err := s.svc.SaveAnnotation(r.Context(), workflow.SaveAnnotationRequest{
		TaskType: labels.TaskType(r.PathValue("taskType")),
		SampleID: r.PathValue("sampleID"),
		Session:  sess,
		BatchID:  body.BatchID,
		Label:    body.Label,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.invalidate()
	httputil.WriteJSONOK(w, ann)
}

func (s *Server) showAdjudication(w http.ResponseWriter, r *http.Request) {
	sess, err := session(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	detail, err := s.svc.AdjudicationDetail(r.Context(), sess, labels.TaskType(r.PathValue("taskType")), r.PathValue("sampleID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSONOK(w, detail)
}

type adjudicationBody struct {
	Adjudicated map[string]any `json:"adjudicated"`
	Notes       *string        `json:"notes"`
}

func (s *Server) saveAdjudication(w http.ResponseWriter, r *http.Request) {
	sess, err := session(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	var body adjudicationBody
	if err := httputil.DecodeJSON(w, r, &body); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	adj, err := s.svc.SaveAdjudication(r.Context(), workflow.SaveAdjudicationRequest{
		TaskType: labels.TaskType(r.PathValue("taskType")),
		SampleID: r.PathValue("sampleID"),
		Session:  sess,
		Resolved: body.Adjudicated,
		Notes:    body.Notes,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.invalidate()
	httputil.WriteJSONOK(w, adj)
}

func (s *Server) listAdjudicationQueue(w http.ResponseWriter, r *http.Request) {
	sess, err := session(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	onlyConflicts, err := optionalBool(r, "only_conflicts")
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	f := workflow.QueueFilter{TaskType: labels.TaskType(r.URL.Query().Get("task_type"))}
	if onlyConflicts != nil {
		f.OnlyConflicts = *onlyConflicts
	}
	rows, err := s.svc.AdjudicationQueue(r.Context(), sess, f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSONOK(w, rows)
}

type autoFillBody struct {
	TaskType labels.TaskType `json:"task_type"`
}

func (s *Server) autoFill(w http.ResponseWriter, r *http.Request) {
	sess, err := session(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	// The body is optional; without one every task type is filled.
	var body autoFillBody
	if r.ContentLength != 0 {
		if err := httputil.DecodeJSON(w, r, &body); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
	}
	n, err := s.svc.AutoFill(r.Context(), sess, body.TaskType)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if n > 0 {
		s.invalidate()
	}
	httputil.WriteJSONOK(w, map[string]int{"auto_filled": n})
}

func (s *Server) exportCSV(w http.ResponseWriter, r *http.Request) {
	tt, err := labels.Parse(r.PathValue("taskType"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	scope, err := workflow.ParseScope(r.URL.Query().Get("scope"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	includeTest, err := optionalBool(r, "include_test")
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	req := workflow.ExportRequest{TaskType: tt, Scope: scope, IncludeTest: includeTest != nil && *includeTest}

	// Render fully before sending headers so a failure still yields a JSON error.
	var buf bytes.Buffer
	if _, err := s.svc.Export(r.Context(), req, &buf); err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.SetAttachment(w, "text/csv; charset=utf-8", security.SanitizeFilename(req.Filename()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (s *Server) showAgreement(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.Agreement(r.Context(), labels.TaskType(r.PathValue("taskType")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSONOK(w, report)
}
