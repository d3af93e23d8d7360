// Package api serves the labeling workflow over HTTP.
package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/banshee-data/callaudit/internal/batching"
	"github.com/banshee-data/callaudit/internal/httputil"
	"github.com/banshee-data/callaudit/internal/labels"
	"github.com/banshee-data/callaudit/internal/workflow"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Session headers. The roster is fixed, so the caller simply names itself.
const (
	headerUserID = "X-User-ID"
	headerMode   = "X-User-Mode"
)

// Options tunes the server's caches and limits.
type Options struct {
	// DashboardCacheTTL is how long a dashboard response is reused. Zero
	// disables caching. Every write flushes the cache.
	DashboardCacheTTL time.Duration
	// ClaimsPerMinute and ClaimBurst bound claim requests per user.
	ClaimsPerMinute float64
	ClaimBurst      int
}

type Server struct {
	svc  *workflow.Service
	opts Options

	dashboard *gocache.Cache

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewServer(svc *workflow.Service, opts Options) *Server {
	if opts.ClaimBurst <= 0 {
		opts.ClaimBurst = 5
	}
	if opts.ClaimsPerMinute <= 0 {
		opts.ClaimsPerMinute = 30
	}
	return &Server{
		svc:       svc,
		opts:      opts,
		dashboard: gocache.New(opts.DashboardCacheTTL, time.Minute),
		limiters:  make(map[string]*rate.Limiter),
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, acting user, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		user := r.Header.Get(headerUserID)
		if user == "" {
			user = "-"
		}
		log.Printf(
			"[%s] %s %s%s%s user=%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset, user,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/users", s.listUsers)
	mux.HandleFunc("GET /api/tasks", s.listTasks)
	mux.HandleFunc("PATCH /api/tasks/{taskType}", s.updateTask)
	mux.HandleFunc("GET /api/dashboard", s.showDashboard)
	mux.HandleFunc("POST /api/tasks/{taskType}/claims", s.claimBatch)
	mux.HandleFunc("GET /api/tasks/{taskType}/batches/{batchID}", s.showBatch)
	mux.HandleFunc("PUT /api/tasks/{taskType}/samples/{sampleID}/annotation", s.saveAnnotation)
	mux.HandleFunc("GET /api/tasks/{taskType}/samples/{sampleID}/adjudication", s.showAdjudication)
	mux.HandleFunc("PUT /api/tasks/{taskType}/samples/{sampleID}/adjudication", s.saveAdjudication)
	mux.HandleFunc("GET /api/adjudications", s.listAdjudicationQueue)
	mux.HandleFunc("POST /api/adjudications/autofill", s.autoFill)
	mux.HandleFunc("GET /api/tasks/{taskType}/export", s.exportCSV)
	mux.HandleFunc("GET /api/tasks/{taskType}/agreement", s.showAgreement)
	mux.HandleFunc("GET /api/charts/progress", s.progressChartHTML)
	mux.HandleFunc("GET /api/charts/progress.png", s.progressChartPNG)
	return mux
}

// session reads the acting user from the request headers. A missing mode
// means annotator.
func session(r *http.Request) (workflow.Session, error) {
	sess := workflow.Session{UserID: r.Header.Get(headerUserID), Mode: labels.ModeAnnotator}
	if sess.UserID == "" {
		return sess, errors.New("missing " + headerUserID + " header")
	}
	if m := r.Header.Get(headerMode); m != "" {
		mode, err := labels.ParseMode(m)
		if err != nil {
			return sess, err
		}
		sess.Mode = mode
	}
	return sess, nil
}

// statusFor maps a workflow error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, workflow.ErrStaleSubmission):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrInvalidInput),
		errors.Is(err, labels.ErrInvalidLabel),
		errors.Is(err, labels.ErrUnknownTaskType),
		errors.Is(err, labels.ErrUnknownMode),
		errors.Is(err, batching.ErrInvalidBatchSize):
		return http.StatusBadRequest
	case errors.Is(err, workflow.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, workflow.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("%s %s: %v", r.Method, r.URL.Path, err)
		httputil.InternalServerError(w, "internal server error")
		return
	}
	httputil.WriteJSONError(w, status, err.Error())
}

// allowClaim reports whether userID may claim another batch now.
func (s *Server) allowClaim(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(s.opts.ClaimsPerMinute/60), s.opts.ClaimBurst)
		s.limiters[userID] = lim
	}
	return lim.Allow()
}

// invalidate drops cached read models after a write.
func (s *Server) invalidate() {
	s.dashboard.Flush()
}
