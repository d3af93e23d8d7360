package workflow

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/banshee-data/callaudit/internal/labels"
	"github.com/banshee-data/callaudit/internal/timeutil"
)

// DefaultClaimTTL is how long a claim blocks other users from a sample.
const DefaultClaimTTL = 60 * time.Minute

// Service coordinates the labelling workflow on top of a Store.
type Service struct {
	store Store
	clock timeutil.Clock
	ttl   time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the time source used for timestamps and claim expiry.
func WithClock(c timeutil.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithClaimTTL sets the claim lease duration.
func WithClaimTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithRand sets the shuffle source used by the allocator.
func WithRand(r *rand.Rand) Option {
	return func(s *Service) { s.rng = r }
}

// NewService returns a Service backed by store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store: store,
		clock: timeutil.RealClock{},
		ttl:   DefaultClaimTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying store.
func (s *Service) Store() Store { return s.store }

// ClaimTTL returns the configured lease duration.
func (s *Service) ClaimTTL() time.Duration { return s.ttl }

func (s *Service) now() time.Time { return s.clock.Now().UTC() }

// Authenticate resolves the session's user and checks the mode is allowed.
func (s *Service) Authenticate(ctx context.Context, sess Session) (User, error) {
	if sess.UserID == "" {
		return User{}, fmt.Errorf("%w: missing user id", ErrInvalidInput)
	}
	if _, err := labels.ParseMode(string(sess.Mode)); err != nil {
		return User{}, invalid(err)
	}
	u, err := s.store.GetUser(ctx, sess.UserID)
	if err != nil {
		return User{}, err
	}
	if !u.IsActive {
		return User{}, forbidden("user %s is inactive", u.ID)
	}
	switch sess.Mode {
	case labels.ModeTest:
		if !u.IsTestUser {
			return User{}, forbidden("user %s may not use test mode", u.ID)
		}
	case labels.ModeAdjudicator:
		if !u.CanAdjudicate {
			return User{}, forbidden("user %s may not adjudicate", u.ID)
		}
	}
	return u, nil
}

func (s *Service) requireAdjudicator(ctx context.Context, sess Session, op string) (User, error) {
	if sess.Mode != labels.ModeAdjudicator {
		return User{}, forbidden("%s requires adjudicator mode", op)
	}
	return s.Authenticate(ctx, sess)
}

func parseTaskType(tt labels.TaskType) (labels.Schema, error) {
	schema, err := tt.Schema()
	if err != nil {
		return labels.Schema{}, invalid(err)
	}
	return schema, nil
}

// ListUsers returns the roster.
func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	return s.store.ListUsers(ctx)
}

// ListTaskConfigs returns the configs in task display order.
func (s *Service) ListTaskConfigs(ctx context.Context) ([]TaskConfig, error) {
	cfgs, err := s.store.ListTaskConfigs(ctx)
	if err != nil {
		return nil, err
	}
	return orderConfigs(cfgs)
}

func orderConfigs(cfgs []TaskConfig) ([]TaskConfig, error) {
	byType := make(map[labels.TaskType]TaskConfig, len(cfgs))
	for _, c := range cfgs {
		byType[c.TaskType] = c
	}
	out := make([]TaskConfig, 0, len(labels.All()))
	for _, tt := range labels.All() {
		c, ok := byType[tt]
		if !ok {
			return nil, notFound("missing task config for %s", tt)
		}
		out = append(out, c)
	}
	return out, nil
}

// TaskConfigUpdate carries the admin-editable fields of a task config.
// Nil fields are left unchanged.
type TaskConfigUpdate struct {
	TaskType             labels.TaskType `json:"-"`
	TargetTotalCompleted *int            `json:"target_total_completed,omitempty"`
	TargetMinPerLabel    *int            `json:"target_min_per_label,omitempty"`
	CoverageLabels       []string        `json:"coverage_labels,omitempty"`
	ExcludeTestByDefault *bool           `json:"exclude_test_by_default,omitempty"`
	BatchStrategy        *string         `json:"batch_strategy,omitempty"`
	BatchRatio           *float64        `json:"batch_ratio,omitempty"`
}

// UpdateTaskConfig applies u to the stored config. Adjudicator only.
func (s *Service) UpdateTaskConfig(ctx context.Context, sess Session, u TaskConfigUpdate) (TaskConfig, error) {
	if _, err := s.requireAdjudicator(ctx, sess, "task config update"); err != nil {
		return TaskConfig{}, err
	}
	schema, err := parseTaskType(u.TaskType)
	if err != nil {
		return TaskConfig{}, err
	}
	cfg, err := s.store.GetTaskConfig(ctx, u.TaskType)
	if err != nil {
		return TaskConfig{}, err
	}

	if u.TargetTotalCompleted != nil {
		cfg.TargetTotalCompleted = *u.TargetTotalCompleted
	}
	if u.TargetMinPerLabel != nil {
		cfg.TargetMinPerLabel = *u.TargetMinPerLabel
	}
	if u.CoverageLabels != nil {
		cfg.CoverageLabels = u.CoverageLabels
	}
	if u.ExcludeTestByDefault != nil {
		cfg.ExcludeTestByDefault = *u.ExcludeTestByDefault
	}
	if u.BatchStrategy != nil {
		cfg.BatchStrategy = *u.BatchStrategy
	}
	if u.BatchRatio != nil {
		cfg.BatchRatio = u.BatchRatio
	}
	if err := ValidateTaskConfig(cfg, schema); err != nil {
		return TaskConfig{}, err
	}
	if err := s.store.SaveTaskConfig(ctx, cfg); err != nil {
		return TaskConfig{}, fmt.Errorf("save task config %s: %w", cfg.TaskType, err)
	}
	return cfg, nil
}

// ValidateTaskConfig checks targets and coverage labels against the schema.
func ValidateTaskConfig(cfg TaskConfig, schema labels.Schema) error {
	var errs []error
	if cfg.TargetTotalCompleted < 0 {
		errs = append(errs, fmt.Errorf("target_total_completed must be non-negative, got %d", cfg.TargetTotalCompleted))
	}
	if cfg.TargetMinPerLabel < 0 {
		errs = append(errs, fmt.Errorf("target_min_per_label must be non-negative, got %d", cfg.TargetMinPerLabel))
	}
	if len(cfg.CoverageLabels) > 0 {
		var allowed []string
		for _, f := range schema.Fields {
			if f.Name == schema.CoverageField {
				allowed = f.Allowed
			}
		}
		for _, l := range cfg.CoverageLabels {
			if !slices.Contains(allowed, l) {
				errs = append(errs, fmt.Errorf("coverage label %q is not a value of %s", l, schema.CoverageField))
			}
		}
	}
	switch cfg.BatchStrategy {
	case BatchStrategyAutoMixed, BatchStrategyRatioMixed:
	default:
		errs = append(errs, fmt.Errorf("unknown batch_strategy %q", cfg.BatchStrategy))
	}
	if cfg.BatchRatio != nil && (*cfg.BatchRatio < 0 || *cfg.BatchRatio > 1) {
		errs = append(errs, fmt.Errorf("batch_ratio must be within [0,1], got %v", *cfg.BatchRatio))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: task config %s: %w", ErrInvalidInput, cfg.TaskType, errors.Join(errs...))
	}
	return nil
}
