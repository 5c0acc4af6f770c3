package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"sales-assistant/internal/delivery"
	"sales-assistant/internal/domain"
	"sales-assistant/internal/guard"
)

const (
	TaskHealthCheck  = "health_check"
	TaskAnnouncement = "announcement"
)

// ScheduledEvent is the detail payload of a scheduler trigger.
type ScheduledEvent struct {
	Task    string             `json:"task"`
	OnceID  string             `json:"once_id,omitempty"`
	Content string             `json:"content,omitempty"`
	Kind    domain.PendingKind `json:"kind,omitempty"`
}

type TaskResult struct {
	Task    string
	Skipped bool
	Healthy bool
	Alerted bool
	Report  *delivery.BroadcastReport
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type OnceRunner interface {
	RunOnce(ctx context.Context, taskID string, body func(ctx context.Context) error) (guard.RunResult, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, p guard.Policy) (guard.Decision, error)
}

type Broadcaster interface {
	Broadcast(ctx context.Context, recipientIDs []string, content string, spec delivery.TemplateSpec) delivery.BroadcastReport
}

type Roster interface {
	ListActorsByRole(ctx context.Context, role domain.Role) ([]domain.Actor, error)
}

// ScheduledService runs the tasks scheduler triggers name.
type ScheduledService struct {
	store        Pinger
	roster       Roster
	once         OnceRunner
	limiter      RateLimiter
	broadcaster  Broadcaster
	sender       TextSender
	adminAddress string
	template     domain.Template
	sendTimeout  time.Duration
	now          func() time.Time
	logger       *slog.Logger

	// lastLocalAlert backs the health cooldown while the counter store is
	// unreachable.
	mu             sync.Mutex
	lastLocalAlert time.Time
}

type ScheduledConfig struct {
	AdminAddress string
	// Template is sent to recipients whose window is closed.
	Template domain.Template
	// Clock defaults to time.Now.
	Clock func() time.Time
}

func NewScheduledService(store Pinger, roster Roster, once OnceRunner, limiter RateLimiter, broadcaster Broadcaster, sender TextSender, cfg ScheduledConfig) (*ScheduledService, error) {
	if store == nil || roster == nil {
		return nil, errors.New("usecase: store and roster must not be nil")
	}
	if once == nil || limiter == nil {
		return nil, errors.New("usecase: one-time guard and limiter must not be nil")
	}
	if broadcaster == nil || sender == nil {
		return nil, errors.New("usecase: broadcaster and sender must not be nil")
	}
	if strings.TrimSpace(cfg.Template.Name) == "" {
		return nil, errors.New("usecase: template name must not be empty")
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &ScheduledService{
		store:        store,
		roster:       roster,
		once:         once,
		limiter:      limiter,
		broadcaster:  broadcaster,
		sender:       sender,
		adminAddress: strings.TrimSpace(cfg.AdminAddress),
		template:     cfg.Template,
		sendTimeout:  10 * time.Second,
		now:          now,
		logger:       slog.Default(),
	}, nil
}

func (s *ScheduledService) Run(ctx context.Context, ev ScheduledEvent) (TaskResult, error) {
	switch ev.Task {
	case TaskHealthCheck:
		return s.healthCheck(ctx)
	case TaskAnnouncement:
		return s.announce(ctx, ev)
	default:
		return TaskResult{Task: ev.Task}, newError(ErrorInvalidInput, "unknown_task", fmt.Errorf("task %q", ev.Task))
	}
}

// healthCheck pings the store and tells the admin when it is unreachable, at
// most once per cooldown window.
func (s *ScheduledService) healthCheck(ctx context.Context) (TaskResult, error) {
	result := TaskResult{Task: TaskHealthCheck}
	pingErr := s.store.Ping(ctx)
	if pingErr == nil {
		result.Healthy = true
		return result, nil
	}
	s.logger.Error("store health check failed", "err", pingErr)
	if s.adminAddress == "" {
		return result, nil
	}

	policy := guard.AlertCooldown("health")
	decision, err := s.limiter.Allow(ctx, policy)
	if err != nil {
		// the counter usually lives in the same store that just failed
		s.logger.Warn("alert cooldown unavailable; using in-process cooldown", "err", err)
		decision = s.allowLocal(policy.Window)
	}
	if !decision.Allowed {
		s.logger.Info("health alert in cooldown", "reset_at", decision.ResetAt)
		return result, nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()
	if _, err := s.sender.SendText(sendCtx, s.adminAddress, msgHealthAlert(pingErr)); err != nil {
		return result, upstreamError("health_alert_error", err)
	}
	result.Alerted = true
	return result, nil
}

// allowLocal applies the cooldown to this process only. A cold start resets it.
func (s *ScheduledService) allowLocal(window time.Duration) guard.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if !s.lastLocalAlert.IsZero() && now.Before(s.lastLocalAlert.Add(window)) {
		return guard.Decision{ResetAt: s.lastLocalAlert.Add(window)}
	}
	s.lastLocalAlert = now
	return guard.Decision{Allowed: true, Count: 1, ResetAt: now.Add(window)}
}

// announce broadcasts content to every agent exactly once per once_id.
func (s *ScheduledService) announce(ctx context.Context, ev ScheduledEvent) (TaskResult, error) {
	result := TaskResult{Task: TaskAnnouncement}
	if strings.TrimSpace(ev.OnceID) == "" || strings.TrimSpace(ev.Content) == "" {
		return result, newError(ErrorInvalidInput, "announcement_requires_once_id_and_content", nil)
	}
	kind := ev.Kind
	if kind == "" {
		kind = domain.PendingNotification
	}
	if !kind.Valid() || kind == domain.PendingTemplateSelection {
		return result, newError(ErrorInvalidInput, "invalid_kind", fmt.Errorf("kind %q", kind))
	}

	run, err := s.once.RunOnce(ctx, "announcement_"+ev.OnceID, func(ctx context.Context) error {
		agents, err := s.roster.ListActorsByRole(ctx, domain.RoleAgent)
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(agents))
		for _, a := range agents {
			ids = append(ids, a.ID)
		}
		report := s.broadcaster.Broadcast(ctx, ids, ev.Content, delivery.TemplateSpec{Template: s.template, Kind: kind})
		result.Report = &report
		s.logger.Info("announcement sent", "once_id", ev.OnceID, "direct", report.Direct, "template", report.Template, "failed", report.Failed)
		return nil
	})
	result.Skipped = run.Skipped
	if err != nil {
		return result, newError(ErrorInternal, "announcement_error", err)
	}
	return result, nil
}
