package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"sales-assistant/internal/delivery"
	"sales-assistant/internal/domain"
	"sales-assistant/internal/guard"
)

type MediaSender interface {
	SendMedia(ctx context.Context, to string, media domain.Media) (string, error)
}

type ActorGetter interface {
	GetActor(ctx context.Context, id string) (domain.Actor, error)
}

// ArtifactService sends generated media such as report PDFs or summary
// videos, within the daily artifact cap.
type ArtifactService struct {
	actors      ActorGetter
	limiter     RateLimiter
	sender      MediaSender
	merger      Merger
	now         func() time.Time
	sendTimeout time.Duration
	logger      *slog.Logger
}

func NewArtifactService(actors ActorGetter, limiter RateLimiter, sender MediaSender, merger Merger, now func() time.Time) (*ArtifactService, error) {
	if actors == nil || limiter == nil || sender == nil || merger == nil {
		return nil, errors.New("usecase: artifact dependencies must not be nil")
	}
	if now == nil {
		now = time.Now
	}
	return &ArtifactService{
		actors:      actors,
		limiter:     limiter,
		sender:      sender,
		merger:      merger,
		now:         now,
		sendTimeout: 60 * time.Second,
		logger:      slog.Default(),
	}, nil
}

// Send delivers media to an actor whose window is open. Media cannot ride on
// a template, so a closed window is reported to the caller.
func (s *ArtifactService) Send(ctx context.Context, recipientID string, kind domain.PendingKind, media domain.Media) (string, error) {
	actor, err := s.actors.GetActor(ctx, recipientID)
	if err != nil {
		return "", newError(ErrorInternal, "recipient_lookup_error", err)
	}
	if actor.Address == "" {
		return "", newError(ErrorInvalidInput, "recipient_without_address", nil)
	}
	now := s.now()
	if !delivery.CanSendFreeform(actor, now) {
		return "", newError(ErrorInvalidInput, "window_closed", nil)
	}

	decision, err := s.limiter.Allow(ctx, guard.DailyArtifacts(now))
	if err != nil {
		return "", newError(ErrorInternal, "artifact_cap_unavailable", err)
	}
	if !decision.Allowed {
		return "", newError(ErrorRateLimited, "daily_artifact_cap", nil)
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	msgID, err := s.sender.SendMedia(sendCtx, actor.Address, media)
	cancel()
	if err != nil {
		return "", upstreamError("media_send_error", err)
	}

	Detached(ctx, s.logger, "record_artifact", func(ctx context.Context) error {
		return s.merger.MergeActorState(ctx, actor.ID, func(domain.StateDocument) *domain.Patch {
			return domain.NewPatch().Set(domain.KeyLastDeliveryContext, domain.DeliveryContext{
				Method:    domain.DeliveryDirect,
				Kind:      kind,
				MessageID: msgID,
				SentAt:    now.UTC(),
			})
		})
	})
	return msgID, nil
}
