// Package delivery decides how a message reaches an actor under the channel's
// free-form window and carries out the send.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"sales-assistant/internal/domain"
	"sales-assistant/internal/statedoc"
)

// Messenger is the messaging channel.
type Messenger interface {
	SendText(ctx context.Context, to, text string) (string, error)
	SendTemplate(ctx context.Context, to string, tpl domain.Template) (string, error)
}

// ActorReader loads an actor fresh from the store.
type ActorReader interface {
	GetActor(ctx context.Context, id string) (domain.Actor, error)
}

// Registrar stores content to be delivered when the recipient replies.
type Registrar interface {
	Register(ctx context.Context, actorID string, kind domain.PendingKind, payload domain.PendingPayload) error
}

// Merger is satisfied by *statedoc.Merger.
type Merger interface {
	MergeActorState(ctx context.Context, actorID string, mutate statedoc.Mutator) error
}

// TemplateSpec is what to send, and what to remember, when the window is
// closed. An empty Template.BodyParams is filled with the recipient's first
// name.
type TemplateSpec struct {
	Template domain.Template
	Kind     domain.PendingKind
}

// ErrNoAddress is returned when the recipient has no channel address.
var ErrNoAddress = errors.New("delivery: recipient has no address")

// Dispatcher delivers content to one or many actors.
type Dispatcher struct {
	actors      ActorReader
	messenger   Messenger
	pending     Registrar
	merger      Merger
	now         func() time.Time
	sendTimeout time.Duration
	concurrency int
	logger      *slog.Logger
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func WithSendTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.sendTimeout = t }
}

// WithConcurrency bounds the number of in-flight sends during Broadcast.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

func NewDispatcher(actors ActorReader, messenger Messenger, pending Registrar, merger Merger, opts ...Option) (*Dispatcher, error) {
	switch {
	case actors == nil:
		return nil, errors.New("delivery: actor reader must not be nil")
	case messenger == nil:
		return nil, errors.New("delivery: messenger must not be nil")
	case pending == nil:
		return nil, errors.New("delivery: pending registrar must not be nil")
	case merger == nil:
		return nil, errors.New("delivery: merger must not be nil")
	}
	d := &Dispatcher{
		actors:      actors,
		messenger:   messenger,
		pending:     pending,
		merger:      merger,
		now:         time.Now,
		sendTimeout: 10 * time.Second,
		concurrency: 8,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Deliver sends content to the recipient. With the window open the text goes
// out directly and a failure is returned as is, without falling back to a
// template. With the window closed the template goes out and content is
// registered as a pending action of spec.Kind; if registration fails the
// dispatch is reported as failed even though the template was sent.
func (d *Dispatcher) Deliver(ctx context.Context, recipientID, content string, spec TemplateSpec) (domain.DeliveryAttempt, error) {
	recipient, err := d.actors.GetActor(ctx, recipientID)
	if err != nil {
		return domain.DeliveryAttempt{}, fmt.Errorf("delivery: load %s: %w", recipientID, err)
	}
	if recipient.Address == "" {
		return domain.DeliveryAttempt{}, fmt.Errorf("delivery: %s: %w", recipientID, ErrNoAddress)
	}

	if CanSendFreeform(recipient, d.now()) {
		attempt := domain.DeliveryAttempt{Method: domain.DeliveryDirect}
		id, err := d.sendText(ctx, recipient.Address, content)
		if err != nil {
			return attempt, fmt.Errorf("delivery: direct send to %s: %w", recipientID, err)
		}
		attempt.Success, attempt.ProviderMessageID = true, id
		d.recordContext(ctx, recipientID, attempt, spec.Kind)
		return attempt, nil
	}

	attempt := domain.DeliveryAttempt{Method: domain.DeliveryTemplate}
	slot, ok := domain.SlotFor(spec.Kind)
	if !ok || slot.Selection() {
		return attempt, fmt.Errorf("delivery: kind %q cannot hold deferred content", spec.Kind)
	}
	tpl := spec.Template
	if len(tpl.BodyParams) == 0 {
		tpl.BodyParams = []string{recipient.FirstName("equipo")}
	}
	id, err := d.sendTemplate(ctx, recipient.Address, tpl)
	if err != nil {
		return attempt, fmt.Errorf("delivery: template send to %s: %w", recipientID, err)
	}
	attempt.ProviderMessageID = id
	if err := d.pending.Register(ctx, recipientID, spec.Kind, domain.MessagePayload{Content: content}); err != nil {
		return attempt, fmt.Errorf("delivery: template sent to %s but content not stored: %w", recipientID, err)
	}
	attempt.Success = true
	d.recordContext(ctx, recipientID, attempt, spec.Kind)
	return attempt, nil
}

func (d *Dispatcher) sendText(ctx context.Context, to, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()
	return d.messenger.SendText(ctx, to, text)
}

func (d *Dispatcher) sendTemplate(ctx context.Context, to string, tpl domain.Template) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()
	return d.messenger.SendTemplate(ctx, to, tpl)
}

// recordContext writes last_delivery_context on a fresh read. The message is
// already out, so a failure here is only logged.
func (d *Dispatcher) recordContext(ctx context.Context, actorID string, attempt domain.DeliveryAttempt, kind domain.PendingKind) {
	dc := domain.DeliveryContext{
		Method:    attempt.Method,
		Kind:      kind,
		MessageID: attempt.ProviderMessageID,
		SentAt:    d.now().UTC(),
	}
	if err := d.merger.MergeActorState(ctx, actorID, statedoc.Set(domain.KeyLastDeliveryContext, dc)); err != nil {
		d.logger.Warn("failed to record delivery context", "actor_id", actorID, "err", err)
	}
}

// BroadcastReport counts the outcome of a fan-out.
type BroadcastReport struct {
	Direct   int
	Template int
	Failed   int
	Failures map[string]error
}

// Total is the number of recipients attempted.
func (r BroadcastReport) Total() int {
	return r.Direct + r.Template + r.Failed
}

// Broadcast delivers content to every recipient independently. One
// recipient's failure never stops the others.
func (d *Dispatcher) Broadcast(ctx context.Context, recipientIDs []string, content string, spec TemplateSpec) BroadcastReport {
	var (
		mu     sync.Mutex
		report = BroadcastReport{Failures: map[string]error{}}
		g      errgroup.Group
	)
	g.SetLimit(d.concurrency)
	for _, id := range recipientIDs {
		g.Go(func() error {
			attempt, err := d.Deliver(ctx, id, content, spec)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failed++
				report.Failures[id] = err
			case attempt.Method == domain.DeliveryDirect:
				report.Direct++
			default:
				report.Template++
			}
			return nil
		})
	}
	_ = g.Wait()

	if report.Failed > 0 {
		d.logger.Warn("broadcast finished with failures", "kind", spec.Kind, "total", report.Total(), "failed", report.Failed)
	}
	return report
}
