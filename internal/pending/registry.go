// Package pending holds content deferred until the recipient writes back and
// the free-form window reopens.
package pending

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"sales-assistant/internal/commands"
	"sales-assistant/internal/domain"
	"sales-assistant/internal/statedoc"
)

// TextSender delivers free-form text to an address.
type TextSender interface {
	SendText(ctx context.Context, to, text string) (string, error)
}

// Merger is satisfied by *statedoc.Merger.
type Merger interface {
	MergeActorState(ctx context.Context, actorID string, mutate statedoc.Mutator) error
}

// Selection is a consumed template_selection entry handed back to the caller.
type Selection struct {
	Choice  int
	Payload domain.SelectionPayload
}

// Resolution describes what Resolve did with an inbound message. The zero
// value means nothing was pending for it.
type Resolution struct {
	Kind      domain.PendingKind
	Delivered bool
	MessageID string
	Selection *Selection
}

// Handled reports whether the inbound message was consumed.
func (r Resolution) Handled() bool {
	return r.Delivered || r.Selection != nil
}

// Registry registers and resolves pending actions.
type Registry struct {
	merger      Merger
	sender      TextSender
	now         func() time.Time
	sendTimeout time.Duration
	logger      *slog.Logger
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithSendTimeout(d time.Duration) Option {
	return func(r *Registry) { r.sendTimeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

func NewRegistry(merger Merger, sender TextSender, opts ...Option) (*Registry, error) {
	if merger == nil {
		return nil, errors.New("pending: merger must not be nil")
	}
	if sender == nil {
		return nil, errors.New("pending: sender must not be nil")
	}
	r := &Registry{
		merger:      merger,
		sender:      sender,
		now:         time.Now,
		sendTimeout: 10 * time.Second,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Register stores payload in the slot owned by kind. A later registration of
// the same kind replaces the earlier one.
func (r *Registry) Register(ctx context.Context, actorID string, kind domain.PendingKind, payload domain.PendingPayload) error {
	return r.RegisterWithExpiry(ctx, actorID, kind, payload, nil)
}

// RegisterWithExpiry is Register with an explicit expiry that overrides the
// kind's TTL.
func (r *Registry) RegisterWithExpiry(ctx context.Context, actorID string, kind domain.PendingKind, payload domain.PendingPayload, expiresAt *time.Time) error {
	slot, ok := domain.SlotFor(kind)
	if !ok {
		return fmt.Errorf("pending: unknown kind %q", kind)
	}
	if err := checkPayload(kind, payload); err != nil {
		return err
	}
	entry := domain.PendingEntry{Kind: kind, CreatedAt: r.now().UTC(), ExpiresAt: expiresAt, Payload: payload}
	if err := r.merger.MergeActorState(ctx, actorID, statedoc.Set(slot.Key, entry)); err != nil {
		return fmt.Errorf("pending: register %s for %s: %w", kind, actorID, err)
	}
	return nil
}

func checkPayload(kind domain.PendingKind, payload domain.PendingPayload) error {
	switch p := payload.(type) {
	case domain.SelectionPayload:
		if kind != domain.PendingTemplateSelection {
			return fmt.Errorf("pending: %s needs a message payload", kind)
		}
		if p.PeerID == "" {
			return errors.New("pending: selection payload needs a peer")
		}
	case domain.MessagePayload:
		if kind == domain.PendingTemplateSelection {
			return errors.New("pending: template_selection needs a selection payload")
		}
		if strings.TrimSpace(p.Content) == "" {
			return errors.New("pending: message payload is empty")
		}
	default:
		return fmt.Errorf("pending: unsupported payload %T", payload)
	}
	return nil
}

// IsAlwaysRoutedCommand reports whether text must skip pending resolution.
// Closing a session always reaches the bridge, whatever is pending.
func IsAlwaysRoutedCommand(text string) bool {
	return commands.IsClose(text)
}

// Resolve walks the slots in precedence order and consumes at most one live
// entry that accepts text. Expired and unreadable entries met on the way are
// cleared without any delivery. Content entries are sent to the actor before
// the slot is cleared; a failed send leaves the entry in place.
func (r *Registry) Resolve(ctx context.Context, actor domain.Actor, text string) (Resolution, error) {
	if IsAlwaysRoutedCommand(text) {
		return Resolution{}, nil
	}
	now := r.now()
	for _, slot := range domain.Slots() {
		if !slot.Accepts(text) {
			continue
		}
		raw := actor.State[slot.Key]
		entry, err := domain.DecodePending(actor.State, slot)
		if errors.Is(err, domain.ErrAbsent) {
			continue
		}
		if err != nil {
			r.logger.Warn("clearing unreadable pending entry", "actor_id", actor.ID, "slot", slot.Key, "err", err)
			r.clear(ctx, actor.ID, slot, sameRaw(slot.Key, raw))
			continue
		}
		if entry.Expired(now) {
			r.logger.Info("pending entry expired", "actor_id", actor.ID, "kind", slot.Kind, "created_at", entry.CreatedAt)
			r.clear(ctx, actor.ID, slot, sameEntry(slot, entry.CreatedAt))
			continue
		}

		if slot.Selection() {
			return r.consumeSelection(ctx, actor, slot, entry, text)
		}
		return r.deliver(ctx, actor, slot, entry)
	}
	return Resolution{}, nil
}

func (r *Registry) consumeSelection(ctx context.Context, actor domain.Actor, slot domain.Slot, entry domain.PendingEntry, text string) (Resolution, error) {
	choice, _ := strconv.Atoi(strings.TrimSpace(text))
	payload := entry.Payload.(domain.SelectionPayload)
	if err := r.merger.MergeActorState(ctx, actor.ID, func(doc domain.StateDocument) *domain.Patch {
		p := domain.NewPatch()
		if sameEntry(slot, entry.CreatedAt)(doc) {
			p.Delete(slot.Key)
		}
		return p
	}); err != nil {
		return Resolution{Kind: slot.Kind}, fmt.Errorf("pending: clear %s for %s: %w", slot.Kind, actor.ID, err)
	}
	return Resolution{Kind: slot.Kind, Selection: &Selection{Choice: choice, Payload: payload}}, nil
}

func (r *Registry) deliver(ctx context.Context, actor domain.Actor, slot domain.Slot, entry domain.PendingEntry) (Resolution, error) {
	content, _ := entry.Content()

	sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	msgID, err := r.sender.SendText(sendCtx, actor.Address, content)
	cancel()
	if err != nil {
		return Resolution{Kind: slot.Kind}, fmt.Errorf("pending: deliver %s to %s: %w", slot.Kind, actor.ID, err)
	}

	sentAt := r.now().UTC()
	err = r.merger.MergeActorState(ctx, actor.ID, func(doc domain.StateDocument) *domain.Patch {
		p := domain.NewPatch()
		if sameEntry(slot, entry.CreatedAt)(doc) {
			p.Delete(slot.Key)
		}
		if slot.ContextKey != "" {
			p.Set(slot.ContextKey, domain.DeliveredContext{SentAt: sentAt, Delivered: true})
		}
		p.Set(domain.KeyLastDeliveryContext, domain.DeliveryContext{
			Method:    domain.DeliveryDirect,
			Kind:      slot.Kind,
			MessageID: msgID,
			SentAt:    sentAt,
		})
		return p
	})
	if err != nil {
		// Already sent; the entry may be delivered again on the next reply.
		r.logger.Error("pending entry delivered but not cleared", "actor_id", actor.ID, "kind", slot.Kind, "err", err)
	}
	return Resolution{Kind: slot.Kind, Delivered: true, MessageID: msgID}, nil
}

// clear deletes the slot only while guard still holds on a fresh read, so an
// entry registered after our read is not lost.
func (r *Registry) clear(ctx context.Context, actorID string, slot domain.Slot, guard func(domain.StateDocument) bool) {
	err := r.merger.MergeActorState(ctx, actorID, func(doc domain.StateDocument) *domain.Patch {
		p := domain.NewPatch()
		if guard(doc) {
			p.Delete(slot.Key)
		}
		return p
	})
	if err != nil {
		r.logger.Warn("failed to clear pending entry", "actor_id", actorID, "slot", slot.Key, "err", err)
	}
}

func sameEntry(slot domain.Slot, createdAt time.Time) func(domain.StateDocument) bool {
	return func(doc domain.StateDocument) bool {
		current, err := domain.DecodePending(doc, slot)
		if err != nil {
			return false
		}
		return current.CreatedAt.Equal(createdAt)
	}
}

func sameRaw(key string, raw json.RawMessage) func(domain.StateDocument) bool {
	return func(doc domain.StateDocument) bool {
		current, ok := doc[key]
		return ok && bytes.Equal(current, raw)
	}
}

// Pending lists the live entries on an actor in precedence order.
func Pending(actor domain.Actor, now time.Time) []domain.PendingEntry {
	var out []domain.PendingEntry
	for _, slot := range domain.Slots() {
		entry, err := domain.DecodePending(actor.State, slot)
		if err != nil || entry.Expired(now) {
			continue
		}
		out = append(out, entry)
	}
	return out
}
