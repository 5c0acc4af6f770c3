package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// PendingKind identifies a deferred piece of content. The set is closed; each
// kind owns exactly one slot in the state document.
type PendingKind string

const (
	PendingTemplateSelection PendingKind = "template_selection"
	PendingBriefing          PendingKind = "briefing"
	PendingRecap             PendingKind = "recap"
	PendingDailyReport       PendingKind = "daily_report"
	PendingWeeklyReport      PendingKind = "weekly_report"
	PendingWeeklySummary     PendingKind = "weekly_summary"
	PendingVideoSummary      PendingKind = "video_summary"
	PendingNotification      PendingKind = "notification"
	PendingLeadAlert         PendingKind = "lead_alert"
	PendingAlert             PendingKind = "alert"
)

var selectionDigit = regexp.MustCompile(`^[1-5]$`)

// Slot binds a pending kind to its storage key and lifetime.
type Slot struct {
	Kind PendingKind
	Key  string
	// TTL of zero means the entry lives until it is consumed.
	TTL time.Duration
	// ContextKey receives a delivery receipt once the entry is delivered.
	// Empty for kinds that are handed back to the caller.
	ContextKey string
	accepts    func(text string) bool
}

// Accepts reports whether inbound text may consume this slot.
func (s Slot) Accepts(text string) bool {
	if s.accepts == nil {
		return true
	}
	return s.accepts(text)
}

// Selection reports whether the slot is resolved by the caller rather than
// delivered as content.
func (s Slot) Selection() bool {
	return s.Kind == PendingTemplateSelection
}

// slots is ordered by resolution precedence.
var slots = []Slot{
	{Kind: PendingTemplateSelection, Key: "pending_template_selection", accepts: func(text string) bool {
		return selectionDigit.MatchString(strings.TrimSpace(text))
	}},
	{Kind: PendingBriefing, Key: "pending_briefing", TTL: 18 * time.Hour, ContextKey: "last_briefing_context"},
	{Kind: PendingRecap, Key: "pending_recap", TTL: 18 * time.Hour, ContextKey: "last_recap_context"},
	{Kind: PendingDailyReport, Key: "pending_daily_report", TTL: 24 * time.Hour, ContextKey: "last_daily_report_context"},
	{Kind: PendingWeeklyReport, Key: "pending_weekly_report", TTL: 72 * time.Hour, ContextKey: "last_weekly_report_context"},
	{Kind: PendingWeeklySummary, Key: "pending_weekly_summary", TTL: 72 * time.Hour, ContextKey: "last_weekly_summary_context"},
	{Kind: PendingVideoSummary, Key: "pending_video_summary", TTL: 24 * time.Hour, ContextKey: "last_video_summary_context"},
	{Kind: PendingNotification, Key: "pending_message", TTL: 48 * time.Hour, ContextKey: "last_notification_context"},
	{Kind: PendingLeadAlert, Key: "pending_lead_alert", TTL: 48 * time.Hour, ContextKey: "last_lead_alert_context"},
	{Kind: PendingAlert, Key: "pending_alert", TTL: 6 * time.Hour, ContextKey: "last_alert_context"},
}

// Slots returns the pending slots in precedence order.
func Slots() []Slot {
	out := make([]Slot, len(slots))
	copy(out, slots)
	return out
}

// SlotFor returns the slot owned by kind.
func SlotFor(kind PendingKind) (Slot, bool) {
	for _, s := range slots {
		if s.Kind == kind {
			return s, true
		}
	}
	return Slot{}, false
}

// Valid reports whether k is a known pending kind.
func (k PendingKind) Valid() bool {
	_, ok := SlotFor(k)
	return ok
}

// PendingPayload is implemented by MessagePayload and SelectionPayload only.
type PendingPayload interface {
	pendingPayload()
}

// MessagePayload is the full content withheld while the recipient's window
// was closed.
type MessagePayload struct {
	Content string `json:"content"`
}

func (MessagePayload) pendingPayload() {}

// SelectionPayload remembers which peer a sender was trying to reach when the
// peer's window was closed.
type SelectionPayload struct {
	PeerID       string `json:"peer_id"`
	PeerName     string `json:"peer_name"`
	PeerAddress  string `json:"peer_address"`
	OriginalText string `json:"original_text,omitempty"`
}

func (SelectionPayload) pendingPayload() {}

// PendingEntry is the value stored in a pending slot.
type PendingEntry struct {
	Kind      PendingKind
	CreatedAt time.Time
	ExpiresAt *time.Time
	Payload   PendingPayload
}

type pendingWire struct {
	Kind      PendingKind     `json:"kind"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// Expired reports whether the entry is past its lifetime at now. An explicit
// ExpiresAt wins over the slot TTL.
func (e PendingEntry) Expired(now time.Time) bool {
	if e.ExpiresAt != nil {
		return now.After(*e.ExpiresAt)
	}
	slot, ok := SlotFor(e.Kind)
	if !ok || slot.TTL == 0 {
		return false
	}
	return now.Sub(e.CreatedAt) > slot.TTL
}

// Content returns the withheld text for message payloads.
func (e PendingEntry) Content() (string, bool) {
	p, ok := e.Payload.(MessagePayload)
	if !ok {
		return "", false
	}
	return p.Content, true
}

// MarshalJSON encodes the entry in its stored shape.
func (e PendingEntry) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, errors.New("domain: pending entry has no payload")
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(pendingWire{
		Kind:      e.Kind,
		CreatedAt: e.CreatedAt.UTC(),
		ExpiresAt: e.ExpiresAt,
		Payload:   payload,
	})
}

// UnmarshalJSON decodes a stored entry, picking the payload variant from the
// kind.
func (e *PendingEntry) UnmarshalJSON(data []byte) error {
	var w pendingWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if !w.Kind.Valid() {
		return fmt.Errorf("unknown pending kind %q", w.Kind)
	}
	if w.CreatedAt.IsZero() {
		return errors.New("pending entry missing created_at")
	}
	var payload PendingPayload
	if w.Kind == PendingTemplateSelection {
		var p SelectionPayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return fmt.Errorf("selection payload: %w", err)
		}
		if p.PeerID == "" {
			return errors.New("selection payload missing peer_id")
		}
		payload = p
	} else {
		var p MessagePayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return fmt.Errorf("message payload: %w", err)
		}
		if strings.TrimSpace(p.Content) == "" {
			return errors.New("message payload has no content")
		}
		payload = p
	}
	*e = PendingEntry{Kind: w.Kind, CreatedAt: w.CreatedAt, ExpiresAt: w.ExpiresAt, Payload: payload}
	return nil
}

// DecodePending reads the entry stored in slot. Entries whose kind does not
// match the slot are reported as corrupt.
func DecodePending(doc StateDocument, slot Slot) (PendingEntry, error) {
	entry, err := Lookup[PendingEntry](doc, slot.Key)
	if err != nil {
		return PendingEntry{}, err
	}
	if entry.Kind != slot.Kind {
		return PendingEntry{}, fmt.Errorf("%w: %s holds kind %q", ErrCorrupt, slot.Key, entry.Kind)
	}
	return entry, nil
}

// DeliveredContext is the receipt written after a pending entry is delivered.
type DeliveredContext struct {
	SentAt    time.Time `json:"sent_at"`
	Delivered bool      `json:"delivered"`
}
