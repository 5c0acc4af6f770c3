package pending

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sales-assistant/internal/domain"
	"sales-assistant/internal/repository"
	"sales-assistant/internal/statedoc"
)

type sentText struct {
	to, text string
}

type fakeSender struct {
	sent []sentText
	err  error
}

func (f *fakeSender) SendText(_ context.Context, to, text string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, sentText{to: to, text: text})
	return "wamid.1", nil
}

type fixture struct {
	store  *repository.MemoryStore
	sender *fakeSender
	reg    *Registry
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  repository.NewMemoryStore(),
		sender: &fakeSender{},
		now:    time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC),
	}
	_, err := f.store.CreateActor(context.Background(), domain.Actor{ID: "a1", Address: "5215550001111", Name: "Ana", Role: domain.RoleAgent})
	require.NoError(t, err)
	merger, err := statedoc.NewMerger(f.store)
	require.NoError(t, err)
	f.reg, err = NewRegistry(merger, f.sender, WithClock(func() time.Time { return f.now }))
	require.NoError(t, err)
	return f
}

func (f *fixture) actor(t *testing.T) domain.Actor {
	t.Helper()
	a, err := f.store.GetActor(context.Background(), "a1")
	require.NoError(t, err)
	return a
}

func (f *fixture) register(t *testing.T, kind domain.PendingKind, content string) {
	t.Helper()
	require.NoError(t, f.reg.Register(context.Background(), "a1", kind, domain.MessagePayload{Content: content}))
}

func TestNewRegistry_Validation(t *testing.T) {
	_, err := NewRegistry(nil, &fakeSender{})
	require.ErrorContains(t, err, "merger")
	merger, _ := statedoc.NewMerger(repository.NewMemoryStore())
	_, err = NewRegistry(merger, nil)
	require.ErrorContains(t, err, "sender")
}

func TestResolve_DeliversVerbatimThenClears(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, domain.PendingBriefing, "Tu briefing:\n• 3 citas hoy")

	res, err := f.reg.Resolve(ctx, f.actor(t), "hola")
	require.NoError(t, err)
	require.True(t, res.Delivered)
	require.Equal(t, domain.PendingBriefing, res.Kind)
	require.Equal(t, []sentText{{to: "5215550001111", text: "Tu briefing:\n• 3 citas hoy"}}, f.sender.sent)

	a := f.actor(t)
	require.False(t, a.State.Has("pending_briefing"))
	receipt, err := domain.Lookup[domain.DeliveredContext](a.State, "last_briefing_context")
	require.NoError(t, err)
	require.True(t, receipt.Delivered)
	dc, err := domain.Lookup[domain.DeliveryContext](a.State, domain.KeyLastDeliveryContext)
	require.NoError(t, err)
	require.Equal(t, "wamid.1", dc.MessageID)

	res, err = f.reg.Resolve(ctx, a, "otra vez")
	require.NoError(t, err)
	require.False(t, res.Handled())
	require.Len(t, f.sender.sent, 1)
}

func TestResolve_AtMostOnePerMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, domain.PendingAlert, "alert")
	f.register(t, domain.PendingRecap, "recap")
	f.register(t, domain.PendingBriefing, "briefing")

	res, err := f.reg.Resolve(ctx, f.actor(t), "ok")
	require.NoError(t, err)
	require.Equal(t, domain.PendingBriefing, res.Kind)
	require.Len(t, f.sender.sent, 1)

	a := f.actor(t)
	require.True(t, a.State.Has("pending_recap"))
	require.True(t, a.State.Has("pending_alert"))

	res, err = f.reg.Resolve(ctx, a, "ok")
	require.NoError(t, err)
	require.Equal(t, domain.PendingRecap, res.Kind)
	require.Equal(t, "recap", f.sender.sent[1].text)
}

func TestResolve_ExpiredEntryIsSilentlyCleared(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, domain.PendingBriefing, "stale briefing")
	f.now = f.now.Add(19 * time.Hour)

	res, err := f.reg.Resolve(ctx, f.actor(t), "hola")
	require.NoError(t, err)
	require.False(t, res.Handled())
	require.Empty(t, f.sender.sent)
	require.False(t, f.actor(t).State.Has("pending_briefing"))
}

func TestResolve_ExpiredEntryDoesNotBlockLaterSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, domain.PendingBriefing, "old")
	f.now = f.now.Add(20 * time.Hour)
	f.register(t, domain.PendingNotification, "fresh news")

	res, err := f.reg.Resolve(ctx, f.actor(t), "hola")
	require.NoError(t, err)
	require.Equal(t, domain.PendingNotification, res.Kind)
	require.Equal(t, "fresh news", f.sender.sent[0].text)
}

func TestResolve_ExplicitExpiryWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp := f.now.Add(time.Hour)
	require.NoError(t, f.reg.RegisterWithExpiry(ctx, "a1", domain.PendingWeeklyReport, domain.MessagePayload{Content: "weekly"}, &exp))
	f.now = f.now.Add(2 * time.Hour)

	res, err := f.reg.Resolve(ctx, f.actor(t), "hola")
	require.NoError(t, err)
	require.False(t, res.Handled())
}

func TestResolve_CorruptEntryCleared(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.UpdateState(ctx, "a1", domain.NewPatch().Set("pending_recap", "just a string")))
	f.register(t, domain.PendingAlert, "alert")

	res, err := f.reg.Resolve(ctx, f.actor(t), "hola")
	require.NoError(t, err)
	require.Equal(t, domain.PendingAlert, res.Kind)
	require.False(t, f.actor(t).State.Has("pending_recap"))
}

func TestResolve_EmptyPayloadDoesNotBlockLaterSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	raw := json.RawMessage(`{"kind":"briefing","created_at":"2026-04-10T11:00:00Z","payload":null}`)
	require.NoError(t, f.store.UpdateState(ctx, "a1", domain.NewPatch().Set("pending_briefing", raw)))
	f.register(t, domain.PendingNotification, "Junta a las 10")

	res, err := f.reg.Resolve(ctx, f.actor(t), "hola")
	require.NoError(t, err)
	require.True(t, res.Delivered)
	require.Equal(t, domain.PendingNotification, res.Kind)
	require.Equal(t, []sentText{{to: "5215550001111", text: "Junta a las 10"}}, f.sender.sent)

	a := f.actor(t)
	require.False(t, a.State.Has("pending_briefing"))
	require.False(t, a.State.Has("pending_message"))
}

func TestResolve_StaleSnapshotDoesNotClearNewerEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, domain.PendingBriefing, "old")
	stale := f.actor(t)

	f.now = f.now.Add(19 * time.Hour)
	f.register(t, domain.PendingBriefing, "new")

	res, err := f.reg.Resolve(ctx, stale, "hola")
	require.NoError(t, err)
	require.False(t, res.Handled())

	e, err := domain.DecodePending(f.actor(t).State, mustSlot(domain.PendingBriefing))
	require.NoError(t, err)
	content, _ := e.Content()
	require.Equal(t, "new", content)
}

func TestResolve_SendFailureKeepsEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, domain.PendingDailyReport, "report")
	f.sender.err = errors.New("provider 500")

	res, err := f.reg.Resolve(ctx, f.actor(t), "hola")
	require.ErrorContains(t, err, "provider 500")
	require.False(t, res.Delivered)
	require.True(t, f.actor(t).State.Has("pending_daily_report"))
}

func TestResolve_SelectionOnlyTakesDigits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sel := domain.SelectionPayload{PeerID: "c1", PeerName: "Luis", PeerAddress: "5215550002222", OriginalText: "¿cómo va?"}
	require.NoError(t, f.reg.Register(ctx, "a1", domain.PendingTemplateSelection, sel))
	f.register(t, domain.PendingBriefing, "briefing")

	res, err := f.reg.Resolve(ctx, f.actor(t), "buenos días")
	require.NoError(t, err)
	require.Equal(t, domain.PendingBriefing, res.Kind)
	require.True(t, f.actor(t).State.Has("pending_template_selection"))

	res, err = f.reg.Resolve(ctx, f.actor(t), " 2 ")
	require.NoError(t, err)
	require.NotNil(t, res.Selection)
	require.Equal(t, 2, res.Selection.Choice)
	require.Equal(t, sel, res.Selection.Payload)
	require.False(t, f.actor(t).State.Has("pending_template_selection"))
	require.Len(t, f.sender.sent, 1, "selection is handed back, not sent")
}

func TestResolve_CloseCommandBypasses(t *testing.T) {
	f := newFixture(t)
	f.register(t, domain.PendingBriefing, "briefing")

	res, err := f.reg.Resolve(context.Background(), f.actor(t), "#cerrar")
	require.NoError(t, err)
	require.False(t, res.Handled())
	require.True(t, f.actor(t).State.Has("pending_briefing"))
}

func TestRegister_LastWriteWinsPerSlot(t *testing.T) {
	f := newFixture(t)
	f.register(t, domain.PendingAlert, "first")
	f.register(t, domain.PendingAlert, "second")

	entries := Pending(f.actor(t), f.now)
	require.Len(t, entries, 1)
	content, _ := entries[0].Content()
	require.Equal(t, "second", content)
}

func TestRegister_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.ErrorContains(t, f.reg.Register(ctx, "a1", "gossip", domain.MessagePayload{Content: "x"}), "unknown kind")
	require.ErrorContains(t, f.reg.Register(ctx, "a1", domain.PendingTemplateSelection, domain.MessagePayload{Content: "x"}), "selection payload")
	require.ErrorContains(t, f.reg.Register(ctx, "a1", domain.PendingAlert, domain.SelectionPayload{PeerID: "c"}), "message payload")
	require.ErrorContains(t, f.reg.Register(ctx, "a1", domain.PendingAlert, domain.MessagePayload{Content: " "}), "empty")
	require.Error(t, f.reg.Register(ctx, "missing", domain.PendingAlert, domain.MessagePayload{Content: "x"}))
}

func TestRegister_StoresWireShape(t *testing.T) {
	f := newFixture(t)
	f.register(t, domain.PendingNotification, "hi")

	var wire map[string]any
	require.NoError(t, json.Unmarshal(f.actor(t).State["pending_message"], &wire))
	require.Equal(t, "notification", wire["kind"])
	require.Equal(t, map[string]any{"content": "hi"}, wire["payload"])
	require.NotEmpty(t, wire["created_at"])
}

func mustSlot(kind domain.PendingKind) domain.Slot {
	s, _ := domain.SlotFor(kind)
	return s
}
