package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSlots_PrecedenceOrder(t *testing.T) {
	var kinds []PendingKind
	for _, s := range Slots() {
		kinds = append(kinds, s.Kind)
	}
	require.Equal(t, []PendingKind{
		PendingTemplateSelection,
		PendingBriefing,
		PendingRecap,
		PendingDailyReport,
		PendingWeeklyReport,
		PendingWeeklySummary,
		PendingVideoSummary,
		PendingNotification,
		PendingLeadAlert,
		PendingAlert,
	}, kinds)
}

func TestSlots_KeysUnique(t *testing.T) {
	seen := map[string]bool{}
	for _, s := range Slots() {
		require.False(t, seen[s.Key], "duplicate slot key %s", s.Key)
		seen[s.Key] = true
		require.True(t, ValidStateKey(s.Key))
	}
}

func TestSlot_SelectionAcceptsDigitsOnly(t *testing.T) {
	slot, ok := SlotFor(PendingTemplateSelection)
	require.True(t, ok)
	for _, in := range []string{"1", "5", " 3 "} {
		require.True(t, slot.Accepts(in), in)
	}
	for _, in := range []string{"0", "6", "12", "hola", ""} {
		require.False(t, slot.Accepts(in), in)
	}

	briefing, _ := SlotFor(PendingBriefing)
	require.True(t, briefing.Accepts("anything at all"))
}

func TestPendingEntry_Expired(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		kind PendingKind
		now  time.Time
		exp  *time.Time
		want bool
	}{
		{"briefing within ttl", PendingBriefing, created.Add(17 * time.Hour), nil, false},
		{"briefing at ttl", PendingBriefing, created.Add(18 * time.Hour), nil, false},
		{"briefing past ttl", PendingBriefing, created.Add(18*time.Hour + time.Second), nil, true},
		{"alert past ttl", PendingAlert, created.Add(7 * time.Hour), nil, true},
		{"weekly still live", PendingWeeklyReport, created.Add(71 * time.Hour), nil, false},
		{"selection never expires by ttl", PendingTemplateSelection, created.Add(1000 * time.Hour), nil, false},
		{"override extends", PendingAlert, created.Add(7 * time.Hour), ptr(created.Add(8 * time.Hour)), false},
		{"override shortens", PendingNotification, created.Add(2 * time.Hour), ptr(created.Add(time.Hour)), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := PendingEntry{Kind: tc.kind, CreatedAt: created, ExpiresAt: tc.exp, Payload: MessagePayload{}}
			require.Equal(t, tc.want, e.Expired(tc.now))
		})
	}
}

func TestPendingEntry_RoundTripPicksPayloadByKind(t *testing.T) {
	created := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	doc := StateDocument{}.Apply(NewPatch().
		Set("pending_briefing", PendingEntry{Kind: PendingBriefing, CreatedAt: created, Payload: MessagePayload{Content: "full briefing"}}).
		Set("pending_template_selection", PendingEntry{Kind: PendingTemplateSelection, CreatedAt: created, Payload: SelectionPayload{PeerID: "c1", PeerName: "Luis"}}))

	briefing, _ := SlotFor(PendingBriefing)
	e, err := DecodePending(doc, briefing)
	require.NoError(t, err)
	content, ok := e.Content()
	require.True(t, ok)
	require.Equal(t, "full briefing", content)

	selection, _ := SlotFor(PendingTemplateSelection)
	e, err = DecodePending(doc, selection)
	require.NoError(t, err)
	require.Equal(t, SelectionPayload{PeerID: "c1", PeerName: "Luis"}, e.Payload)
}

func TestDecodePending_Corrupt(t *testing.T) {
	briefing, _ := SlotFor(PendingBriefing)
	cases := map[string]string{
		"not json object": `"full text"`,
		"unknown kind":    `{"kind":"gossip","created_at":"2026-01-01T00:00:00Z","payload":{}}`,
		"no created_at":   `{"kind":"briefing","payload":{"content":"x"}}`,
		"wrong slot kind": `{"kind":"recap","created_at":"2026-01-01T00:00:00Z","payload":{"content":"x"}}`,
		"null payload":    `{"kind":"briefing","created_at":"2026-01-01T00:00:00Z","payload":null}`,
		"empty content":   `{"kind":"briefing","created_at":"2026-01-01T00:00:00Z","payload":{"content":"  "}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			doc := StateDocument{briefing.Key: json.RawMessage(raw)}
			_, err := DecodePending(doc, briefing)
			require.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestPendingEntry_MarshalRequiresPayload(t *testing.T) {
	_, err := json.Marshal(PendingEntry{Kind: PendingAlert, CreatedAt: time.Now()})
	require.Error(t, err)
}

func ptr[T any](v T) *T { return &v }
