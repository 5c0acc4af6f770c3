package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sales-assistant/internal/bridge"
	"sales-assistant/internal/delivery"
	"sales-assistant/internal/domain"
	"sales-assistant/internal/pending"
	"sales-assistant/internal/repository"
	"sales-assistant/internal/statedoc"
)

const (
	agentAddr = "5215500000001"
	custAddr  = "5215500000002"
)

type sent struct {
	to   string
	text string
}

type fakeMessenger struct {
	mu        sync.Mutex
	texts     []sent
	templates map[string][]domain.Template
	media     []domain.Media
	fail      map[string]error
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{templates: map[string][]domain.Template{}, fail: map[string]error{}}
}

func (f *fakeMessenger) SendText(_ context.Context, to, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[to]; err != nil {
		return "", err
	}
	f.texts = append(f.texts, sent{to: to, text: text})
	return "wamid.txt", nil
}

func (f *fakeMessenger) SendTemplate(_ context.Context, to string, tpl domain.Template) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[to]; err != nil {
		return "", err
	}
	f.templates[to] = append(f.templates[to], tpl)
	return "wamid.tpl", nil
}

func (f *fakeMessenger) SendMedia(_ context.Context, to string, m domain.Media) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[to]; err != nil {
		return "", err
	}
	f.media = append(f.media, m)
	return "wamid.media", nil
}

func (f *fakeMessenger) to(addr string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.texts {
		if s.to == addr {
			out = append(out, s.text)
		}
	}
	return out
}

type recordingRouter struct {
	texts []string
}

func (r *recordingRouter) Route(_ context.Context, _ domain.Actor, text string) error {
	r.texts = append(r.texts, text)
	return nil
}

type inboundFixture struct {
	store     *repository.MemoryStore
	messenger *fakeMessenger
	registry  *pending.Registry
	bridges   *bridge.Service
	router    *recordingRouter
	svc       *InboundService
	clock     time.Time
}

func newInboundFixture(t *testing.T, customerLastInbound time.Duration) *inboundFixture {
	t.Helper()
	f := &inboundFixture{
		store:     repository.NewMemoryStore(),
		messenger: newFakeMessenger(),
		router:    &recordingRouter{},
		clock:     time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.clock }
	ctx := context.Background()

	custState := domain.StateDocument{}.Apply(domain.NewPatch().SetTime(domain.KeyLastInboundAt, f.clock.Add(-customerLastInbound)))
	for _, a := range []domain.Actor{
		{ID: "agent", Address: agentAddr, Name: "Ana Ruiz", Role: domain.RoleAgent},
		{ID: "cust", Address: custAddr, Name: "Luis Pérez", Role: domain.RoleCustomer, State: custState},
		{ID: "cust2", Address: "5215500000003", Name: "Luisa Mora", Role: domain.RoleCustomer},
	} {
		_, err := f.store.CreateActor(ctx, a)
		require.NoError(t, err)
	}

	merger, err := statedoc.NewMerger(f.store)
	require.NoError(t, err)
	f.registry, err = pending.NewRegistry(merger, f.messenger, pending.WithClock(clock))
	require.NoError(t, err)
	f.bridges, err = bridge.NewService(f.store, merger, f.messenger, bridge.WithClock(clock))
	require.NoError(t, err)
	disp, err := delivery.NewDispatcher(f.store, f.messenger, f.registry, merger, delivery.WithClock(clock))
	require.NoError(t, err)
	selection, err := NewSelectionHandler(disp, f.messenger, nil)
	require.NoError(t, err)
	f.svc, err = NewInboundService(f.store, f.registry, f.bridges, f.messenger, merger, selection,
		WithRouter(f.router), WithInboundClock(clock))
	require.NoError(t, err)
	return f
}

func (f *inboundFixture) handle(t *testing.T, from, text string) (InboundResult, error) {
	t.Helper()
	return f.svc.Handle(context.Background(), InboundMessage{From: from, Text: text, MessageID: "wamid.in"})
}

func (f *inboundFixture) actor(t *testing.T, id string) domain.Actor {
	t.Helper()
	a, err := f.store.GetActor(context.Background(), id)
	require.NoError(t, err)
	return a
}

func requireCode(t *testing.T, err error, code ErrorCode) {
	t.Helper()
	var ue *Error
	require.True(t, errors.As(err, &ue), "expected *usecase.Error, got %v", err)
	require.Equal(t, code, ue.Code)
}

func TestHandle_Validation(t *testing.T) {
	f := newInboundFixture(t, time.Hour)

	_, err := f.handle(t, agentAddr, "   ")
	requireCode(t, err, ErrorInvalidInput)

	_, err = f.handle(t, "5219999999999", "hola")
	requireCode(t, err, ErrorUnknownSender)
}

func TestHandle_RecordsInboundAndRoutes(t *testing.T) {
	f := newInboundFixture(t, 30*time.Hour)

	res, err := f.handle(t, custAddr, "hola, ¿tienen casas en Zacatecas?")
	require.NoError(t, err)
	require.Equal(t, OutcomeRouted, res.Outcome)
	require.Equal(t, []string{"hola, ¿tienen casas en Zacatecas?"}, f.router.texts)

	at, ok := f.actor(t, "cust").LastInboundAt()
	require.True(t, ok)
	require.True(t, f.clock.Equal(at))
}

func TestHandle_OlderMessageDoesNotMoveWindowBack(t *testing.T) {
	f := newInboundFixture(t, time.Minute)
	_, err := f.svc.Handle(context.Background(), InboundMessage{
		From: custAddr, Text: "viejo", ReceivedAt: f.clock.Add(-time.Hour),
	})
	require.NoError(t, err)
	at, _ := f.actor(t, "cust").LastInboundAt()
	require.True(t, f.clock.Add(-time.Minute).Equal(at))
}

func TestHandle_PendingContentBeforeRouter(t *testing.T) {
	f := newInboundFixture(t, time.Hour)
	require.NoError(t, f.registry.Register(context.Background(), "agent", domain.PendingBriefing,
		domain.MessagePayload{Content: "Buenos días, hoy tienes 3 citas"}))

	res, err := f.handle(t, agentAddr, "ok")
	require.NoError(t, err)
	require.Equal(t, OutcomePendingDelivered, res.Outcome)
	require.Equal(t, []string{"Buenos días, hoy tienes 3 citas"}, f.messenger.to(agentAddr))
	require.Empty(t, f.router.texts)
}

func TestHandle_CloseCommandSkipsPending(t *testing.T) {
	f := newInboundFixture(t, time.Hour)
	ctx := context.Background()
	_, err := f.bridges.Open(ctx, "agent", "cust")
	require.NoError(t, err)
	require.NoError(t, f.registry.Register(ctx, "agent", domain.PendingBriefing, domain.MessagePayload{Content: "briefing"}))

	res, err := f.handle(t, agentAddr, "#cerrar")
	require.NoError(t, err)
	require.Equal(t, OutcomeBridgeClosed, res.Outcome)
	require.True(t, f.actor(t, "agent").State.Has("pending_briefing"))
	require.False(t, f.actor(t, "cust").State.Has(domain.KeyActiveBridgeTo))
	require.Equal(t, []string{"✅ Chat directo con Luis Pérez cerrado."}, f.messenger.to(agentAddr))
	require.Equal(t, []string{"🔒 Ana cerró el chat directo."}, f.messenger.to(custAddr))
}

func TestHandle_CloseWithoutSession(t *testing.T) {
	f := newInboundFixture(t, time.Hour)
	res, err := f.handle(t, agentAddr, "salir")
	require.NoError(t, err)
	require.Equal(t, OutcomeNoSession, res.Outcome)
	require.Equal(t, []string{msgNoSession()}, f.messenger.to(agentAddr))
}

func TestHandle_BridgeOpenRelayBothWays(t *testing.T) {
	f := newInboundFixture(t, time.Hour)

	res, err := f.handle(t, agentAddr, "bridge luis pérez")
	require.NoError(t, err)
	require.Equal(t, OutcomeBridgeOpened, res.Outcome)
	_, ok := f.bridges.Active(f.actor(t, "agent"))
	require.True(t, ok)

	res, err = f.handle(t, agentAddr, "¿Le parece bien el sábado a las 11?")
	require.NoError(t, err)
	require.Equal(t, OutcomeRelayed, res.Outcome)

	res, err = f.handle(t, custAddr, "Sí, perfecto")
	require.NoError(t, err)
	require.Equal(t, OutcomeRelayed, res.Outcome)

	toCust := f.messenger.to(custAddr)
	require.Len(t, toCust, 2)
	require.True(t, strings.HasPrefix(toCust[0], "🔗 *Chat directo activado*"))
	require.Equal(t, "¿Le parece bien el sábado a las 11?", toCust[1])

	toAgent := f.messenger.to(agentAddr)
	require.Contains(t, toAgent, "✓ Enviado a Luis Pérez")
	require.Equal(t, "Sí, perfecto", toAgent[len(toAgent)-1])
	require.Empty(t, f.router.texts)
}

func TestHandle_BridgeOpenNeedsSingleMatch(t *testing.T) {
	f := newInboundFixture(t, time.Hour)

	_, err := f.handle(t, agentAddr, "bridge luis")
	require.NoError(t, err)
	_, ok := f.bridges.Active(f.actor(t, "agent"))
	require.False(t, ok)
	require.Equal(t, []string{msgManyMatches("luis", []string{"Luis Pérez", "Luisa Mora"})}, f.messenger.to(agentAddr))

	_, err = f.handle(t, agentAddr, "directo pedro")
	require.NoError(t, err)
	require.Contains(t, f.messenger.to(agentAddr), msgNoMatch("pedro"))
}

func TestHandle_CustomersCannotOpenBridges(t *testing.T) {
	f := newInboundFixture(t, time.Hour)
	res, err := f.handle(t, custAddr, "bridge ana")
	require.NoError(t, err)
	require.Equal(t, OutcomeRouted, res.Outcome)
}

func TestHandle_ExtendCommand(t *testing.T) {
	f := newInboundFixture(t, time.Hour)
	res, err := f.handle(t, agentAddr, "#mas")
	require.NoError(t, err)
	require.Equal(t, OutcomeNoSession, res.Outcome)

	_, err = f.bridges.Open(context.Background(), "agent", "cust")
	require.NoError(t, err)
	res, err = f.handle(t, custAddr, "#continuar")
	require.NoError(t, err)
	require.Equal(t, OutcomeBridgeExtended, res.Outcome)
	require.Equal(t, []string{msgExtended(bridge.DefaultDuration)}, f.messenger.to(custAddr))
}

func TestHandle_RelayFailureNotifiesSender(t *testing.T) {
	f := newInboundFixture(t, time.Hour)
	_, err := f.bridges.Open(context.Background(), "agent", "cust")
	require.NoError(t, err)
	f.messenger.fail[custAddr] = errors.New("provider 500")

	res, err := f.handle(t, agentAddr, "hola")
	requireCode(t, err, ErrorUpstream)
	require.Equal(t, OutcomeRelayed, res.Outcome)
	require.Equal(t, []string{msgRelayFailed("Luis Pérez")}, f.messenger.to(agentAddr))

	_, ok := f.bridges.Active(f.actor(t, "agent"))
	require.True(t, ok, "failed relay keeps the session")
}

func TestHandle_RelayToClosedWindowGoesThroughTemplateMenu(t *testing.T) {
	f := newInboundFixture(t, 30*time.Hour)
	ctx := context.Background()
	_, err := f.bridges.Open(ctx, "agent", "cust")
	require.NoError(t, err)

	res, err := f.handle(t, agentAddr, "Tengo una nueva promoción para usted")
	require.NoError(t, err)
	require.Equal(t, OutcomeRelayDeferred, res.Outcome)
	require.Equal(t, []string{msgTemplateMenu("Luis Pérez")}, f.messenger.to(agentAddr))
	require.Empty(t, f.messenger.to(custAddr))

	res, err = f.handle(t, agentAddr, "2")
	require.NoError(t, err)
	require.Equal(t, OutcomeSelection, res.Outcome)
	require.Len(t, f.messenger.templates[custAddr], 1)
	tpl := f.messenger.templates[custAddr][0]
	require.Equal(t, "seguimiento_lead", tpl.Name)
	require.Equal(t, []string{"Luis"}, tpl.BodyParams)
	require.Contains(t, f.messenger.to(agentAddr), msgTemplateSent("Luis Pérez"))
	require.False(t, f.actor(t, "agent").State.Has("pending_template_selection"))

	// The customer answers the template after the session has lapsed.
	f.clock = f.clock.Add(time.Hour)
	res, err = f.handle(t, custAddr, "Hola, dígame")
	require.NoError(t, err)
	require.Equal(t, OutcomePendingDelivered, res.Outcome)
	require.Equal(t, []string{"Tengo una nueva promoción para usted"}, f.messenger.to(custAddr))
}

func TestHandle_SelectionCancelAndDirectContact(t *testing.T) {
	f := newInboundFixture(t, 30*time.Hour)
	ctx := context.Background()
	payload := domain.SelectionPayload{PeerID: "cust", PeerName: "Luis Pérez", PeerAddress: custAddr, OriginalText: "x"}

	require.NoError(t, f.registry.Register(ctx, "agent", domain.PendingTemplateSelection, payload))
	_, err := f.handle(t, agentAddr, "4")
	require.NoError(t, err)
	require.Equal(t, []string{msgDirectContact("Luis Pérez", custAddr)}, f.messenger.to(agentAddr))

	require.NoError(t, f.registry.Register(ctx, "agent", domain.PendingTemplateSelection, payload))
	_, err = f.handle(t, agentAddr, " 5 ")
	require.NoError(t, err)
	require.Contains(t, f.messenger.to(agentAddr), msgCancelled("Luis Pérez"))
	require.Empty(t, f.messenger.templates)
	require.False(t, f.actor(t, "cust").State.Has("pending_message"))
}

func TestHandle_ForwardsAwaitedReply(t *testing.T) {
	f := newInboundFixture(t, time.Hour)
	require.NoError(t, f.bridges.AwaitReply(context.Background(), "agent", "cust", time.Hour))

	res, err := f.handle(t, custAddr, "Sí me interesa")
	require.NoError(t, err)
	require.Equal(t, OutcomeReplyForwarded, res.Outcome)
	require.Equal(t, []string{msgReplyForwarded("Luis Pérez", "Sí me interesa")}, f.messenger.to(agentAddr))
	require.False(t, f.actor(t, "cust").State.Has(domain.KeyPendingResponseTo))

	res, err = f.handle(t, custAddr, "¿Sigue ahí?")
	require.NoError(t, err)
	require.Equal(t, OutcomeRouted, res.Outcome)
}

func TestHandle_ExpiredAwaitedReplyIsRouted(t *testing.T) {
	f := newInboundFixture(t, time.Hour)
	require.NoError(t, f.bridges.AwaitReply(context.Background(), "agent", "cust", time.Minute))
	f.clock = f.clock.Add(2 * time.Minute)

	res, err := f.handle(t, custAddr, "hola")
	require.NoError(t, err)
	require.Equal(t, OutcomeRouted, res.Outcome)
	require.Empty(t, f.messenger.to(agentAddr))
}

func TestHandle_StoreFailure(t *testing.T) {
	f := newInboundFixture(t, time.Hour)
	f.store.GetErr = errors.New("dynamodb timeout")
	_, err := f.handle(t, agentAddr, "hola")
	requireCode(t, err, ErrorInternal)
}
