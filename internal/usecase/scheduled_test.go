package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sales-assistant/internal/delivery"
	"sales-assistant/internal/domain"
	"sales-assistant/internal/guard"
	"sales-assistant/internal/pending"
	"sales-assistant/internal/repository"
	"sales-assistant/internal/statedoc"
)

const adminAddr = "5215500000099"

type scheduledFixture struct {
	store     *repository.MemoryStore
	messenger *fakeMessenger
	svc       *ScheduledService
	clock     time.Time
}

func newScheduledFixture(t *testing.T) *scheduledFixture {
	t.Helper()
	f := &scheduledFixture{
		store:     repository.NewMemoryStore(),
		messenger: newFakeMessenger(),
		clock:     time.Date(2026, 7, 6, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.clock }
	ctx := context.Background()
	for _, a := range []domain.Actor{
		{ID: "a1", Address: "5215500000011", Name: "Ana", Role: domain.RoleAgent,
			State: domain.StateDocument{}.Apply(domain.NewPatch().SetTime(domain.KeyLastInboundAt, f.clock.Add(-time.Hour)))},
		{ID: "a2", Address: "5215500000012", Name: "Beto", Role: domain.RoleAgent},
		{ID: "c1", Address: "5215500000013", Name: "Caro", Role: domain.RoleCustomer},
	} {
		_, err := f.store.CreateActor(ctx, a)
		require.NoError(t, err)
	}

	merger, err := statedoc.NewMerger(f.store)
	require.NoError(t, err)
	registry, err := pending.NewRegistry(merger, f.messenger, pending.WithClock(clock))
	require.NoError(t, err)
	disp, err := delivery.NewDispatcher(f.store, f.messenger, registry, merger, delivery.WithClock(clock))
	require.NoError(t, err)
	once, err := guard.NewOneTime(f.store, clock)
	require.NoError(t, err)
	limiter, err := guard.NewLimiter(f.store, clock)
	require.NoError(t, err)

	f.svc, err = NewScheduledService(f.store, f.store, once, limiter, disp, f.messenger, ScheduledConfig{
		AdminAddress: adminAddr,
		Template:     domain.Template{Name: "aviso_equipo", Locale: "es_MX"},
		Clock:        clock,
	})
	require.NoError(t, err)
	return f
}

func TestRun_UnknownTask(t *testing.T) {
	f := newScheduledFixture(t)
	_, err := f.svc.Run(context.Background(), ScheduledEvent{Task: "reindex"})
	requireCode(t, err, ErrorInvalidInput)
}

func TestHealthCheck_Healthy(t *testing.T) {
	f := newScheduledFixture(t)
	res, err := f.svc.Run(context.Background(), ScheduledEvent{Task: TaskHealthCheck})
	require.NoError(t, err)
	require.True(t, res.Healthy)
	require.Empty(t, f.messenger.to(adminAddr))
}

func TestHealthCheck_AlertsOncePerCooldown(t *testing.T) {
	f := newScheduledFixture(t)
	f.store.PingErr = errors.New("table unreachable")
	ctx := context.Background()

	res, err := f.svc.Run(ctx, ScheduledEvent{Task: TaskHealthCheck})
	require.NoError(t, err)
	require.False(t, res.Healthy)
	require.True(t, res.Alerted)

	f.clock = f.clock.Add(30 * time.Minute)
	res, err = f.svc.Run(ctx, ScheduledEvent{Task: TaskHealthCheck})
	require.NoError(t, err)
	require.False(t, res.Alerted)

	f.clock = f.clock.Add(31 * time.Minute)
	res, err = f.svc.Run(ctx, ScheduledEvent{Task: TaskHealthCheck})
	require.NoError(t, err)
	require.True(t, res.Alerted)

	require.Equal(t, []string{msgHealthAlert(f.store.PingErr), msgHealthAlert(f.store.PingErr)}, f.messenger.to(adminAddr))
}

func TestHealthCheck_CounterUnavailableUsesProcessCooldown(t *testing.T) {
	f := newScheduledFixture(t)
	f.store.PingErr = errors.New("down")
	f.store.CounterErr = errors.New("down")
	ctx := context.Background()

	res, err := f.svc.Run(ctx, ScheduledEvent{Task: TaskHealthCheck})
	require.NoError(t, err)
	require.True(t, res.Alerted)

	f.clock = f.clock.Add(30 * time.Minute)
	res, err = f.svc.Run(ctx, ScheduledEvent{Task: TaskHealthCheck})
	require.NoError(t, err)
	require.False(t, res.Alerted)

	f.clock = f.clock.Add(31 * time.Minute)
	res, err = f.svc.Run(ctx, ScheduledEvent{Task: TaskHealthCheck})
	require.NoError(t, err)
	require.True(t, res.Alerted)

	require.Len(t, f.messenger.to(adminAddr), 2)
}

func TestAnnouncement_RunsOnceAcrossTriggers(t *testing.T) {
	f := newScheduledFixture(t)
	ctx := context.Background()
	ev := ScheduledEvent{Task: TaskAnnouncement, OnceID: "junta-julio", Content: "Junta general el viernes 10:00"}

	res, err := f.svc.Run(ctx, ev)
	require.NoError(t, err)
	require.False(t, res.Skipped)
	require.NotNil(t, res.Report)
	require.Equal(t, 1, res.Report.Direct)
	require.Equal(t, 1, res.Report.Template)
	require.Equal(t, 0, res.Report.Failed)

	require.Equal(t, []string{"Junta general el viernes 10:00"}, f.messenger.to("5215500000011"))
	require.Len(t, f.messenger.templates["5215500000012"], 1)
	require.Empty(t, f.messenger.to("5215500000013"), "customers are not announced to")

	res, err = f.svc.Run(ctx, ev)
	require.NoError(t, err)
	require.True(t, res.Skipped)
	require.Nil(t, res.Report)
	require.Len(t, f.messenger.to("5215500000011"), 1)
}

func TestAnnouncement_Validation(t *testing.T) {
	f := newScheduledFixture(t)
	ctx := context.Background()
	_, err := f.svc.Run(ctx, ScheduledEvent{Task: TaskAnnouncement, Content: "x"})
	requireCode(t, err, ErrorInvalidInput)
	_, err = f.svc.Run(ctx, ScheduledEvent{Task: TaskAnnouncement, OnceID: "x", Content: "x", Kind: domain.PendingTemplateSelection})
	requireCode(t, err, ErrorInvalidInput)
}

func TestArtifactService_DailyCap(t *testing.T) {
	store := repository.NewMemoryStore()
	messenger := newFakeMessenger()
	now := time.Date(2026, 7, 6, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	_, err := store.CreateActor(context.Background(), domain.Actor{
		ID: "a1", Address: "5215500000011", Name: "Ana", Role: domain.RoleAgent,
		State: domain.StateDocument{}.Apply(domain.NewPatch().SetTime(domain.KeyLastInboundAt, now.Add(-time.Hour))),
	})
	require.NoError(t, err)
	_, err = store.CreateActor(context.Background(), domain.Actor{ID: "a2", Address: "5215500000012", Role: domain.RoleAgent})
	require.NoError(t, err)

	merger, err := statedoc.NewMerger(store)
	require.NoError(t, err)
	limiter, err := guard.NewLimiter(store, clock)
	require.NoError(t, err)
	svc, err := NewArtifactService(store, limiter, messenger, merger, clock)
	require.NoError(t, err)

	video := domain.Media{Data: []byte("mp4"), MIMEType: "video/mp4", Caption: "Tu resumen"}
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		_, err := svc.Send(ctx, "a1", domain.PendingVideoSummary, video)
		require.NoError(t, err)
	}
	_, err = svc.Send(ctx, "a1", domain.PendingVideoSummary, video)
	requireCode(t, err, ErrorRateLimited)
	require.Len(t, messenger.media, 100)

	a, err := store.GetActor(ctx, "a1")
	require.NoError(t, err)
	dc, err := domain.Lookup[domain.DeliveryContext](a.State, domain.KeyLastDeliveryContext)
	require.NoError(t, err)
	require.Equal(t, domain.PendingVideoSummary, dc.Kind)

	_, err = svc.Send(ctx, "a2", domain.PendingVideoSummary, video)
	requireCode(t, err, ErrorInvalidInput)
}
