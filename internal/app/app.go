// Package app wires the coordinator's components for the Lambda entry points
// and the operator CLI.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"sales-assistant/internal/bridge"
	"sales-assistant/internal/delivery"
	"sales-assistant/internal/domain"
	"sales-assistant/internal/guard"
	"sales-assistant/internal/integrations/paramstore"
	"sales-assistant/internal/integrations/whatsapp"
	"sales-assistant/internal/pending"
	"sales-assistant/internal/repository"
	"sales-assistant/internal/statedoc"
	"sales-assistant/internal/usecase"
)

const defaultSendTimeout = 10 * time.Second

const (
	BackendDynamoDB = "dynamodb"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config is filled by the entry points from their environment.
type Config struct {
	StateTable     string
	ParamPrefix    string
	PhoneNumberID  string
	StoreBackend   string
	DatabaseURL    string
	CounterBackend string
	RedisURL       string

	BridgeDuration       time.Duration
	SendTimeout          time.Duration
	BroadcastConcurrency int
	AdminAddress         string
	Template             domain.Template
}

type store interface {
	repository.ActorStore
	repository.MarkerStore
	repository.CounterStore
}

// App holds the wired components.
type App struct {
	Store     repository.ActorStore
	Counters  repository.CounterStore
	Merger    *statedoc.Merger
	Registry  *pending.Registry
	Bridges   *bridge.Service
	Delivery  *delivery.Dispatcher
	OneTime   *guard.OneTime
	Limiter   *guard.Limiter
	Messenger *whatsapp.Client

	Inbound   *usecase.InboundService
	Scheduled *usecase.ScheduledService
	Artifacts *usecase.ArtifactService

	AppSecret   *paramstore.Secret
	VerifyToken *paramstore.Secret

	closers []func() error
}

func Build(ctx context.Context, awsCfg aws.Config, cfg Config) (*App, error) {
	a := &App{}
	if err := a.build(ctx, awsCfg, cfg); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, awsCfg aws.Config, cfg Config) error {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	st, err := a.openStore(ctx, awsCfg, cfg)
	if err != nil {
		return err
	}
	a.Store = st
	counters, err := a.openCounters(ctx, st, cfg)
	if err != nil {
		return err
	}
	a.Counters = counters

	params, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return err
	}
	token, err := paramstore.NewSecret(params, cfg.ParamPrefix, "whatsapp-token")
	if err != nil {
		return err
	}
	if a.AppSecret, err = paramstore.NewSecret(params, cfg.ParamPrefix, "whatsapp-app-secret"); err != nil {
		return err
	}
	if a.VerifyToken, err = paramstore.NewSecret(params, cfg.ParamPrefix, "whatsapp-verify-token"); err != nil {
		return err
	}
	if a.Messenger, err = whatsapp.NewClient(token, cfg.PhoneNumberID); err != nil {
		return err
	}

	if a.Merger, err = statedoc.NewMerger(st); err != nil {
		return err
	}
	if a.Registry, err = pending.NewRegistry(a.Merger, a.Messenger, pending.WithSendTimeout(cfg.SendTimeout)); err != nil {
		return err
	}
	if a.Bridges, err = bridge.NewService(st, a.Merger, a.Messenger,
		bridge.WithDuration(cfg.BridgeDuration), bridge.WithSendTimeout(cfg.SendTimeout)); err != nil {
		return err
	}
	if a.Delivery, err = delivery.NewDispatcher(st, a.Messenger, a.Registry, a.Merger,
		delivery.WithSendTimeout(cfg.SendTimeout), delivery.WithConcurrency(cfg.BroadcastConcurrency)); err != nil {
		return err
	}
	if a.OneTime, err = guard.NewOneTime(st, nil); err != nil {
		return err
	}
	if a.Limiter, err = guard.NewLimiter(counters, nil); err != nil {
		return err
	}

	selection, err := usecase.NewSelectionHandler(a.Delivery, a.Messenger, nil)
	if err != nil {
		return err
	}
	if a.Inbound, err = usecase.NewInboundService(st, a.Registry, a.Bridges, a.Messenger, a.Merger, selection,
		usecase.WithReplyTimeout(cfg.SendTimeout)); err != nil {
		return err
	}
	if a.Scheduled, err = usecase.NewScheduledService(st, st, a.OneTime, a.Limiter, a.Delivery, a.Messenger, usecase.ScheduledConfig{
		AdminAddress: cfg.AdminAddress,
		Template:     cfg.Template,
	}); err != nil {
		return err
	}
	if a.Artifacts, err = usecase.NewArtifactService(st, a.Limiter, a.Messenger, a.Merger, nil); err != nil {
		return err
	}
	return nil
}

func (a *App) openStore(ctx context.Context, awsCfg aws.Config, cfg Config) (store, error) {
	switch cfg.StoreBackend {
	case "", BackendDynamoDB:
		if cfg.StateTable == "" {
			return nil, errors.New("app: state table is required for the dynamodb backend")
		}
		return repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
	case BackendPostgres:
		db, err := repository.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		return newPostgres(ctx, db)
	default:
		return nil, fmt.Errorf("app: unknown store backend %q", cfg.StoreBackend)
	}
}

func newPostgres(ctx context.Context, db *sql.DB) (*repository.PostgresStore, error) {
	pg, err := repository.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		return nil, err
	}
	return pg, nil
}

// openCounters defaults to the actor store. Redis is the only separate backend.
func (a *App) openCounters(ctx context.Context, st store, cfg Config) (repository.CounterStore, error) {
	storeBackend := cfg.StoreBackend
	if storeBackend == "" {
		storeBackend = BackendDynamoDB
	}
	switch cfg.CounterBackend {
	case "", storeBackend:
		return st, nil
	case BackendRedis:
		rc, err := repository.NewRedisCounterStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rc.Close)
		return rc, nil
	default:
		return nil, fmt.Errorf("app: counter backend %q is not available with store backend %q", cfg.CounterBackend, storeBackend)
	}
}

// Close releases database and cache connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
