package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/spf13/viper"

	"sales-assistant/internal/app"
	"sales-assistant/internal/bridge"
	"sales-assistant/internal/domain"
	"sales-assistant/internal/integrations/whatsapp"
	"sales-assistant/internal/repository"
	"sales-assistant/internal/statedoc"
)

type actorReader interface {
	GetActor(ctx context.Context, id string) (domain.Actor, error)
	FindActorByAddress(ctx context.Context, address string) (domain.Actor, error)
}

type stateMerger interface {
	MergeActorState(ctx context.Context, actorID string, mutate statedoc.Mutator) error
}

type bridgeControl interface {
	Close(ctx context.Context, actorID string) (bridge.Counterpart, error)
	AwaitReply(ctx context.Context, agentID, customerID string, ttl time.Duration) error
}

type taskMarker interface {
	Mark(ctx context.Context, taskID string) (bool, error)
	Status(ctx context.Context, taskID string) (time.Time, bool, error)
}

type artifactSender interface {
	Send(ctx context.Context, recipientID string, kind domain.PendingKind, media domain.Media) (string, error)
}

type services struct {
	actors    actorReader
	merger    stateMerger
	bridges   bridgeControl
	tasks     taskMarker
	artifacts artifactSender
	now       func() time.Time
	close     func() error
}

type wireFunc func(ctx context.Context, configFile string) (*services, error)

// newSettings reads env variables, overridden by configFile when given.
// File keys are the lower-cased variable names (state_table, param_prefix).
func newSettings(configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.AutomaticEnv()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	return v, nil
}

func wireServices(ctx context.Context, configFile string) (*services, error) {
	v, err := newSettings(configFile)
	if err != nil {
		return nil, err
	}
	cfg, err := app.LoadConfig(v.GetString)
	if err != nil {
		return nil, err
	}
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	a, err := app.Build(ctx, awsCfg, cfg)
	if err != nil {
		return nil, fmt.Errorf("wire coordinator: %w", err)
	}
	return &services{
		actors:    a.Store,
		merger:    a.Merger,
		bridges:   a.Bridges,
		tasks:     a.OneTime,
		artifacts: a.Artifacts,
		now:       time.Now,
		close:     a.Close,
	}, nil
}

// resolveActor accepts an actor ID or a channel address.
func resolveActor(ctx context.Context, actors actorReader, ref string) (domain.Actor, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return domain.Actor{}, errors.New("actor reference is empty")
	}
	actor, err := actors.GetActor(ctx, ref)
	if err == nil {
		return actor, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return domain.Actor{}, err
	}
	addr := whatsapp.NormalizeAddress(ref)
	if addr == "" {
		return domain.Actor{}, fmt.Errorf("actor %q: %w", ref, repository.ErrNotFound)
	}
	actor, err = actors.FindActorByAddress(ctx, addr)
	if err != nil {
		return domain.Actor{}, fmt.Errorf("actor %q: %w", ref, err)
	}
	return actor, nil
}
