package app

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"sales-assistant/internal/domain"
)

// LoadConfig reads settings through getenv, which is os.Getenv in the Lambdas
// and a viper lookup in the CLI.
func LoadConfig(getenv func(string) string) (Config, error) {
	if getenv == nil {
		return Config{}, errors.New("app: getenv must not be nil")
	}
	env := func(key string) string { return strings.TrimSpace(getenv(key)) }

	cfg := Config{
		StateTable:     env("STATE_TABLE"),
		ParamPrefix:    env("PARAM_PREFIX"),
		PhoneNumberID:  env("WHATSAPP_PHONE_NUMBER_ID"),
		StoreBackend:   strings.ToLower(env("STORE_BACKEND")),
		DatabaseURL:    env("DATABASE_URL"),
		CounterBackend: strings.ToLower(env("COUNTER_BACKEND")),
		RedisURL:       env("REDIS_URL"),
		AdminAddress:   env("ADMIN_ADDRESS"),
		Template: domain.Template{
			Name:   env("TEMPLATE_NAME"),
			Locale: env("TEMPLATE_LOCALE"),
		},
	}

	var missing []string
	for key, v := range map[string]string{
		"PARAM_PREFIX":             cfg.ParamPrefix,
		"WHATSAPP_PHONE_NUMBER_ID": cfg.PhoneNumberID,
		"TEMPLATE_NAME":            cfg.Template.Name,
	} {
		if v == "" {
			missing = append(missing, key)
		}
	}
	switch cfg.StoreBackend {
	case "", BackendDynamoDB:
		if cfg.StateTable == "" {
			missing = append(missing, "STATE_TABLE")
		}
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	}
	if cfg.CounterBackend == BackendRedis && cfg.RedisURL == "" {
		missing = append(missing, "REDIS_URL")
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return Config{}, fmt.Errorf("app: required settings not set: %s", strings.Join(missing, ", "))
	}

	var err error
	if cfg.BridgeDuration, err = minutes(env("BRIDGE_DURATION_MINUTES")); err != nil {
		return Config{}, fmt.Errorf("app: BRIDGE_DURATION_MINUTES: %w", err)
	}
	if cfg.SendTimeout, err = seconds(env("SEND_TIMEOUT_SECONDS")); err != nil {
		return Config{}, fmt.Errorf("app: SEND_TIMEOUT_SECONDS: %w", err)
	}
	if cfg.BroadcastConcurrency, err = positiveInt(env("BROADCAST_CONCURRENCY")); err != nil {
		return Config{}, fmt.Errorf("app: BROADCAST_CONCURRENCY: %w", err)
	}
	return cfg, nil
}

// positiveInt returns 0 for an unset value so component defaults apply.
func positiveInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be positive, got %d", n)
	}
	return n, nil
}

func minutes(v string) (time.Duration, error) {
	n, err := positiveInt(v)
	return time.Duration(n) * time.Minute, err
}

func seconds(v string) (time.Duration, error) {
	n, err := positiveInt(v)
	return time.Duration(n) * time.Second, err
}
