package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"

	"sales-assistant/handler"
	"sales-assistant/internal/app"
)

func main() {
	ctx := context.Background()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	// ---- Configuration (read only here) ----
	cfg, err := app.LoadConfig(os.Getenv)
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	// ---- AWS SDK config ----
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Components ----
	a, err := app.Build(ctx, awsCfg, cfg)
	if err != nil {
		slog.Error("failed to wire coordinator", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	h, err := handler.NewWebhook(a.Inbound, a.AppSecret, a.VerifyToken)
	if err != nil {
		slog.Error("failed to create webhook handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
