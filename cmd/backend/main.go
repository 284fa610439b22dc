// Command backend is the Lambda that executes queued commands and
// reconciles compute lifecycle notifications from EventBridge.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/serverbot/internal/app"
	"github.com/devghori1264/aerophoenix/serverbot/internal/config"
	"github.com/devghori1264/aerophoenix/serverbot/internal/lambdafn"
	"github.com/devghori1264/aerophoenix/serverbot/internal/telemetry"
)

func main() {
	cfg, err := config.Load(os.Getenv("SERVERBOT_CONFIG"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := telemetry.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	shutdownTracing, err := telemetry.SetupTracing("serverbot-backend", cfg.Tracing.Exporter)
	if err != nil {
		log.Fatal("failed to set up tracing", zap.Error(err))
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	a, err := app.Build(context.Background(), cfg, log.Named("backend"), telemetry.NewMetrics())
	if err != nil {
		log.Fatal("failed to build backend", zap.Error(err))
	}
	defer a.Close()

	lambda.Start(lambdafn.NewBackend(a.Worker(), a.Router, log).Handle)
}
