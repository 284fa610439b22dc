// Command frontend is the Lambda behind the chat platform's function URL.
// It validates interactions and enqueues commands for the backend.
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

	a, err := app.Build(context.Background(), cfg, log.Named("frontend"), telemetry.NewMetrics())
	if err != nil {
		log.Fatal("failed to build frontend", zap.Error(err))
	}
	defer a.Close()

	lambda.Start(lambdafn.NewFrontend(a.Frontend(), log).HandleRequest)
}
