package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/log"
	"github.com/honeycombio/otel-config-go/otelconfig"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	"github.com/ethereum-optimism/optimism/op-service/ctxinterrupt"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"

	synthgate "github.com/synthgate/synthgate"
	"github.com/synthgate/synthgate/exitcodes"
	"github.com/synthgate/synthgate/flags"
	"github.com/synthgate/synthgate/service"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "synthgate"
	app.Usage = "CI gate for remotely executed synthetic tests"
	app.Description = "synthgate triggers synthetic tests, waits for their results and fails the pipeline when a blocking test fails"
	app.Flags = cliapp.ProtectFlags(flags.Flags)
	app.Commands = []*cli.Command{uploadCommand()}
	app.Action = cliapp.LifecycleCmd(run)
	app.ExitErrHandler = func(c *cli.Context, err error) {
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			// Use the exit code from the ExitCoder
			cli.HandleExitCoder(exitErr)
		} else if err != nil {
			// Test failures, runtime errors and configuration errors all
			// collapse into one non-zero code; CI only needs pass or fail.
			cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.Failure))
		}
	}

	// Telemetry export is opt-in through the standard OTEL environment.
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		shutdown, err := otelconfig.ConfigureOpenTelemetry(
			otelconfig.WithServiceName(app.Name),
			otelconfig.WithServiceVersion(app.Version),
		)
		if err != nil {
			log.Crit("Failed to setup open telemetry", "message", err)
		}
		defer shutdown()
	}

	ctx := ctxinterrupt.WithSignalWaiterMain(context.Background())
	err := app.RunContext(ctx, os.Args)
	if err != nil {
		log.Crit("Application failed", "message", err)
	}
}

func run(ctx *cli.Context, closeApp context.CancelCauseFunc) (cliapp.Lifecycle, error) {
	logCfg := oplog.ReadCLIConfig(ctx)
	logger := oplog.NewLogger(oplog.AppOut(ctx), logCfg)
	oplog.SetGlobalLogHandler(logger.Handler())
	oplog.SetupDefaults()

	cfg, err := synthgate.NewConfig(ctx, logger)
	if err != nil {
		return nil, err
	}

	gate, err := synthgate.New(ctx.Context, cfg, Version, closeApp)
	if err != nil {
		return nil, synthgate.NewRuntimeError(fmt.Errorf("failed to create gate: %w", err))
	}

	// The healthz/metrics sidecar only makes sense for long-lived
	// deployments; one-shot CI invocations leave it off.
	if cfg.Metrics.Enabled {
		svc := service.New(service.Config{
			MetricsAddr: net.JoinHostPort(cfg.Metrics.ListenAddr, strconv.Itoa(cfg.Metrics.ListenPort)),
		})
		svc.Start(ctx.Context)
		return &withSidecar{Lifecycle: gate, svc: svc}, nil
	}

	return gate, nil
}

// withSidecar stops the healthz/metrics servers together with the gate.
type withSidecar struct {
	cliapp.Lifecycle
	svc *service.Service
}

func (w *withSidecar) Stop(ctx context.Context) error {
	err := w.Lifecycle.Stop(ctx)
	w.svc.Shutdown()
	return err
}
