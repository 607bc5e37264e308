package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"

	synthgate "github.com/synthgate/synthgate"
	"github.com/synthgate/synthgate/api"
	"github.com/synthgate/synthgate/exitcodes"
	"github.com/synthgate/synthgate/flags"
	"github.com/synthgate/synthgate/uploader"
)

func uploadCommand() *cli.Command {
	return &cli.Command{
		Name:   "upload",
		Usage:  "upload a dependency archive for remote test runs",
		Flags:  cliapp.ProtectFlags(flags.UploadFlags()),
		Action: runUpload,
	}
}

func runUpload(ctx *cli.Context) error {
	logCfg := oplog.ReadCLIConfig(ctx)
	logger := oplog.NewLogger(oplog.AppOut(ctx), logCfg)
	oplog.SetGlobalLogHandler(logger.Handler())
	oplog.SetupDefaults()

	path := ctx.String(flags.UploadFile.Name)
	if path == "" {
		return cli.Exit("a file to upload is required (--file)", exitcodes.UploadInvalidInput)
	}

	cfg, err := synthgate.NewConfig(ctx, logger)
	if err != nil {
		return cli.Exit(err.Error(), exitcodes.UploadInvalidInput)
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cli.Exit(fmt.Sprintf("no such file: %s", path), exitcodes.UploadMissingFile)
		}
		return cli.Exit(err.Error(), exitcodes.UploadInvalidInput)
	}

	client, err := api.NewClient(api.Config{
		Site:     cfg.Site,
		APIKey:   cfg.APIKey,
		AppKey:   cfg.AppKey,
		ProxyURL: cfg.ProxyURL,
		Log:      logger,
	})
	if err != nil {
		return cli.Exit(err.Error(), exitcodes.UploadInvalidInput)
	}

	up, err := uploader.New(uploader.Config{Client: client, Log: logger})
	if err != nil {
		return cli.Exit(err.Error(), exitcodes.UploadFailure)
	}

	name := ctx.String(flags.UploadName.Name)
	if err := up.UploadFile(ctx.Context, path, name); err != nil {
		logger.Error("Upload failed", "file", path, "err", err)
		return cli.Exit(err.Error(), exitcodes.UploadFailure)
	}
	logger.Info("Upload complete", "file", path)
	return nil
}
