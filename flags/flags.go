package flags

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	opflags "github.com/ethereum-optimism/optimism/op-service/flags"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
)

const EnvVarPrefix = "SYNTHGATE"

var (
	ConfigFile = &cli.StringFlag{
		Name:    "config",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CONFIG"),
		Usage:   "Path to a TOML config file (eg. 'synthgate.toml')",
	}
	PublicIDs = &cli.StringSliceFlag{
		Name:    "public-id",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "PUBLIC_ID"),
		Usage:   "Public id of a test to run (repeatable). The test's web UI URL is accepted too.",
	}
	Files = &cli.StringSliceFlag{
		Name:    "files",
		Value:   cli.NewStringSlice("**/*.synthetics.yaml"),
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "FILES"),
		Usage:   "Glob patterns selecting suite files ('**' crosses directories)",
	}
	Search = &cli.StringFlag{
		Name:    "search",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SEARCH"),
		Usage:   "Search query resolving tests to run (eg. 'tag:ci state:live')",
	}
	APIKey = &cli.StringFlag{
		Name:    "api-key",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "API_KEY"),
		Usage:   "API key used to authenticate against the backend",
	}
	AppKey = &cli.StringFlag{
		Name:    "app-key",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "APP_KEY"),
		Usage:   "Application key used to authenticate against the backend",
	}
	Site = &cli.StringFlag{
		Name:    "site",
		Value:   "synthgate.io",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SITE"),
		Usage:   "Backend site to send requests to",
	}
	OverrideStartURL = &cli.StringFlag{
		Name:    "override-start-url",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "OVERRIDE_START_URL"),
		Usage:   "Start URL applied to every triggered test",
	}
	Locations = &cli.StringSliceFlag{
		Name:    "location",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "LOCATION"),
		Usage:   "Location to run every test from (repeatable). Ignored when a tunnel is active.",
	}
	PollTimeout = &cli.DurationFlag{
		Name:    "poll-timeout",
		Value:   30 * time.Minute,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "POLL_TIMEOUT"),
		Usage:   "Wall-clock budget for collecting results before outstanding executions are failed as timed out",
	}
	PollInterval = &cli.DurationFlag{
		Name:    "poll-interval",
		Value:   5 * time.Second,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "POLL_INTERVAL"),
		Usage:   "Interval between result poll calls",
	}
	Tunnel = &cli.BoolFlag{
		Name:    "tunnel",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TUNNEL"),
		Usage:   "Open a tunnel so remote runners can reach endpoints inside this network",
	}
	TunnelLocalAddr = &cli.StringFlag{
		Name:    "tunnel-local-addr",
		Value:   "127.0.0.1:4510",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TUNNEL_LOCAL_ADDR"),
		Usage:   "Local endpoint tunneled traffic egresses through",
	}
	Proxy = &cli.StringFlag{
		Name:    "proxy",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "PROXY"),
		Usage:   "Proxy URL for outbound API and tunnel traffic",
	}
	RunInterval = &cli.DurationFlag{
		Name:    "run-interval",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RUN_INTERVAL"),
		Usage:   "Interval between gate runs (e.g. '1h', '30m'). Set to 0 or omit for run-once mode.",
	}
	JUnitReport = &cli.StringFlag{
		Name:    "junit-report",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "JUNIT_REPORT"),
		Usage:   "Path to write a JUnit XML report to",
	}
)

// Upload subcommand flags.
var (
	UploadFile = &cli.StringFlag{
		Name:    "file",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "UPLOAD_FILE"),
		Usage:   "Path of the archive to upload",
	}
	UploadName = &cli.StringFlag{
		Name:    "name",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "UPLOAD_NAME"),
		Usage:   "Name to store the archive under (defaults to the file's base name)",
	}
)

// UploadFlags builds the flag set for the upload subcommand: the archive
// flags plus fresh copies of the credential and transport flags, so the
// subcommand's parse never shares state with the run command's flags.
func UploadFlags() []cli.Flag {
	fl := []cli.Flag{
		UploadFile,
		UploadName,
		&cli.StringFlag{Name: ConfigFile.Name, EnvVars: ConfigFile.EnvVars, Usage: ConfigFile.Usage},
		&cli.StringFlag{Name: APIKey.Name, EnvVars: APIKey.EnvVars, Usage: APIKey.Usage},
		&cli.StringFlag{Name: AppKey.Name, EnvVars: AppKey.EnvVars, Usage: AppKey.Usage},
		&cli.StringFlag{Name: Site.Name, Value: Site.Value, EnvVars: Site.EnvVars, Usage: Site.Usage},
		&cli.StringFlag{Name: Proxy.Name, EnvVars: Proxy.EnvVars, Usage: Proxy.Usage},
	}
	fl = append(fl, oplog.CLIFlags(EnvVarPrefix)...)
	return fl
}

var requiredFlags = []cli.Flag{}

var optionalFlags = []cli.Flag{
	ConfigFile,
	PublicIDs,
	Files,
	Search,
	APIKey,
	AppKey,
	Site,
	OverrideStartURL,
	Locations,
	PollTimeout,
	PollInterval,
	Tunnel,
	TunnelLocalAddr,
	Proxy,
	RunInterval,
	JUnitReport,
}
var Flags []cli.Flag

func init() {
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)

	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return opflags.CheckRequiredXor(ctx)
}
