package synthgate

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/urfave/cli/v2"

	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	"github.com/ethereum/go-ethereum/log"

	"github.com/synthgate/synthgate/api"
	"github.com/synthgate/synthgate/flags"
)

// TOMLDuration lets durations be written as strings ('30m') in config files.
type TOMLDuration time.Duration

func (t *TOMLDuration) UnmarshalText(b []byte) error {
	d, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}

	*t = TOMLDuration(d)
	return nil
}

// FileConfig is the on-disk shape of a synthgate config file. Every field is
// optional; a flag set on the command line wins over the file's value.
type FileConfig struct {
	APIKey           string       `toml:"api_key"`
	AppKey           string       `toml:"app_key"`
	Site             string       `toml:"site"`
	PublicIDs        []string     `toml:"public_ids"`
	Files            []string     `toml:"files"`
	Search           string       `toml:"search"`
	OverrideStartURL string       `toml:"override_start_url"`
	Locations        []string     `toml:"locations"`
	PollTimeout      TOMLDuration `toml:"poll_timeout"`
	PollInterval     TOMLDuration `toml:"poll_interval"`
	Tunnel           bool         `toml:"tunnel"`
	TunnelLocalAddr  string       `toml:"tunnel_local_addr"`
	Proxy            string       `toml:"proxy"`
	JUnitReport      string       `toml:"junit_report"`
}

// Config holds the application configuration
type Config struct {
	APIKey string
	AppKey string
	Site   string

	PublicIDs []string // Tests selected directly by public id
	Files     []string // Glob patterns selecting suite files
	Search    string   // Search query resolving tests to run

	// GlobalOverride is layered under every per-test override.
	GlobalOverride api.ConfigOverride

	PollTimeout  time.Duration // Wall-clock budget for collecting results
	PollInterval time.Duration // Interval between result poll calls

	Tunnel          bool     // Whether to open a tunnel for the run
	TunnelLocalAddr string   // Local endpoint tunneled traffic egresses through
	ProxyURL        *url.URL // Egress proxy for API and tunnel traffic

	RunInterval time.Duration // Interval between gate runs
	RunOnce     bool          // Indicates if the service should exit after one run

	JUnitReport string // Path to write a JUnit XML report to

	Metrics opmetrics.CLIConfig
	Log     log.Logger
}

// NewConfig creates a new Config from cli context, layering flag values over
// the optional TOML config file. Tunnel mode is on when either side enables
// it.
func NewConfig(ctx *cli.Context, logger log.Logger) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, NewConfigurationError(fmt.Errorf("missing required flags: %w", err))
	}

	var file FileConfig
	if path := ctx.String(flags.ConfigFile.Name); path != "" {
		if _, err := toml.DecodeFile(path, &file); err != nil {
			return nil, NewConfigurationError(fmt.Errorf("reading config file %q: %w", path, err))
		}
	}

	apiKey := stringOr(ctx, flags.APIKey, file.APIKey)
	appKey := stringOr(ctx, flags.AppKey, file.AppKey)
	if apiKey == "" || appKey == "" {
		return nil, NewConfigurationError(errors.New("an API key and an application key are required"))
	}

	proxyRaw := stringOr(ctx, flags.Proxy, file.Proxy)
	var proxyURL *url.URL
	if proxyRaw != "" {
		u, err := url.Parse(proxyRaw)
		if err != nil {
			return nil, NewConfigurationError(fmt.Errorf("invalid proxy URL %q: %w", proxyRaw, err))
		}
		proxyURL = u
	}

	runInterval := ctx.Duration(flags.RunInterval.Name)
	runOnce := runInterval == 0

	return &Config{
		APIKey:    apiKey,
		AppKey:    appKey,
		Site:      stringOr(ctx, flags.Site, file.Site),
		PublicIDs: sliceOr(ctx, flags.PublicIDs, file.PublicIDs),
		Files:     sliceOr(ctx, flags.Files, file.Files),
		Search:    stringOr(ctx, flags.Search, file.Search),
		GlobalOverride: api.ConfigOverride{
			StartURL:  stringOr(ctx, flags.OverrideStartURL, file.OverrideStartURL),
			Locations: sliceOr(ctx, flags.Locations, file.Locations),
		},
		PollTimeout:     durationOr(ctx, flags.PollTimeout, time.Duration(file.PollTimeout)),
		PollInterval:    durationOr(ctx, flags.PollInterval, time.Duration(file.PollInterval)),
		Tunnel:          ctx.Bool(flags.Tunnel.Name) || file.Tunnel,
		TunnelLocalAddr: stringOr(ctx, flags.TunnelLocalAddr, file.TunnelLocalAddr),
		ProxyURL:        proxyURL,
		RunInterval:     runInterval,
		RunOnce:         runOnce,
		JUnitReport:     stringOr(ctx, flags.JUnitReport, file.JUnitReport),
		Metrics:         opmetrics.ReadCLIConfig(ctx),
		Log:             logger,
	}, nil
}

// AppBaseURL is the web UI root for the configured site.
func (c *Config) AppBaseURL() string {
	return "https://app." + c.Site
}

// stringOr prefers the flag when it was set explicitly or the file carries
// no value, so flag defaults still apply over an empty file.
func stringOr(ctx *cli.Context, flag *cli.StringFlag, fromFile string) string {
	if ctx.IsSet(flag.Name) || fromFile == "" {
		return ctx.String(flag.Name)
	}
	return fromFile
}

func sliceOr(ctx *cli.Context, flag *cli.StringSliceFlag, fromFile []string) []string {
	if ctx.IsSet(flag.Name) || len(fromFile) == 0 {
		return ctx.StringSlice(flag.Name)
	}
	return fromFile
}

func durationOr(ctx *cli.Context, flag *cli.DurationFlag, fromFile time.Duration) time.Duration {
	if ctx.IsSet(flag.Name) || fromFile == 0 {
		return ctx.Duration(flag.Name)
	}
	return fromFile
}
