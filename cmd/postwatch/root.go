package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	coreerrors "github.com/davidahmann/postwatch/core/errors"
	"github.com/davidahmann/postwatch/core/layout"
	"github.com/davidahmann/postwatch/core/logx"
	"github.com/davidahmann/postwatch/core/objstore"
	"github.com/davidahmann/postwatch/core/projectconfig"
)

const defaultEnvFile = ".env"

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	ConfigPath string
	DataRoot   string
	StateDir   string
	EnvFile    string
	LogFormat  string
	LogLevel   string
	JSON       bool
}

type cli struct {
	stdout io.Writer
	stderr io.Writer
	root   rootOptions

	lookupEnv func(string) (string, bool)
	config    projectconfig.Config
	logger    *zap.Logger
	exitCode  int
}

func newCLI(stdout, stderr io.Writer) *cli {
	return &cli{stdout: stdout, stderr: stderr, lookupEnv: os.LookupEnv, logger: zap.NewNop()}
}

func (c *cli) rootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "postwatch",
		Short: "Deterministic run orchestration and replay verification",
		Long: `postwatch runs collaborator stages under a single-writer lock, diffs each
output against its baseline, records a content-addressed run report and
publishes it when asked. Any past run can be re-verified byte for byte.

Exit codes:
  0 - success
  2 - precondition or verification failure
  3 - unexpected runtime error`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) > 0 {
				return &usageError{cause: fmt.Errorf("unknown command %q", args[0])}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations["config"] == "none" {
				return nil
			}
			return c.prepare(cmd)
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{cause: err}
	})

	flags := cmd.PersistentFlags()
	flags.StringVar(&c.root.ConfigPath, "config", projectconfig.DefaultPath, "project config path")
	flags.StringVar(&c.root.DataRoot, "data-root", "", "override data_root from the config")
	flags.StringVar(&c.root.StateDir, "state-dir", "", "override state_dir from the config")
	flags.StringVar(&c.root.EnvFile, "env-file", defaultEnvFile, "dotenv file loaded before the config")
	flags.StringVar(&c.root.LogFormat, "log-format", "", "log format: console|json")
	flags.StringVar(&c.root.LogLevel, "log-level", "", "log level: debug|info|warn|error")
	flags.BoolVar(&c.root.JSON, "json", false, "emit JSON output")

	cmd.AddCommand(
		c.runCommand(),
		c.replayCommand(),
		c.verifyPublishedCommand(),
		c.baselineCommand(),
		c.diffCommand(),
		c.versionCommand(),
	)
	return cmd
}

// prepare loads the env file, the project config and the logger. The
// environment always wins over values read from the env file.
func (c *cli) prepare(cmd *cobra.Command) error {
	flags := cmd.Flags()
	if err := loadEnvFile(c.root.EnvFile, flags.Changed("env-file")); err != nil {
		return coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "env_file_invalid", "check the --env-file path and syntax", false)
	}
	configuration, err := projectconfig.Load(c.root.ConfigPath, !flags.Changed("config"))
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "config_invalid", "fix the project config and retry", false)
	}
	configuration.ApplyEnv(c.lookupEnv)
	if flags.Changed("data-root") {
		configuration.DataRoot = strings.TrimSpace(c.root.DataRoot)
	}
	if flags.Changed("state-dir") {
		configuration.StateDir = strings.TrimSpace(c.root.StateDir)
	}
	c.config = configuration

	format := configuration.Log.Format
	if c.root.LogFormat != "" {
		format = c.root.LogFormat
	}
	level := configuration.Log.Level
	if c.root.LogLevel != "" {
		level = c.root.LogLevel
	}
	logger, err := logx.New(logx.Options{Format: format, Level: level, Writer: c.stderr})
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "log_config_invalid", "use --log-format console|json and a zap level", false)
	}
	c.logger = logger
	return nil
}

func loadEnvFile(path string, explicit bool) error {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil
	}
	if _, err := os.Stat(trimmed); errors.Is(err, os.ErrNotExist) && !explicit {
		return nil
	}
	return godotenv.Load(trimmed)
}

// layoutRoot is the data and state root the loaded config describes.
func (c *cli) layoutRoot() layout.Root {
	return layout.NewRoot(absOrSelf(c.config.DataRoot), c.config.StateDir)
}

// openStore returns nil when no bucket is configured.
func (c *cli) openStore(bucket string) (objstore.Store, error) {
	publish := c.config.Publish
	if strings.TrimSpace(bucket) == "" {
		bucket = publish.Bucket
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, nil
	}
	accessKey, _ := c.lookupEnv(publish.AccessKeyEnv)
	secretKey, _ := c.lookupEnv(publish.SecretKeyEnv)
	store, err := objstore.Open(objstore.Config{
		Bucket:    bucket,
		Endpoint:  publish.Endpoint,
		Region:    publish.Region,
		AccessKey: strings.TrimSpace(accessKey),
		SecretKey: strings.TrimSpace(secretKey),
		UseSSL:    publish.SSL(),
	})
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "store_config_invalid", "check publish.bucket and publish.endpoint", false)
	}
	return store, nil
}

func exactArgs(count int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(count)(cmd, args); err != nil {
			return &usageError{cause: err}
		}
		return nil
	}
}

// reported wraps an error whose details were already written to stdout.
type reported struct{ cause error }

func (e *reported) Error() string { return e.cause.Error() }

func (e *reported) Unwrap() error { return e.cause }
