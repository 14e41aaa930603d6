package projectconfig

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kballard/go-shellquote"

	"github.com/davidahmann/postwatch/core/fingerprint"
	"github.com/davidahmann/postwatch/core/layout"
	"github.com/davidahmann/postwatch/core/stage"
)

const DefaultPath = ".postwatch/config.yaml"

const (
	StageKindExec    = "exec"
	StageKindBuiltin = "builtin"

	defaultListLimit    = 1000
	defaultRegion       = "us-east-1"
	defaultAccessKeyEnv = "AWS_ACCESS_KEY_ID"
	defaultSecretKeyEnv = "AWS_SECRET_ACCESS_KEY"
)

type Config struct {
	DataRoot      string             `yaml:"data_root"`
	StateDir      string             `yaml:"state_dir"`
	LockTimeout   string             `yaml:"lock_timeout"`
	Log           LogDefaults        `yaml:"log"`
	Collaborators []Collaborator     `yaml:"collaborators"`
	Stages        []Stage            `yaml:"stages"`
	ShortCircuit  ShortCircuit       `yaml:"short_circuit"`
	Fingerprint   fingerprint.Fields `yaml:"fingerprint"`
	Publish       Publish            `yaml:"publish"`
	Metrics       Metrics            `yaml:"metrics"`
}

type LogDefaults struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

type Collaborator struct {
	Name     string   `yaml:"name"`
	Datasets []string `yaml:"datasets"`
	Outputs  []Output `yaml:"outputs"`
}

// Output is one file a collaborator writes per dataset under
// <data_root>/<collaborator>/<dataset>/<file>.
type Output struct {
	Name    string `yaml:"name"`
	File    string `yaml:"file"`
	Primary bool   `yaml:"primary"`
	Diff    bool   `yaml:"diff"`
	Augment bool   `yaml:"augment"`
	Final   bool   `yaml:"final"`
}

type Stage struct {
	Name     string   `yaml:"name"`
	Kind     string   `yaml:"kind"`
	Command  string   `yaml:"command"`
	Args     []string `yaml:"args"`
	Role     string   `yaml:"role"`
	Requires []string `yaml:"requires"`

	// Argv is Command split once at load time followed by Args.
	Argv []string `yaml:"-"`
}

type ShortCircuit struct {
	Inputs []string `yaml:"inputs"`
}

type Publish struct {
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Endpoint     string `yaml:"endpoint"`
	Region       string `yaml:"region"`
	UseSSL       *bool  `yaml:"use_ssl"`
	AccessKeyEnv string `yaml:"access_key_env"`
	SecretKeyEnv string `yaml:"secret_key_env"`
	Required     bool   `yaml:"required"`
	ListLimit    int    `yaml:"list_limit"`
}

type Metrics struct {
	Textfile string `yaml:"textfile"`
}

func Load(path string, allowMissing bool) (Config, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return Config{}, fmt.Errorf("project config path is required")
	}

	// #nosec G304 -- project config path is explicit local user input.
	content, err := os.ReadFile(trimmedPath)
	if err != nil {
		if os.IsNotExist(err) && allowMissing {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read project config: %w", err)
	}
	if len(strings.TrimSpace(string(content))) == 0 {
		return Default(), nil
	}

	var configuration Config
	if err := yaml.UnmarshalWithOptions(content, &configuration, yaml.DisallowUnknownField()); err != nil {
		return Config{}, fmt.Errorf("parse project config: %w", err)
	}
	if err := configuration.normalize(); err != nil {
		return Config{}, fmt.Errorf("normalize project config: %w", err)
	}
	if err := configuration.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid project config: %w", err)
	}
	return configuration, nil
}

// Default is the configuration used when no project file exists.
func Default() Config {
	configuration := Config{}
	_ = configuration.normalize()
	return configuration
}

// ApplyEnv lets the environment override the publish target.
func (configuration *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if value, ok := lookup("POSTWATCH_BUCKET"); ok {
		configuration.Publish.Bucket = strings.TrimSpace(value)
	}
	if value, ok := lookup("POSTWATCH_PREFIX"); ok {
		configuration.Publish.Prefix = strings.Trim(strings.TrimSpace(value), "/")
	}
	if value, ok := lookup("POSTWATCH_ENDPOINT"); ok {
		configuration.Publish.Endpoint = strings.TrimSpace(value)
	}
}

// LockTimeoutDuration parses lock_timeout; empty means fail immediately.
func (configuration Config) LockTimeoutDuration() (time.Duration, error) {
	if configuration.LockTimeout == "" {
		return 0, nil
	}
	timeout, err := time.ParseDuration(configuration.LockTimeout)
	if err != nil {
		return 0, fmt.Errorf("lock_timeout: %w", err)
	}
	if timeout < 0 {
		return 0, fmt.Errorf("lock_timeout must not be negative")
	}
	return timeout, nil
}

// Collaborator returns the named collaborator definition.
func (configuration Config) Collaborator(name string) (Collaborator, bool) {
	for _, collaborator := range configuration.Collaborators {
		if collaborator.Name == name {
			return collaborator, true
		}
	}
	return Collaborator{}, false
}

// SSL reports use_ssl, which defaults to true.
func (publish Publish) SSL() bool {
	if publish.UseSSL == nil {
		return true
	}
	return *publish.UseSSL
}

func (configuration Config) Validate() error {
	if _, err := configuration.LockTimeoutDuration(); err != nil {
		return err
	}
	collaborators := map[string]struct{}{}
	for _, collaborator := range configuration.Collaborators {
		if err := layout.ValidateSegment("collaborator name", collaborator.Name); err != nil {
			return err
		}
		if _, duplicate := collaborators[collaborator.Name]; duplicate {
			return fmt.Errorf("duplicate collaborator %q", collaborator.Name)
		}
		collaborators[collaborator.Name] = struct{}{}
		for _, dataset := range collaborator.Datasets {
			if err := layout.ValidateSegment("dataset name", dataset); err != nil {
				return fmt.Errorf("collaborator %s: %w", collaborator.Name, err)
			}
		}
		outputs := map[string]struct{}{}
		diffOutputs := 0
		for _, output := range collaborator.Outputs {
			if output.Diff {
				diffOutputs++
			}
			if err := layout.ValidateSegment("output name", output.Name); err != nil {
				return fmt.Errorf("collaborator %s: %w", collaborator.Name, err)
			}
			if _, duplicate := outputs[output.Name]; duplicate {
				return fmt.Errorf("collaborator %s: duplicate output %q", collaborator.Name, output.Name)
			}
			outputs[output.Name] = struct{}{}
			if err := layout.ValidateSegment("output file", output.File); err != nil {
				return fmt.Errorf("collaborator %s output %s: %w", collaborator.Name, output.Name, err)
			}
		}
		if diffOutputs > 1 {
			return fmt.Errorf("collaborator %s: at most one output may set diff", collaborator.Name)
		}
	}

	stages := map[string]struct{}{}
	for _, configured := range configuration.Stages {
		if err := layout.ValidateSegment("stage name", configured.Name); err != nil {
			return err
		}
		if _, duplicate := stages[configured.Name]; duplicate {
			return fmt.Errorf("duplicate stage %q", configured.Name)
		}
		stages[configured.Name] = struct{}{}
		switch configured.Kind {
		case StageKindExec:
			if len(configured.Argv) == 0 {
				return fmt.Errorf("stage %s: exec stages require a command", configured.Name)
			}
		case StageKindBuiltin:
		default:
			return fmt.Errorf("stage %s: unsupported kind %q", configured.Name, configured.Kind)
		}
		if _, err := stage.ParseRole(configured.Role); err != nil {
			return fmt.Errorf("stage %s: %w", configured.Name, err)
		}
	}

	if configuration.Publish.ListLimit < 0 {
		return fmt.Errorf("publish.list_limit must not be negative")
	}
	if err := configuration.Fingerprint.Validate(); err != nil {
		return fmt.Errorf("fingerprint: %w", err)
	}
	return nil
}

func (configuration *Config) normalize() error {
	configuration.DataRoot = strings.TrimSpace(configuration.DataRoot)
	if configuration.DataRoot == "" {
		configuration.DataRoot = "."
	}
	configuration.StateDir = strings.TrimSpace(configuration.StateDir)
	configuration.LockTimeout = strings.TrimSpace(configuration.LockTimeout)
	configuration.Log.Format = strings.ToLower(strings.TrimSpace(configuration.Log.Format))
	if configuration.Log.Format == "" {
		configuration.Log.Format = "console"
	}
	configuration.Log.Level = strings.ToLower(strings.TrimSpace(configuration.Log.Level))
	if configuration.Log.Level == "" {
		configuration.Log.Level = "info"
	}

	for index := range configuration.Collaborators {
		collaborator := &configuration.Collaborators[index]
		collaborator.Name = strings.TrimSpace(collaborator.Name)
		collaborator.Datasets = trimAll(collaborator.Datasets)
		for outputIndex := range collaborator.Outputs {
			output := &collaborator.Outputs[outputIndex]
			output.Name = strings.TrimSpace(output.Name)
			output.File = strings.TrimSpace(output.File)
			if output.File == "" {
				output.File = output.Name + ".json"
			}
		}
	}

	for index := range configuration.Stages {
		configured := &configuration.Stages[index]
		configured.Name = strings.TrimSpace(configured.Name)
		configured.Kind = strings.ToLower(strings.TrimSpace(configured.Kind))
		if configured.Kind == "" {
			configured.Kind = StageKindExec
		}
		configured.Role = strings.ToLower(strings.TrimSpace(configured.Role))
		configured.Requires = trimAll(configured.Requires)
		configured.Argv = nil
		if command := strings.TrimSpace(configured.Command); command != "" {
			argv, err := shellquote.Split(command)
			if err != nil {
				return fmt.Errorf("stage %s command: %w", configured.Name, err)
			}
			configured.Argv = argv
		}
		configured.Argv = append(configured.Argv, configured.Args...)
	}

	configuration.ShortCircuit.Inputs = trimAll(configuration.ShortCircuit.Inputs)

	fields := configuration.Fingerprint
	defaults := fingerprint.DefaultFields()
	if len(fields.Identity) == 0 {
		fields.Identity = defaults.Identity
	}
	if len(fields.Tracked) == 0 {
		fields.Tracked = defaults.Tracked
	}
	if strings.TrimSpace(fields.Score) == "" {
		fields.Score = defaults.Score
	}
	fields.Identity = trimAll(fields.Identity)
	fields.Tracked = trimAll(fields.Tracked)
	fields.Score = strings.TrimSpace(fields.Score)
	configuration.Fingerprint = fields

	publish := &configuration.Publish
	publish.Bucket = strings.TrimSpace(publish.Bucket)
	publish.Prefix = strings.Trim(strings.TrimSpace(publish.Prefix), "/")
	publish.Endpoint = strings.TrimSpace(publish.Endpoint)
	publish.Region = strings.TrimSpace(publish.Region)
	if publish.Region == "" {
		publish.Region = defaultRegion
	}
	publish.AccessKeyEnv = strings.TrimSpace(publish.AccessKeyEnv)
	if publish.AccessKeyEnv == "" {
		publish.AccessKeyEnv = defaultAccessKeyEnv
	}
	publish.SecretKeyEnv = strings.TrimSpace(publish.SecretKeyEnv)
	if publish.SecretKeyEnv == "" {
		publish.SecretKeyEnv = defaultSecretKeyEnv
	}
	if publish.ListLimit == 0 {
		publish.ListLimit = defaultListLimit
	}
	configuration.Metrics.Textfile = strings.TrimSpace(configuration.Metrics.Textfile)
	return nil
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
