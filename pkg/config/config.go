// Package config loads rho's configuration: struct defaults overlaid with
// RHO_* environment variables, validated before use.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	env "github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/ravshansbox/rho/engine/core"
)

// Config is the full configuration surface consumed by the core.
type Config struct {
	// RhoDir is the root of rho's on-disk state, conventionally ~/.rho.
	RhoDir string `koanf:"rho_dir" validate:"required"`

	Brain BrainConfig `koanf:"brain"`
	RPC   RPCConfig   `koanf:"rpc"`
	Log   LogConfig   `koanf:"log"`
}

// BrainConfig covers the brain log and prompt projection.
type BrainConfig struct {
	// Path is the JSONL log; empty means <rho_dir>/brain/brain.jsonl.
	Path string `koanf:"path"`
	// PromptBudget is the projected prompt's token ceiling.
	PromptBudget int `koanf:"prompt_budget" validate:"gt=0"`
	// DecayAfterDays is the minimum age before a learning may decay.
	DecayAfterDays int `koanf:"decay_after_days" validate:"gt=0"`
	// DecayMinScore is the score below which an old learning decays.
	DecayMinScore int `koanf:"decay_min_score" validate:"gt=0"`
}

// RPCConfig covers the session manager and reliability layer.
type RPCConfig struct {
	// Argv is the child command line for agent sessions.
	Argv []string `koanf:"argv"`

	ConnectTimeout time.Duration `koanf:"connect_timeout" validate:"gt=0"`
	IdleTimeout    time.Duration `koanf:"idle_timeout" validate:"gt=0"`
	KillDelay      time.Duration `koanf:"kill_delay" validate:"gt=0"`

	EventBufferSize  int           `koanf:"event_buffer_size" validate:"gt=0"`
	CommandRetention time.Duration `koanf:"command_retention" validate:"gt=0"`
	OrphanGrace      time.Duration `koanf:"orphan_grace" validate:"gt=0"`
	OrphanAbortDelay time.Duration `koanf:"orphan_abort_delay" validate:"gt=0"`
}

// LogConfig covers the logger facade.
type LogConfig struct {
	Level string `koanf:"level" validate:"oneof=debug info warn error disabled"`
	JSON  bool   `koanf:"json"`
}

// BrainPath resolves the brain log path.
func (c *Config) BrainPath() string {
	if c.Brain.Path != "" {
		return c.Brain.Path
	}
	return filepath.Join(c.RhoDir, "brain", "brain.jsonl")
}

// LeasePath resolves the lease file for a named role.
func (c *Config) LeasePath(role string) string {
	return filepath.Join(c.RhoDir, "leases", role+".json")
}

// Default returns the built-in configuration.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		RhoDir: filepath.Join(home, ".rho"),
		Brain: BrainConfig{
			PromptBudget:   2000,
			DecayAfterDays: 90,
			DecayMinScore:  3,
		},
		RPC: RPCConfig{
			ConnectTimeout:   60 * time.Second,
			IdleTimeout:      10 * time.Minute,
			KillDelay:        2 * time.Second,
			EventBufferSize:  800,
			CommandRetention: 5 * time.Minute,
			OrphanGrace:      60 * time.Second,
			OrphanAbortDelay: 5 * time.Second,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load builds the effective configuration: defaults first, then RHO_*
// environment overrides (RHO_BRAIN_PROMPT_BUDGET maps to
// brain.prompt_budget), then validation.
func Load(_ context.Context) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load default config: %w", err)
	}
	envProvider := env.Provider(".", env.Opt{
		Prefix: "RHO_",
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, "RHO_"))
			// RHO_DIR is the one key that does not nest.
			if key == "dir" {
				return "rho_dir", value
			}
			return strings.Replace(key, "_", ".", 1), value
		},
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, unmarshalConf(cfg)); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// unmarshalConf decodes duration knobs through core.ParseHumanDuration, so
// env overrides accept "90s", "10 minutes", or "1 day 2 hours" alike.
func unmarshalConf(result any) koanf.UnmarshalConf {
	return koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           result,
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				stringToHumanDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
				mapstructure.TextUnmarshallerHookFunc(),
			),
		},
	}
}

func stringToHumanDurationHookFunc() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != durationType {
			return data, nil
		}
		return core.ParseHumanDuration(data.(string))
	}
}
