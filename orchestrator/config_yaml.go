package orchestrator

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/codex-bridge/codexrpc/transport"
)

// YAMLConfig is the statically expressible subset of Config: approval
// callbacks, tool executors, the file writer, and telemetry backends are
// Go values with no YAML representation and must be set on the Config
// LoadConfig returns before it is passed to New.
type YAMLConfig struct {
	DefaultModel string `yaml:"default_model"`
	ClientInfo   struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
		Title   string `yaml:"title"`
	} `yaml:"client_info"`
	ExperimentalAPIEnabled bool   `yaml:"experimental_api_enabled"`
	TransportVariant       string `yaml:"transport_variant"`
	Stdio                  struct {
		Command string   `yaml:"command"`
		Args    []string `yaml:"args"`
		Dir     string   `yaml:"dir"`
	} `yaml:"stdio"`
	WebSocket struct {
		URL string `yaml:"url"`
	} `yaml:"websocket"`
	ThreadDefaults struct {
		Cwd            string `yaml:"cwd"`
		ApprovalPolicy string `yaml:"approval_policy"`
		Sandbox        string `yaml:"sandbox"`
	} `yaml:"thread_defaults"`
	TurnDefaults struct {
		Cwd            string `yaml:"cwd"`
		ApprovalPolicy string `yaml:"approval_policy"`
		SandboxPolicy  string `yaml:"sandbox_policy"`
		Model          string `yaml:"model"`
		Effort         string `yaml:"effort"`
		Summary        string `yaml:"summary"`
	} `yaml:"turn_defaults"`
	Compaction struct {
		ShouldCompactOnResume bool `yaml:"should_compact_on_resume"`
		Strict                bool `yaml:"strict"`
	} `yaml:"compaction"`
	ToolTimeout      string `yaml:"tool_timeout"`
	InterruptTimeout string `yaml:"interrupt_timeout"`
	Debug            struct {
		LogPackets   bool `yaml:"log_packets"`
		LogToolCalls bool `yaml:"log_tool_calls"`
	} `yaml:"debug"`
	Persistent *struct {
		Scope       string `yaml:"scope"`
		Key         string `yaml:"key"`
		PoolSize    int    `yaml:"pool_size"`
		IdleTimeout string `yaml:"idle_timeout"`
		NoWait      bool   `yaml:"no_wait"`
	} `yaml:"persistent"`
	EmitPlanUpdates bool `yaml:"emit_plan_updates"`
}

// LoadConfig reads and parses a YAML document at path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("orchestrator: read config: %w", err)
	}
	var y YAMLConfig
	if err := yaml.Unmarshal(data, &y); err != nil {
		return Config{}, fmt.Errorf("orchestrator: parse config: %w", err)
	}
	return y.toConfig()
}

func (y YAMLConfig) toConfig() (Config, error) {
	cfg := Config{
		DefaultModel:           y.DefaultModel,
		ClientInfo:             ClientInfo{Name: y.ClientInfo.Name, Version: y.ClientInfo.Version, Title: y.ClientInfo.Title},
		ExperimentalAPIEnabled: y.ExperimentalAPIEnabled,
		TransportVariant:       TransportVariant(y.TransportVariant),
		StdioSettings:          transport.StdioOptions{Command: y.Stdio.Command, Args: y.Stdio.Args, Dir: y.Stdio.Dir},
		WebSocketSettings:      transport.WebSocketOptions{URL: y.WebSocket.URL},
		ThreadDefaults: ThreadDefaults{
			Cwd: y.ThreadDefaults.Cwd, ApprovalPolicy: y.ThreadDefaults.ApprovalPolicy, Sandbox: y.ThreadDefaults.Sandbox,
		},
		TurnDefaults: TurnDefaults{
			Cwd: y.TurnDefaults.Cwd, ApprovalPolicy: y.TurnDefaults.ApprovalPolicy, SandboxPolicy: y.TurnDefaults.SandboxPolicy,
			Model: y.TurnDefaults.Model, Effort: y.TurnDefaults.Effort, Summary: y.TurnDefaults.Summary,
		},
		Compaction:      CompactionConfig{ShouldCompactOnResume: y.Compaction.ShouldCompactOnResume, Strict: y.Compaction.Strict},
		Debug:           DebugConfig{LogPackets: y.Debug.LogPackets, LogToolCalls: y.Debug.LogToolCalls},
		EmitPlanUpdates: y.EmitPlanUpdates,
	}

	var err error
	if cfg.ToolTimeout, err = parseDuration(y.ToolTimeout); err != nil {
		return Config{}, err
	}
	if cfg.InterruptTimeout, err = parseDuration(y.InterruptTimeout); err != nil {
		return Config{}, err
	}
	if y.Persistent != nil {
		idle, err := parseDuration(y.Persistent.IdleTimeout)
		if err != nil {
			return Config{}, err
		}
		cfg.Persistent = &PersistentConfig{
			Scope: PersistentScope(y.Persistent.Scope), Key: y.Persistent.Key,
			PoolSize: y.Persistent.PoolSize, IdleTimeout: idle,
			NoWait: y.Persistent.NoWait,
		}
	}
	return cfg, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("orchestrator: parse duration %q: %w", s, err)
	}
	return d, nil
}
