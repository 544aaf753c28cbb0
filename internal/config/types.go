package config

import (
	"fmt"
	"time"

	"github.com/hostforge/gswarden/internal/resources"
	"github.com/hostforge/gswarden/internal/resgroup"
)

// Duration wraps time.Duration for YAML unmarshalling.
type Duration struct {
	time.Duration
	explicit bool
}

// UnmarshalText parses a textual duration, accepting empty strings.
func (d *Duration) UnmarshalText(text []byte) error {
	d.explicit = true
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

// MarshalText renders the duration using time.Duration formatting.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// IsSet reports whether the duration was explicitly provided or non-zero.
func (d Duration) IsSet() bool {
	return d.explicit || d.Duration != 0
}

// Config mirrors the agent configuration document.
type Config struct {
	Agent        AgentMeta              `yaml:"agent"`
	GroupRoot    string                 `yaml:"groupRoot"`
	GracePeriod  Duration               `yaml:"gracePeriod"`
	OutputBuffer int                    `yaml:"outputBuffer"`
	Metrics      MetricsSpec            `yaml:"metrics"`
	Defaults     LimitSpec              `yaml:"defaults"`
	Servers      map[string]*ServerSpec `yaml:"servers"`
}

// AgentMeta identifies the hosting agent.
type AgentMeta struct {
	Name string `yaml:"name"`
}

// MetricsSpec configures the Prometheus listener.
type MetricsSpec struct {
	Listen string `yaml:"listen"`
}

// LimitSpec holds human-readable resource limits.
type LimitSpec struct {
	CPU         string `yaml:"cpu"`
	Memory      string `yaml:"memory"`
	IOBandwidth string `yaml:"ioBandwidth"`
}

// ServerSpec describes one game server workload.
type ServerSpec struct {
	Command       []string          `yaml:"command"`
	Workdir       string            `yaml:"workdir"`
	Env           map[string]string `yaml:"env"`
	CPU           string            `yaml:"cpu"`
	Memory        string            `yaml:"memory"`
	IOBandwidth   string            `yaml:"ioBandwidth"`
	CaptureOutput *bool             `yaml:"captureOutput"`
}

// DefaultGracePeriod applies when the document does not set one.
const DefaultGracePeriod = 10 * time.Second

// Grace returns the configured grace period or the default.
func (c *Config) Grace() time.Duration {
	if c.GracePeriod.IsSet() {
		return c.GracePeriod.Duration
	}
	return DefaultGracePeriod
}

// Capture reports whether output capture is enabled for the server.
// It defaults to enabled.
func (s *ServerSpec) Capture() bool {
	if s.CaptureOutput == nil {
		return true
	}
	return *s.CaptureOutput
}

// Limits resolves the server's limit strings against the document defaults.
func (s *ServerSpec) Limits(defaults LimitSpec) (resgroup.Limits, error) {
	var limits resgroup.Limits

	cpu := s.CPU
	if cpu == "" {
		cpu = defaults.CPU
	}
	percent, err := resources.ParseCPUPercent(cpu)
	if err != nil {
		return resgroup.Limits{}, fmt.Errorf("cpu: %w", err)
	}
	limits.CPUPercent = percent

	mem := s.Memory
	if mem == "" {
		mem = defaults.Memory
	}
	memBytes, err := resources.ParseMemory(mem)
	if err != nil {
		return resgroup.Limits{}, fmt.Errorf("memory: %w", err)
	}
	limits.MemoryBytes = memBytes

	io := s.IOBandwidth
	if io == "" {
		io = defaults.IOBandwidth
	}
	ioBytes, err := resources.ParseBandwidth(io)
	if err != nil {
		return resgroup.Limits{}, fmt.Errorf("ioBandwidth: %w", err)
	}
	limits.IOBytesPerSec = ioBytes

	return limits, nil
}

// Validate checks the document for problems a start would otherwise surface
// later.
func (c *Config) Validate() error {
	if c.GracePeriod.Duration < 0 {
		return fmt.Errorf("gracePeriod must not be negative")
	}
	if c.OutputBuffer < 0 {
		return fmt.Errorf("outputBuffer must not be negative")
	}
	for name, srv := range c.Servers {
		if srv == nil {
			return fmt.Errorf("server %s: empty definition", name)
		}
		if len(srv.Command) == 0 {
			return fmt.Errorf("server %s: command is required", name)
		}
		if _, err := srv.Limits(c.Defaults); err != nil {
			return fmt.Errorf("server %s: %w", name, err)
		}
	}
	return nil
}
