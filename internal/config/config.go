// Package config loads simulation scenarios: the machine to boot and the
// threads to run on it.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/OSPreservProject/oskit-sub005/internal/kerr"
	"github.com/OSPreservProject/oskit-sub005/internal/thread"
	"gopkg.in/yaml.v3"
)

const (
	DefaultCPUs       = 1
	DefaultHZ         = 100
	DefaultQuantum    = 10
	DefaultMaxThreads = 64
	DefaultVectors    = 16
	DefaultMaxTicks   = 10000
	DefaultLogLevel   = "info"

	// MaxVectors is the number of lines on the cascaded interrupt controller.
	MaxVectors = 16
)

// Config is one scenario file.
type Config struct {
	Name     string         `yaml:"name"`
	LogLevel string         `yaml:"logLevel,omitempty"`
	MaxTicks int            `yaml:"maxTicks,omitempty"`
	Machine  MachineConfig  `yaml:"machine"`
	Threads  []ThreadConfig `yaml:"threads,omitempty"`
}

type MachineConfig struct {
	CPUs       int      `yaml:"cpus,omitempty"`
	HZ         int      `yaml:"hz,omitempty"`
	Quantum    int      `yaml:"quantum,omitempty"`
	MaxThreads int      `yaml:"maxThreads,omitempty"`
	Vectors    int      `yaml:"vectors,omitempty"`
	Slack      Duration `yaml:"slack,omitempty"`
}

// ThreadConfig describes one simulated workload thread. Cost is the CPU time
// it burns per period, or in total when it has no period.
type ThreadConfig struct {
	Name     string   `yaml:"name"`
	Policy   string   `yaml:"policy"`
	Priority int      `yaml:"priority,omitempty"`
	Start    Duration `yaml:"start,omitempty"`
	Deadline Duration `yaml:"deadline,omitempty"`
	Period   Duration `yaml:"period,omitempty"`
	Cost     Duration `yaml:"cost,omitempty"`
	Periods  int      `yaml:"periods,omitempty"`
	Detached bool     `yaml:"detached,omitempty"`
}

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Default returns an empty scenario with every default applied.
func Default() Config {
	var c Config
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.Name == "" {
		c.Name = "scenario"
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.MaxTicks == 0 {
		c.MaxTicks = DefaultMaxTicks
	}
	m := &c.Machine
	if m.CPUs == 0 {
		m.CPUs = DefaultCPUs
	}
	if m.HZ == 0 {
		m.HZ = DefaultHZ
	}
	if m.Quantum == 0 {
		m.Quantum = DefaultQuantum
	}
	if m.MaxThreads == 0 {
		m.MaxThreads = DefaultMaxThreads
	}
	if m.Vectors == 0 {
		m.Vectors = DefaultVectors
	}
	for i := range c.Threads {
		t := &c.Threads[i]
		if t.Name == "" {
			t.Name = fmt.Sprintf("thread-%d", i)
		}
		if t.Policy == "" {
			t.Policy = "rr"
		}
		if t.Periods == 0 {
			t.Periods = 1
		}
	}
}

// Validate reports the first setting the machine cannot honour.
func (c *Config) Validate() error {
	m := c.Machine
	switch {
	case m.CPUs < 1:
		return fmt.Errorf("config: cpus %d: %w", m.CPUs, kerr.ErrInvalidArgument)
	case m.HZ < 1:
		return fmt.Errorf("config: hz %d: %w", m.HZ, kerr.ErrInvalidArgument)
	case m.Quantum < 1:
		return fmt.Errorf("config: quantum %d: %w", m.Quantum, kerr.ErrInvalidArgument)
	case m.MaxThreads < 1:
		return fmt.Errorf("config: maxThreads %d: %w", m.MaxThreads, kerr.ErrInvalidArgument)
	case m.Vectors < 1 || m.Vectors > MaxVectors:
		return fmt.Errorf("config: vectors %d outside 1..%d: %w", m.Vectors, MaxVectors, kerr.ErrInvalidArgument)
	case m.Slack < 0:
		return fmt.Errorf("config: negative slack: %w", kerr.ErrInvalidArgument)
	case c.MaxTicks < 1:
		return fmt.Errorf("config: maxTicks %d: %w", c.MaxTicks, kerr.ErrInvalidArgument)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if len(c.Threads) > m.MaxThreads {
		return fmt.Errorf("config: %d threads exceed maxThreads %d: %w", len(c.Threads), m.MaxThreads, kerr.ErrOutOfResources)
	}
	for _, t := range c.Threads {
		if _, err := t.Attr(); err != nil {
			return err
		}
		if t.Cost < 0 || t.Periods < 0 {
			return fmt.Errorf("config: thread %s: negative cost or periods: %w", t.Name, kerr.ErrInvalidArgument)
		}
	}
	return nil
}

// Attr converts the thread description into creation attributes.
func (t ThreadConfig) Attr() (thread.Attr, error) {
	tag, err := thread.ParsePolicy(strings.ToLower(t.Policy))
	if err != nil {
		return thread.Attr{}, fmt.Errorf("config: thread %s: %w", t.Name, err)
	}
	attr := thread.DefaultAttr()
	attr.Name = t.Name
	attr.Detached = t.Detached
	attr.Policy = tag
	attr.Params = thread.Params{
		Priority: t.Priority,
		Start:    t.Start.Duration(),
		Deadline: t.Deadline.Duration(),
		Period:   t.Period.Duration(),
	}
	switch {
	case attr.Start < 0 || attr.Deadline < 0 || attr.Period < 0:
		return thread.Attr{}, fmt.Errorf("config: thread %s: negative time parameter: %w", t.Name, kerr.ErrInvalidArgument)
	case tag != thread.PolicyEDF && (t.Priority < thread.MinPriority || t.Priority > thread.MaxPriority):
		return thread.Attr{}, fmt.Errorf("config: thread %s: priority %d outside %d..%d: %w",
			t.Name, t.Priority, thread.MinPriority, thread.MaxPriority, kerr.ErrInvalidArgument)
	}
	return attr, nil
}

// Level is the configured log level.
func (c *Config) Level() slog.Level {
	l, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return l
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("config: log level %q: %w", s, kerr.ErrInvalidArgument)
	}
	return l, nil
}

// Parse decodes a scenario and applies defaults. It does not validate.
func Parse(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse scenario: %w", err)
	}
	c.normalize()
	return c, nil
}

// Load reads a scenario file, applies defaults and environment overrides, and
// validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read scenario: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return Config{}, err
	}
	c.ApplyEnv()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Write encodes c to path.
func Write(path string, c Config) error {
	c.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create scenario: %w", err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&c); err != nil {
		return fmt.Errorf("encode scenario: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close scenario: %w", err)
	}
	return nil
}
