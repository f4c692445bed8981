// Package config loads firewall settings from rffickle.toml.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/kisielk/rffickle"
)

// EnvUseFirewall overrides Dispatch.UseFirewall when set.
const EnvUseFirewall = "RFFICKLE_USE_FIREWALL"

// Config represents an rffickle.toml file.
type Config struct {
	Limits   Limits   `toml:"limits"`
	Decode   Decode   `toml:"decode"`
	Policy   Policy   `toml:"policy"`
	Dispatch Dispatch `toml:"dispatch"`
}

// Limits bounds the resources one load may use.
type Limits struct {
	MaxStackDepth   int   `toml:"max_stack_depth"`
	MaxNestingDepth int   `toml:"max_nesting_depth"`
	MaxInstructions int   `toml:"max_instructions"`
	MaxInputBytes   int64 `toml:"max_input_bytes"`
}

// Decode selects how loaded values are represented.
type Decode struct {
	PyDict        bool `toml:"py_dict"`
	StrictUnicode bool `toml:"strict_unicode"`
}

// Policy lists the audited symbols to allow, by qualified name.
type Policy struct {
	Allow []string `toml:"allow"`
}

// Dispatch holds the process-wide routing default.
type Dispatch struct {
	UseFirewall bool `toml:"use_firewall"`
}

// Default returns the configuration used without a file: default limits,
// deny-all policy and the firewall on.
func Default() *Config {
	c := &Config{Dispatch: Dispatch{UseFirewall: true}}
	c.applyDefaults()
	return c
}

// Parse decodes TOML data. Keys absent from data keep their defaults.
func Parse(data []byte) (*Config, error) {
	c := Default()
	md, err := toml.Decode(string(data), c)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown key %s", undecoded[0])
	}
	c.applyDefaults()
	return c, nil
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// FromEnv overlays environment settings on c using lookup, normally
// os.LookupEnv.
func (c *Config) FromEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvUseFirewall); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvUseFirewall, err)
		}
		c.Dispatch.UseFirewall = b
	}
	return nil
}

func (c *Config) applyDefaults() {
	d := rffickle.DefaultConfig()
	if c.Limits.MaxStackDepth <= 0 {
		c.Limits.MaxStackDepth = d.MaxStackDepth
	}
	if c.Limits.MaxNestingDepth <= 0 {
		c.Limits.MaxNestingDepth = d.MaxNestingDepth
	}
	if c.Limits.MaxInstructions <= 0 {
		c.Limits.MaxInstructions = d.MaxInstructions
	}
	if c.Limits.MaxInputBytes <= 0 {
		c.Limits.MaxInputBytes = d.MaxInputBytes
	}
}

// BuildPolicy builds the allow-list named by Policy.Allow.
//
// A name outside the audited catalog is an error: the configuration fails
// closed rather than dropping the entry.
func (c *Config) BuildPolicy() (*rffickle.Policy, error) {
	symbols, err := rffickle.SymbolsByName(c.Policy.Allow...)
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	return rffickle.NewPolicy(symbols...)
}

// Firewall returns the firewall settings. Reporter is left for the caller.
func (c *Config) Firewall() *rffickle.Config {
	return &rffickle.Config{
		MaxStackDepth:   c.Limits.MaxStackDepth,
		MaxNestingDepth: c.Limits.MaxNestingDepth,
		MaxInstructions: c.Limits.MaxInstructions,
		MaxInputBytes:   c.Limits.MaxInputBytes,
		PyDict:          c.Decode.PyDict,
		StrictUnicode:   c.Decode.StrictUnicode,
	}
}

// NewFirewall builds the policy and returns a firewall enforcing it.
func (c *Config) NewFirewall(reporter rffickle.Reporter) (*rffickle.Firewall, error) {
	policy, err := c.BuildPolicy()
	if err != nil {
		return nil, err
	}
	fc := c.Firewall()
	fc.Reporter = reporter
	return rffickle.New(policy, fc), nil
}
