// Package config loads the YAML configuration of the parameter server
// programs and builds the parameters it declares.
package config

import (
	"os"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/showcontroller/oscparam/param"
)

// Parameter types understood in ParameterConfig.Type.
const (
	TypeFloat  = "float"
	TypeBool   = "bool"
	TypeInt    = "int"
	TypeString = "string"
	TypeVec3   = "vec3"
	TypeVec4   = "vec4"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Listeners  []Listener        `yaml:"listeners,omitempty"`
	Parameters []ParameterConfig `yaml:"parameters,omitempty"`
	Presets    PresetConfig      `yaml:"presets"`
	StateSync  StateSyncConfig   `yaml:"statesync"`
	Log        LogConfig         `yaml:"log"`
}

// ServerConfig is where the parameter server listens.
type ServerConfig struct {
	Address          string `yaml:"address"`
	Port             int    `yaml:"port"`
	Prefix           string `yaml:"prefix,omitempty"`
	ReceiveTimeoutMS int    `yaml:"receive_timeout_ms,omitempty"`
}

// Listener is a peer notified of parameter changes
type Listener struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ParameterConfig declares one parameter. Min and Max apply to float and
// int parameters; both zero selects the default range.
type ParameterConfig struct {
	Name    string    `yaml:"name"`
	Group   string    `yaml:"group,omitempty"`
	Type    string    `yaml:"type"`
	Default float32   `yaml:"default,omitempty"`
	Min     float32   `yaml:"min,omitempty"`
	Max     float32   `yaml:"max,omitempty"`
	Text    string    `yaml:"text,omitempty"`   // default of string parameters
	Vector  []float32 `yaml:"vector,omitempty"` // default of vec3/vec4 parameters
	Preset  bool      `yaml:"preset,omitempty"` // include in presets (float and bool only)
	MIDI    *MIDIBind `yaml:"midi,omitempty"`   // float and bool only
}

// MIDIBind maps a control change to a parameter. Channels are 1-16.
type MIDIBind struct {
	Controller int `yaml:"controller"`
	Channel    int `yaml:"channel"`
}

// PresetConfig enables the preset handler when Directory is set.
type PresetConfig struct {
	Directory  string  `yaml:"directory,omitempty"`
	AllowStore bool    `yaml:"allow_store"`
	MorphTimeS float64 `yaml:"morph_time_s,omitempty"`
}

// StateSyncConfig enables state broadcast when Address is set.
type StateSyncConfig struct {
	Address    string `yaml:"address,omitempty"`
	IntervalMS int    `yaml:"interval_ms,omitempty"`
	PacketSize int    `yaml:"packet_size,omitempty"`
}

// LogConfig selects the logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development,omitempty"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address: "0.0.0.0",
			Port:    9010,
		},
		Presets: PresetConfig{
			AllowStore: true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from file. A missing file yields the
// defaults; fields absent from the file keep their default values.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errors.Wrap(err, "failed to read config file")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, path)
	}
	return cfg, nil
}

// SaveConfig saves configuration to file
func SaveConfig(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "failed to write config file")
	}
	return nil
}

func validPort(p int) bool { return p >= 0 && p <= 65535 }

// Validate checks ports, parameter declarations and the log level.
func (c *Config) Validate() error {
	if !validPort(c.Server.Port) {
		return errors.Errorf("server port %d out of range", c.Server.Port)
	}
	for _, l := range c.Listeners {
		if l.Host == "" || !validPort(l.Port) || l.Port == 0 {
			return errors.Errorf("invalid listener %s:%d", l.Host, l.Port)
		}
	}
	seen := make(map[string]bool)
	for i, p := range c.Parameters {
		if p.Name == "" {
			return errors.Errorf("parameter %d has no name", i)
		}
		addr := param.FullAddress(c.Server.Prefix, p.Group, p.Name)
		if seen[addr] {
			return errors.Errorf("duplicate parameter %s", addr)
		}
		seen[addr] = true
		if err := p.validate(); err != nil {
			return errors.Wrap(err, addr)
		}
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log level")
	}
	return nil
}

func (p ParameterConfig) validate() error {
	switch p.Type {
	case TypeFloat, TypeBool, TypeInt, TypeString:
	case TypeVec3, TypeVec4:
		want := 3
		if p.Type == TypeVec4 {
			want = 4
		}
		if len(p.Vector) != 0 && len(p.Vector) != want {
			return errors.Errorf("%s default needs %d components, got %d", p.Type, want, len(p.Vector))
		}
	default:
		return errors.Errorf("unknown parameter type %q", p.Type)
	}
	if (p.Preset || p.MIDI != nil) && p.Type != TypeFloat && p.Type != TypeBool {
		return errors.Errorf("presets and MIDI need a float or bool parameter, got %s", p.Type)
	}
	if p.MIDI != nil {
		if p.MIDI.Controller < 0 || p.MIDI.Controller > 127 {
			return errors.Errorf("MIDI controller %d out of range", p.MIDI.Controller)
		}
		if p.MIDI.Channel < 1 || p.MIDI.Channel > 16 {
			return errors.Errorf("MIDI channel %d out of range", p.MIDI.Channel)
		}
	}
	return nil
}

// ReceiveTimeout returns the server receive timeout, zero for the default.
func (c *Config) ReceiveTimeout() time.Duration {
	return time.Duration(c.Server.ReceiveTimeoutMS) * time.Millisecond
}

// MorphTime returns the preset morph duration.
func (c *Config) MorphTime() time.Duration {
	return time.Duration(c.Presets.MorphTimeS * float64(time.Second))
}

// Interval returns the state broadcast interval, zero for the default.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.StateSync.IntervalMS) * time.Millisecond
}

// NewLogger builds the logger described by Log.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, errors.Wrap(err, "log level")
	}
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// Built holds the parameters built from a Config.
type Built struct {
	// All lists every parameter in declaration order.
	All []param.Routable
	// Presettable lists the float parameters marked for presets.
	Presettable []*param.Float
	// MIDI maps float parameters to their control change.
	MIDI map[*param.Float]MIDIBind
}

// BuildParameters creates the declared parameters under the server prefix.
func (c *Config) BuildParameters() (*Built, error) {
	b := &Built{MIDI: make(map[*param.Float]MIDIBind)}
	prefix := param.WithPrefix(c.Server.Prefix)
	for _, pc := range c.Parameters {
		if err := pc.validate(); err != nil {
			return nil, errors.Wrap(err, pc.Name)
		}
		var r param.Routable
		var f *param.Float
		switch pc.Type {
		case TypeFloat:
			min, max := pc.Min, pc.Max
			if min == 0 && max == 0 {
				min, max = param.DefaultMin, param.DefaultMax
			}
			f = param.NewFloatRange(pc.Name, pc.Group, pc.Default, min, max, prefix)
			r = f
		case TypeBool:
			f = param.NewBool(pc.Name, pc.Group, pc.Default != 0, prefix)
			r = f
		case TypeInt:
			min, max := int32(pc.Min), int32(pc.Max)
			if min == 0 && max == 0 {
				min, max = int32(param.DefaultMin), int32(param.DefaultMax)
			}
			r = param.NewInt(pc.Name, pc.Group, int32(pc.Default), min, max, prefix)
		case TypeString:
			r = param.NewString(pc.Name, pc.Group, pc.Text, prefix)
		case TypeVec3:
			var v mgl32.Vec3
			copy(v[:], pc.Vector)
			r = param.NewVec3(pc.Name, pc.Group, v, prefix)
		case TypeVec4:
			var v mgl32.Vec4
			copy(v[:], pc.Vector)
			r = param.NewVec4(pc.Name, pc.Group, v, prefix)
		}
		b.All = append(b.All, r)
		if f != nil && pc.Preset {
			b.Presettable = append(b.Presettable, f)
		}
		if f != nil && pc.MIDI != nil {
			b.MIDI[f] = *pc.MIDI
		}
	}
	return b, nil
}
