// Package config loads daemon and provider configuration with koanf.
//
// Sources are applied in order, later ones overriding earlier ones:
//
//  1. the embedded defaults for the configuration type
//  2. the file named by VFS_CONFIG_PATH (.yaml, .yml or .json)
//  3. a JSON document in VFS_CONFIG_JSON
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog/log"
)

const (
	PathEnv = "VFS_CONFIG_PATH"
	JSONEnv = "VFS_CONFIG_JSON"
)

//go:embed daemon.default.yaml
var daemonDefaults []byte

//go:embed provider.default.yaml
var providerDefaults []byte

// Manager holds the merged configuration for T.
type Manager[T any] struct {
	kf *koanf.Koanf
}

// NewManager loads defaults and then the environment-selected sources.
func NewManager[T any](defaults []byte) (*Manager[T], error) {
	m := &Manager[T]{kf: koanf.New(".")}

	if err := m.Load(YAMLFormat, rawbytes.Provider(defaults)); err != nil {
		return nil, fmt.Errorf("failed to load default config: %w", err)
	}

	if p := os.Getenv(PathEnv); p != "" {
		if err := m.Load(Format(filepath.Ext(p)), file.Provider(p)); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", p, err)
		}
	}

	if raw := os.Getenv(JSONEnv); raw != "" {
		if err := m.Load(JSONFormat, rawbytes.Provider([]byte(raw))); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", JSONEnv, err)
		}
	}

	if m.kf.Bool("debugMode") {
		log.Info().Str("config", m.Print()).Msg("debug mode enabled. current configuration")
	}
	return m, nil
}

// NewDaemonManager returns a Manager seeded with the daemon defaults.
func NewDaemonManager() (*Manager[DaemonConfig], error) {
	return NewManager[DaemonConfig](daemonDefaults)
}

// NewProviderManager returns a Manager seeded with the provider defaults.
func NewProviderManager() (*Manager[ProviderConfig], error) {
	return NewManager[ProviderConfig](providerDefaults)
}

// Print returns the merged configuration, one key per line.
func (m *Manager[T]) Print() string {
	return m.kf.Sprint()
}

// Config unmarshals the merged configuration.
func (m *Manager[T]) Config() (T, error) {
	var c T
	err := m.kf.UnmarshalWithConf("", &c, koanf.UnmarshalConf{Tag: "key"})
	if err != nil {
		return c, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return c, nil
}

// Load merges one more source.
func (m *Manager[T]) Load(format Format, provider koanf.Provider) error {
	parser, err := parserFor(format)
	if err != nil {
		return err
	}
	return m.kf.Load(provider, parser)
}

type Format string

const (
	JSONFormat Format = ".json"
	YAMLFormat Format = ".yaml"
	YMLFormat  Format = ".yml"
)

func parserFor(format Format) (koanf.Parser, error) {
	switch format {
	case JSONFormat:
		return json.Parser(), nil
	case YAMLFormat, YMLFormat:
		return yaml.Parser(), nil
	}
	return nil, errors.New("no parser for config format " + string(format))
}
