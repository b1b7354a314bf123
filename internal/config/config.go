// Package config loads ralph.toml, the per-project settings file holding
// agent definitions. The file is optional: without one, agent identifiers
// from the factory document are used as commands directly.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/AskTinNguyen/ralph-cli-sub009/internal/logging"
)

// ConfigFileName is the settings file searched for from the project root
// upwards.
const ConfigFileName = "ralph.toml"

var logger = logging.New("config")

// AgentSettings describes how to invoke one agent CLI.
type AgentSettings struct {
	// Command is the executable name or path. Defaults to the agent id.
	Command string `toml:"command"`

	// Model is passed to the agent as --model when set.
	Model string `toml:"model"`

	// Args are extra arguments appended to every invocation.
	Args []string `toml:"args"`
}

// Settings is the decoded ralph.toml.
type Settings struct {
	// Agents maps agent identifiers to their invocation settings.
	Agents map[string]AgentSettings `toml:"agents"`
}

// Default returns the settings used when no ralph.toml exists.
func Default() *Settings {
	return &Settings{Agents: map[string]AgentSettings{}}
}

// AgentFor returns the settings for an agent id, defaulting the command to
// the id itself.
func (s *Settings) AgentFor(id string) AgentSettings {
	a := s.Agents[id]
	if a.Command == "" {
		a.Command = id
	}
	return a
}

// Load decodes a ralph.toml file. Unknown keys are logged as warnings, not
// errors, so newer config files keep working with older binaries.
func Load(path string) (*Settings, error) {
	var s Settings
	md, err := toml.DecodeFile(path, &s)
	if err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	for _, key := range md.Undecoded() {
		logger.Warn("unknown config key", "key", key.String(), "file", path)
	}
	if s.Agents == nil {
		s.Agents = map[string]AgentSettings{}
	}
	return &s, nil
}

// Find walks from start upwards looking for ralph.toml, returning the first
// hit or empty when none exists.
func Find(start string) string {
	dir, err := filepath.Abs(start)
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ConfigFileName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// LoadForProject finds and loads the settings for a project root, falling
// back to defaults when no file exists.
func LoadForProject(root string) (*Settings, error) {
	path := Find(root)
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}
