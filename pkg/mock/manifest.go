package mock

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest scripts the mock backend: its identity and the sessions it
// starts with. Loaded from YAML for the mock command, built in code by
// tests.
type Manifest struct {
	ServerID   string          `yaml:"server_id"`
	ServerName string          `yaml:"server_name"`
	Project    string          `yaml:"project"`
	Branch     string          `yaml:"branch"`
	Version    string          `yaml:"version"`
	Sessions   []SessionScript `yaml:"sessions"`
}

// SessionScript seeds one session
type SessionScript struct {
	ID          string          `yaml:"id"`
	Name        string          `yaml:"name"`
	Status      string          `yaml:"status"`
	Parent      string          `yaml:"parent"`
	Project     string          `yaml:"project"`
	Branch      string          `yaml:"branch"`
	LongRunning bool            `yaml:"long_running"`
	Messages    []MessageScript `yaml:"messages"`
}

// MessageScript seeds one message
type MessageScript struct {
	Role    string `yaml:"role"`
	Type    string `yaml:"type"`
	Content string `yaml:"content"`
}

// LoadManifest reads a manifest from a YAML file
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	m.applyDefaults()
	return m, nil
}

func (m *Manifest) applyDefaults() {
	if m.ServerID == "" {
		m.ServerID = "mock-1"
	}
	if m.ServerName == "" {
		m.ServerName = "mock backend"
	}
	if m.Version == "" {
		m.Version = "0.0.0-mock"
	}
	for i := range m.Sessions {
		if m.Sessions[i].Status == "" {
			m.Sessions[i].Status = "idle"
		}
		if m.Sessions[i].Name == "" {
			m.Sessions[i].Name = m.Sessions[i].ID
		}
	}
}
