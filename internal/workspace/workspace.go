// Package workspace provides the lookup collaborator that resolves a
// workspace id to its deployment environment tag.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when a workspace id is unknown
var ErrNotFound = errors.New("workspace not found")

// Workspace identifies a target set of machines and their environment tag
// (e.g. DEV, QA, PRD). The environment is compared case-sensitively by the
// guard.
type Workspace struct {
	ID          string   `yaml:"id" json:"id"`
	Environment string   `yaml:"environment" json:"environment"`
	Hosts       []string `yaml:"hosts,omitempty" json:"hosts,omitempty"`
}

// Lookup resolves workspace ids
type Lookup interface {
	Get(ctx context.Context, id string) (*Workspace, error)
}

// Registry is a static in-memory Lookup
type Registry struct {
	mu         sync.RWMutex
	workspaces map[string]Workspace
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{workspaces: make(map[string]Workspace)}
}

// Add registers or replaces a workspace
func (r *Registry) Add(ws Workspace) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workspaces[ws.ID] = ws
}

// Get implements Lookup
func (r *Registry) Get(_ context.Context, id string) (*Workspace, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ws, ok := r.workspaces[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &ws, nil
}

// LoadFile populates a registry from a YAML list of workspaces
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workspace file: %w", err)
	}

	var entries []Workspace
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse workspace file %s: %w", path, err)
	}

	registry := NewRegistry()
	for _, ws := range entries {
		registry.Add(ws)
	}
	return registry, nil
}
