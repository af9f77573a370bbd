// Package catalog exposes the declarative test catalog: which test ids exist
// per group and which of them are destructive.
package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TestInfo describes a single test entry in the catalog
type TestInfo struct {
	Description string `yaml:"description,omitempty"`
	Destructive bool   `yaml:"destructive"`
}

// Catalog answers destructiveness lookups for test ids. The second return
// value reports whether the id is known at all.
type Catalog interface {
	Lookup(testGroup, testID string) (TestInfo, bool)
}

// Static is an in-memory catalog: test group -> test id -> info
type Static map[string]map[string]TestInfo

// Lookup implements Catalog
func (c Static) Lookup(testGroup, testID string) (TestInfo, bool) {
	group, ok := c[testGroup]
	if !ok {
		return TestInfo{}, false
	}
	info, ok := group[testID]
	return info, ok
}

// LoadFile reads a YAML catalog file of the form:
//
//	ha:
//	  ha-config:
//	    destructive: false
//	  ha-failover:
//	    destructive: true
func LoadFile(path string) (Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	var c Static
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file %s: %w", path, err)
	}
	return c, nil
}
