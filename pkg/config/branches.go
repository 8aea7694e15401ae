package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jdziat/treeherder-ingest/pkg/core"
	"github.com/jdziat/treeherder-ingest/pkg/security"
)

// branchesFile is the on-disk layout of a branch table:
//
//	branches:
//	  mozilla-central: mozilla-central
//	  fx-team: integration/fx-team
type branchesFile struct {
	Branches map[string]string `yaml:"branches"`
}

// LoadBranches reads a branch table from a YAML file. An empty path yields
// the default table.
func LoadBranches(path string) (core.BranchTable, error) {
	if path == "" {
		return core.DefaultBranches(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read branches file: %w", err)
	}
	return ParseBranches(data)
}

// ParseBranches decodes and validates a YAML branch table.
func ParseBranches(data []byte) (core.BranchTable, error) {
	var f branchesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse branches file: %w", err)
	}
	if len(f.Branches) == 0 {
		return nil, fmt.Errorf("parse branches file: no branches defined")
	}

	table := core.BranchTable(f.Branches)
	if err := security.ValidateBranchTable(table); err != nil {
		return nil, err
	}
	return table, nil
}
