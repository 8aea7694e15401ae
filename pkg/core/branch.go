package core

import (
	"fmt"
	"sort"
)

// AllBranches is the --branch value selecting every configured branch.
const AllBranches = "all"

// BranchTable maps a branch name to the path segment used in push-log URLs.
type BranchTable map[string]string

// DefaultBranches returns the branches tracked out of the box.
func DefaultBranches() BranchTable {
	return BranchTable{
		"mozilla-central": "mozilla-central",
		"mozilla-inbound": "integration/mozilla-inbound",
		"b2g-inbound":     "integration/b2g-inbound",
		"fx-team":         "integration/fx-team",
		"try":             "try",
	}
}

// Names returns the configured branch names in sorted order.
func (t BranchTable) Names() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether branch is configured.
func (t BranchTable) Has(branch string) bool {
	_, ok := t[branch]
	return ok
}

// Path returns the URL path segment for branch.
func (t BranchTable) Path(branch string) (string, error) {
	path, ok := t[branch]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownBranch, branch)
	}
	return path, nil
}

// Resolve expands a --branch argument into the list of branches to ingest.
// "all" selects every configured branch.
func (t BranchTable) Resolve(arg string) ([]string, error) {
	if arg == "" || arg == AllBranches {
		return t.Names(), nil
	}
	if !t.Has(arg) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBranch, arg)
	}
	return []string{arg}, nil
}
