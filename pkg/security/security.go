package security

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/jdziat/treeherder-ingest/pkg/core"
)

// Security limits and configuration
const (
	// MaxBranchNameLength is the maximum length for branch names
	MaxBranchNameLength = 128

	// MaxConcurrency is the hard limit for the worker pool size
	MaxConcurrency = 1000

	// MaxDeltaHours caps the lookback window at the retention horizon (180 days)
	MaxDeltaHours = 180 * 24

	// MaxErrorMessageLength is the maximum length for logged error messages
	MaxErrorMessageLength = 4096

	// MaxResponseSize is the largest remote response body read (64MB)
	MaxResponseSize = 64 << 20
)

// validBranchName matches alphanumeric, hyphens, underscores, and dots
var validBranchName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_\-\.]*$`)

// validRevision matches a short or full hex changeset id
var validRevision = regexp.MustCompile(`^[0-9a-f]{12,40}$`)

// ValidateBranchName validates a branch name
func ValidateBranchName(name string) error {
	if name == "" {
		return core.ErrInvalidBranchName
	}
	if len(name) > MaxBranchNameLength {
		return core.ErrBranchNameTooLong
	}
	if !validBranchName.MatchString(name) {
		return core.ErrInvalidBranchName
	}
	return nil
}

// ValidateBranchPath validates the URL path segment of a branch.
// Paths are relative, slash separated and may not climb out of the host root.
func ValidateBranchPath(path string) error {
	if path == "" || strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") {
		return core.ErrInvalidBranchPath
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "." || seg == ".." || !validBranchName.MatchString(seg) {
			return core.ErrInvalidBranchPath
		}
	}
	return nil
}

// ValidateRevision validates a changeset id
func ValidateRevision(rev string) error {
	if !validRevision.MatchString(rev) {
		return core.ErrInvalidRevision
	}
	return nil
}

// ValidateBranchTable validates every entry of a branch table
func ValidateBranchTable(table core.BranchTable) error {
	for name, path := range table {
		if err := ValidateBranchName(name); err != nil {
			return err
		}
		if err := ValidateBranchPath(path); err != nil {
			return err
		}
	}
	return nil
}

// SanitizeErrorMessage truncates and sanitizes error messages for logging
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	// Remove any null bytes or control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}

	return result
}

// ClampConcurrency ensures the worker count is within limits
func ClampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}

// ClampDeltaHours ensures the lookback window is within limits
func ClampDeltaHours(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxDeltaHours {
		return MaxDeltaHours
	}
	return n
}
