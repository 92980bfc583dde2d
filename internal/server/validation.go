package server

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

const (
	maxNamespaceNameLength = 64
	maxRepoNameLength      = 100
	maxLabelNameLength     = 128
)

// validLabelNamePattern allows alphanumeric characters, dots, underscores,
// and hyphens. Used for folder and tag names, which spec.md leaves
// unconstrained beyond "a label"; reuses the teacher's original name rule.
var validLabelNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ValidateLabelName validates a folder or tag name.
func ValidateLabelName(name string) error {
	if len(name) < 1 {
		return fmt.Errorf("name is required")
	}
	if len(name) > maxLabelNameLength {
		return fmt.Errorf("name exceeds maximum length of %d characters", maxLabelNameLength)
	}
	if !validLabelNamePattern.MatchString(name) {
		return fmt.Errorf("name must start with alphanumeric and contain only alphanumeric, dots, underscores, or hyphens")
	}
	return nil
}

// validNamespaceNamePattern allows alphanumeric characters, hyphens, and
// underscores, but forbids a leading hyphen or underscore.
var validNamespaceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// validRepoNamePattern allows lowercase alphanumeric characters, dots,
// underscores, and hyphens.
var validRepoNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// ValidateNamespaceName validates a namespace name: at most 64 characters,
// alphanumeric plus '-'/'_', and must not start with '-' or '_'.
func ValidateNamespaceName(name string) error {
	if len(name) < 1 {
		return fmt.Errorf("name is required")
	}
	if len(name) > maxNamespaceNameLength {
		return fmt.Errorf("name exceeds maximum length of %d characters", maxNamespaceNameLength)
	}
	if !validNamespaceNamePattern.MatchString(name) {
		return fmt.Errorf("name must start with alphanumeric and contain only alphanumeric, hyphens, or underscores")
	}
	return nil
}

// ValidateRepoName validates a repository name: at most 100 characters,
// lowercase alphanumeric plus '-'/'_'/'.'.
func ValidateRepoName(name string) error {
	if len(name) < 1 {
		return fmt.Errorf("name is required")
	}
	if len(name) > maxRepoNameLength {
		return fmt.Errorf("name exceeds maximum length of %d characters", maxRepoNameLength)
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("name cannot contain '..'")
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("name cannot contain path separators")
	}
	if !validRepoNamePattern.MatchString(name) {
		return fmt.Errorf("name must be lowercase alphanumeric, dots, underscores, or hyphens")
	}
	return nil
}

// SafeRepoPath constructs a safe repository path and validates it stays under dataDir.
func SafeRepoPath(dataDir, namespaceID, repoName string) (string, error) {
	if err := ValidateRepoName(repoName); err != nil {
		return "", fmt.Errorf("invalid repo name: %w", err)
	}

	repoPath := filepath.Join(dataDir, "repos", namespaceID, repoName+".git")

	cleanPath := filepath.Clean(repoPath)
	expectedPrefix := filepath.Clean(filepath.Join(dataDir, "repos"))
	if !strings.HasPrefix(cleanPath, expectedPrefix+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid path: escapes data directory")
	}

	return cleanPath, nil
}

// SafeNamespacePath constructs a safe namespace directory path.
func SafeNamespacePath(dataDir, namespaceID string) (string, error) {
	nsPath := filepath.Join(dataDir, "repos", namespaceID)

	cleanPath := filepath.Clean(nsPath)

	expectedPrefix := filepath.Clean(filepath.Join(dataDir, "repos"))
	if !strings.HasPrefix(cleanPath, expectedPrefix+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid path: escapes data directory")
	}

	return cleanPath, nil
}

// parseLimit parses a limit string and returns a valid limit between 1-100.
// Returns defaultVal if empty, parsing fails, or value is out of range.
func parseLimit(limitStr string, defaultVal int) int {
	if limitStr == "" {
		return defaultVal
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit < 1 || limit > 100 {
		return defaultVal
	}
	return limit
}
