package git

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// BranchPrefix namespaces every branch this service creates.
const BranchPrefix = "conductor/"

// MaxBranchNameLength is the maximum allowed length for branch names.
const MaxBranchNameLength = 256

// ErrInvalidBranchName indicates a branch name failed validation.
var ErrInvalidBranchName = errors.New("invalid branch name")

// branchNamePattern allows alphanumerics, slash, hyphen, underscore, and
// dot, starting with an alphanumeric.
var branchNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9/_.-]*$`)

// RunBranch returns the branch name a run works on. The run id keeps it
// unique; the run number keeps it readable in forge UIs.
func RunBranch(runID string, runNumber int) string {
	return fmt.Sprintf("%sr%d-%s", BranchPrefix, runNumber, runID)
}

// AuthURL builds a clone/fetch URL with an installation token embedded as
// basic auth. The result must never be logged un-redacted.
func AuthURL(owner, name, token string) string {
	return fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", token, owner, name)
}

// ValidateBranchName rejects names git itself refuses plus anything that
// could smuggle flags or path traversal into a git invocation.
func ValidateBranchName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: cannot be empty", ErrInvalidBranchName)
	}
	if len(name) > MaxBranchNameLength {
		return fmt.Errorf("%w: exceeds maximum length of %d characters", ErrInvalidBranchName, MaxBranchNameLength)
	}
	if strings.EqualFold(name, "head") {
		return fmt.Errorf("%w: %q is a reserved name", ErrInvalidBranchName, name)
	}
	if name == "@" || strings.Contains(name, "@{") {
		return fmt.Errorf("%w: cannot use git revision syntax", ErrInvalidBranchName)
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("%w: cannot contain '..'", ErrInvalidBranchName)
	}
	if strings.HasSuffix(name, ".lock") || strings.HasSuffix(name, ".") || strings.HasSuffix(name, "/") {
		return fmt.Errorf("%w: invalid suffix", ErrInvalidBranchName)
	}
	if strings.Contains(name, "//") || strings.Contains(name, "/.") || strings.Contains(name, "./") {
		return fmt.Errorf("%w: path components cannot start or end with '.'", ErrInvalidBranchName)
	}
	if !branchNamePattern.MatchString(name) {
		return fmt.Errorf("%w: contains invalid characters (allowed: a-z, A-Z, 0-9, /, -, _, .)", ErrInvalidBranchName)
	}
	return nil
}
