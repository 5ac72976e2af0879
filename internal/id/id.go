// Package id generates prefixed opaque identifiers for conductor entities.
package id

import (
	"strings"

	"github.com/google/uuid"
)

// Entity prefixes. IDs are opaque strings of the form "<prefix>_<hex>".
const (
	PrefixUser       = "user"
	PrefixProject    = "proj"
	PrefixRepo       = "repo"
	PrefixTask       = "task"
	PrefixRun        = "run"
	PrefixGateEval   = "ge"
	PrefixAction     = "oa"
	PrefixOverride   = "ov"
	PrefixWorktree   = "wt"
	PrefixEvent      = "evt"
	PrefixWrite      = "gw"
	PrefixInvocation = "ai"
	PrefixSession    = "sess"
)

// New returns a fresh identifier with the given prefix.
func New(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewRun returns a fresh run ID.
func NewRun() string { return New(PrefixRun) }

// NewEvent returns a fresh event ID.
func NewEvent() string { return New(PrefixEvent) }

// NewWorktree returns a fresh worktree ID.
func NewWorktree() string { return New(PrefixWorktree) }

// NewGateEvaluation returns a fresh gate evaluation ID.
func NewGateEvaluation() string { return New(PrefixGateEval) }

// NewAction returns a fresh operator action ID.
func NewAction() string { return New(PrefixAction) }

// NewOverride returns a fresh override ID.
func NewOverride() string { return New(PrefixOverride) }

// NewWrite returns a fresh github write ID.
func NewWrite() string { return New(PrefixWrite) }

// NewInvocation returns a fresh agent invocation ID.
func NewInvocation() string { return New(PrefixInvocation) }

// HasPrefix reports whether s carries the given entity prefix.
func HasPrefix(s, prefix string) bool {
	return strings.HasPrefix(s, prefix+"_")
}
