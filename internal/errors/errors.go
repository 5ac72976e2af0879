// Package errors provides structured error types for conductor.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for conductor.
const (
	// Lifecycle errors
	CodeStoreNotReady Code = "STORE_NOT_READY"

	// Run errors
	CodeRunNotFound       Code = "RUN_NOT_FOUND"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeAlreadyTerminal   Code = "ALREADY_TERMINAL"
	CodeGateNotPassed     Code = "GATE_NOT_PASSED"
	CodeActionNotAllowed  Code = "ACTION_NOT_ALLOWED"

	// Entity errors
	CodeProjectNotFound  Code = "PROJECT_NOT_FOUND"
	CodeTaskNotFound     Code = "TASK_NOT_FOUND"
	CodeRepoNotFound     Code = "REPO_NOT_FOUND"
	CodeWorktreeExists   Code = "WORKTREE_EXISTS"
	CodeNoFreePorts      Code = "NO_FREE_PORTS"
	CodeDuplicateEntity  Code = "DUPLICATE_ENTITY"
	CodeEventNotFound    Code = "EVENT_NOT_FOUND"
	CodeWriteNotFound    Code = "GITHUB_WRITE_NOT_FOUND"
	CodeDeliveryNotFound Code = "DELIVERY_NOT_FOUND"

	// Validation errors
	CodeValidation Code = "VALIDATION_FAILED"

	// Auth errors
	CodeNotAuthenticated  Code = "NOT_AUTHENTICATED"
	CodeSignatureInvalid  Code = "SIGNATURE_INVALID"
	CodeStateInvalid      Code = "OAUTH_STATE_INVALID"
	CodeInstallationOwned Code = "INSTALLATION_OWNED"

	// Infrastructure errors
	CodeEnqueueFailed    Code = "ENQUEUE_FAILED"
	CodeQueueUnavailable Code = "QUEUE_UNAVAILABLE"

	// Forge errors
	CodeForgeTransient Code = "FORGE_TRANSIENT"
	CodeForgePermanent Code = "FORGE_PERMANENT"
)

// Category groups error codes for HTTP status mapping.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotFound
	CategoryBadRequest
	CategoryConflict
	CategoryUnauthenticated
	CategoryInternal
	CategoryTimeout
	CategoryUnavailable
)

// codeCategories maps error codes to their categories. Permission denial is
// deliberately absent: resources the caller may not touch report NotFound so
// existence never leaks.
var codeCategories = map[Code]Category{
	CodeStoreNotReady:     CategoryUnavailable,
	CodeRunNotFound:       CategoryNotFound,
	CodeInvalidTransition: CategoryConflict,
	CodeAlreadyTerminal:   CategoryConflict,
	CodeGateNotPassed:     CategoryConflict,
	CodeActionNotAllowed:  CategoryConflict,
	CodeProjectNotFound:   CategoryNotFound,
	CodeTaskNotFound:      CategoryNotFound,
	CodeRepoNotFound:      CategoryNotFound,
	CodeWorktreeExists:    CategoryConflict,
	CodeNoFreePorts:       CategoryConflict,
	CodeDuplicateEntity:   CategoryConflict,
	CodeEventNotFound:     CategoryNotFound,
	CodeWriteNotFound:     CategoryNotFound,
	CodeDeliveryNotFound:  CategoryNotFound,
	CodeValidation:        CategoryBadRequest,
	CodeNotAuthenticated:  CategoryUnauthenticated,
	CodeSignatureInvalid:  CategoryUnauthenticated,
	CodeStateInvalid:      CategoryBadRequest,
	CodeInstallationOwned: CategoryConflict,
	CodeEnqueueFailed:     CategoryInternal,
	CodeQueueUnavailable:  CategoryUnavailable,
	CodeForgeTransient:    CategoryUnavailable,
	CodeForgePermanent:    CategoryBadRequest,
}

// retryableCodes marks codes the queue worker may retry. Everything else is
// treated as permanent by the retry helpers.
var retryableCodes = map[Code]bool{
	CodeForgeTransient:   true,
	CodeQueueUnavailable: true,
	CodeStoreNotReady:    true,
}

// HTTPStatus returns the HTTP status code for a category.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryNotFound:
		return 404
	case CategoryBadRequest:
		return 400
	case CategoryConflict:
		return 409
	case CategoryUnauthenticated:
		return 401
	case CategoryTimeout:
		return 504
	case CategoryUnavailable:
		return 503
	default:
		return 500
	}
}

// ConductorError is the structured error type for conductor.
type ConductorError struct {
	Code    Code   `json:"code"`
	What    string `json:"what"`
	Why     string `json:"why,omitempty"`
	Fix     string `json:"fix,omitempty"`
	DocsURL string `json:"docs_url,omitempty"`
	Cause   error  `json:"-"`
}

// Error implements the error interface.
func (e *ConductorError) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *ConductorError) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly message for CLI output.
func (e *ConductorError) UserMessage() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString("\n\nWhy: ")
		b.WriteString(e.Why)
	}
	if e.Fix != "" {
		b.WriteString("\n\nFix: ")
		b.WriteString(e.Fix)
	}
	if e.DocsURL != "" {
		b.WriteString("\n\nDocs: ")
		b.WriteString(e.DocsURL)
	}
	return b.String()
}

// Category returns the error category for HTTP status mapping.
func (e *ConductorError) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e *ConductorError) HTTPStatus() int {
	return e.Category().HTTPStatus()
}

// MarshalJSON implements json.Marshaler.
func (e *ConductorError) MarshalJSON() ([]byte, error) {
	type alias ConductorError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is a ConductorError with the same code.
func (e *ConductorError) Is(target error) bool {
	t, ok := target.(*ConductorError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *ConductorError) WithCause(err error) *ConductorError {
	return &ConductorError{
		Code:    e.Code,
		What:    e.What,
		Why:     e.Why,
		Fix:     e.Fix,
		DocsURL: e.DocsURL,
		Cause:   err,
	}
}

// Retryable reports whether err should be retried by a queue worker.
// Unstructured errors default to retryable so transient infrastructure
// failures (network, store contention) get another attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if ce := AsConductorError(err); ce != nil {
		return retryableCodes[ce.Code]
	}
	return true
}

// --- Error constructors ---

// ErrStoreNotReady returns an error when the store is used before init or
// after shutdown.
func ErrStoreNotReady() *ConductorError {
	return &ConductorError{
		Code: CodeStoreNotReady,
		What: "store is not ready",
		Why:  "Services were not initialized, or Shutdown has already run",
		Fix:  "Call bootstrap.Init before using the store",
	}
}

// ErrRunNotFound returns an error when a run doesn't exist or is not visible
// to the caller.
func ErrRunNotFound(id string) *ConductorError {
	return &ConductorError{
		Code: CodeRunNotFound,
		What: fmt.Sprintf("run %s not found", id),
		Why:  "No accessible run with this ID exists",
		Fix:  "List runs for the project to find a valid run ID",
	}
}

// ErrProjectNotFound returns an error when a project doesn't exist or is not
// visible to the caller.
func ErrProjectNotFound(id string) *ConductorError {
	return &ConductorError{
		Code: CodeProjectNotFound,
		What: fmt.Sprintf("project %s not found", id),
		Why:  "No accessible project with this ID exists",
	}
}

// ErrTaskNotFound returns an error when a task doesn't exist.
func ErrTaskNotFound(id string) *ConductorError {
	return &ConductorError{
		Code: CodeTaskNotFound,
		What: fmt.Sprintf("task %s not found", id),
		Why:  "No task with this ID exists in the project",
	}
}

// ErrRepoNotFound returns an error when a repo doesn't exist.
func ErrRepoNotFound(id string) *ConductorError {
	return &ConductorError{
		Code: CodeRepoNotFound,
		What: fmt.Sprintf("repo %s not found", id),
		Why:  "No repository with this ID exists in the project",
	}
}

// ErrInvalidTransition returns an error for a phase transition outside the
// allowed set.
func ErrInvalidTransition(runID, from, to string) *ConductorError {
	return &ConductorError{
		Code: CodeInvalidTransition,
		What: fmt.Sprintf("run %s cannot transition from %s to %s", runID, from, to),
		Why:  "The target phase is not reachable from the current phase",
		Fix:  "Check the run's current phase before requesting a transition",
	}
}

// ErrAlreadyTerminal returns an error when mutating a completed or cancelled
// run.
func ErrAlreadyTerminal(runID, phase string) *ConductorError {
	return &ConductorError{
		Code: CodeAlreadyTerminal,
		What: fmt.Sprintf("run %s is already %s", runID, phase),
		Why:  "Terminal runs cannot change phase",
	}
}

// ErrGateNotPassed returns an error when a required gate blocks a transition.
func ErrGateNotPassed(gateID string) *ConductorError {
	return &ConductorError{
		Code: CodeGateNotPassed,
		What: fmt.Sprintf("Gate '%s' is not passed — cannot approve", gateID),
		Why:  "The latest evaluation for this gate is not 'passed'",
		Fix:  "Wait for the gate to pass or resolve its failure first",
	}
}

// ErrActionNotAllowed returns an error when an operator action's phase
// precondition fails.
func ErrActionNotAllowed(action, phase string) *ConductorError {
	return &ConductorError{
		Code: CodeActionNotAllowed,
		What: fmt.Sprintf("action %s is not allowed in phase %s", action, phase),
		Why:  "The run's current phase does not satisfy the action's precondition",
	}
}

// ErrWorktreeExists returns an error when a run already has an active
// worktree.
func ErrWorktreeExists(runID string) *ConductorError {
	return &ConductorError{
		Code: CodeWorktreeExists,
		What: fmt.Sprintf("run %s already has an active worktree", runID),
		Why:  "At most one active worktree may exist per run",
		Fix:  "Clean up the existing worktree before creating a new one",
	}
}

// ErrNoFreePorts returns an error when a project's port range is exhausted.
func ErrNoFreePorts(projectID string) *ConductorError {
	return &ConductorError{
		Code: CodeNoFreePorts,
		What: fmt.Sprintf("no free ports in project %s", projectID),
		Why:  "Every port in the project's configured range is allocated",
		Fix:  "Clean up stale worktrees or widen the project's port range",
	}
}

// ErrValidation returns an error for bad input.
func ErrValidation(field, reason string) *ConductorError {
	return &ConductorError{
		Code: CodeValidation,
		What: fmt.Sprintf("invalid %s", field),
		Why:  reason,
	}
}

// ErrNotAuthenticated returns an error for missing or invalid sessions.
func ErrNotAuthenticated() *ConductorError {
	return &ConductorError{
		Code: CodeNotAuthenticated,
		What: "authentication required",
		Why:  "The request carries no valid session",
		Fix:  "Sign in at /auth/github/login",
	}
}

// ErrSignatureInvalid returns an error for webhook signature failures.
func ErrSignatureInvalid() *ConductorError {
	return &ConductorError{
		Code: CodeSignatureInvalid,
		What: "webhook signature verification failed",
		Why:  "The payload signature does not match the configured secret",
	}
}

// ErrStateInvalid returns an error for a bad signed state parameter.
func ErrStateInvalid(reason string) *ConductorError {
	return &ConductorError{
		Code: CodeStateInvalid,
		What: "signed state is invalid",
		Why:  reason,
		Fix:  "Restart the flow from /auth/github/login",
	}
}

// ErrInstallationOwned returns an error when an installation is already
// bound to another user's project.
func ErrInstallationOwned() *ConductorError {
	return &ConductorError{
		Code: CodeInstallationOwned,
		What: "installation already belongs to another account",
		Why:  "This GitHub App installation is bound to an existing project",
	}
}

// ErrEnqueueFailed returns an error when a job could not be enqueued.
func ErrEnqueueFailed(queue string) *ConductorError {
	return &ConductorError{
		Code: CodeEnqueueFailed,
		What: fmt.Sprintf("failed to enqueue %s job", queue),
		Why:  "The queue rejected the job",
		Fix:  "Check Redis connectivity and retry",
	}
}

// ErrForgeTransient returns a retryable error for transient forge failures.
func ErrForgeTransient(op string, cause error) *ConductorError {
	return &ConductorError{
		Code:  CodeForgeTransient,
		What:  fmt.Sprintf("github %s failed transiently", op),
		Why:   "Network failure, rate limit, or 5xx from GitHub",
		Cause: cause,
	}
}

// ErrForgePermanent returns a non-retryable error for rejected forge writes.
func ErrForgePermanent(op string, status int, cause error) *ConductorError {
	return &ConductorError{
		Code:  CodeForgePermanent,
		What:  fmt.Sprintf("github %s rejected with status %d", op, status),
		Why:   "GitHub rejected a well-formed request; retrying will not help",
		Cause: cause,
	}
}

// AsConductorError attempts to convert an error to a ConductorError.
// Returns nil if the error is not a ConductorError.
func AsConductorError(err error) *ConductorError {
	var ce *ConductorError
	if As(err, &ce) {
		return ce
	}
	return nil
}

// As is a convenience wrapper for errors.As.
func As(err error, target any) bool {
	return asError(err, target)
}

// asError implements errors.As behavior.
func asError(err error, target any) bool {
	if err == nil {
		return false
	}
	if ce, ok := err.(*ConductorError); ok {
		if t, ok := target.(**ConductorError); ok {
			*t = ce
			return true
		}
	}
	// Check unwrapped error
	if unwrapper, ok := err.(interface{ Unwrap() error }); ok {
		return asError(unwrapper.Unwrap(), target)
	}
	return false
}

// Wrap wraps a generic error into a ConductorError with unknown code.
func Wrap(err error, what string) *ConductorError {
	return &ConductorError{
		Code:  Code("UNKNOWN"),
		What:  what,
		Cause: err,
	}
}
