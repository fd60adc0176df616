package welfarekit

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for welfarekit operations.
var (
	// ErrAuthentication is returned when the caller's identity cannot be established.
	ErrAuthentication = errors.New("welfarekit: authentication required")

	// ErrPermissionDenied is returned when the user does not hold the required permission.
	ErrPermissionDenied = errors.New("welfarekit: permission denied")

	// ErrRateLimited is returned when a permission's rate limit has been exhausted.
	ErrRateLimited = errors.New("welfarekit: rate limited")

	// ErrScopeViolation is returned when the permission is held but the resource lies outside the user's scope.
	ErrScopeViolation = errors.New("welfarekit: resource outside scope")

	// ErrInvalidTransition is returned when a workflow action is not valid for the application's state.
	ErrInvalidTransition = errors.New("welfarekit: invalid transition")

	// ErrConcurrentModification is returned when an application changed between read and commit.
	ErrConcurrentModification = errors.New("welfarekit: concurrent modification")

	// ErrConfiguration is returned when role or permission definitions are inconsistent.
	ErrConfiguration = errors.New("welfarekit: configuration error")

	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("welfarekit: not found")

	// ErrInvalidInput is returned when a request is malformed.
	ErrInvalidInput = errors.New("welfarekit: invalid input")

	// ErrInvalidRole is returned when a role is not defined in the registry.
	ErrInvalidRole = errors.New("welfarekit: invalid role")

	// ErrInvalidPermission is returned when a permission name or pattern is malformed or unknown.
	ErrInvalidPermission = errors.New("welfarekit: invalid permission")

	// ErrCannotAssign is returned when an actor tries to assign a role they're not allowed to.
	ErrCannotAssign = errors.New("welfarekit: cannot assign role")

	// ErrRoleAlreadyAssigned is returned when trying to assign a role the user already holds.
	ErrRoleAlreadyAssigned = errors.New("welfarekit: role already assigned")

	// ErrRoleNotAssigned is returned when trying to remove a role the user doesn't hold.
	ErrRoleNotAssigned = errors.New("welfarekit: role not assigned")

	// ErrNoUserID is returned when user ID is not found in context.
	ErrNoUserID = errors.New("welfarekit: no user ID in context")

	// ErrNoActorID is returned when actor ID is not found in context for audit.
	ErrNoActorID = errors.New("welfarekit: no actor ID in context")

	// ErrDatabaseError is returned when a database operation fails.
	ErrDatabaseError = errors.New("welfarekit: database error")
)

// errDuplicateRequestID signals that an approval entry with the same request id
// was already committed for the application.
var errDuplicateRequestID = errors.New("welfarekit: duplicate request id")

// Error wraps a sentinel error with additional context.
// Messages are meant for the caller and never enumerate other users or regions.
type Error struct {
	Err           error         // Underlying sentinel error
	Message       string        // Additional context
	Role          string        // Role involved (if applicable)
	Permission    string        // Permission involved (if applicable)
	UserID        string        // User involved (if applicable)
	ActorID       string        // Actor who triggered the error (if applicable)
	ApplicationID string        // Application involved (if applicable)
	RetryAfter    time.Duration // Set for rate limited errors
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is checks if the error matches a target error.
func (e *Error) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewError creates a new Error with context.
func NewError(err error, message string) *Error {
	return &Error{
		Err:     err,
		Message: message,
	}
}

// WithRole adds role information to the error.
func (e *Error) WithRole(role string) *Error {
	e.Role = role
	return e
}

// WithPermission adds permission information to the error.
func (e *Error) WithPermission(permission string) *Error {
	e.Permission = permission
	return e
}

// WithUser adds user information to the error.
func (e *Error) WithUser(userID string) *Error {
	e.UserID = userID
	return e
}

// WithActor adds actor information to the error.
func (e *Error) WithActor(actorID string) *Error {
	e.ActorID = actorID
	return e
}

// WithApplication adds application information to the error.
func (e *Error) WithApplication(applicationID string) *Error {
	e.ApplicationID = applicationID
	return e
}

// WithRetryAfter records how long the caller should wait before retrying.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// RetryAfter extracts the retry hint from a rate limited error.
// Returns zero if the error carries none.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// IsAuthentication checks if an error is an authentication error.
func IsAuthentication(err error) bool {
	return errors.Is(err, ErrAuthentication) || errors.Is(err, ErrNoUserID)
}

// IsPermissionDenied checks if an error is an authorization error.
func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}

// IsRateLimited checks if an error is due to an exhausted rate limit.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsScopeViolation checks if an error is due to a resource outside the user's scope.
func IsScopeViolation(err error) bool {
	return errors.Is(err, ErrScopeViolation)
}

// IsInvalidTransition checks if an error is due to an invalid workflow action.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}

// IsConcurrentModification checks if an error is due to a lost optimistic update.
func IsConcurrentModification(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsConfiguration checks if an error is due to inconsistent definitions.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsNotFound checks if an error is due to a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInvalidRole checks if an error is due to an invalid role.
func IsInvalidRole(err error) bool {
	return errors.Is(err, ErrInvalidRole)
}

// IsInvalidInput checks if an error is due to malformed input.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrInvalidPermission) || errors.Is(err, ErrInvalidRole)
}

// IsCannotAssign checks if an error is due to lacking assignment permission.
func IsCannotAssign(err error) bool {
	return errors.Is(err, ErrCannotAssign)
}

// isConflict checks if an error reports a state the request cannot be applied to.
func isConflict(err error) bool {
	return errors.Is(err, ErrRoleAlreadyAssigned) || errors.Is(err, ErrRoleNotAssigned)
}
