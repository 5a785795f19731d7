// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist within the caller's organization.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking)
// or a duplicate registration.
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates malformed input or an invalid state transition.
var ErrValidation = errors.New("validation failed")

// ErrUnauthorized indicates the caller lacks an organization context or the required role.
var ErrUnauthorized = errors.New("unauthorized")

// ErrCapacity indicates an exhausted resource: no routing candidate,
// budget spent, or the rework limit reached.
var ErrCapacity = errors.New("capacity exhausted")
