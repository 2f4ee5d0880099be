package models

import (
	"context"
	"errors"
)

// Sentinel errors shared by the store, executor and orchestrator.
var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrConflict           = errors.New("conflict")
	ErrVersionConflict    = errors.New("version conflict")
	ErrUnresolvableTarget = errors.New("unresolvable target")
	ErrSchemaOutdated     = errors.New("schema outdated")
	ErrAlreadyFinalized   = errors.New("action already finalized")
	ErrTurnTimeout        = errors.New("turn timed out")
)

// ErrorCode maps an error to the stable code vocabulary rendered at the boundary.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrVersionConflict):
		return "version_conflict"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrUnresolvableTarget):
		return "unresolvable_target"
	case errors.Is(err, ErrSchemaOutdated):
		return "schema_outdated"
	case errors.Is(err, ErrAlreadyFinalized):
		return "already_finalized"
	case errors.Is(err, ErrTurnTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal"
	}
}
