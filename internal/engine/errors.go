package engine

import (
	"errors"

	"raidstore/internal/rebuild"
)

var (
	ErrTooLarge                = errors.New("object too large")
	ErrAlreadyExists           = errors.New("object already exists")
	ErrNotFound                = errors.New("object not found")
	ErrWriteVerificationFailed = errors.New("parity write could not be verified")
	ErrInvalidName             = errors.New("invalid object name")

	// ErrRebuildIncomplete is matched by the *rebuild.Error returned from
	// Engine.Rebuild.
	ErrRebuildIncomplete = rebuild.ErrIncomplete
)
