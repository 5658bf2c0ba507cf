// Package errors provides error handling for OrganicDB.
//
// This package re-exports github.com/cockroachdb/errors so every package wraps
// and inspects errors the same way, and defines the sentinels shared by the
// persistence boundary and the organic schema components.
//
// Usage:
//
//	if err := store.UpdateEntityAttribute(ctx, id, "email", v); err != nil {
//		return errors.Wrapf(err, "write %s", id)
//	}
//
//	if errors.Is(err, errors.ErrConfirmationRequired) {
//		// ask the user first
//	}
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Join         = crdb.Join
)

// User-facing hints and details
var (
	WithHint      = crdb.WithHint
	WithHintf     = crdb.WithHintf
	WithDetail    = crdb.WithDetail
	WithDetailf   = crdb.WithDetailf
	GetAllHints   = crdb.GetAllHints
	FlattenHints  = crdb.FlattenHints
	GetAllDetails = crdb.GetAllDetails
)

// Inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
	Mark      = crdb.Mark
)

// Sentinels. Wrap them to add context; match with errors.Is.
var (
	// ErrNotFound indicates the requested entity, module or pattern does not exist.
	ErrNotFound = New("not found")

	// ErrInvalidInput indicates a caller passed an empty id or malformed argument.
	ErrInvalidInput = New("invalid input")

	// ErrConfirmationRequired is returned when a correction that is not
	// auto-applicable reaches ApplyCorrection without being confirmed.
	ErrConfirmationRequired = New("correction requires explicit confirmation")

	// ErrStoreUnavailable indicates the backing graph store could not be reached.
	ErrStoreUnavailable = New("graph store unavailable")
)
