package store

import "errors"

var (
	ErrNotFound         = errors.New("store: path not found")
	ErrPermissionDenied = errors.New("store: permission denied")
	ErrNotSupported     = errors.New("store: operation not supported")
	ErrInvalidPath      = errors.New("store: invalid store path")
	ErrInvalidName      = errors.New("store: invalid path name")
	ErrInvalidHash      = errors.New("store: invalid hash")
	ErrInvalidDerived   = errors.New("store: invalid derived path")
	ErrBuildFailed      = errors.New("store: build failed")
	ErrHashMismatch     = errors.New("store: NAR hash mismatch")
)
