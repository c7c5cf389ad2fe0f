package faceindex

import (
	"errors"
	"fmt"
)

var (
	// ErrScopeNotSet is returned when an operation names an empty tenant or collection.
	ErrScopeNotSet = errors.New("scope not set")
	// ErrInvalidScope is returned for tenant or collection ids that are not safe path segments.
	ErrInvalidScope = errors.New("invalid scope component")
	// ErrCorruption marks a partition that could not be decoded.
	ErrCorruption = errors.New("index partition corrupted")
	// ErrDimensionMismatch is returned when a vector does not match the partition dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrEmptyVector is returned for zero-length or zero-norm vectors.
	ErrEmptyVector = errors.New("empty vector")
)

// CorruptionError reports which scope failed to load.
type CorruptionError struct {
	Scope Scope
	Err   error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("index partition %s corrupted: %v", e.Scope, e.Err)
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorruption
}
