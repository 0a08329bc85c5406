package authz

import "errors"

var (
	ErrNotFound            = errors.New("authz: not found")
	ErrDuplicateAssignment = errors.New("authz: duplicate assignment")
	ErrInvalidInput        = errors.New("authz: invalid input")
)
