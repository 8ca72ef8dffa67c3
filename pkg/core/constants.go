package core

import "errors"

// Epsilon is the tolerance used when comparing feed-reported volumes to zero
const Epsilon = 1e-10

// Errors
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
)
