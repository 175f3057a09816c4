package store

import "errors"

var (
	// ErrNotFound is returned when a team, agent, task, or artifact id is unknown.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState is returned when an operation references entities that
	// exist but are not related as required (e.g. agent not in team).
	ErrInvalidState = errors.New("invalid state")
)
