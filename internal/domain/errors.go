package domain

import "errors"

var (
	ErrMissingCredentials = errors.New("environment id and api key are required")
	ErrBackendNotStarted  = errors.New("backend not started")
	ErrBackendClosed      = errors.New("backend closed")
)
