package config

import (
	"errors"
)

// Sentinel errors callers can match with errors.Is.
var (
	// ErrInvalidConfig wraps every validation failure.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrLoadConfig wraps file and environment loading failures.
	ErrLoadConfig = errors.New("load config failed")
)
