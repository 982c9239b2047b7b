package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrNotCached         = errors.New("file is not cached")
	ErrSourceMissing     = errors.New("source file missing")
	ErrInsufficientSpace = errors.New("insufficient free space")
	ErrNotRunning        = errors.New("manager is not running")
	ErrUpstream          = errors.New("upstream error")
)
