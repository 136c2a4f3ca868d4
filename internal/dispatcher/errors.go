package dispatcher

import "errors"

var (
	ErrStopped        = errors.New("dispatcher stopped")
	ErrQueueFull      = errors.New("dispatcher queue full")
	ErrAlreadyRunning = errors.New("source is already running")
	ErrNotRunning     = errors.New("source is not running")
	ErrNotConfigured  = errors.New("source has no configured scraper")
)
