package tflib

import "errors"

var (
	ErrQueueFull           = errors.New("waiting download queue is full")
	ErrAutomationNotFound  = errors.New("automation not found")
	ErrAccountUnauthorized = errors.New("account session is not authorized")
	ErrUnsupportedContent  = errors.New("message content type is not supported")
	ErrFileNotFound        = errors.New("file record not found")
	ErrEngineStopped       = errors.New("engine is stopped")
)
