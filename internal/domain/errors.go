package domain

import "errors"

// Sentinel errors for the dispatch error taxonomy. Callers match with
// errors.Is; the API layer maps each class to an HTTP status.
var (
	// Validation errors, rejected synchronously, before any queueing
	// or adapter work.
	ErrNoRecipients       = errors.New("at least one recipient is required")
	ErrInvalidRecipient   = errors.New("invalid recipient email address")
	ErrEmptyBody          = errors.New("html body is required")
	ErrInvalidCredentials = errors.New("invalid credential shape for backend")
	ErrUnsupportedBackend = errors.New("unsupported backend")

	// Not-found errors.
	ErrNotFound = errors.New("not found")

	// State errors.
	ErrAccountNotActive = errors.New("account is not active")
	ErrQuotaExceeded    = errors.New("daily email quota exceeded")
	ErrNotCancellable   = errors.New("only pending items can be cancelled")
	ErrTemplateInactive = errors.New("template is not active")
	ErrMissingVariables = errors.New("missing required template variables")

	// Security errors, dropped outright, never retried.
	ErrBadSignature = errors.New("webhook signature verification failed")
)
