package apperror

import (
	"errors"
	"fmt"
)

// Kind classifies an error for HTTP mapping and logging.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindUnauthorized
	KindRateLimited
	KindConfiguration
	KindUpstream
)

type AppError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NewValidation(message string) error {
	return &AppError{Kind: KindValidation, Message: message}
}

func NewNotFound(message string) error {
	return &AppError{Kind: KindNotFound, Message: message}
}

func NewUnauthorized(message string) error {
	return &AppError{Kind: KindUnauthorized, Message: message}
}

func NewRateLimited(message string) error {
	return &AppError{Kind: KindRateLimited, Message: message}
}

func NewConfiguration(message string) error {
	return &AppError{Kind: KindConfiguration, Message: message}
}

func NewUpstream(message string, err error) error {
	return &AppError{Kind: KindUpstream, Message: message, Err: err}
}

// KindOf returns the classification of err, or KindUnknown for plain errors.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindUnknown
}
