package app

import (
	"errors"

	"memome/pkg/pipeline"
)

var (
	ErrBlankContent        = errors.New("blank message")
	ErrInsufficientOptions = errors.New("add at least two options to the poll")
	ErrNotFound            = errors.New("not found")
	ErrUserNotFound        = errors.New("user not found")
	ErrAccountNotFound     = errors.New("account does not exist")
	ErrAccountDisabled     = errors.New("account has been disabled by user")
	ErrInvalidEmail        = errors.New("invalid email")
	ErrOTPCooldown         = errors.New("a code was sent recently, try again later")
	ErrOTPInvalid          = errors.New("verification code is invalid or expired")
)

func invalid(err error) error {
	return &pipeline.ValidationError{Err: err}
}
