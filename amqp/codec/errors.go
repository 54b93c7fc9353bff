// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"errors"
	"fmt"
)

// AMQP reply codes.
const (
	ReplySuccess       = 200
	ContentTooLarge    = 311
	NoRoute            = 312
	NoConsumers        = 313
	ConnectionForced   = 320
	InvalidPath        = 402
	AccessRefused      = 403
	NotFound           = 404
	ResourceLocked     = 405
	PreconditionFailed = 406
	FrameError         = 501
	SyntaxError        = 502
	CommandInvalid     = 503
	ChannelError       = 504
	UnexpectedFrame    = 505
	ResourceError      = 506
	NotAllowed         = 530
	NotImplemented     = 540
	InternalError      = 541
)

// ErrFrameDecoding is wrapped by every error produced while decoding wire data.
var ErrFrameDecoding = errors.New("frame decoding failed")

// Error represents an AMQP error carrying a reply code.
type Error struct {
	Code     int
	Message  string
	Err      error
	ClassID  uint16
	MethodID uint16
}

// NewErr creates a new AMQP error.
func NewErr(code int, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// decodeErr builds a decoding error that matches ErrFrameDecoding.
func decodeErr(code int, format string, args ...any) *Error {
	return NewErr(code, fmt.Sprintf(format, args...), ErrFrameDecoding)
}

// Error returns the string representation of the error.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("amqp: %d: %s: %s", e.Code, e.Message, e.Err.Error())
	}
	return fmt.Sprintf("amqp: %d: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithMethod records the method that caused the error.
func (e *Error) WithMethod(classID, methodID uint16) *Error {
	e.ClassID = classID
	e.MethodID = methodID
	return e
}

// Hard reports whether the reply code requires closing the whole connection.
// Soft errors only close the channel.
func (e *Error) Hard() bool {
	switch e.Code {
	case ContentTooLarge, NoRoute, NoConsumers, AccessRefused, NotFound, ResourceLocked, PreconditionFailed:
		return false
	}
	return true
}

// AsError extracts an *Error from err, wrapping unknown errors as INTERNAL_ERROR.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewErr(InternalError, "internal error", err)
}
