package errors

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Code int

const (
	CodeInternal Code = iota
	CodeValidation
	CodeAuth
	CodeAlreadyVoted
	CodeNotVotable
	CodeConflict
	CodeUpload
	CodeNetwork
	CodeNotFound
)

type codeInfo struct {
	name string
	grpc codes.Code
	http int
}

var infos = map[Code]codeInfo{
	CodeInternal:     {"internal", codes.Internal, http.StatusInternalServerError},
	CodeValidation:   {"validation", codes.InvalidArgument, http.StatusBadRequest},
	CodeAuth:         {"auth", codes.Unauthenticated, http.StatusUnauthorized},
	CodeAlreadyVoted: {"already_voted", codes.AlreadyExists, http.StatusConflict},
	CodeNotVotable:   {"not_votable", codes.FailedPrecondition, http.StatusUnprocessableEntity},
	CodeConflict:     {"conflict", codes.Aborted, http.StatusConflict},
	CodeUpload:       {"upload", codes.Unavailable, http.StatusBadGateway},
	CodeNetwork:      {"network", codes.Unavailable, http.StatusBadGateway},
	CodeNotFound:     {"not_found", codes.NotFound, http.StatusNotFound},
}

func (c Code) String() string {
	if i, ok := infos[c]; ok {
		return i.name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

func (c Code) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	err     error
}

func New(code Code, opts ...Option) *Error {
	e := &Error{
		Code:    code,
		Message: code.String(),
	}

	for _, opt := range opts {
		opt.apply(e)
	}

	return e
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.err != nil {
		s += fmt.Sprintf(": %s", e.err)
	}

	return s
}

func (e *Error) Unwrap() error {
	return e.err
}

func (e *Error) GRPCStatus() *status.Status {
	return status.New(infos[e.Code].grpc, e.Message)
}

func (e *Error) HTTPStatusCode() int {
	if i, ok := infos[e.Code]; ok {
		return i.http
	}

	return http.StatusInternalServerError
}

// Convert returns err as *Error. Errors not created by this package become CodeInternal.
func Convert(err error) *Error {
	var e *Error
	if !errors.As(err, &e) {
		return Internal(err)
	}

	return e
}

// Is reports whether any error in err's chain is an *Error with the given code.
func Is(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

func Internal(err error) *Error {
	return New(CodeInternal, WithCause(err))
}

type Option interface {
	apply(*Error)
}

type optionFunc func(*Error)

func (f optionFunc) apply(e *Error) {
	f(e)
}

func WithCause(err error) Option {
	return optionFunc(func(e *Error) {
		e.err = err
	})
}

func WithMessagef(format string, args ...any) Option {
	return optionFunc(func(e *Error) {
		e.Message = fmt.Sprintf(format, args...)
	})
}
