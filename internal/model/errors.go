package model

import (
	"errors"
	"fmt"
	"strconv"
)

// Kind classifies every failure the control plane reports.
type Kind string

const (
	KindTimeout              Kind = "TIMEOUT"
	KindUnexpectedReplyType  Kind = "UNEXPECTED_REPLY_TYPE"
	KindResourceMissing      Kind = "RESOURCE_MISSING"
	KindPermissionDenied     Kind = "PERMISSION_DENIED"
	KindAlreadyExists        Kind = "ALREADY_EXISTS"
	KindNotFound             Kind = "NOT_FOUND"
	KindConflict             Kind = "CONFLICT"
	KindUnsupportedTransport Kind = "UNSUPPORTED_TRANSPORT"
	KindInternal             Kind = "INTERNAL"
)

// Status codes carried by replies. Zero means success.
const (
	CodeOK                   = 0
	CodeNotFound             = 10001
	CodeAlreadyExists        = 10002
	CodeConflict             = 10003
	CodeTimeout              = 10006
	CodeUnexpected           = 10011
	CodePermissionDenied     = 10018
	CodeUnsupportedTransport = 10019
	CodeResourceMissing      = 10020
	CodeInvalidArgs          = 10021
)

var codeKinds = map[int]Kind{
	CodeNotFound:             KindNotFound,
	CodeAlreadyExists:        KindAlreadyExists,
	CodeConflict:             KindConflict,
	CodeTimeout:              KindTimeout,
	CodeUnexpected:           KindInternal,
	CodePermissionDenied:     KindPermissionDenied,
	CodeUnsupportedTransport: KindUnsupportedTransport,
	CodeResourceMissing:      KindResourceMissing,
}

var kindCodes = map[Kind]int{
	KindNotFound:             CodeNotFound,
	KindAlreadyExists:        CodeAlreadyExists,
	KindConflict:             CodeConflict,
	KindTimeout:              CodeTimeout,
	KindUnexpectedReplyType:  CodeUnexpected,
	KindInternal:             CodeUnexpected,
	KindPermissionDenied:     CodePermissionDenied,
	KindUnsupportedTransport: CodeUnsupportedTransport,
	KindResourceMissing:      CodeResourceMissing,
}

// Error is a classified failure. Code keeps the raw status code the error
// was built from, which matters for codes with no dedicated kind.
type Error struct {
	Kind    Kind
	Code    int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrTimeout)
// works regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrTimeout              = &Error{Kind: KindTimeout, Code: CodeTimeout}
	ErrUnexpectedReplyType  = &Error{Kind: KindUnexpectedReplyType, Code: CodeUnexpected}
	ErrResourceMissing      = &Error{Kind: KindResourceMissing, Code: CodeResourceMissing}
	ErrPermissionDenied     = &Error{Kind: KindPermissionDenied, Code: CodePermissionDenied}
	ErrAlreadyExists        = &Error{Kind: KindAlreadyExists, Code: CodeAlreadyExists}
	ErrNotFound             = &Error{Kind: KindNotFound, Code: CodeNotFound}
	ErrConflict             = &Error{Kind: KindConflict, Code: CodeConflict}
	ErrUnsupportedTransport = &Error{Kind: KindUnsupportedTransport, Code: CodeUnsupportedTransport}
	ErrInternal             = &Error{Kind: KindInternal, Code: CodeUnexpected}
)

// Errorf builds an error of the given kind with the kind's canonical code.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Code:    kindCodes[kind],
		Message: fmt.Sprintf(format, args...),
	}
}

// FromCode translates a reply status code. Codes outside the table become
// INTERNAL and keep the raw code in both Code and the message.
func FromCode(code int, detail string) *Error {
	kind, ok := codeKinds[code]
	if !ok {
		kind = KindInternal
		if detail == "" {
			detail = "unexpected status code " + strconv.Itoa(code)
		} else {
			detail = detail + " (status code " + strconv.Itoa(code) + ")"
		}
	}
	if detail == "" {
		detail = string(kind)
	}
	return &Error{Kind: kind, Code: code, Message: detail}
}

// KindOf returns the kind of err. Errors that are not classified are
// INTERNAL; nil has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the status code a reply should carry for err.
func CodeOf(err error) int {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Code != 0 {
			return e.Code
		}
		if c, ok := kindCodes[e.Kind]; ok {
			return c
		}
	}
	return CodeUnexpected
}

// Fault is the exception-shaped reply a server sends instead of the
// expected reply type.
type Fault struct {
	Code    int    `cbor:"code"`
	Message string `cbor:"message"`
}

func (f *Fault) Error() string {
	return f.Message
}

// Err translates the fault through the status table.
func (f *Fault) Err() *Error {
	return FromCode(f.Code, f.Message)
}

// FaultFrom wraps err so it can travel as a reply.
func FaultFrom(err error) *Fault {
	return &Fault{Code: CodeOf(err), Message: err.Error()}
}
