package errs

import (
	"errors"
	"fmt"
)

// Code identifies a protocol-level error family. The names mirror the wire-level
// labels used across Forsta clients so logs stay comparable between platforms.
type Code string

const (
	Storage             Code = "storage"
	DuplicateMessage    Code = "duplicateMessage"
	InvalidType         Code = "invalidType"
	InvalidKey          Code = "invalidKey"
	InvalidIV           Code = "invalidIV"
	InvalidID           Code = "invalidId"
	InvalidMAC          Code = "invalidMac"
	InvalidHash         Code = "invalidHash"
	InvalidMessage      Code = "invalidMessage"
	InvalidLength       Code = "invalidLength"
	LegacyMessage       Code = "legacyMessage"
	NoSession           Code = "noSession"
	UntrustedIdentity   Code = "untrustedIdentity"
	InvalidSignature    Code = "invalidSignature"
	InvalidProtoBuf     Code = "invalidProtoBuf"
	EncryptionError     Code = "encryptionError"
	DecryptionError     Code = "decryptionError"
	RequestFailure      Code = "requestFailure"
	RequestRejected     Code = "requestRejected"
	MalformedResponse   Code = "malformedResponse"
	Configuration       Code = "configuration"
	TransmissionFailure Code = "transmissionFailure"
	InvalidPayload      Code = "invalidPayload"
	Canceled            Code = "canceled"
	Unknown             Code = "unknown"
)

// Error is the library's error type. Every failure that crosses a package
// boundary is one of these, so callers can switch on Code without caring which
// layer produced it.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	if e.Msg == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match two taxonomy errors by code alone.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Code == e.Code
	}
	return false
}

// New creates a taxonomy error.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Newf creates a taxonomy error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap wraps an underlying error into the taxonomy.
func Wrap(code Code, msg string, err error) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// CodeOf extracts the taxonomy code from any error, or Unknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}

// Rejection carries a non-2xx HTTP response from the relay or directory
// service: the status and the decoded JSON body travel with the error so the
// recovery state machines in the sender can inspect staleDevices/extraDevices.
type Rejection struct {
	Status int
	Body   map[string]interface{}
	Msg    string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: status %d: %s", RequestRejected, r.Status, r.Msg)
}

// Is makes a Rejection match errs.RequestRejected under errors.Is.
func (r *Rejection) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Code == RequestRejected
	}
	return false
}

// Reject builds a Rejection from a response.
func Reject(status int, body map[string]interface{}, msg string) *Rejection {
	return &Rejection{Status: status, Body: body, Msg: msg}
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Status
	}
	return 0
}

// BodyOf returns the decoded response body carried by err, or nil.
func BodyOf(err error) map[string]interface{} {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Body
	}
	return nil
}
