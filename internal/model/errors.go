package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrorInfo holds structured failure information for an Item.
type ErrorInfo struct {
	FailedStep string `json:"failed_step"`
	Message    string `json:"message"`
	Kind       string `json:"kind,omitempty"`
	Retryable  bool   `json:"retryable"`
	FailedAt   string `json:"failed_at"`
}

// ToJSON serializes ErrorInfo to a JSON string.
func (e ErrorInfo) ToJSON() string {
	b, _ := json.Marshal(e)
	return string(b)
}

// ErrorKind classifies failures across the pipeline.
type ErrorKind string

const (
	KindNetwork     ErrorKind = "network"
	KindClient      ErrorKind = "client"
	KindServer      ErrorKind = "server"
	KindRateLimited ErrorKind = "rate_limited"
	KindProtocol    ErrorKind = "protocol"
	KindExtraction  ErrorKind = "extraction"
	KindStorage     ErrorKind = "storage"
)

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind       ErrorKind
	Op         string
	URL        string
	StatusCode int
	Message    string
	Err        error

	timeout bool
}

func (e *Error) Error() string {
	msg := string(e.Kind) + " error"
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.URL != "" {
		msg += " for " + e.URL
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same call may succeed if repeated.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindServer, KindRateLimited:
		return true
	}
	return false
}

// Timeout reports whether the failure was a deadline or client timeout.
func (e *Error) Timeout() bool {
	return e.timeout
}

// NewError builds a classified error.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// NetworkError wraps a transport failure, marking timeouts.
func NetworkError(op, url string, err error, timeout bool) *Error {
	return &Error{Kind: KindNetwork, Op: op, URL: url, Err: err, timeout: timeout}
}

// StatusError classifies a non-2xx HTTP response.
func StatusError(op, url string, code int) *Error {
	return &Error{Kind: KindForStatus(code), Op: op, URL: url, StatusCode: code}
}

// KindForStatus maps an HTTP status code to an ErrorKind.
func KindForStatus(code int) ErrorKind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code >= 500:
		return KindServer
	default:
		return KindClient
	}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err is a retryable classified error.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}

// IsStorage reports whether err is fatal to the run.
func IsStorage(err error) bool {
	return KindOf(err) == KindStorage
}

// NewErrorInfo builds the stored failure record for an item.
func NewErrorInfo(step string, err error) ErrorInfo {
	info := ErrorInfo{
		FailedStep: step,
		Message:    err.Error(),
		Kind:       string(KindOf(err)),
		Retryable:  true,
		FailedAt:   Now(),
	}
	return info
}
