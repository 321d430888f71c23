package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind buckets a delivery failure for the worker's retry policy.
type Kind string

const (
	// KindConnectivity: the request never reached a verdict. Retry without
	// an attempt penalty once connectivity returns.
	KindConnectivity Kind = "connectivity"
	// KindAuth: credentials rejected. Fatal to the worker until re-login.
	KindAuth Kind = "auth"
	// KindValidation: the server understood and refused. Penalized retry.
	KindValidation Kind = "validation"
	// KindServer: the server failed. Penalized retry.
	KindServer Kind = "server"
	KindUnknown Kind = "unknown"
)

// Error is a delivery failure that produced no usable result body.
type Error struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.StatusCode > 0:
		return fmt.Sprintf("sync batch %s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("sync batch %s: %v", e.Kind, e.Err)
	case e.StatusCode > 0:
		return fmt.Sprintf("sync batch %s: status %d", e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("sync batch %s", e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the failure kind from any error the client returned.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if err == nil {
		return KindUnknown
	}
	return classifyNetErr(err)
}

func classifyNetErr(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindConnectivity
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindConnectivity
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindConnectivity
	}
	return KindUnknown
}

func classifyStatus(code int) Kind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuth
	case code >= 400 && code < 500:
		return KindValidation
	case code >= 500:
		return KindServer
	}
	return KindUnknown
}
