package fault

import (
	"context"
	"errors"
	"net/http"
)

// Kind 错误分类，决定返回给客户端的 code 与是否触发补偿。
type Kind string

const (
	ProtocolError      Kind = "protocol_error"
	AuthError          Kind = "auth_error"
	AuthorizationError Kind = "authorization_error"
	InsufficientCredit Kind = "insufficient_credit"
	LedgerUnavailable  Kind = "ledger_unavailable"
	UpstreamFailure    Kind = "upstream_failure"
	InternalError      Kind = "internal_error"
)

// GenericMessage is the only text an InternalError ever exposes.
const GenericMessage = "service exception, please retry later"

// Fault 携带客户端可见的 code/message，底层错误只用于服务端日志。
type Fault struct {
	Kind    Kind
	Code    int
	Message string
	Err     error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return string(f.Kind) + ": " + f.Message + ": " + f.Err.Error()
	}
	return string(f.Kind) + ": " + f.Message
}

func (f *Fault) Unwrap() error { return f.Err }

// New builds a fault with the default code for its kind.
func New(kind Kind, message string, err error) *Fault {
	return &Fault{Kind: kind, Code: codeFor(kind), Message: message, Err: err}
}

func Protocol(message string) *Fault {
	return New(ProtocolError, message, nil)
}

func Auth(message string, err error) *Fault {
	return New(AuthError, message, err)
}

func Unauthorized() *Fault {
	return New(AuthorizationError, "authentication required", nil)
}

func NoCredit(err error) *Fault {
	return New(InsufficientCredit, "insufficient credit", err)
}

func Ledger(err error) *Fault {
	return New(LedgerUnavailable, "billing service unavailable", err)
}

// Upstream marks a failed external step. Timeouts get 504 instead of 502.
func Upstream(message string, err error) *Fault {
	f := New(UpstreamFailure, message, err)
	if errors.Is(err, context.DeadlineExceeded) {
		f.Code = http.StatusGatewayTimeout
	}
	return f
}

func Internal(err error) *Fault {
	return New(InternalError, GenericMessage, err)
}

// From classifies any error; anything that is not already a Fault is internal.
func From(err error) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return Internal(err)
}

// Is reports whether err carries a fault of the given kind.
func Is(err error, kind Kind) bool {
	var f *Fault
	return errors.As(err, &f) && f.Kind == kind
}

func codeFor(kind Kind) int {
	switch kind {
	case ProtocolError:
		return http.StatusBadRequest
	case AuthError:
		return http.StatusUnauthorized
	case AuthorizationError:
		return http.StatusForbidden
	case InsufficientCredit:
		return http.StatusPaymentRequired
	case LedgerUnavailable:
		return http.StatusServiceUnavailable
	case UpstreamFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
