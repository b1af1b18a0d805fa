package embedding

import (
	"errors"
	"fmt"
)

// Kind classifies embedding failures so callers can report something the
// user can act on.
type Kind int

const (
	KindGeneric Kind = iota
	KindAuth
	KindRateLimit
	KindConnection
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindRateLimit:
		return "rate_limit"
	case KindConnection:
		return "connection"
	default:
		return "generic"
	}
}

// Message is the user-facing description of a failure kind. Generic failures
// have no fixed message.
func (k Kind) Message() string {
	switch k {
	case KindAuth:
		return "OPENAI_API_KEY inválida ou ausente."
	case KindRateLimit:
		return "Rate limit excedido."
	case KindConnection:
		return "Problemas de conexão com a OpenAI."
	default:
		return ""
	}
}

// ErrMissingAPIKey is returned (as a KindAuth error) when no credential is
// configured.
var ErrMissingAPIKey = errors.New("embedding: missing API key")

// Error is an embedding failure tagged with its Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("embedding %s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind carried by err, or KindGeneric if err does not wrap
// an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindGeneric
}

// Describe renders err for end users: the Kind message when classified, the
// error text otherwise.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	if msg := KindOf(err).Message(); msg != "" {
		return msg
	}
	return err.Error()
}

func errUnexpectedCount(want, got int) error {
	return fmt.Errorf("expected %d embeddings, got %d", want, got)
}
