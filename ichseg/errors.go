package ichseg

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a failure as caused by the client's input or by the server.
type ErrorKind uint8

const (
	KindInternal ErrorKind = iota
	KindBadRequest
	KindUnauthorized
	KindNotFound
	KindTooLarge
	KindUnsupported
	KindLoad
	KindInvalidVolume
)

var kindNames = map[ErrorKind]string{
	KindInternal:      "internal",
	KindBadRequest:    "bad request",
	KindUnauthorized:  "unauthorized",
	KindNotFound:      "not found",
	KindTooLarge:      "too large",
	KindUnsupported:   "unsupported",
	KindLoad:          "load error",
	KindInvalidVolume: "invalid volume",
}

func (k ErrorKind) String() string {
	if name, found := kindNames[k]; found {
		return name
	}
	return fmt.Sprintf("kind %d", uint8(k))
}

// HTTPStatus returns the status code a web handler should answer with.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindUnsupported:
		return http.StatusUnsupportedMediaType
	case KindLoad, KindInvalidVolume:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// ClientCaused is true for kinds that a client can fix by changing its request.
func (k ErrorKind) ClientCaused() bool {
	return k != KindInternal
}

// Error is an error tagged with an ErrorKind.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError returns an Error of the given kind with a formatted message.  A %w verb in
// the format wraps the argument as with fmt.Errorf.
func NewError(kind ErrorKind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// WrapError tags err with kind.  A nil err returns nil.
func WrapError(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the kind of the outermost Error in err's chain or KindInternal if
// there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind returns true if err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
