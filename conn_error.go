package transpose

import (
	"errors"
	"fmt"
)

// ConnMetaError exposes which inbound connection a failure came from.
type ConnMetaError interface {
	error
	Unwrap() error
	ConnID() string
	RemoteAddr() string
}

type connTaggedError struct {
	err    error
	id     string
	remote string
}

func newConnTaggedError(err error, id, remote string) error {
	if err == nil {
		return nil
	}
	return &connTaggedError{err: err, id: id, remote: remote}
}

func (e *connTaggedError) Error() string      { return e.err.Error() }
func (e *connTaggedError) Unwrap() error      { return e.err }
func (e *connTaggedError) ConnID() string     { return e.id }
func (e *connTaggedError) RemoteAddr() string { return e.remote }

func (e *connTaggedError) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			_, _ = fmt.Fprintf(s, "conn(id=%s,remote=%s): %+v", e.id, e.remote, e.err)
			return
		}
		fallthrough
	case 's':
		_, _ = fmt.Fprint(s, e.Error())
	case 'q':
		_, _ = fmt.Fprintf(s, "%q", e.Error())
	}
}

// ExtractConnID returns the id of the connection err came from, if present.
func ExtractConnID(err error) (string, bool) {
	var cme ConnMetaError
	if errors.As(err, &cme) {
		return cme.ConnID(), true
	}
	return "", false
}

// ExtractRemoteAddr returns the peer address of the connection err came from, if present.
func ExtractRemoteAddr(err error) (string, bool) {
	var cme ConnMetaError
	if errors.As(err, &cme) {
		return cme.RemoteAddr(), true
	}
	return "", false
}
