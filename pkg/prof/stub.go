//go:build !profile

package prof

import (
	"errors"
	"io"
)

// Profiling errors.
var (
	// ErrCPUProfileActive indicates CPU profiling is already active.
	ErrCPUProfileActive = errors.New("cpu profile already active")

	// ErrInvalidProfile indicates an invalid or unsupported profile type.
	ErrInvalidProfile = errors.New("invalid profile")

	// ErrDisabled indicates the binary was built without the "profile" tag.
	ErrDisabled = errors.New(`profiling disabled; rebuild with "-tags profile"`)
)

// Enabled reports whether the binary was built with the "profile" tag.
func Enabled() bool { return false }

// Session is an inert profiling session.
type Session struct{}

// Start returns an inert session for zero opts and ErrDisabled otherwise.
func Start(opts Options) (*Session, error) {
	if !opts.IsZero() {
		return nil, ErrDisabled
	}
	return &Session{}, nil
}

// Addr always returns "".
func (*Session) Addr() string { return "" }

// Stop is a no-op.
func (*Session) Stop() error { return nil }

// Write returns ErrDisabled.
func Write(_ Profile, _ io.Writer, _ int) error {
	return ErrDisabled
}
