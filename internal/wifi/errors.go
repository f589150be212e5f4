package wifi

import (
	"errors"
	"fmt"
)

// ErrRegDomainUnsupported is reported when the requested regulatory domain
// cannot be applied. It is never fatal: the join continues with the device
// default.
var ErrRegDomainUnsupported = errors.New("regulatory domain not supported")

// APError reports a failure while bringing the access point up or down.
// It is fatal to the automatic bring-up path: without a portal the device
// has no way to receive credentials.
type APError struct {
	Step string // bring-up step that failed, e.g. "hostapd", "nat redirect"
	Err  error
}

func (e *APError) Error() string {
	return fmt.Sprintf("access point %s: %v", e.Step, e.Err)
}

func (e *APError) Unwrap() error { return e.Err }

func newAPError(step string, err error) *APError {
	return &APError{Step: step, Err: err}
}

// IsAPError reports whether err is (or wraps) an APError.
func IsAPError(err error) bool {
	var ae *APError
	return errors.As(err, &ae)
}

// JoinKind classifies failed join attempts. All kinds are recoverable: the
// controller falls back to portal mode so the user can retry.
type JoinKind int

const (
	// JoinTimeout: the connectivity poll window elapsed without success.
	JoinTimeout JoinKind = iota
	// JoinAssociationRefused: the client-mode stack would not come up.
	JoinAssociationRefused
	// JoinConfigWriteFailed: the supplicant configuration could not be
	// built or written.
	JoinConfigWriteFailed
)

// String returns the machine-readable classification used by the CLI and
// the control API.
func (k JoinKind) String() string {
	switch k {
	case JoinTimeout:
		return "timeout"
	case JoinAssociationRefused:
		return "association-refused"
	case JoinConfigWriteFailed:
		return "config-write-failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// JoinError reports a failed join attempt.
type JoinError struct {
	Kind JoinKind
	Err  error
}

func (e *JoinError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("join failed: %s", e.Kind)
	}
	return fmt.Sprintf("join failed: %s: %v", e.Kind, e.Err)
}

func (e *JoinError) Unwrap() error { return e.Err }

func newJoinError(kind JoinKind, err error) *JoinError {
	return &JoinError{Kind: kind, Err: err}
}

// JoinKindOf extracts the classification from err. The second return is
// false when err is not a join failure.
func JoinKindOf(err error) (JoinKind, bool) {
	var je *JoinError
	if errors.As(err, &je) {
		return je.Kind, true
	}
	return 0, false
}
