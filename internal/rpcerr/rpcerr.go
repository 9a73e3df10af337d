// Package rpcerr implements the daemon's structured error taxonomy:
// Transient, Configuration, Authorization, Resource-exhaustion, and Fatal
// kinds, each with a small set of stable sentinel names an RPC caller or
// the CLI's --write-error flag can match on. This supersedes the legacy
// internal/agherr free-form Error/Annotate helpers with a typed kind plus a
// stable name, the way the teacher's own code moved from internal/agherr to
// github.com/AdguardTeam/golibs/errors over time.
package rpcerr

import (
	"fmt"

	"github.com/AdguardTeam/golibs/errors"
)

// Kind classifies an error. internal/rpc maps it to an HTTP status and
// IsFatal picks out KindFatal. The worker FSM does not look at it: every
// failed stage is retried with the same backoff whatever its kind, so no
// kind holds a device in FAILED until its configuration changes and no kind
// is exempt from automatic retry.
type Kind int

// Error kinds.
const (
	// KindTransient errors are conditions expected to clear on retry.
	KindTransient Kind = iota
	// KindConfiguration errors mean the declared desired state itself is
	// invalid.
	KindConfiguration
	// KindAuthorization errors mean a credential or secret was rejected.
	KindAuthorization
	// KindResourceExhaustion errors mean a system resource (address pool,
	// socket, fd) was unavailable; surfaced and retried with backoff.
	KindResourceExhaustion
	// KindFatal errors mean the daemon itself cannot continue safely and
	// must exit.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindConfiguration:
		return "configuration"
	case KindAuthorization:
		return "authorization"
	case KindResourceExhaustion:
		return "resource-exhaustion"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Sentinel stable error names, matched by --write-error consumers and by
// RPC clients inspecting a Structured error's Name.
const (
	NameUnresolvableHostname = "UnresolvableHostname"
	NameUnreachableAddress   = "UnreachableAddress"
	NameDeviceUnknown        = "DeviceUnknown"
	NamePolicyInvalid        = "PolicyInvalid"
	NameLeaseUnavailable     = "LeaseUnavailable"
	NameUnauthorized         = "Unauthorized"
)

// Structured is a daemon error carrying a stable name, a kind, and a
// human-readable message, suitable for serialization as the tag-tree error
// document described for the CLI's --write-error flag.
type Structured struct {
	Name    string
	Kind    Kind
	Message string
	cause   error
}

// New creates a Structured error.
func New(name string, kind Kind, message string) *Structured {
	return &Structured{Name: name, Kind: kind, Message: message}
}

// Wrap creates a Structured error annotating cause.
func Wrap(name string, kind Kind, cause error, message string) *Structured {
	return &Structured{Name: name, Kind: kind, Message: message, cause: cause}
}

// Error implements the error interface.
func (e *Structured) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Name, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// Unwrap allows errors.Is/errors.As (and golibs/errors, which is
// interface-compatible with the standard library's) to see through to the
// cause.
func (e *Structured) Unwrap() error {
	return e.cause
}

// DeviceUnknown builds the standard "no such device" error for index or
// name.
func DeviceUnknown(ident string) *Structured {
	return New(NameDeviceUnknown, KindConfiguration, fmt.Sprintf("no such device: %s", ident))
}

// UnresolvableHostname builds the standard DNS-resolution-failed error.
func UnresolvableHostname(host string, cause error) *Structured {
	return Wrap(NameUnresolvableHostname, KindTransient, cause, fmt.Sprintf("could not resolve %s", host))
}

// UnreachableAddress builds the standard route-check-failed error.
func UnreachableAddress(addr string, cause error) *Structured {
	return Wrap(NameUnreachableAddress, KindTransient, cause, fmt.Sprintf("no route to %s", addr))
}

// IsFatal reports whether err is (or wraps) a Structured error of
// KindFatal, the one kind that should terminate the daemon process.
func IsFatal(err error) bool {
	var s *Structured
	if errors.As(err, &s) {
		return s.Kind == KindFatal
	}
	return false
}
