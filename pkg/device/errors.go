package device

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies stream failures.
type ErrorKind string

const (
	KindConflict        ErrorKind = "only one subscriber authorized"
	KindNotConnected    ErrorKind = "not connected"
	KindOperationFailed ErrorKind = "operation failed"
	KindDisconnected    ErrorKind = "disconnected"
	KindActivated       ErrorKind = "stream already activated"
	KindUnsupported     ErrorKind = "unsupported"
)

// Operation names carried by errors. Conflicts on OpScan and OpAdvertise have
// their own sentinels.
const (
	OpState                    = "state"
	OpScan                     = "scan"
	OpConnect                  = "connect"
	OpDiscoverServices         = "discover services"
	OpDiscoverIncludedServices = "discover included services"
	OpDiscoverCharacteristics  = "discover characteristics"
	OpDiscoverDescriptors      = "discover descriptors"
	OpRead                     = "read"
	OpWrite                    = "write"
	OpSetNotify                = "set notify"
	OpReadRSSI                 = "read rssi"
	OpOpenL2CAP                = "open l2cap channel"
	OpAdvertise                = "advertise"
	OpAddService               = "add service"
	OpUpdateValue              = "update value"
	OpPublishL2CAP             = "publish l2cap channel"
)

// Error is the failure delivered to stream sinks.
type Error struct {
	Kind   ErrorKind
	Op     string
	Owner  OwnerID
	Target string
	Err    error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}

	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	switch {
	case e.Owner != "" && e.Target != "":
		fmt.Fprintf(&b, " (%s %s)", e.Owner, e.Target)
	case e.Owner != "":
		fmt.Fprintf(&b, " (%s)", e.Owner)
	case e.Target != "":
		fmt.Fprintf(&b, " (%s)", e.Target)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches by Kind, and by Op when the target names one.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	return t.Op == "" || t.Op == e.Op
}

// Predefined sentinel errors, compare with errors.Is
var (
	ErrConflict              = &Error{Kind: KindConflict}
	ErrNotConnected          = &Error{Kind: KindNotConnected}
	ErrOperationFailed       = &Error{Kind: KindOperationFailed}
	ErrDisconnected          = &Error{Kind: KindDisconnected}
	ErrAlreadyActivated      = &Error{Kind: KindActivated}
	ErrUnsupported           = &Error{Kind: KindUnsupported}
	ErrScanInProgress        = &Error{Kind: KindConflict, Op: OpScan}
	ErrAdvertisingInProgress = &Error{Kind: KindConflict, Op: OpAdvertise}

	ErrSizeMismatch  = &SizeMismatchError{}
	ErrManagerState  = &StateError{}
	ErrTimeout       = errors.New("timeout")
	ErrUnknownTarget = errors.New("unknown attribute")
)

// NewConflictError reports an occupied subscription slot.
func NewConflictError(op string, owner OwnerID, target string) error {
	return &Error{Kind: KindConflict, Op: op, Owner: owner, Target: target}
}

// NewNotConnectedError reports a request against an owner without a link.
func NewNotConnectedError(op string, owner OwnerID) error {
	return &Error{Kind: KindNotConnected, Op: op, Owner: owner}
}

// NewOperationError wraps a failure reported by the capability.
func NewOperationError(op string, owner OwnerID, target string, cause error) error {
	return &Error{Kind: KindOperationFailed, Op: op, Owner: owner, Target: target, Err: cause}
}

// NewDisconnectedError reports owner teardown. cause may be nil.
func NewDisconnectedError(owner OwnerID, cause error) error {
	return &Error{Kind: KindDisconnected, Owner: owner, Err: cause}
}

// SizeMismatchError reports a chunk larger than the negotiated unit.
type SizeMismatchError struct {
	Target   AttributeID
	Expected int
	Received int
}

func (e *SizeMismatchError) Error() string {
	msg := fmt.Sprintf("mtu mismatch: expected packet size %d, received %d", e.Expected, e.Received)
	if e.Target != "" {
		msg += fmt.Sprintf(" (%s)", e.Target)
	}
	return msg
}

// Is matches any SizeMismatchError, so errors.Is(err, ErrSizeMismatch) works
// regardless of sizes.
func (e *SizeMismatchError) Is(target error) bool {
	_, ok := target.(*SizeMismatchError)
	return ok
}

// StateError reports a manager that cannot serve requests in its current state.
type StateError struct {
	State ManagerState
}

func (e *StateError) Error() string {
	return fmt.Sprintf("bluetooth is %s", e.State)
}

// Is matches any StateError when the target state is StateUnknown, otherwise
// the exact state.
func (e *StateError) Is(target error) bool {
	t, ok := target.(*StateError)
	if !ok {
		return false
	}
	return t.State == StateUnknown || t.State == e.State
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Kind == kind
	}
	return false
}
