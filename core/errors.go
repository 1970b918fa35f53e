package mesh

import "fmt"

// Sentinel errors for conditions that don't need structured fields.
// Callers should prefer errors.Is against these where no extra context
// is needed, and errors.As against the typed errors below otherwise.
var (
	// ErrNotRunning is returned by transport operations performed while
	// the transport is stopped.
	ErrNotRunning = fmt.Errorf("midimesh: transport not running")

	// ErrDeliveryTimeout is reported to a reliable send's failure
	// continuation when retries are exhausted without an ACK.
	ErrDeliveryTimeout = fmt.Errorf("midimesh: reliable delivery timed out")

	// ErrUnknownDevice names the case of a message or packet addressed
	// to a DeviceId this node cannot resolve. No function in this
	// package returns it; the router counts that case in
	// RouterStats.RoutingErrors.
	ErrUnknownDevice = fmt.Errorf("midimesh: unknown device")

	// ErrHopLimitExceeded marks a packet dropped because its forwarding
	// context already reached MaxHops.
	ErrHopLimitExceeded = fmt.Errorf("midimesh: hop limit exceeded")

	// ErrLoopDetected marks a packet dropped because its forwarding
	// context already visited the destination device.
	ErrLoopDetected = fmt.Errorf("midimesh: forwarding loop detected")

	// ErrDeviceIdInUse is returned by DeviceRegistry.RegisterLocal when
	// the requested id already names a remote device.
	ErrDeviceIdInUse = fmt.Errorf("midimesh: device id in use by a remote device")

	// ErrRuleWouldCreateCycle is returned by RuleEngine.AddRule when the
	// new rule would close a cycle in the local rule graph.
	ErrRuleWouldCreateCycle = fmt.Errorf("midimesh: rule would create a forwarding cycle")

	// ErrNoFreeDeviceID is returned when DeviceRegistry.RegisterLocal is
	// asked to allocate a DeviceId and none remain.
	ErrNoFreeDeviceID = fmt.Errorf("midimesh: no free device id")
)

// InvalidPacketReason enumerates why Decode rejected a byte slice.
type InvalidPacketReason int

const (
	ReasonTooShort InvalidPacketReason = iota
	ReasonBadMagic
	ReasonUnsupportedVersion
	ReasonTruncatedContext
	ReasonContextLengthMismatch
	ReasonContextDeviceCountMismatch
	ReasonUnknownNodeHash
	ReasonFragmentUnsupported
)

func (r InvalidPacketReason) String() string {
	switch r {
	case ReasonTooShort:
		return "TooShort"
	case ReasonBadMagic:
		return "BadMagic"
	case ReasonUnsupportedVersion:
		return "UnsupportedVersion"
	case ReasonTruncatedContext:
		return "TruncatedContext"
	case ReasonContextLengthMismatch:
		return "ContextLengthMismatch"
	case ReasonContextDeviceCountMismatch:
		return "ContextDeviceCountMismatch"
	case ReasonUnknownNodeHash:
		return "UnknownNodeHash"
	case ReasonFragmentUnsupported:
		return "FragmentUnsupported"
	default:
		return "Unknown"
	}
}

// InvalidPacketError is returned by Decode. It never panics on
// attacker-controlled input; every rejection path returns one of these.
type InvalidPacketError struct {
	Reason InvalidPacketReason
}

func (e *InvalidPacketError) Error() string {
	return fmt.Sprintf("midimesh: invalid packet: %s", e.Reason)
}

// HashCollisionError is returned by UuidRegistry.Register when a new
// NodeId folds to the same NodeHash as a different, already-registered
// NodeId.
type HashCollisionError struct {
	Existing NodeID
	Incoming NodeID
}

func (e *HashCollisionError) Error() string {
	return fmt.Sprintf("midimesh: hash collision between %s and %s", e.Existing, e.Incoming)
}

// DuplicateInstanceError is returned by NewInstanceDirectory when
// another live process already holds the lock for a NodeId.
type DuplicateInstanceError struct {
	PID int
}

func (e *DuplicateInstanceError) Error() string {
	return fmt.Sprintf("midimesh: another instance is already running (pid %d)", e.PID)
}

// SendError wraps the underlying OS error from a failed socket write.
type SendError struct {
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("midimesh: send failed: %v", e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}
