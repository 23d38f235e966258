package zigbee

import "errors"

// Sentinel errors surfaced by the ASH/EZSP/GP core. Callers should use
// errors.Is against these rather than matching on message text.
var (
	// ErrLinkResetFailed indicates the RST/RSTACK handshake did not complete
	// after bounded retries.
	ErrLinkResetFailed = errors.New("ash: link reset failed")

	// ErrLinkLost indicates the retransmit budget was exhausted mid-session.
	ErrLinkLost = errors.New("ash: link lost")

	// ErrCrcMismatch names the CRC failure kind. Frames with a bad CRC are
	// dropped silently in the read loop (logged at debug level); no function
	// in this package returns this error.
	ErrCrcMismatch = errors.New("ash: crc mismatch")

	// ErrMalformedFrame indicates an unknown control byte or a payload
	// shorter than its header demands.
	ErrMalformedFrame = errors.New("ash: malformed frame")

	// ErrCommandTimeout indicates a per-request deadline elapsed without a
	// matching response.
	ErrCommandTimeout = errors.New("ezsp: command timeout")

	// ErrCancelled indicates a command was cancelled by the caller or by a
	// link reset.
	ErrCancelled = errors.New("ezsp: cancelled")

	// ErrUnknownSourceID indicates a GP frame arrived from a source ID with
	// no known key.
	ErrUnknownSourceID = errors.New("gp: unknown source id")

	// ErrMicInvalid indicates GP MIC authentication failed.
	ErrMicInvalid = errors.New("gp: mic invalid")

	// ErrNotConnected indicates an operation was attempted before the ASH
	// link reached CONNECTED state.
	ErrNotConnected = errors.New("ash: not connected")

	// ErrUnsupportedApplicationID indicates a GP frame used an application
	// ID other than 0 (source-ID addressing), which this driver does not
	// decode.
	ErrUnsupportedApplicationID = errors.New("gp: unsupported application id")
)
