package domain

import "errors"

var (
	// ErrTestAlreadyRunning rejects a second concurrent start from the same
	// client address; a test is never split across starts.
	ErrTestAlreadyRunning = errors.New("a test is already running for this client")

	ErrUnknownTest     = errors.New("unknown test id")
	ErrUnknownPersona  = errors.New("unknown persona")
	ErrAddressMismatch = errors.New("client address does not match registered test")
	ErrTestEnded       = errors.New("test has ended")

	// ErrBaselinePhase enforces baseline purity: no bulk stream may attach to
	// a test while its baseline phase runs.
	ErrBaselinePhase = errors.New("bulk streams are not permitted during baseline")

	ErrQueueOverrun     = errors.New("send queue overrun")
	ErrSizeOutOfRange   = errors.New("requested size out of range")
	ErrInvalidTestID    = errors.New("invalid test id")
	ErrSequenceRegress  = errors.New("ping sequence regression")
	ErrProtocolViolation = errors.New("protocol violation")
)
