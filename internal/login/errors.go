package login

import (
	"errors"
	"fmt"

	"github.com/bfotp/bfotp/internal/directory"
	"github.com/bfotp/bfotp/internal/otpcipher"
	"github.com/bfotp/bfotp/internal/transport"
)

const (
	errMessageProtocol         = "unexpected portal response"
	errMessageLoginTimeout     = "login challenge expired"
	errMessagePrecondition     = "operation not valid in current state"
	errMessageControllerClosed = "controller is closed"
)

// Callers branch on these with errors.Is; the message text is not part of the contract.
var (
	// ErrProtocol reports a missing field, pattern, cookie, or malformed JSON from the portal.
	ErrProtocol = errors.New(errMessageProtocol)
	// ErrLoginTimeout reports that the challenge window elapsed before the scan completed.
	ErrLoginTimeout = errors.New(errMessageLoginTimeout)
	// ErrPrecondition reports an operation invoked in the wrong state.
	ErrPrecondition = errors.New(errMessagePrecondition)
	// ErrDecryption reports a malformed OTP ciphertext or cipher failure.
	ErrDecryption = otpcipher.ErrDecryption
	// ErrNetwork reports a transport level failure.
	ErrNetwork = transport.ErrNetwork
	// ErrAccountNotFound reports an account id that is not in the session's directory.
	ErrAccountNotFound = directory.ErrAccountNotFound
	// ErrControllerClosed is returned by every operation after Close.
	ErrControllerClosed = fmt.Errorf("%w: %s", ErrPrecondition, errMessageControllerClosed)
)

func protocolError(step string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s", ErrProtocol, step)
	}
	return fmt.Errorf("%w: %s: %w", ErrProtocol, step, cause)
}

func preconditionError(operation string, state State) error {
	return fmt.Errorf("%w: %s while %s", ErrPrecondition, operation, state)
}
