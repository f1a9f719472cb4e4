package model

import (
	"errors"
	"fmt"
)

var ErrInvalidParameter = errors.New("invalid parameter") // Base error for invalid parameter
var ErrDataNotFound = errors.New("data not found")         // Base error for data not found

var ErrTransport = errors.New("transport error")                 // Connect/read/write failures and premature close.
var ErrHandshake = errors.New("handshake failure")               // Secure channel could not be negotiated.
var ErrAuthentication = errors.New("authentication failure")     // Wrong one-shot password.
var ErrCertificate = errors.New("certificate error")             // Generation, signing, import or export failure.
var ErrCorruptCredential = errors.New("corrupt credential file") // Existing key/certificate/CRL file unparsable.
var ErrRejected = errors.New("registration rejected")            // Operator declined the request.
var ErrFilesystem = errors.New("filesystem error")               // Create/open/rename/permission failures.
var ErrMessageTooLarge = errors.New("message too large")

var ErrProfileNotFound = fmt.Errorf("profile not found: %w", ErrDataNotFound)
var ErrProfileExists = errors.New("profile already exists")

// ErrToExitCode maps an error returned by an admin command to the process exit status.
func ErrToExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrInvalidParameter):
		return 2
	case errors.Is(err, ErrDataNotFound):
		return 3
	case errors.Is(err, ErrProfileExists):
		return 4
	case errors.Is(err, ErrRejected):
		return 5
	case errors.Is(err, ErrAuthentication):
		return 6
	case errors.Is(err, ErrHandshake), errors.Is(err, ErrTransport), errors.Is(err, ErrMessageTooLarge):
		return 7
	case errors.Is(err, ErrCorruptCredential), errors.Is(err, ErrCertificate):
		return 8
	case errors.Is(err, ErrFilesystem):
		return 9
	}

	return 1
}
