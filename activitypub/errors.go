package activitypub

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/deemkeen/fedengine/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrUnknownKind       = errors.New("unknown activity kind")
	ErrMalformed         = errors.New("malformed payload")
	ErrVerification      = errors.New("verification failed")
	ErrAlreadyProcessed  = errors.New("activity already processed")
	ErrTransientDelivery = errors.New("transient delivery failure")
	ErrPermanentDelivery = errors.New("permanent delivery failure")
	ErrBlocked           = errors.New("blocked")
)

// Verification check names.
const (
	CheckSignature  = "signature"
	CheckIdentity   = "identity"
	CheckDomain     = "domain"
	CheckRemote     = "remote"
	CheckContent    = "content"
	CheckURLs       = "urls"
	CheckPermission = "permission"
	CheckBlocked    = "blocked"
	CheckTarget     = "target"
)

// VerificationError names the check that rejected an inbound object.
type VerificationError struct {
	Check string
	Err   error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed (%s): %v", e.Check, e.Err)
}

func (e *VerificationError) Unwrap() []error {
	return []error{ErrVerification, e.Err}
}

func verificationErr(check string, format string, args ...any) error {
	return &VerificationError{Check: check, Err: fmt.Errorf(format, args...)}
}

func wrapVerification(check string, err error) error {
	var verr *VerificationError
	if errors.As(err, &verr) {
		return err
	}
	return &VerificationError{Check: check, Err: err}
}

// IsNotFound matches both the engine's and the storage layer's not found errors.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, domain.ErrNotFound)
}

// IsTransient reports whether a failed delivery should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientDelivery)
}

// StatusForError maps a processing error to the HTTP status returned to the sending server.
func StatusForError(err error) int {
	var verr *VerificationError
	switch {
	case err == nil, errors.Is(err, ErrAlreadyProcessed):
		return http.StatusAccepted
	case errors.Is(err, ErrMalformed), errors.Is(err, ErrUnknownKind), errors.Is(err, ErrInvalidIdentifier):
		return http.StatusBadRequest
	case errors.As(err, &verr) && verr.Check == CheckSignature:
		return http.StatusUnauthorized
	case errors.Is(err, ErrVerification):
		return http.StatusForbidden
	case IsNotFound(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
