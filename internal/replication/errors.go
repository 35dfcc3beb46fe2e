package replication

import (
	"errors"
	"fmt"

	"github.com/drfirst/go-pod/internal/domain/entity"
)

var (
	// ErrUnauthenticated is returned before any network call when no bearer
	// token is available. It is never retried automatically.
	ErrUnauthenticated = errors.New("unauthenticated: no bearer token")

	// ErrSyncInProgress is returned when a sync session is already running.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrTransient matches timeouts, connection failures and open circuits.
	ErrTransient = errors.New("transient network failure")

	// ErrDecode matches malformed response bodies.
	ErrDecode = errors.New("decode failure")

	// ErrStatus matches non-success HTTP statuses.
	ErrStatus = errors.New("unexpected status")
)

// FailureClass groups fetch failures by how they are handled.
type FailureClass int

const (
	ClassTransient FailureClass = iota
	ClassDecode
	ClassStatus
)

func (c FailureClass) String() string {
	switch c {
	case ClassDecode:
		return "decode"
	case ClassStatus:
		return "status"
	default:
		return "transient"
	}
}

// FetchError is a failed remote read or write for one kind. All classes are
// retried on the next scheduled sync.
type FetchError struct {
	Kind   entity.Kind
	Class  FailureClass
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Class == ClassStatus {
		return fmt.Sprintf("%s: backend returned status %d", e.Kind, e.Status)
	}
	return fmt.Sprintf("%s: %s failure: %v", e.Kind, e.Class, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Class == ClassTransient
	case ErrDecode:
		return e.Class == ClassDecode
	case ErrStatus:
		return e.Class == ClassStatus
	}
	return false
}
