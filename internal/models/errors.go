package models

import "errors"

var (
	// ErrNoCapacity is returned by placement when no eligible server has
	// headroom. Not retried against the same snapshot.
	ErrNoCapacity = errors.New("no available server capacity")

	// ErrNoEligibleServer is returned when no healthy server supports the
	// requested protocol at all.
	ErrNoEligibleServer = errors.New("no eligible server for protocol")

	// ErrJobInFlight is returned when a job for the same account id is
	// already being processed.
	ErrJobInFlight = errors.New("a provisioning job is already in flight for this account")

	// ErrAlreadyActive is returned when a create request targets an account
	// that is already committed.
	ErrAlreadyActive = errors.New("account is already active")

	// ErrNotCancellable is returned when cancellation is requested after the
	// job has begun mutating remote state.
	ErrNotCancellable = errors.New("job can no longer be cancelled")
)
