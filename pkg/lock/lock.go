// Package lock guards storage devices against concurrent writers, including
// writers in other processes.
package lock

import "context"

// Locker provides mutual exclusion with context support.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
	TryLock(ctx context.Context) (bool, error)
}

// Provider hands out the Locker guarding a named device.
type Provider interface {
	For(device string) Locker
}
