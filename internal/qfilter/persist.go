package qfilter

import (
	"context"
	"fmt"
)

// Persister is the hub persistence capability. Implementations store and
// retrieve bank snapshots keyed by a repository identifier such as
// "namespace/name".
//
// Push failures wrap ErrPersistence. Pull failures wrap ErrPersistence or
// ErrCorruptSnapshot.
type Persister interface {
	Push(ctx context.Context, b *Bank, repoID string) error
	Pull(ctx context.Context, repoID string) (*Bank, *Trainable, error)
}

// Save pushes b to repoID through p. Errors are returned as produced by p;
// nothing is retried.
func Save(ctx context.Context, p Persister, b *Bank, repoID string) error {
	if b == nil {
		return fmt.Errorf("%w: nil bank", ErrPersistence)
	}
	return p.Push(ctx, b, repoID)
}

// Load pulls the bank stored at repoID through p.
func Load(ctx context.Context, p Persister, repoID string) (*Bank, *Trainable, error) {
	return p.Pull(ctx, repoID)
}
