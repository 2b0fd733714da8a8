// Package session tracks which users have live connections on this node and
// keeps the node's broker bindings in step with them.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const unbindTimeout = 5 * time.Second

//go:generate go run go.uber.org/mock/mockgen -source=registry.go -destination=../mocks/mock_binder.go -package=mocks

// Binder adds and removes routing keys on this node's broker queue.
type Binder interface {
	Bind(ctx context.Context, routingKey string) error
	Unbind(ctx context.Context, routingKey string) error
}

type entry struct {
	refs    int
	bound   bool
	syncing bool
	err     error
	// idle is closed when the running convergence loop exits.
	idle chan struct{}
}

// Registry reference-counts connections per user. The first reference binds
// the user's id on the broker and the last release unbinds it. Broker calls
// for one user are made by a single convergence loop at a time, never while
// the registry lock is held.
type Registry struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*entry
	binder  Binder
	log     *slog.Logger
}

func NewRegistry(binder Binder, log *slog.Logger) *Registry {
	return &Registry{
		entries: make(map[uuid.UUID]*entry),
		binder:  binder,
		log:     log,
	}
}

// Acquire adds a reference for userID and returns once the binding is in
// place. On error the reference is not held.
func (r *Registry) Acquire(ctx context.Context, userID uuid.UUID) error {
	r.mu.Lock()
	e, ok := r.entries[userID]
	if !ok {
		e = &entry{}
		r.entries[userID] = e
	}
	e.refs++

	for {
		if !e.syncing {
			if e.bound {
				r.mu.Unlock()
				return nil
			}
			r.converge(ctx, userID, e)
			if e.bound {
				r.mu.Unlock()
				return nil
			}
			break
		}

		idle := e.idle
		r.mu.Unlock()
		select {
		case <-idle:
			r.mu.Lock()
			if e.syncing || e.bound {
				continue
			}
		case <-ctx.Done():
			r.mu.Lock()
		}
		break
	}

	bindErr := e.err
	r.drop(ctx, userID, e)
	r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("binding user %s: %w", userID, bindErr)
}

// Release drops a reference for userID. The last reference unbinds.
func (r *Registry) Release(ctx context.Context, userID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[userID]
	if !ok || e.refs == 0 {
		r.log.Warn("release without acquire", "user", userID)
		return
	}
	r.drop(ctx, userID, e)
}

// drop decrements e and, unless a loop is already running, converges it.
// Called with r.mu held.
func (r *Registry) drop(ctx context.Context, userID uuid.UUID, e *entry) {
	e.refs--
	if !e.syncing {
		r.converge(ctx, userID, e)
	}
}

// converge runs broker calls until bound matches refs > 0. It is entered and
// left with r.mu held and releases the lock around each broker call. A failed
// bind stops the loop with the entry unbound; a failed unbind is logged and
// the entry is treated as unbound.
func (r *Registry) converge(ctx context.Context, userID uuid.UUID, e *entry) {
	e.syncing = true
	e.idle = make(chan struct{})
	key := userID.String()

	for {
		want := e.refs > 0
		if want == e.bound {
			break
		}

		r.mu.Unlock()
		var err error
		if want {
			err = r.binder.Bind(ctx, key)
		} else {
			uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unbindTimeout)
			err = r.binder.Unbind(uctx, key)
			cancel()
		}
		r.mu.Lock()

		if want {
			if err != nil {
				r.log.Error("bind failed", "user", userID, "error", err)
				e.err = err
				break
			}
			e.err = nil
			e.bound = true
			r.log.Debug("user bound", "user", userID)
			continue
		}
		if err != nil {
			r.log.Error("unbind failed", "user", userID, "error", err)
		}
		e.bound = false
		r.log.Debug("user unbound", "user", userID)
	}

	e.syncing = false
	close(e.idle)
	if e.refs == 0 && !e.bound {
		delete(r.entries, userID)
	}
}

// Users returns the users currently holding at least one reference.
func (r *Registry) Users() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]uuid.UUID, 0, len(r.entries))
	for id, e := range r.entries {
		if e.refs > 0 {
			out = append(out, id)
		}
	}
	return out
}

// Bound reports whether the broker binding for userID is in place.
func (r *Registry) Bound(userID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[userID]
	return ok && e.bound
}
