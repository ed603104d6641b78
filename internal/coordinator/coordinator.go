// Package coordinator exposes the one operation external callers use to
// perform a leader-gated write: a distributed-mutex-guarded, locally
// transactional closure that only the current leader may execute.
package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"emergency-cluster/internal/store"
)

// Kind classifies the errors a leader-gated transaction can surface to its
// caller. ProtocolViolation never reaches here — it is logged and clamped
// inside election/mutex, per the error-handling design.
type Kind int

const (
	NotLeader Kind = iota
	MutexTimeout
	Work
	StoreCommit
)

func (k Kind) String() string {
	switch k {
	case NotLeader:
		return "NotLeader"
	case MutexTimeout:
		return "MutexTimeout"
	case Work:
		return "Work"
	case StoreCommit:
		return "StoreCommit"
	default:
		return "Unknown"
	}
}

// Error wraps a typed failure from RunLeaderGatedTxn. CurrentLeader is only
// meaningful when Kind is NotLeader.
type Error struct {
	Kind          Kind
	CurrentLeader int
	Err           error
}

func (e *Error) Error() string {
	if e.Kind == NotLeader {
		return fmt.Sprintf("coordinator: not leader (current leader: %d)", e.CurrentLeader)
	}
	if e.Err != nil {
		return fmt.Sprintf("coordinator: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("coordinator: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// AsCoordinatorError is a convenience wrapper around errors.As for callers
// that only care about the typed kind.
func AsCoordinatorError(err error) (*Error, bool) {
	var ce *Error
	ok := errors.As(err, &ce)
	return ce, ok
}

// LeaderView is the subset of election.Machine the coordinator depends on.
type LeaderView interface {
	IsLeader() bool
	CurrentLeader() int
}

// DistributedLock is the subset of mutex.Mutex the coordinator depends on.
type DistributedLock interface {
	Acquire(ctx context.Context) error
	Release()
}

// EventBroadcaster fires a best-effort, non-correctness-critical
// notification after a successful leader-gated write. Implementations must
// not block the coordinator; Broadcast is called synchronously but should
// return quickly (fan out internally if needed).
type EventBroadcaster interface {
	BroadcastBusinessEvent(kind string, detail string)
}

// Work is the caller-supplied closure executed inside a local store
// transaction. Returning a non-nil error rolls the transaction back.
type Work func(ctx context.Context, tx store.Tx) (any, error)

// Coordinator is the leader-gated transaction façade described in the
// component design: NotLeader check, mutex acquisition, local transaction,
// unconditional mutex release, then the business-event notification.
type Coordinator struct {
	leader LeaderView
	lock   DistributedLock
	store  store.Store
	events EventBroadcaster
	log    *logrus.Entry
}

// New builds a Coordinator over the given leadership view, distributed
// lock, and local store. events may be nil, in which case no business-event
// broadcast is attempted.
func New(leader LeaderView, lock DistributedLock, st store.Store, events EventBroadcaster, log *logrus.Entry) *Coordinator {
	return &Coordinator{leader: leader, lock: lock, store: st, events: events, log: log.WithField("component", "coordinator")}
}

// RunLeaderGatedTxn executes work inside a distributed-mutex-guarded local
// transaction: refuse if not leader, acquire the mutex, begin a
// transaction, run work, commit or roll back, release the mutex
// unconditionally, and return the result.
func (c *Coordinator) RunLeaderGatedTxn(ctx context.Context, eventKind string, work Work) (any, error) {
	if !c.leader.IsLeader() {
		return nil, &Error{Kind: NotLeader, CurrentLeader: c.leader.CurrentLeader()}
	}

	if err := c.lock.Acquire(ctx); err != nil {
		return nil, &Error{Kind: MutexTimeout, Err: err}
	}
	defer c.lock.Release()

	tx, err := c.store.Begin(ctx)
	if err != nil {
		return nil, &Error{Kind: StoreCommit, Err: err}
	}

	result, err := work(ctx, tx)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			c.log.WithError(rbErr).Warn("rollback after work failure also failed")
		}
		return nil, &Error{Kind: Work, Err: err}
	}

	if err := tx.Commit(); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			c.log.WithError(rbErr).Warn("rollback after commit failure also failed")
		}
		return nil, &Error{Kind: StoreCommit, Err: err}
	}

	if c.events != nil {
		c.events.BroadcastBusinessEvent(eventKind, fmt.Sprintf("%v", result))
	}

	return result, nil
}
