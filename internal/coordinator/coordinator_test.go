package coordinator_test

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"emergency-cluster/internal/coordinator"
	"emergency-cluster/internal/store"
)

type fakeLeader struct {
	leader  bool
	current int
}

func (f *fakeLeader) IsLeader() bool     { return f.leader }
func (f *fakeLeader) CurrentLeader() int { return f.current }

type fakeLock struct {
	acquireErr  error
	acquired    bool
	released    bool
}

func (f *fakeLock) Acquire(ctx context.Context) error {
	if f.acquireErr != nil {
		return f.acquireErr
	}
	f.acquired = true
	return nil
}
func (f *fakeLock) Release() { f.released = true }

type fakeTx struct {
	store.Tx
	committed   bool
	rolledBack  bool
	commitErr   error
}

func (f *fakeTx) Commit() error {
	if f.commitErr != nil {
		return f.commitErr
	}
	f.committed = true
	return nil
}
func (f *fakeTx) Rollback() error { f.rolledBack = true; return nil }

type fakeStore struct {
	tx        *fakeTx
	beginErr  error
}

func (f *fakeStore) Begin(ctx context.Context) (store.Tx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	return f.tx, nil
}
func (f *fakeStore) FindUserByUsername(ctx context.Context, username string) (*store.User, error) {
	return nil, nil
}
func (f *fakeStore) CreateUser(ctx context.Context, u store.User) (store.User, error) {
	return u, nil
}
func (f *fakeStore) Close() error { return nil }

type fakeEvents struct {
	fired bool
	kind  string
}

func (f *fakeEvents) BroadcastBusinessEvent(kind, detail string) { f.fired = true; f.kind = kind }

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)
	return l.WithField("test", true)
}

// R1: a follower's call to RunLeaderGatedTxn returns NotLeader without
// touching the local store.
func TestCoordinator_NotLeaderRejectsWithoutTouchingStore(t *testing.T) {
	leader := &fakeLeader{leader: false, current: 4}
	lock := &fakeLock{}
	st := &fakeStore{tx: &fakeTx{}}
	events := &fakeEvents{}

	c := coordinator.New(leader, lock, st, events, testLog())

	called := false
	_, err := c.RunLeaderGatedTxn(context.Background(), "test", func(ctx context.Context, tx store.Tx) (any, error) {
		called = true
		return nil, nil
	})

	require.Error(t, err)
	ce, ok := coordinator.AsCoordinatorError(err)
	require.True(t, ok)
	require.Equal(t, coordinator.NotLeader, ce.Kind)
	require.Equal(t, 4, ce.CurrentLeader)
	require.False(t, called, "work closure must not run when not leader")
	require.False(t, lock.acquired)
	require.False(t, events.fired)
}

func TestCoordinator_MutexTimeout(t *testing.T) {
	leader := &fakeLeader{leader: true}
	lock := &fakeLock{acquireErr: errors.New("deadline exceeded")}
	st := &fakeStore{tx: &fakeTx{}}

	c := coordinator.New(leader, lock, st, nil, testLog())

	_, err := c.RunLeaderGatedTxn(context.Background(), "test", func(ctx context.Context, tx store.Tx) (any, error) {
		t.Fatal("work must not run if the mutex was never acquired")
		return nil, nil
	})

	ce, ok := coordinator.AsCoordinatorError(err)
	require.True(t, ok)
	require.Equal(t, coordinator.MutexTimeout, ce.Kind)
}

func TestCoordinator_WorkFailureRollsBack(t *testing.T) {
	leader := &fakeLeader{leader: true}
	lock := &fakeLock{}
	tx := &fakeTx{}
	st := &fakeStore{tx: tx}

	c := coordinator.New(leader, lock, st, nil, testLog())

	_, err := c.RunLeaderGatedTxn(context.Background(), "test", func(ctx context.Context, tx store.Tx) (any, error) {
		return nil, errors.New("bad input")
	})

	ce, ok := coordinator.AsCoordinatorError(err)
	require.True(t, ok)
	require.Equal(t, coordinator.Work, ce.Kind)
	require.True(t, tx.rolledBack)
	require.False(t, tx.committed)
	require.True(t, lock.released, "mutex must be released even when work fails")
}

func TestCoordinator_CommitFailureRollsBackAndReleases(t *testing.T) {
	leader := &fakeLeader{leader: true}
	lock := &fakeLock{}
	tx := &fakeTx{commitErr: errors.New("disk full")}
	st := &fakeStore{tx: tx}

	c := coordinator.New(leader, lock, st, nil, testLog())

	_, err := c.RunLeaderGatedTxn(context.Background(), "test", func(ctx context.Context, tx store.Tx) (any, error) {
		return "ok", nil
	})

	ce, ok := coordinator.AsCoordinatorError(err)
	require.True(t, ok)
	require.Equal(t, coordinator.StoreCommit, ce.Kind)
	require.True(t, tx.rolledBack)
	require.True(t, lock.released)
}

func TestCoordinator_SuccessFiresEvent(t *testing.T) {
	leader := &fakeLeader{leader: true}
	lock := &fakeLock{}
	tx := &fakeTx{}
	st := &fakeStore{tx: tx}
	events := &fakeEvents{}

	c := coordinator.New(leader, lock, st, events, testLog())

	result, err := c.RunLeaderGatedTxn(context.Background(), "visit_created", func(ctx context.Context, tx store.Tx) (any, error) {
		return "folio-123", nil
	})

	require.NoError(t, err)
	require.Equal(t, "folio-123", result)
	require.True(t, tx.committed)
	require.True(t, lock.released)
	require.True(t, events.fired)
	require.Equal(t, "visit_created", events.kind)
}
