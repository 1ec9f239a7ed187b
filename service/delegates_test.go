package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/justicevae/votewatch/db"
	"github.com/justicevae/votewatch/tally"
)

func newDelegateService(s stores, registry DelegateRegistry) *DelegateService {
	return NewDelegateService(s.delegates, s.events, registry, time.Minute, zap.NewNop())
}

func delegatesByAddr(t *testing.T, s stores) map[string]db.Delegate {
	t.Helper()
	all, err := s.delegates.All(context.Background())
	require.NoError(t, err)
	out := make(map[string]db.Delegate, len(all))
	for _, d := range all {
		out[d.Address] = d
	}
	return out
}

// TestUpdateFromRegistry tests the field-level merge rules.
func TestUpdateFromRegistry(t *testing.T) {
	ctx := context.Background()
	s := newStores(t)
	_, err := s.delegates.Insert(ctx, []db.Delegate{
		{Address: alice, Name: "local alice", ENS: "prior.eth", TallyProfile: true, IsSeekingDelegation: true},
		{Address: bob, TallyProfile: true, IsSeekingDelegation: true},
		{Address: carol},
		{Address: dave, TallyProfile: true},
	})
	require.NoError(t, err)

	svc := newDelegateService(s, nil)
	res, err := svc.UpdateFromRegistry(ctx, []tally.Delegate{
		{Address: "0x00000000000000000000000000000000000A11CE", Name: "registry alice"},
		{Address: carol, Name: "Carol", ENS: "carol.eth", IsSeekingDelegation: true},
	})
	require.NoError(t, err)
	assert.Equal(t, RegistryMergeResult{Matched: 2, Updated: 3, Demoted: 1}, res)

	got := delegatesByAddr(t, s)

	a := got[alice]
	assert.Equal(t, "local alice", a.Name)
	assert.Empty(t, a.ENS)
	assert.False(t, a.IsSeekingDelegation)
	assert.True(t, a.TallyProfile)

	b := got[bob]
	assert.False(t, b.IsSeekingDelegation)
	assert.True(t, b.TallyProfile)

	c := got[carol]
	assert.Equal(t, "Carol", c.Name)
	assert.Equal(t, "carol.eth", c.ENS)
	assert.True(t, c.IsSeekingDelegation)
	assert.True(t, c.TallyProfile)

	assert.Len(t, got, 4)
}

// TestSyncRegistry tests that unknown registry addresses are added then merged.
func TestSyncRegistry(t *testing.T) {
	ctx := context.Background()
	s := newStores(t)
	_, err := s.delegates.Insert(ctx, []db.Delegate{{Address: alice, Name: "Alice"}})
	require.NoError(t, err)

	registry := &fakeRegistry{rows: []tally.Delegate{
		{Address: alice, Name: "Other", ENS: "alice.eth"},
		{Address: bob, Name: "Bob", IsSeekingDelegation: true},
	}}
	res, err := newDelegateService(s, registry).SyncRegistry(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Fetched)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 2, res.Merge.Matched)

	got := delegatesByAddr(t, s)
	assert.Equal(t, "Alice", got[alice].Name)
	assert.Equal(t, "alice.eth", got[alice].ENS)
	assert.Equal(t, "Bob", got[bob].Name)
	assert.True(t, got[bob].TallyProfile)
	assert.True(t, got[bob].IsSeekingDelegation)
}

// TestSyncRegistry_Error tests that a registry failure is propagated.
func TestSyncRegistry_Error(t *testing.T) {
	_, err := newDelegateService(newStores(t), &fakeRegistry{err: errors.New("unauthorized")}).SyncRegistry(context.Background())
	assert.ErrorContains(t, err, "unauthorized")
}

// TestAddEventDelegates tests discovery from both partitions.
func TestAddEventDelegates(t *testing.T) {
	ctx := context.Background()
	s := newStores(t)
	_, err := s.delegates.Insert(ctx, []db.Delegate{{Address: bob, Name: "Bob", TallyProfile: true}})
	require.NoError(t, err)
	_, err = s.events.StoreEvents(ctx,
		[]db.DelegationEvent{complete(1, "0x01", alice, bob, 1)},
		[]db.DelegationEvent{incomplete(2, "0x02", "0x00000000000000000000000000000000000CA401", 1)})
	require.NoError(t, err)

	svc := newDelegateService(s, nil)
	added, err := svc.AddEventDelegates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	added, err = svc.AddEventDelegates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, added)

	got := delegatesByAddr(t, s)
	require.Contains(t, got, carol)
	assert.False(t, got[carol].TallyProfile)
	assert.Equal(t, "Bob", got[bob].Name)
}

// TestDelegates_Cache tests the TTL cache and explicit invalidation.
func TestDelegates_Cache(t *testing.T) {
	ctx := context.Background()
	s := newStores(t)
	svc := newDelegateService(s, nil)
	now := time.Unix(1000, 0)
	svc.cache.now = func() time.Time { return now }

	first, err := svc.Delegates(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, first)

	// 绕过服务直接写入，缓存仍返回旧值
	_, err = s.delegates.Insert(ctx, []db.Delegate{{Address: alice}})
	require.NoError(t, err)
	cached, err := svc.Delegates(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, cached)

	now = now.Add(2 * time.Minute)
	expired, err := svc.Delegates(ctx, false)
	require.NoError(t, err)
	assert.Len(t, expired, 1)

	_, err = svc.AddDelegates(ctx, []db.Delegate{{Address: bob}})
	require.NoError(t, err)
	fresh, err := svc.Delegates(ctx, false)
	require.NoError(t, err)
	assert.Len(t, fresh, 2)
}
