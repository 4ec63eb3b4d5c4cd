package xenstored

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func newTestWatchManager(maxPendingEvents int) *WatchManager {
	settings := DefaultWatchManagerSettings()
	settings.MaxPendingEvents = maxPendingEvents
	// registration events are exercised separately
	settings.FireOnRegister = false
	return NewWatchManager(settings)
}

func mustWatchPath(t *testing.T, s string) WatchPath {
	path, err := ParseWatchPath(Dom0, s)
	if err != nil {
		t.Fatalf("watch path error: %v", err)
	}
	return path
}

func TestWatchSubtreeFire(t *testing.T) {
	watches := newTestWatchManager(16)
	connId := NewId()

	assert.Equal(t, nil, watches.Watch(connId, Dom0, mustWatchPath(t, "/a"), "tok"))

	perms := []Permission{{Dom: Dom0, Perm: PermNone}}
	watches.Fire([]Mutation{
		{Path: "/a", Kind: MutationWrite, Permissions: perms},
		{Path: "/a/b", Kind: MutationWrite, Permissions: perms},
		{Path: "/ab", Kind: MutationWrite, Permissions: perms},
		{Path: "/other", Kind: MutationWrite, Permissions: perms},
	})

	events := watches.Drain(connId)
	assert.Equal(t, []Event{
		{Path: "/a", Token: "tok"},
		{Path: "/a/b", Token: "tok"},
	}, events)

	// drain clears
	assert.Equal(t, 0, len(watches.Drain(connId)))
}

func TestWatchInitialEvent(t *testing.T) {
	settings := DefaultWatchManagerSettings()
	watches := NewWatchManager(settings)
	connId := NewId()

	watches.Watch(connId, Dom0, mustWatchPath(t, "/a"), "tok")

	events := watches.Drain(connId)
	assert.Equal(t, []Event{{Path: "/a", Token: "tok"}}, events)
}

func TestWatchDuplicate(t *testing.T) {
	watches := newTestWatchManager(16)
	connId := NewId()

	assert.Equal(t, nil, watches.Watch(connId, Dom0, mustWatchPath(t, "/a"), "tok"))
	err := watches.Watch(connId, Dom0, mustWatchPath(t, "/a"), "tok")
	assert.Equal(t, true, IsCode(err, EEXIST))

	// a different token is a different watch
	assert.Equal(t, nil, watches.Watch(connId, Dom0, mustWatchPath(t, "/a"), "tok2"))
}

func TestWatchUnwatchExact(t *testing.T) {
	watches := newTestWatchManager(16)
	connId := NewId()

	watches.Watch(connId, Dom0, mustWatchPath(t, "/a"), "one")
	watches.Watch(connId, Dom0, mustWatchPath(t, "/a"), "two")

	assert.Equal(t, nil, watches.Unwatch(connId, Dom0, mustWatchPath(t, "/a"), "one"))

	err := watches.Unwatch(connId, Dom0, mustWatchPath(t, "/a"), "one")
	assert.Equal(t, true, IsCode(err, ENOENT))

	perms := []Permission{{Dom: Dom0, Perm: PermNone}}
	watches.Fire([]Mutation{
		{Path: "/a", Kind: MutationWrite, Permissions: perms},
	})

	events := watches.Drain(connId)
	assert.Equal(t, []Event{{Path: "/a", Token: "two"}}, events)
}

func TestWatchPermsFilter(t *testing.T) {
	watches := newTestWatchManager(16)
	connId := NewId()

	// domain 7 watches but cannot read the changed node
	watches.Watch(connId, 7, mustWatchPath(t, "/a"), "tok")

	closed := []Permission{{Dom: Dom0, Perm: PermNone}}
	open := []Permission{{Dom: Dom0, Perm: PermRead}}
	watches.Fire([]Mutation{
		{Path: "/a/secret", Kind: MutationWrite, Permissions: closed},
		{Path: "/a/public", Kind: MutationWrite, Permissions: open},
		// removals are always delivered
		{Path: "/a/gone", Kind: MutationRemove},
	})

	events := watches.Drain(connId)
	assert.Equal(t, []Event{
		{Path: "/a/public", Token: "tok"},
		{Path: "/a/gone", Token: "tok"},
	}, events)
}

func TestWatchSpecial(t *testing.T) {
	watches := newTestWatchManager(16)
	connId := NewId()

	path, err := ParseWatchPath(7, WatchIntroduceDomain)
	assert.Equal(t, nil, err)
	watches.Watch(connId, 7, path, "tok")

	// store mutations never fire a special watch
	watches.Fire([]Mutation{
		{Path: "/a", Kind: MutationWrite, Permissions: []Permission{{Dom: Dom0, Perm: PermRead}}},
	})
	assert.Equal(t, 0, watches.Pending(connId))

	watches.FireSpecial(WatchIntroduceDomain)
	events := watches.Drain(connId)
	assert.Equal(t, []Event{{Path: WatchIntroduceDomain, Token: "tok"}}, events)
}

func TestWatchOverflowCoalesce(t *testing.T) {
	watches := newTestWatchManager(3)
	connId := NewId()

	watches.Watch(connId, Dom0, mustWatchPath(t, "/a"), "tok")

	perms := []Permission{{Dom: Dom0, Perm: PermNone}}
	fire := func(path Path) {
		watches.Fire([]Mutation{{Path: path, Kind: MutationWrite, Permissions: perms}})
	}

	fire("/a/1")
	fire("/a/2")
	fire("/a/3")
	// over the limit: the oldest collapses into an overflow sentinel
	fire("/a/4")
	assert.Equal(t, 3, watches.Pending(connId))
	// still over: the sentinel absorbs the next oldest, size is stable
	fire("/a/5")
	assert.Equal(t, 3, watches.Pending(connId))

	events := watches.Drain(connId)
	assert.Equal(t, []Event{
		{Path: OverflowPath, Token: "tok", Overflow: true},
		{Path: "/a/4", Token: "tok"},
		{Path: "/a/5", Token: "tok"},
	}, events)
}

func TestWatchOverflowTinyQueue(t *testing.T) {
	// a bound below two is raised to two: one slot for the sentinel,
	// one for the newest event
	watches := newTestWatchManager(1)
	connId := NewId()

	watches.Watch(connId, Dom0, mustWatchPath(t, "/a"), "tok")

	perms := []Permission{{Dom: Dom0, Perm: PermNone}}
	for _, path := range []Path{"/a/1", "/a/2", "/a/3"} {
		watches.Fire([]Mutation{{Path: path, Kind: MutationWrite, Permissions: perms}})
	}
	assert.Equal(t, 2, watches.Pending(connId))

	events := watches.Drain(connId)
	assert.Equal(t, []Event{
		{Path: OverflowPath, Token: "tok", Overflow: true},
		{Path: "/a/3", Token: "tok"},
	}, events)
}

func TestWatchReset(t *testing.T) {
	watches := newTestWatchManager(16)
	connId := NewId()

	watches.Watch(connId, Dom0, mustWatchPath(t, "/a"), "tok")
	perms := []Permission{{Dom: Dom0, Perm: PermNone}}
	watches.Fire([]Mutation{
		{Path: "/a", Kind: MutationWrite, Permissions: perms},
	})

	watches.Reset(connId)
	assert.Equal(t, 0, watches.Pending(connId))

	// no watches survive the reset
	watches.Fire([]Mutation{
		{Path: "/a", Kind: MutationWrite, Permissions: perms},
	})
	assert.Equal(t, 0, len(watches.Drain(connId)))
}
