package xenstored

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// paths a watch can name that are not store paths
const (
	WatchIntroduceDomain = "@introduceDomain"
	WatchReleaseDomain   = "@releaseDomain"
)

// OverflowPath is the path carried by the coalesced event a connection
// receives in place of events dropped past its pending-event quota.
const OverflowPath = "@overflow"

// WatchPath is either a store path (subtree scoped) or one of the
// special @ paths.
type WatchPath struct {
	Path    Path
	Special string
}

func ParseWatchPath(domainId DomainId, s string) (WatchPath, error) {
	switch s {
	case WatchIntroduceDomain, WatchReleaseDomain:
		return WatchPath{Special: s}, nil
	}
	path, err := ParsePath(domainId, s)
	if err != nil {
		return WatchPath{}, err
	}
	return WatchPath{Path: path}, nil
}

func (self WatchPath) String() string {
	if self.Special != "" {
		return self.Special
	}
	return self.Path.String()
}

type Watch struct {
	connId   Id
	domainId DomainId
	path     WatchPath
	token    string
}

// matches reports whether a mutation fires this watch: the changed path
// is the watched path or any descendant of it, and the watching domain
// can read the changed node. Removals always match.
func (self *Watch) matches(mutation *Mutation) bool {
	if self.path.Special != "" {
		return false
	}
	if !mutation.Path.IsChild(self.path.Path) {
		return false
	}
	return mutation.PermsOk(self.domainId, PermRead)
}

// Event is one pending notification for a connection. Path is the
// changed path, not the watched one.
type Event struct {
	Path     string
	Token    string
	Overflow bool
}

type eventQueue struct {
	events []Event
}

// push appends an event, bounded by max. When full, the oldest pending
// event collapses into a single overflow sentinel so the connection
// learns it missed events without unbounded growth.
func (self *eventQueue) push(event Event, max int) {
	// the sentinel needs a slot of its own next to the newest event
	if max < 2 {
		max = 2
	}
	if len(self.events) < max {
		self.events = append(self.events, event)
		return
	}
	if self.events[0].Overflow {
		// already coalescing, drop the next oldest
		self.events = append(self.events[:1], self.events[2:]...)
	} else {
		oldest := self.events[0]
		self.events[0] = Event{
			Path:     OverflowPath,
			Token:    oldest.Token,
			Overflow: true,
		}
		self.events = append(self.events[:1], self.events[2:]...)
	}
	self.events = append(self.events, event)
}

type WatchManagerSettings struct {
	// pending events per connection before overflow coalescing
	MaxPendingEvents int
	// fire a synthetic event at registration so watchers can
	// initialize without racing the first real change
	FireOnRegister bool
}

func DefaultWatchManagerSettings() *WatchManagerSettings {
	return &WatchManagerSettings{
		MaxPendingEvents: 1024,
		FireOnRegister:   true,
	}
}

// WatchManager is the subscription table and the per-connection pending
// event queues. Events for one connection drain in the order their
// causing mutations committed; nothing is guaranteed across connections.
type WatchManager struct {
	settings *WatchManagerSettings

	// registration order, per connection
	watches map[Id][]*Watch
	queues  map[Id]*eventQueue
}

func NewWatchManagerWithDefaults() *WatchManager {
	return NewWatchManager(DefaultWatchManagerSettings())
}

func NewWatchManager(settings *WatchManagerSettings) *WatchManager {
	return &WatchManager{
		settings: settings,
		watches:  map[Id][]*Watch{},
		queues:   map[Id]*eventQueue{},
	}
}

func (self *WatchManager) find(connId Id, path WatchPath, token string) int {
	for i, watch := range self.watches[connId] {
		if watch.path == path && watch.token == token {
			return i
		}
	}
	return -1
}

// Watch registers a subscription. The same connection may watch the same
// path many times as long as the tokens differ.
func (self *WatchManager) Watch(connId Id, domainId DomainId, path WatchPath, token string) error {
	if 0 <= self.find(connId, path, token) {
		return Errorf(EEXIST, "watch %s already exists for domain %d", path, domainId)
	}
	self.watches[connId] = append(self.watches[connId], &Watch{
		connId:   connId,
		domainId: domainId,
		path:     path,
		token:    token,
	})
	if self.settings.FireOnRegister {
		self.enqueue(connId, Event{
			Path:  path.String(),
			Token: token,
		})
	}
	return nil
}

// Unwatch removes exactly the (path, token) subscription; other watches
// on the same path are untouched.
func (self *WatchManager) Unwatch(connId Id, domainId DomainId, path WatchPath, token string) error {
	i := self.find(connId, path, token)
	if i < 0 {
		return Errorf(ENOENT, "watch %s did not exist for domain %d", path, domainId)
	}
	self.watches[connId] = slices.Delete(self.watches[connId], i, i+1)
	if len(self.watches[connId]) == 0 {
		delete(self.watches, connId)
	}
	return nil
}

// Reset drops a connection's watches and pending events.
func (self *WatchManager) Reset(connId Id) {
	delete(self.watches, connId)
	delete(self.queues, connId)
}

func (self *WatchManager) enqueue(connId Id, event Event) {
	queue, ok := self.queues[connId]
	if !ok {
		queue = &eventQueue{}
		self.queues[connId] = queue
	}
	queue.push(event, self.settings.MaxPendingEvents)
}

// Fire enqueues one event per (watch, mutation) match, in mutation order.
func (self *WatchManager) Fire(mutations []Mutation) {
	for i := range mutations {
		mutation := &mutations[i]
		for _, connId := range self.connIds() {
			for _, watch := range self.watches[connId] {
				if watch.matches(mutation) {
					self.enqueue(connId, Event{
						Path:  mutation.Path.String(),
						Token: watch.token,
					})
				}
			}
		}
	}
}

// FireSpecial fires @introduceDomain / @releaseDomain subscriptions.
func (self *WatchManager) FireSpecial(special string) {
	for _, connId := range self.connIds() {
		for _, watch := range self.watches[connId] {
			if watch.path.Special == special {
				self.enqueue(connId, Event{
					Path:  special,
					Token: watch.token,
				})
			}
		}
	}
}

func (self *WatchManager) connIds() []Id {
	connIds := maps.Keys(self.watches)
	slices.SortFunc(connIds, func(a Id, b Id) int {
		return slices.Compare(a.Bytes(), b.Bytes())
	})
	return connIds
}

// PeekEvent returns the oldest pending event without removing it.
// Paired with PopEvent this lets a delivery path take only what it can
// send right now; whatever stays queued remains under the overflow
// coalescing bound.
func (self *WatchManager) PeekEvent(connId Id) (Event, bool) {
	queue, ok := self.queues[connId]
	if !ok || len(queue.events) == 0 {
		return Event{}, false
	}
	return queue.events[0], true
}

// PopEvent removes the oldest pending event for a connection.
func (self *WatchManager) PopEvent(connId Id) {
	queue, ok := self.queues[connId]
	if !ok || len(queue.events) == 0 {
		return
	}
	queue.events = queue.events[1:]
}

// Drain returns and clears the pending events for a connection.
func (self *WatchManager) Drain(connId Id) []Event {
	queue, ok := self.queues[connId]
	if !ok || len(queue.events) == 0 {
		return nil
	}
	events := queue.events
	queue.events = nil
	return events
}

// Pending is the number of queued events for a connection.
func (self *WatchManager) Pending(connId Id) int {
	if queue, ok := self.queues[connId]; ok {
		return len(queue.events)
	}
	return 0
}
