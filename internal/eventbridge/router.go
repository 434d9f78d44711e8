package eventbridge

import (
	"strings"
	"sync"
)

const (
	defaultSubscriberCapacity = 100
	defaultBacklogLimit       = 50
	defaultDedupeWindow       = 1024
)

// RouterOption customizes Router construction.
type RouterOption func(*Router)

// Router delivers orchestration events to session-scoped subscribers with
// buffering, deduplication, and bounded channel semantics. Events published
// before any subscriber attaches are retained up to the backlog limit so a
// monitor attaching mid-session still sees recent history.
type Router struct {
	mu           sync.RWMutex
	subscribers  map[string]map[*subscriber]struct{}
	backlog      map[string][]Event
	recentIDs    map[string]struct{}
	recentOrder  []string
	channelSize  int
	backlogLimit int
	dedupeWindow int
	logger       Logger
}

// Subscription represents an active session subscription.
type Subscription struct {
	Events <-chan Event
	cancel func()
}

// Close terminates the subscription.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// NewRouter constructs a router with sane defaults.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		subscribers:  map[string]map[*subscriber]struct{}{},
		backlog:      map[string][]Event{},
		recentIDs:    map[string]struct{}{},
		recentOrder:  make([]string, 0, defaultDedupeWindow),
		channelSize:  defaultSubscriberCapacity,
		backlogLimit: defaultBacklogLimit,
		dedupeWindow: defaultDedupeWindow,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// RouterWithLogger injects a logger for drop/diagnostic messages.
func RouterWithLogger(logger Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// RouterWithSubscriberCapacity overrides the buffered channel size per subscriber.
func RouterWithSubscriberCapacity(cap int) RouterOption {
	return func(r *Router) {
		if cap > 0 {
			r.channelSize = cap
		}
	}
}

// RouterWithBacklogLimit overrides the backlog size for pre-subscription buffering.
func RouterWithBacklogLimit(limit int) RouterOption {
	return func(r *Router) {
		if limit > 0 {
			r.backlogLimit = limit
		}
	}
}

// RouterWithDedupeWindow controls how many recent event IDs are retained.
func RouterWithDedupeWindow(size int) RouterOption {
	return func(r *Router) {
		if size > 0 {
			r.dedupeWindow = size
		}
	}
}

// Subscribe registers for events keyed by session ID.
func (r *Router) Subscribe(sessionID string) Subscription {
	session := normalizeSession(sessionID)
	sub := newSubscriber(r.channelSize, r.logger)
	var backlog []Event
	r.mu.Lock()
	if r.subscribers[session] == nil {
		r.subscribers[session] = map[*subscriber]struct{}{}
	}
	r.subscribers[session][sub] = struct{}{}
	if existing := r.backlog[session]; len(existing) > 0 {
		backlog = append(backlog, existing...)
		delete(r.backlog, session)
	}
	r.mu.Unlock()
	for _, event := range backlog {
		sub.deliver(event)
	}
	return Subscription{
		Events: sub.channel(),
		cancel: func() {
			r.removeSubscriber(session, sub)
		},
	}
}

// HandleEvent satisfies the Processor interface.
func (r *Router) HandleEvent(event Event) error {
	r.Route(event)
	return nil
}

// Route delivers the event to subscribers or buffers it when none exist.
func (r *Router) Route(event Event) {
	if event.EventID != "" && r.isDuplicate(event.EventID) {
		return
	}
	session := normalizeSession(event.SessionID)
	if session == "" {
		return
	}
	r.mu.RLock()
	subs := r.snapshotSubscribers(session)
	r.mu.RUnlock()
	if len(subs) == 0 {
		r.bufferEvent(session, event)
		return
	}
	for _, sub := range subs {
		sub.deliver(event)
	}
}

func (r *Router) snapshotSubscribers(session string) []*subscriber {
	live := r.subscribers[session]
	if len(live) == 0 {
		return nil
	}
	items := make([]*subscriber, 0, len(live))
	for sub := range live {
		items = append(items, sub)
	}
	return items
}

func (r *Router) removeSubscriber(session string, sub *subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subs := r.subscribers[session]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(r.subscribers, session)
		}
	}
	sub.close()
}

func (r *Router) bufferEvent(session string, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	queue := r.backlog[session]
	if len(queue) >= r.backlogLimit {
		queue = queue[1:]
		if r.logger != nil {
			r.logger.Printf("eventbridge: backlog drop for %s (limit %d)", session, r.backlogLimit)
		}
	}
	queue = append(queue, event)
	r.backlog[session] = queue
}

func (r *Router) isDuplicate(eventID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.recentIDs[eventID]; ok {
		return true
	}
	r.recentIDs[eventID] = struct{}{}
	r.recentOrder = append(r.recentOrder, eventID)
	if len(r.recentOrder) > r.dedupeWindow {
		oldest := r.recentOrder[0]
		r.recentOrder = r.recentOrder[1:]
		delete(r.recentIDs, oldest)
	}
	return false
}

func normalizeSession(sessionID string) string {
	return strings.TrimSpace(sessionID)
}

type subscriber struct {
	ch      chan Event
	logger  Logger
	closed  bool
	closeMu sync.Mutex
}

func newSubscriber(capacity int, logger Logger) *subscriber {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	return &subscriber{
		ch:     make(chan Event, capacity),
		logger: logger,
	}
}

func (s *subscriber) channel() <-chan Event {
	return s.ch
}

// deliver never blocks; all sends happen under closeMu so a concurrent Close
// cannot close the channel mid-send.
func (s *subscriber) deliver(event Event) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
		return
	default:
	}
	select {
	case oldest := <-s.ch:
		if shouldDropOldest(oldest, event) {
			s.logDrop(oldest, "queue overflow")
			s.send(event)
		} else {
			s.send(oldest)
			s.logDrop(event, "queue overflow:incoming")
		}
	default:
		s.send(event)
	}
}

func (s *subscriber) send(event Event) {
	select {
	case s.ch <- event:
	default:
		s.logDrop(event, "queue overflow")
	}
}

func (s *subscriber) logDrop(event Event, reason string) {
	if s.logger == nil {
		return
	}
	s.logger.Printf("eventbridge: dropped %s (%s)", event.Kind, reason)
}

func (s *subscriber) close() {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.closeMu.Unlock()
}

// shouldDropOldest keeps terminal and error notifications over routine
// status chatter when a subscriber queue overflows.
func shouldDropOldest(oldest, incoming Event) bool {
	oldestCritical := isCriticalEvent(oldest.Kind)
	incomingCritical := isCriticalEvent(incoming.Kind)
	switch {
	case oldestCritical && !incomingCritical:
		return false
	case !oldestCritical && incomingCritical:
		return true
	}
	oldestPreferred := isPreferredDrop(oldest.Kind)
	incomingPreferred := isPreferredDrop(incoming.Kind)
	if oldestPreferred && !incomingPreferred {
		return true
	}
	if !oldestPreferred && incomingPreferred {
		return false
	}
	return true
}

func isCriticalEvent(kind Kind) bool {
	return kind == KindSessionEnded || kind == KindError
}

func isPreferredDrop(kind Kind) bool {
	return kind == KindProcessStatus
}
