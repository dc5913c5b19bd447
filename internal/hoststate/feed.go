package hoststate

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/kingrea/exthost/internal/logging"
)

const (
	defaultSubscriberCapacity = 100
	defaultBacklogLimit       = 50
)

// Topic groups change events by the part of host state they touch.
type Topic string

const (
	TopicRegistry  Topic = "registry"
	TopicGraph     Topic = "graph"
	TopicLaunchers Topic = "launchers"
	TopicModules   Topic = "modules"
	TopicSections  Topic = "sections"
	TopicWorker    Topic = "worker"
	// TopicAll subscribes to every topic.
	TopicAll Topic = "*"
)

// Event is one change notification.
type Event struct {
	Seq      uint64    `json:"seq"`
	Topic    Topic     `json:"topic"`
	Time     time.Time `json:"time"`
	Subject  string    `json:"subject,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	Critical bool      `json:"critical,omitempty"`
}

// FeedOption customizes Feed construction.
type FeedOption func(*Feed)

// FeedWithLogger injects a logger for drop diagnostics.
func FeedWithLogger(logger *logging.Logger) FeedOption {
	return func(f *Feed) {
		f.logger = logger
	}
}

// FeedWithSubscriberCapacity overrides the buffered channel size per
// subscriber.
func FeedWithSubscriberCapacity(capacity int) FeedOption {
	return func(f *Feed) {
		if capacity > 0 {
			f.channelSize = capacity
		}
	}
}

// FeedWithBacklogLimit overrides how many events per topic are held while
// nobody listens.
func FeedWithBacklogLimit(limit int) FeedOption {
	return func(f *Feed) {
		if limit > 0 {
			f.backlogLimit = limit
		}
	}
}

// FeedWithClock overrides the event clock.
func FeedWithClock(now func() time.Time) FeedOption {
	return func(f *Feed) {
		if now != nil {
			f.now = now
		}
	}
}

// Feed fans host change events out to subscribers with per-topic buffering
// and bounded channels. A full subscriber drops its oldest non-critical
// event.
type Feed struct {
	mu           sync.RWMutex
	subscribers  map[Topic]map[*subscriber]struct{}
	backlog      map[Topic][]Event
	seq          atomic.Uint64
	channelSize  int
	backlogLimit int
	logger       *logging.Logger
	now          func() time.Time
}

// Subscription represents an active subscription.
type Subscription struct {
	Events <-chan Event
	cancel func()
}

// Close terminates the subscription and closes Events.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// NewFeed constructs a feed with sane defaults.
func NewFeed(opts ...FeedOption) *Feed {
	f := &Feed{
		subscribers:  map[Topic]map[*subscriber]struct{}{},
		backlog:      map[Topic][]Event{},
		channelSize:  defaultSubscriberCapacity,
		backlogLimit: defaultBacklogLimit,
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Subscribe registers for one topic, or every topic with TopicAll. Events
// buffered while nobody listened are delivered first, oldest first.
func (f *Feed) Subscribe(topic Topic) Subscription {
	sub := newSubscriber(f.channelSize, f.logger)
	var backlog []Event
	f.mu.Lock()
	if f.subscribers[topic] == nil {
		f.subscribers[topic] = map[*subscriber]struct{}{}
	}
	f.subscribers[topic][sub] = struct{}{}
	if topic == TopicAll {
		for t, events := range f.backlog {
			backlog = append(backlog, events...)
			delete(f.backlog, t)
		}
		sort.Slice(backlog, func(i, j int) bool { return backlog[i].Seq < backlog[j].Seq })
	} else if existing := f.backlog[topic]; len(existing) > 0 {
		backlog = append(backlog, existing...)
		delete(f.backlog, topic)
	}
	f.mu.Unlock()
	for _, event := range backlog {
		sub.deliver(event)
	}
	return Subscription{
		Events: sub.channel(),
		cancel: func() {
			f.removeSubscriber(topic, sub)
		},
	}
}

// Publish stamps and delivers an event.
func (f *Feed) Publish(topic Topic, subject, detail string, critical bool) Event {
	event := Event{
		Seq:      f.seq.Inc(),
		Topic:    topic,
		Time:     f.now().UTC(),
		Subject:  subject,
		Detail:   detail,
		Critical: critical,
	}
	f.mu.RLock()
	subs := f.snapshotSubscribers(topic)
	f.mu.RUnlock()
	if len(subs) == 0 {
		f.bufferEvent(event)
		return event
	}
	for _, sub := range subs {
		sub.deliver(event)
	}
	return event
}

func (f *Feed) snapshotSubscribers(topic Topic) []*subscriber {
	items := make([]*subscriber, 0, len(f.subscribers[topic])+len(f.subscribers[TopicAll]))
	for sub := range f.subscribers[topic] {
		items = append(items, sub)
	}
	for sub := range f.subscribers[TopicAll] {
		items = append(items, sub)
	}
	return items
}

func (f *Feed) removeSubscriber(topic Topic, sub *subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if subs := f.subscribers[topic]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(f.subscribers, topic)
		}
	}
	sub.close()
}

func (f *Feed) bufferEvent(event Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	queue := f.backlog[event.Topic]
	if len(queue) >= f.backlogLimit {
		queue = queue[1:]
		f.logger.Debugf("hoststate: backlog drop for %s (limit %d)", event.Topic, f.backlogLimit)
	}
	f.backlog[event.Topic] = append(queue, event)
}

type subscriber struct {
	ch      chan Event
	logger  *logging.Logger
	closed  bool
	closeMu sync.Mutex
}

func newSubscriber(capacity int, logger *logging.Logger) *subscriber {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	return &subscriber{ch: make(chan Event, capacity), logger: logger}
}

func (s *subscriber) channel() <-chan Event {
	return s.ch
}

// deliver holds closeMu so a concurrent close cannot race the send.
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
	var oldest Event
	select {
	case oldest = <-s.ch:
	default:
		// the reader drained the channel in the meantime
		s.ch <- event
		return
	}
	if oldest.Critical && !event.Critical {
		s.ch <- oldest
		s.logDrop(event)
		return
	}
	s.logDrop(oldest)
	s.ch <- event
}

func (s *subscriber) logDrop(event Event) {
	s.logger.Debugf("hoststate: dropped %s event %d (queue overflow)", event.Topic, event.Seq)
}

func (s *subscriber) close() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
