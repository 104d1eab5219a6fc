package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pulsefit/sync_layer/internal/cache"
	"github.com/pulsefit/sync_layer/internal/metrics"
	"github.com/pulsefit/sync_layer/pkg/logger"
)

// ChannelState describes one topic subscription.
type ChannelState string

const (
	ChannelConnecting   ChannelState = "connecting"
	ChannelConnected    ChannelState = "connected"
	ChannelDisconnected ChannelState = "disconnected"
	ChannelError        ChannelState = "error"
)

// Invalidator is the slice of the query cache the service needs.
type Invalidator interface {
	Invalidate(prefix cache.Key)
}

// ChannelStatus is the diagnostic view of a channel.
type ChannelStatus struct {
	ID    string       `json:"id"`
	Topic string       `json:"topic"`
	State ChannelState `json:"state"`
}

// ConnectionStatus is the diagnostic view of the service.
type ConnectionStatus struct {
	Connected         bool            `json:"connected"`
	ChannelCount      int             `json:"channelCount"`
	ReconnectAttempts int             `json:"reconnectAttempts"`
	Channels          []ChannelStatus `json:"channels,omitempty"`
}

// DefaultReconnectDelays is the backoff ladder between connection attempts.
// The final delay repeats indefinitely.
var DefaultReconnectDelays = []time.Duration{
	time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
}

// ServiceOptions configure a Service.
type ServiceOptions struct {
	Transport       Transport
	Routes          Routes
	Cache           Invalidator
	Log             *logger.Logger
	Metrics         *metrics.Metrics
	ReconnectDelays []time.Duration
	MaxJoinAttempts int
	JoinRetryDelay  time.Duration
}

type channel struct {
	id       string
	topic    string
	owner    string
	state    ChannelState
	attempts int
}

// Service owns the realtime connection for the signed-in user. One channel is
// joined per topic the routes table derives for that user; incoming change
// events are mapped back through the table to cache invalidations.
//
// Channels are stamped with the user they were opened for and never survive a
// user change: any event arriving for a torn-down channel or a previous owner
// is dropped.
type Service struct {
	transport Transport
	routes    Routes
	cache     Invalidator
	log       *logger.Logger
	metrics   *metrics.Metrics
	delays    []time.Duration
	maxJoin   int
	joinDelay time.Duration

	mu                sync.Mutex
	userID            string
	topics            []string
	started           bool
	connected         bool
	conn              Conn
	channels          map[string]*channel
	reconnectAttempts int
	cancel            context.CancelFunc
	runDone           chan struct{}
}

// NewService builds a subscription service.
func NewService(opts ServiceOptions) *Service {
	if opts.Log == nil {
		opts.Log = logger.NewDefault("realtime")
	}
	if len(opts.ReconnectDelays) == 0 {
		opts.ReconnectDelays = DefaultReconnectDelays
	}
	if opts.MaxJoinAttempts == 0 {
		opts.MaxJoinAttempts = 3
	}
	if opts.JoinRetryDelay == 0 {
		opts.JoinRetryDelay = time.Second
	}
	return &Service{
		transport: opts.Transport,
		routes:    opts.Routes,
		cache:     opts.Cache,
		log:       opts.Log,
		metrics:   opts.Metrics,
		delays:    opts.ReconnectDelays,
		maxJoin:   opts.MaxJoinAttempts,
		joinDelay: opts.JoinRetryDelay,
		channels:  make(map[string]*channel),
	}
}

// Start opens the connection and subscribes every topic for userID.
// Idempotent: starting again for the same user while running is a no-op.
// Starting for a different user tears the previous session down first.
func (s *Service) Start(userID string) error {
	s.mu.Lock()
	if s.started && s.userID == userID {
		s.mu.Unlock()
		return nil
	}
	if s.started {
		s.mu.Unlock()
		s.Stop(false)
		s.mu.Lock()
	}

	// Topics retained by a graceful stop are only valid for the same user.
	if userID != s.userID || len(s.topics) == 0 {
		s.topics = s.routes.TopicsFor(userID)
	}
	s.userID = userID
	s.started = true
	s.reconnectAttempts = 0

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	done := make(chan struct{})
	s.runDone = done
	topics := s.topics
	s.mu.Unlock()

	s.log.WithField("user", userID).Info("realtime service starting")
	go s.run(ctx, userID, topics, done)
	return nil
}

// Stop tears the connection down. graceful retains the user and derived
// topics so a later Start resumes without re-deriving them (backgrounding);
// non-graceful clears both (logout).
func (s *Service) Stop(graceful bool) {
	s.mu.Lock()
	if !s.started {
		if !graceful {
			s.userID = ""
			s.topics = nil
		}
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel, done, conn := s.cancel, s.runDone, s.conn
	s.cancel, s.runDone, s.conn = nil, nil, nil
	s.connected = false
	s.channels = make(map[string]*channel)
	if !graceful {
		s.userID = ""
		s.topics = nil
	}
	s.mu.Unlock()

	cancel()
	if conn != nil {
		conn.Close()
	}
	<-done
	s.metrics.SetChannelCount(0)
	s.log.WithField("graceful", graceful).Info("realtime service stopped")
}

// Cleanup is the hard reset used on logout: full teardown plus discarding
// every derived subscription topic.
func (s *Service) Cleanup() {
	s.Stop(false)
	s.mu.Lock()
	s.reconnectAttempts = 0
	s.mu.Unlock()
}

// Status reports the current connection state.
func (s *Service) Status() ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := ConnectionStatus{
		Connected:         s.connected,
		ReconnectAttempts: s.reconnectAttempts,
	}
	for _, ch := range s.channels {
		st.Channels = append(st.Channels, ChannelStatus{ID: ch.id, Topic: ch.topic, State: ch.state})
		if ch.state == ChannelConnected {
			st.ChannelCount++
		}
	}
	return st
}

// run is the connection loop: dial, join, read until disconnect, back off,
// repeat until the context is cancelled.
func (s *Service) run(ctx context.Context, userID string, topics []string, done chan struct{}) {
	defer close(done)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if attempt > 0 {
			s.metrics.RecordReconnectAttempt()
			delay := s.reconnectDelay(attempt)
			s.log.WithFields(map[string]interface{}{
				"attempt": attempt,
				"delay":   delay.String(),
			}).Info("realtime reconnect scheduled")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}

		conn, err := s.transport.Dial(ctx)
		if err != nil {
			attempt++
			s.setReconnectAttempts(attempt)
			s.log.WithError(err).Warn("realtime dial failed")
			continue
		}

		if !s.attach(conn, userID, topics) {
			conn.Close()
			return
		}
		attempt = 0

		s.joinChannels(ctx, conn, topics)
		err = s.readLoop(conn, userID)
		s.detach(conn)
		if ctx.Err() != nil {
			return
		}
		s.log.WithError(err).Warn("realtime connection lost")
		attempt = 1
		s.setReconnectAttempts(attempt)
	}
}

// attach publishes a fresh connection. Returns false when the service was
// stopped while dialing.
func (s *Service) attach(conn Conn, userID string, topics []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.userID != userID {
		return false
	}
	s.conn = conn
	s.connected = true
	s.reconnectAttempts = 0
	s.channels = make(map[string]*channel, len(topics))
	for _, topic := range topics {
		s.channels[topic] = &channel{
			id:    uuid.NewString(),
			topic: topic,
			owner: userID,
			state: ChannelConnecting,
		}
	}
	return true
}

func (s *Service) detach(conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.conn = nil
	}
	s.connected = false
	for _, ch := range s.channels {
		ch.state = ChannelDisconnected
	}
	s.metrics.SetChannelCount(0)
}

// joinChannels subscribes every topic. A failing channel is retried on its
// own up to the bounded attempt count and then left in error state; it never
// blocks the other channels.
func (s *Service) joinChannels(ctx context.Context, conn Conn, topics []string) {
	for _, topic := range topics {
		joined := false
		for attempt := 1; attempt <= s.maxJoin; attempt++ {
			if ctx.Err() != nil {
				return
			}
			if err := conn.Join(ctx, topic); err == nil {
				joined = true
				break
			} else {
				s.log.WithError(err).WithFields(map[string]interface{}{
					"topic":   topic,
					"attempt": attempt,
				}).Warn("channel join failed")
				s.setChannelAttempts(topic, attempt)
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.joinDelay):
				}
			}
		}
		if joined {
			s.setChannelState(topic, ChannelConnected)
		} else {
			s.setChannelState(topic, ChannelError)
		}
	}
}

func (s *Service) readLoop(conn Conn, userID string) error {
	for {
		ev, err := conn.Read()
		if err != nil {
			return err
		}
		s.dispatch(ev, userID)
	}
}

// dispatch routes one event to cache invalidations. Events for unknown
// channels, or channels owned by a different user than the current session,
// are dropped; delivery is at-least-once and Invalidate is idempotent, so a
// duplicate event is harmless.
func (s *Service) dispatch(ev Event, userID string) {
	s.mu.Lock()
	ch, ok := s.channels[ev.Topic]
	if !ok || !s.started || ch.owner != s.userID || ch.owner != userID {
		s.mu.Unlock()
		s.metrics.RecordEventDropped()
		return
	}
	s.mu.Unlock()

	prefixes := s.routes.PrefixesFor(ev.Topic, ev.Type, userID, ev.RecordID)
	if len(prefixes) == 0 {
		s.metrics.RecordEventDropped()
		return
	}
	for _, prefix := range prefixes {
		s.cache.Invalidate(prefix)
	}
	s.metrics.RecordEventDispatched()
	s.log.WithFields(map[string]interface{}{
		"topic": ev.Topic,
		"type":  ev.Type,
	}).Debug("realtime event dispatched")
}

func (s *Service) reconnectDelay(attempt int) time.Duration {
	idx := attempt - 1
	if idx >= len(s.delays) {
		idx = len(s.delays) - 1
	}
	return s.delays[idx]
}

func (s *Service) setReconnectAttempts(n int) {
	s.mu.Lock()
	s.reconnectAttempts = n
	s.mu.Unlock()
}

func (s *Service) setChannelState(topic string, state ChannelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[topic]
	if !ok {
		return
	}
	ch.state = state
	connected := 0
	for _, c := range s.channels {
		if c.state == ChannelConnected {
			connected++
		}
	}
	s.metrics.SetChannelCount(connected)
}

func (s *Service) setChannelAttempts(topic string, attempts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[topic]; ok {
		ch.attempts = attempts
	}
}
