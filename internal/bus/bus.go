// Package bus delivers protocol messages by topic (publish/subscribe) or
// directly to a registered agent.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-assess/internal/agent"
	"github.com/nidhogg/nuka-assess/internal/protocol"
)

var (
	// ErrMessageRouting is returned when a direct route names an unknown agent.
	ErrMessageRouting = errors.New("message routing failure")
	// ErrClosed is returned by Publish and Subscribe after Close.
	ErrClosed = errors.New("bus closed")
)

// Handler consumes one message. Errors and panics are logged and counted;
// they never stop delivery to other subscribers.
type Handler func(ctx context.Context, msg protocol.Message) error

// Resolver looks agents up by id. *registry.Registry satisfies it.
type Resolver interface {
	FindByID(id string) (agent.Agent, error)
}

// Stats counts deliveries since the bus was created.
type Stats struct {
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
}

// Bus is an in-process message bus. Each subscription owns a queue drained
// by its own goroutine, so delivery is FIFO per (topic, subscriber) and a
// slow handler only delays itself.
type Bus struct {
	mu     sync.RWMutex
	topics map[string][]*subscription
	closed bool
	wg     sync.WaitGroup

	delivered atomic.Int64
	failed    atomic.Int64

	conversations *protocol.Conversations
	correlator    *protocol.Correlator
	logger        *zap.Logger
}

// New creates an empty bus.
func New(logger *zap.Logger) *Bus {
	return &Bus{
		topics:        make(map[string][]*subscription),
		conversations: protocol.NewConversations(),
		correlator:    protocol.NewCorrelator(),
		logger:        logger,
	}
}

// Subscribe registers handler for topic under name. A second subscription
// with the same topic and name is a no-op.
func (b *Bus) Subscribe(topic, name string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for _, s := range b.topics[topic] {
		if s.name == name {
			b.logger.Debug("duplicate subscription ignored",
				zap.String("topic", topic), zap.String("subscriber", name))
			return nil
		}
	}
	s := newSubscription(b, topic, name, handler)
	b.topics[topic] = append(b.topics[topic], s)
	b.wg.Add(1)
	go s.run()
	return nil
}

// Unsubscribe removes the named subscription. Messages already queued for
// it are still delivered.
func (b *Bus) Unsubscribe(topic, name string) {
	b.mu.Lock()
	subs := b.topics[topic]
	var removed *subscription
	for i, s := range subs {
		if s.name == name {
			removed = s
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.topics, topic)
	} else {
		b.topics[topic] = subs
	}
	b.mu.Unlock()

	if removed != nil {
		removed.stop()
	}
}

// Publish enqueues msg for every subscriber of topic in subscription order.
// It does not wait for handlers to run.
func (b *Bus) Publish(topic string, msg protocol.Message) error {
	if err := protocol.Validate(msg); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for _, s := range b.topics[topic] {
		s.enqueue(msg)
	}
	return nil
}

// Subscribers returns the subscriber names of topic in subscription order.
func (b *Bus) Subscribers(topic string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.topics[topic]))
	for _, s := range b.topics[topic] {
		out = append(out, s.name)
	}
	return out
}

// Stats returns delivery counters.
func (b *Bus) Stats() Stats {
	return Stats{Delivered: b.delivered.Load(), Failed: b.failed.Load()}
}

// Close stops accepting messages, drains every queue and waits for the
// subscriber goroutines to exit. Calling Close twice is safe.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*subscription
	for _, subs := range b.topics {
		all = append(all, subs...)
	}
	b.topics = make(map[string][]*subscription)
	b.mu.Unlock()

	for _, s := range all {
		s.stop()
	}
	b.wg.Wait()
}

// RouteToAgent resolves agentID and delivers msg to its inbound handler,
// returning the agent's reply (nil when the message needs none). The agent
// runs in its own goroutine so ctx bounds the wait.
func (b *Bus) RouteToAgent(ctx context.Context, agentID string, msg protocol.Message, resolver Resolver) (*protocol.Message, error) {
	a, err := resolver.FindByID(agentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMessageRouting, agentID, err)
	}

	done := make(chan *protocol.Message, 1)
	go func() { done <- agent.Dispatch(ctx, a, msg) }()

	select {
	case reply := <-done:
		b.logger.Debug("routed message",
			zap.String("to", agentID),
			zap.String("performative", string(msg.Performative)),
			zap.String("message_id", msg.MessageID))
		return reply, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("route to %s: %w", agentID, ctx.Err())
	}
}

// Request sends msg to agentID and waits for the correlated reply. Missing
// conversation and reply_with fields are filled in. A NOT_UNDERSTOOD reply
// is a protocol violation and a FAILURE reply a TaskExecutionFailure.
func (b *Bus) Request(ctx context.Context, agentID string, msg protocol.Message, resolver Resolver) (protocol.Message, error) {
	if msg.ConversationID == "" {
		msg = msg.WithConversation(protocol.NewConversationID())
	}
	if msg.ReplyWith == "" {
		msg = msg.WithReplyWith(msg.MessageID)
	}
	if err := b.conversations.Record(msg); err != nil {
		return protocol.Message{}, err
	}
	// Only this exchange's ids are dropped: concurrent requests of one
	// assessment share its conversation.
	exchange := []string{msg.MessageID}
	defer func() { b.conversations.Forget(msg.ConversationID, exchange...) }()

	wait, err := b.correlator.Expect(msg)
	if err != nil {
		return protocol.Message{}, err
	}
	defer b.correlator.Forget(msg.ReplyWith)

	reply, err := b.RouteToAgent(ctx, agentID, msg, resolver)
	if err != nil {
		return protocol.Message{}, err
	}
	if reply == nil {
		return protocol.Message{}, fmt.Errorf("%w: %s sent no reply to %s", protocol.ErrProtocolViolation, agentID, msg.MessageID)
	}
	if err := b.conversations.Record(*reply); err != nil {
		return protocol.Message{}, err
	}
	exchange = append(exchange, reply.MessageID)
	if !b.correlator.Deliver(*reply) {
		return protocol.Message{}, fmt.Errorf("%w: reply %s does not answer %s", protocol.ErrProtocolViolation, reply.MessageID, msg.MessageID)
	}

	var got protocol.Message
	select {
	case got = <-wait:
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}

	switch got.Performative {
	case protocol.NotUnderstood:
		reason := ""
		if n, ok := got.Content.(protocol.Notice); ok {
			reason = n.Text
		}
		return got, fmt.Errorf("%w: %s did not understand %s: %s", protocol.ErrProtocolViolation, agentID, msg.Performative, reason)
	case protocol.Failure:
		info, _ := got.Content.(protocol.FailureInfo)
		taskID := ""
		if tr, ok := msg.Content.(protocol.TaskRequest); ok {
			taskID = tr.TaskID
		}
		return got, &agent.TaskExecutionFailure{AgentID: agentID, TaskID: taskID, Err: errors.New(info.Reason)}
	}
	return got, nil
}

type subscription struct {
	bus     *Bus
	topic   string
	name    string
	handler Handler

	mu      sync.Mutex
	queue   []protocol.Message
	notify  chan struct{}
	done    chan struct{}
	stopped bool
}

func newSubscription(b *Bus, topic, name string, h Handler) *subscription {
	return &subscription{
		bus:     b,
		topic:   topic,
		name:    name,
		handler: h,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (s *subscription) enqueue(msg protocol.Message) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	close(s.done)
}

func (s *subscription) run() {
	defer s.bus.wg.Done()
	for {
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			msg := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.deliver(msg)
		}
		select {
		case <-s.notify:
		case <-s.done:
			s.mu.Lock()
			empty := len(s.queue) == 0
			s.mu.Unlock()
			if empty {
				return
			}
		}
	}
}

func (s *subscription) deliver(msg protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.failed.Add(1)
			s.bus.logger.Error("subscriber panic",
				zap.String("topic", s.topic),
				zap.String("subscriber", s.name),
				zap.Any("panic", r))
		}
	}()
	if err := s.handler(context.Background(), msg); err != nil {
		s.bus.failed.Add(1)
		s.bus.logger.Warn("subscriber failed",
			zap.String("topic", s.topic),
			zap.String("subscriber", s.name),
			zap.String("message_id", msg.MessageID),
			zap.Error(err))
		return
	}
	s.bus.delivered.Add(1)
}
