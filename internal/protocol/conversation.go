package protocol

import (
	"fmt"
	"sync"
)

// Conversations records which message ids have been sent in each
// conversation so replies can be checked for dangling in_reply_to references.
type Conversations struct {
	mu   sync.Mutex
	sent map[string]map[string]struct{}
}

// NewConversations creates an empty tracker.
func NewConversations() *Conversations {
	return &Conversations{sent: make(map[string]map[string]struct{})}
}

// Record validates m and remembers its id. A message whose in_reply_to does
// not name an earlier message of the same conversation is rejected.
func (c *Conversations) Record(m Message) error {
	if err := Validate(m); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := c.sent[m.ConversationID]
	if m.InReplyTo != "" {
		if _, ok := ids[m.InReplyTo]; !ok {
			return fmt.Errorf("%w: in_reply_to %s not found in conversation %q",
				ErrProtocolViolation, m.InReplyTo, m.ConversationID)
		}
	}
	if ids == nil {
		ids = make(map[string]struct{})
		c.sent[m.ConversationID] = ids
	}
	ids[m.MessageID] = struct{}{}
	return nil
}

// Forget removes messageIDs from a conversation, or the whole conversation
// when none are given. Other exchanges sharing the conversation keep their
// history; the conversation is dropped once it is empty.
func (c *Conversations) Forget(conversationID string, messageIDs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(messageIDs) == 0 {
		delete(c.sent, conversationID)
		return
	}
	ids := c.sent[conversationID]
	for _, id := range messageIDs {
		delete(ids, id)
	}
	if len(ids) == 0 {
		delete(c.sent, conversationID)
	}
}

// Len returns the number of messages remembered for a conversation.
func (c *Conversations) Len(conversationID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent[conversationID])
}

// Matches reports whether reply answers req: it must reference req's id,
// stay in req's conversation, and echo req's reply_with token when present.
func Matches(req, reply Message) bool {
	if reply.InReplyTo != req.MessageID {
		return false
	}
	if reply.ConversationID != req.ConversationID {
		return false
	}
	if req.ReplyWith != "" && reply.ReplyWith != "" && reply.ReplyWith != req.ReplyWith {
		return false
	}
	return true
}

// Correlator matches asynchronous replies to the requests that expect them,
// independent of delivery order.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest // reply_with -> request
}

type pendingRequest struct {
	req Message
	ch  chan Message
}

// NewCorrelator creates an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[string]*pendingRequest)}
}

// Expect registers req as awaiting a reply. req must carry a reply_with token.
// The returned channel receives exactly one matching reply.
func (c *Correlator) Expect(req Message) (<-chan Message, error) {
	if req.ReplyWith == "" {
		return nil, fmt.Errorf("%w: request %s has no reply_with token", ErrProtocolViolation, req.MessageID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.pending[req.ReplyWith]; dup {
		return nil, fmt.Errorf("%w: reply_with %q already pending", ErrProtocolViolation, req.ReplyWith)
	}
	ch := make(chan Message, 1)
	c.pending[req.ReplyWith] = &pendingRequest{req: req, ch: ch}
	return ch, nil
}

// Deliver hands reply to the request it answers. It returns false when no
// pending request matches.
func (c *Correlator) Deliver(reply Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if reply.ReplyWith != "" {
		p, ok := c.pending[reply.ReplyWith]
		if !ok || !Matches(p.req, reply) {
			return false
		}
		delete(c.pending, reply.ReplyWith)
		p.ch <- reply
		return true
	}
	for token, p := range c.pending {
		if Matches(p.req, reply) {
			delete(c.pending, token)
			p.ch <- reply
			return true
		}
	}
	return false
}

// Forget abandons a pending request, e.g. after a timeout.
func (c *Correlator) Forget(replyWith string) {
	c.mu.Lock()
	delete(c.pending, replyWith)
	c.mu.Unlock()
}

// Pending returns the number of requests still awaiting a reply.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
