package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultLanguage = "JSON"
	DefaultProtocol = "CustomMCP_v1.0"

	// BroadcastMarker is the wire value of a broadcast receiver.
	BroadcastMarker = "ALL"
)

// Receiver addresses a single agent, a list of agents, or every subscriber.
type Receiver struct {
	ids       []string
	broadcast bool
}

// To addresses a single agent.
func To(id string) Receiver { return Receiver{ids: []string{id}} }

// ToMany addresses several agents.
func ToMany(ids ...string) Receiver {
	return Receiver{ids: append([]string(nil), ids...)}
}

// Broadcast addresses every subscriber of the topic the message is published on.
func Broadcast() Receiver { return Receiver{broadcast: true} }

func (r Receiver) IsBroadcast() bool { return r.broadcast }

func (r Receiver) IsZero() bool { return !r.broadcast && len(r.ids) == 0 }

// IDs returns a copy of the addressed agent ids.
func (r Receiver) IDs() []string { return append([]string(nil), r.ids...) }

// Includes reports whether id is addressed by r.
func (r Receiver) Includes(id string) bool {
	if r.broadcast {
		return true
	}
	for _, v := range r.ids {
		if v == id {
			return true
		}
	}
	return false
}

func (r Receiver) String() string {
	switch {
	case r.broadcast:
		return BroadcastMarker
	case len(r.ids) == 1:
		return r.ids[0]
	default:
		return fmt.Sprint(r.ids)
	}
}

func (r Receiver) MarshalJSON() ([]byte, error) {
	if r.broadcast {
		return json.Marshal(BroadcastMarker)
	}
	if len(r.ids) == 1 {
		return json.Marshal(r.ids[0])
	}
	return json.Marshal(r.ids)
}

func (r *Receiver) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		if single == BroadcastMarker {
			*r = Broadcast()
		} else {
			*r = To(single)
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("%w: receiver_id must be a string or list", ErrProtocolViolation)
	}
	*r = ToMany(many...)
	return nil
}

// Message is the protocol envelope exchanged between agents and the orchestrator.
// Treat a constructed Message as immutable; derive new ones with Reply or With*.
type Message struct {
	MessageID      string       `json:"message_id"`
	SenderID       string       `json:"sender_id"`
	ReceiverID     Receiver     `json:"receiver_id"`
	Performative   Performative `json:"performative"`
	Content        Payload      `json:"-"`
	Ontology       string       `json:"ontology,omitempty"`
	Language       string       `json:"language"`
	Protocol       string       `json:"protocol"`
	ConversationID string       `json:"conversation_id,omitempty"`
	InReplyTo      string       `json:"in_reply_to,omitempty"`
	ReplyWith      string       `json:"reply_with,omitempty"`
	Timestamp      time.Time    `json:"timestamp"`
}

// NewMessage builds a message with a fresh id and a UTC timestamp.
func NewMessage(sender string, to Receiver, perf Performative, content Payload) Message {
	return Message{
		MessageID:    uuid.New().String(),
		SenderID:     sender,
		ReceiverID:   to,
		Performative: perf,
		Content:      content,
		Language:     DefaultLanguage,
		Protocol:     DefaultProtocol,
		Timestamp:    time.Now().UTC(),
	}
}

// NewConversationID returns a fresh conversation id.
func NewConversationID() string { return uuid.New().String() }

// WithConversation returns a copy of m in the given conversation.
func (m Message) WithConversation(id string) Message {
	m.ConversationID = id
	return m
}

// WithReplyWith returns a copy of m expecting a reply tagged token.
func (m Message) WithReplyWith(token string) Message {
	m.ReplyWith = token
	return m
}

// WithOntology returns a copy of m tagged with a domain ontology.
func (m Message) WithOntology(o string) Message {
	m.Ontology = o
	return m
}

// Reply builds a response to orig: addressed to its sender, in the same
// conversation, referencing its id, and echoing its reply_with token.
func Reply(orig Message, sender string, perf Performative, content Payload) Message {
	r := NewMessage(sender, To(orig.SenderID), perf, content)
	r.ConversationID = orig.ConversationID
	r.InReplyTo = orig.MessageID
	r.ReplyWith = orig.ReplyWith
	r.Ontology = orig.Ontology
	return r
}

// NotUnderstoodReply answers a message the receiver cannot interpret.
func NotUnderstoodReply(orig Message, sender, reason string) Message {
	return Reply(orig, sender, NotUnderstood, Notice{Text: reason})
}

// FailureReply answers orig with a FAILURE carrying err.
func FailureReply(orig Message, sender, kind string, err error) Message {
	return Reply(orig, sender, Failure, FailureInfo{Reason: err.Error(), ErrorKind: kind})
}

// Validate checks the required fields of m.
func Validate(m Message) error {
	switch {
	case m.MessageID == "":
		return fmt.Errorf("%w: missing message_id", ErrProtocolViolation)
	case m.SenderID == "":
		return fmt.Errorf("%w: missing sender_id", ErrProtocolViolation)
	case m.ReceiverID.IsZero():
		return fmt.Errorf("%w: missing receiver_id", ErrProtocolViolation)
	case !m.Performative.Valid():
		return fmt.Errorf("%w: invalid performative %q", ErrProtocolViolation, m.Performative)
	case m.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrProtocolViolation)
	}
	if m.Performative == Failure {
		if _, ok := m.Content.(FailureInfo); !ok {
			return fmt.Errorf("%w: failure message without failure content", ErrProtocolViolation)
		}
	}
	return nil
}

type messageAlias Message

type wireMessage struct {
	messageAlias
	Content *envelope `json:"content,omitempty"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{messageAlias: messageAlias(m)}
	if m.Content != nil {
		body, err := json.Marshal(m.Content)
		if err != nil {
			return nil, fmt.Errorf("marshal %s content: %w", m.Content.Kind(), err)
		}
		w.Content = &envelope{Kind: m.Content.Kind(), Body: body}
	}
	return json.Marshal(w)
}

func (m *Message) UnmarshalJSON(b []byte) error {
	var w wireMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*m = Message(w.messageAlias)
	if w.Content != nil {
		p, err := decodePayload(*w.Content)
		if err != nil {
			return err
		}
		m.Content = p
	}
	return nil
}
