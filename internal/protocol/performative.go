package protocol

import "fmt"

// Performative is the communicative intent of a Message.
type Performative string

const (
	Request        Performative = "request"
	Inform         Performative = "inform"
	QueryRef       Performative = "query_ref"
	Propose        Performative = "propose"
	AcceptProposal Performative = "accept_proposal"
	RejectProposal Performative = "reject_proposal"
	Failure        Performative = "failure"
	Confirm        Performative = "confirm"
	Cancel         Performative = "cancel"
	Subscribe      Performative = "subscribe"
	NotUnderstood  Performative = "not_understood"
)

var performatives = map[Performative]struct{}{
	Request: {}, Inform: {}, QueryRef: {}, Propose: {},
	AcceptProposal: {}, RejectProposal: {}, Failure: {}, Confirm: {},
	Cancel: {}, Subscribe: {}, NotUnderstood: {},
}

// Valid reports whether p belongs to the closed performative vocabulary.
func (p Performative) Valid() bool {
	_, ok := performatives[p]
	return ok
}

// ParsePerformative converts a wire value into a Performative.
func ParsePerformative(s string) (Performative, error) {
	p := Performative(s)
	if !p.Valid() {
		return "", fmt.Errorf("%w: unknown performative %q", ErrProtocolViolation, s)
	}
	return p, nil
}

// UnmarshalText rejects values outside the vocabulary.
func (p *Performative) UnmarshalText(b []byte) error {
	parsed, err := ParsePerformative(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
