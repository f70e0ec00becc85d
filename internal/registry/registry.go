// Package registry is the capability-indexed directory of running agents.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-assess/internal/agent"
)

var (
	// ErrAgentNotFound is returned when no agent matches an id or capability.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrInvalidRegistration is returned for an empty id or a nil handle.
	ErrInvalidRegistration = errors.New("invalid registration")
)

// Descriptor is the registry's record of one agent. Handle is shared with the
// agent implementation, which owns its own state.
type Descriptor struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Capabilities []string          `json:"capabilities"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Handle       agent.Agent       `json:"-"`

	seq uint64
}

// Registry maps capability names to the agents advertising them. A single
// mutex covers both the descriptor map and the capability index so lookups
// never observe one without the other.
type Registry struct {
	mu           sync.RWMutex
	agents       map[string]*Descriptor
	capabilities map[string][]string // capability -> ids in registration order
	nextSeq      uint64
	logger       *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		agents:       make(map[string]*Descriptor),
		capabilities: make(map[string][]string),
		logger:       logger,
	}
}

// Register inserts or replaces the descriptor for id. Re-registration keeps
// the agent's original registration position, drops capability entries it no
// longer advertises, and is logged as a conflict rather than failing.
func (r *Registry) Register(id string, handle agent.Agent, capabilities []string, metadata map[string]string) error {
	if id == "" || handle == nil {
		return fmt.Errorf("%w: id=%q", ErrInvalidRegistration, id)
	}
	caps := dedupe(capabilities)

	r.mu.Lock()
	defer r.mu.Unlock()

	seq := r.nextSeq
	if prev, ok := r.agents[id]; ok {
		seq = prev.seq
		r.logger.Warn("registration conflict, overwriting",
			zap.String("agent", id),
			zap.Strings("old_capabilities", prev.Capabilities),
			zap.Strings("new_capabilities", caps))
		for _, c := range prev.Capabilities {
			r.unindexLocked(c, id)
		}
	} else {
		r.nextSeq++
	}

	d := &Descriptor{
		ID:           id,
		Name:         handle.Name(),
		Capabilities: caps,
		Metadata:     copyMeta(metadata),
		Handle:       handle,
		seq:          seq,
	}
	if n, ok := d.Metadata["name"]; ok && n != "" {
		d.Name = n
	}
	r.agents[id] = d
	for _, c := range caps {
		r.indexLocked(c, id)
	}

	r.logger.Info("agent registered",
		zap.String("agent", id),
		zap.Strings("capabilities", caps))
	return nil
}

// Deregister removes id and its capability entries. Unknown ids are logged
// and otherwise ignored.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.agents[id]
	if !ok {
		r.logger.Warn("deregister of unknown agent", zap.String("agent", id))
		return
	}
	for _, c := range d.Capabilities {
		r.unindexLocked(c, id)
	}
	delete(r.agents, id)
	r.logger.Info("agent deregistered", zap.String("agent", id))
}

// FindByID returns the handle registered under id.
func (r *Registry) FindByID(id string) (agent.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %s", ErrAgentNotFound, id)
	}
	return d.Handle, nil
}

// FindAllByCapability returns the handles advertising capability, oldest
// registration first. The result is empty, not nil-error, when none match.
func (r *Registry) FindAllByCapability(capability string) []agent.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.capabilities[capability]
	out := make([]agent.Agent, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.agents[id].Handle)
	}
	return out
}

// FindOneByCapability returns the oldest registered agent advertising
// capability. Callers needing load balancing should use FindAllByCapability.
func (r *Registry) FindOneByCapability(capability string) (agent.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.capabilities[capability]
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: capability %s", ErrAgentNotFound, capability)
	}
	return r.agents[ids[0]].Handle, nil
}

// List returns descriptor snapshots in registration order.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.agents))
	for _, d := range r.agents {
		cp := *d
		cp.Capabilities = append([]string(nil), d.Capabilities...)
		cp.Metadata = copyMeta(d.Metadata)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Capabilities returns a snapshot of the capability index.
func (r *Registry) Capabilities() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string, len(r.capabilities))
	for c, ids := range r.capabilities {
		out[c] = append([]string(nil), ids...)
	}
	return out
}

// indexLocked inserts id into the capability entry keeping registration order.
func (r *Registry) indexLocked(capability, id string) {
	ids := r.capabilities[capability]
	seq := r.agents[id].seq
	pos := sort.Search(len(ids), func(i int) bool { return r.agents[ids[i]].seq > seq })
	ids = append(ids, "")
	copy(ids[pos+1:], ids[pos:])
	ids[pos] = id
	r.capabilities[capability] = ids
}

// unindexLocked removes id from the capability entry, dropping empty entries.
func (r *Registry) unindexLocked(capability, id string) {
	ids := r.capabilities[capability]
	for i, v := range ids {
		if v == id {
			ids = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(r.capabilities, capability)
		return
	}
	r.capabilities[capability] = ids
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, c := range in {
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

func copyMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
