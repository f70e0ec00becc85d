package agent

import (
	"context"

	"github.com/nidhogg/nuka-assess/internal/protocol"
)

// ExecuteFunc is the task body of a Func agent.
type ExecuteFunc func(ctx context.Context, params map[string]any, tctx map[string]any) (any, error)

// Func adapts a plain function into an Agent.
type Func struct {
	id   string
	name string
	caps []string
	exec ExecuteFunc
}

// NewFunc builds an agent advertising caps whose tasks run exec.
func NewFunc(id, name string, caps []string, exec ExecuteFunc) *Func {
	if name == "" {
		name = id
	}
	return &Func{id: id, name: name, caps: append([]string(nil), caps...), exec: exec}
}

func (f *Func) ID() string   { return f.id }
func (f *Func) Name() string { return f.name }

func (f *Func) Capabilities() []string { return append([]string(nil), f.caps...) }

func (f *Func) HandleMessage(ctx context.Context, msg protocol.Message) (*protocol.Message, error) {
	return HandleStandard(ctx, f, msg)
}

func (f *Func) ExecuteTask(ctx context.Context, params map[string]any, tctx map[string]any) (any, error) {
	return f.exec(ctx, params, tctx)
}
