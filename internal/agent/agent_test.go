package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-assess/internal/protocol"
)

type fakeRegistrar struct {
	mu           sync.Mutex
	registered   map[string][]string
	registers    int
	deregisters  int
	failRegister error
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{registered: make(map[string][]string)}
}

func (f *fakeRegistrar) Register(id string, _ Agent, caps []string, _ map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRegister != nil {
		return f.failRegister
	}
	f.registers++
	f.registered[id] = caps
	return nil
}

func (f *fakeRegistrar) Deregister(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregisters++
	delete(f.registered, id)
}

func echoAgent(id string, caps ...string) *Func {
	return NewFunc(id, "", caps, func(_ context.Context, params map[string]any, tctx map[string]any) (any, error) {
		return map[string]any{"task": TaskID(tctx), "params": params}, nil
	})
}

func TestRuntimeStartupShutdownIdempotent(t *testing.T) {
	reg := newFakeRegistrar()
	rt := NewRuntime(echoAgent("a1", "x"), zap.NewNop())

	require.NoError(t, rt.Startup(context.Background(), reg))
	require.NoError(t, rt.Startup(context.Background(), reg))
	assert.Equal(t, 1, reg.registers)
	assert.Equal(t, StateRunning, rt.State())

	require.NoError(t, rt.Shutdown(context.Background(), reg))
	require.NoError(t, rt.Shutdown(context.Background(), reg))
	assert.Equal(t, 1, reg.deregisters)
	assert.Empty(t, reg.registered)
	assert.Equal(t, StateStopped, rt.State())
}

func TestRuntimeFailedStartupLeavesNothingRegistered(t *testing.T) {
	reg := newFakeRegistrar()
	reg.failRegister = errors.New("boom")
	rt := NewRuntime(echoAgent("a1", "x"), zap.NewNop())

	err := rt.Startup(context.Background(), reg)
	require.Error(t, err)
	assert.Equal(t, StateStopped, rt.State())
	assert.Empty(t, reg.registered)

	_, err = rt.ExecuteTask(context.Background(), nil, nil)
	var tef *TaskExecutionFailure
	require.ErrorAs(t, err, &tef)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestRuntimeCapabilitiesFixedAtConstruction(t *testing.T) {
	a := echoAgent("a1", "x", "y")
	rt := NewRuntime(a, zap.NewNop())
	a.caps[0] = "mutated"
	assert.Equal(t, []string{"x", "y"}, rt.Capabilities())
}

func TestRuntimeShutdownMidTaskSurfacesFailure(t *testing.T) {
	reg := newFakeRegistrar()
	started := make(chan struct{})
	slow := NewFunc("slow", "", []string{"x"}, func(ctx context.Context, _ map[string]any, _ map[string]any) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	rt := NewRuntime(slow, zap.NewNop())
	require.NoError(t, rt.Startup(context.Background(), reg))

	errCh := make(chan error, 1)
	go func() {
		_, err := rt.ExecuteTask(context.Background(), nil, map[string]any{ContextTaskID: "t1"})
		errCh <- err
	}()

	<-started
	require.NoError(t, rt.Shutdown(context.Background(), reg))

	select {
	case err := <-errCh:
		var tef *TaskExecutionFailure
		require.ErrorAs(t, err, &tef)
		assert.Equal(t, "t1", tef.TaskID)
		assert.ErrorIs(t, err, ErrShutdown)
	case <-time.After(2 * time.Second):
		t.Fatal("task was not interrupted by shutdown")
	}
	assert.Zero(t, rt.InFlight())
}

func TestRuntimeWrapsExecutionErrors(t *testing.T) {
	reg := newFakeRegistrar()
	failing := NewFunc("f", "", []string{"x"}, func(context.Context, map[string]any, map[string]any) (any, error) {
		return nil, errors.New("no data")
	})
	rt := NewRuntime(failing, zap.NewNop())
	require.NoError(t, rt.Startup(context.Background(), reg))

	_, err := rt.ExecuteTask(context.Background(), nil, map[string]any{ContextTaskID: "t9"})
	var tef *TaskExecutionFailure
	require.ErrorAs(t, err, &tef)
	assert.Equal(t, "f", tef.AgentID)
	assert.Contains(t, err.Error(), "no data")
}

func TestDispatchRequestExecutesTask(t *testing.T) {
	a := echoAgent("a1", "x")
	msg := protocol.NewMessage("orch", protocol.To("a1"), protocol.Request, protocol.TaskRequest{
		TaskID:     "t1",
		Parameters: map[string]any{"k": "v"},
	}).WithConversation("c1")

	reply := Dispatch(context.Background(), a, msg)
	require.NotNil(t, reply)
	assert.Equal(t, protocol.Inform, reply.Performative)
	assert.True(t, protocol.Matches(msg, *reply))
	res, ok := reply.Content.(protocol.TaskResult)
	require.True(t, ok)
	assert.Equal(t, "t1", res.TaskID)
}

func TestDispatchQueryRefListsCapabilities(t *testing.T) {
	a := echoAgent("a1", "x", "y")
	msg := protocol.NewMessage("orch", protocol.To("a1"), protocol.QueryRef, protocol.Notice{Text: "capabilities?"})
	reply := Dispatch(context.Background(), a, msg)
	require.NotNil(t, reply)
	caps, ok := reply.Content.(protocol.CapabilityList)
	require.True(t, ok)
	assert.Equal(t, []string{"x", "y"}, caps.Capabilities)
}

func TestDispatchUnknownPerformativeIsNotUnderstood(t *testing.T) {
	a := echoAgent("a1", "x")
	msg := protocol.NewMessage("orch", protocol.To("a1"), protocol.Propose, protocol.Notice{Text: "deal?"})
	reply := Dispatch(context.Background(), a, msg)
	require.NotNil(t, reply)
	assert.Equal(t, protocol.NotUnderstood, reply.Performative)
	assert.Equal(t, msg.MessageID, reply.InReplyTo)
}

func TestDispatchErrorBecomesFailure(t *testing.T) {
	a := NewFunc("f", "", []string{"x"}, func(context.Context, map[string]any, map[string]any) (any, error) {
		return nil, errors.New("exploded")
	})
	msg := protocol.NewMessage("orch", protocol.To("f"), protocol.Request, protocol.TaskRequest{TaskID: "t1"})
	reply := Dispatch(context.Background(), a, msg)
	require.NotNil(t, reply)
	assert.Equal(t, protocol.Failure, reply.Performative)
	info := reply.Content.(protocol.FailureInfo)
	assert.Contains(t, info.Reason, "exploded")
}

type panicky struct{ *Func }

func (p panicky) HandleMessage(context.Context, protocol.Message) (*protocol.Message, error) {
	panic("bad state")
}

func TestDispatchRecoversPanics(t *testing.T) {
	a := panicky{echoAgent("p", "x")}
	msg := protocol.NewMessage("orch", protocol.To("p"), protocol.Request, protocol.TaskRequest{TaskID: "t1"})
	reply := Dispatch(context.Background(), a, msg)
	require.NotNil(t, reply)
	assert.Equal(t, protocol.Failure, reply.Performative)
	require.NoError(t, protocol.Validate(*reply))
}

func TestRuntimeHandleMessageRequiresRunning(t *testing.T) {
	reg := newFakeRegistrar()
	rt := NewRuntime(echoAgent("a1", "x"), zap.NewNop())
	req := protocol.NewMessage("orch", protocol.To("a1"), protocol.Request, protocol.TaskRequest{TaskID: "t1"})

	reply := Dispatch(context.Background(), rt, req)
	require.NotNil(t, reply)
	assert.Equal(t, protocol.Failure, reply.Performative)
	assert.Equal(t, "task_execution_failure", reply.Content.(protocol.FailureInfo).ErrorKind)

	q := protocol.NewMessage("orch", protocol.To("a1"), protocol.QueryRef, protocol.StatusQuery{})
	reply = Dispatch(context.Background(), rt, q)
	require.NotNil(t, reply)
	assert.Equal(t, protocol.Inform, reply.Performative)

	require.NoError(t, rt.Startup(context.Background(), reg))
	reply = Dispatch(context.Background(), rt, req)
	require.NotNil(t, reply)
	assert.Equal(t, protocol.Inform, reply.Performative)
	assert.Equal(t, "t1", reply.Content.(protocol.TaskResult).TaskID)
}
