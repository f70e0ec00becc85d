package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-assess/internal/agent"
	"github.com/nidhogg/nuka-assess/internal/bus"
	"github.com/nidhogg/nuka-assess/internal/protocol"
	"github.com/nidhogg/nuka-assess/internal/registry"
)

// replier answers REQUESTs with a fixed payload and otherwise behaves like a
// standard agent.
type replier struct {
	*agent.Func
	answer  func(msg protocol.Message) protocol.Payload
	cancels chan protocol.CancelRequest
}

func (r *replier) HandleMessage(ctx context.Context, msg protocol.Message) (*protocol.Message, error) {
	if msg.Performative == protocol.Request && r.answer != nil {
		if p := r.answer(msg); p != nil {
			out := protocol.Reply(msg, r.ID(), protocol.Inform, p)
			return &out, nil
		}
	}
	if msg.Performative == protocol.Cancel && r.cancels != nil {
		if c, ok := msg.Content.(protocol.CancelRequest); ok {
			r.cancels <- c
		}
	}
	return agent.HandleStandard(ctx, r, msg)
}

func intentAgent(aspects ...string) agent.Agent {
	return &replier{
		Func: agent.NewFunc("intent", "", []string{agent.CapabilityIntentRecognition}, nil),
		answer: func(msg protocol.Message) protocol.Payload {
			req := msg.Content.(protocol.IntentRequest)
			return protocol.Intent{Action: "assess_project", ProjectIdentifier: req.ProjectURL, Aspects: aspects}
		},
	}
}

func plannerAgent(specs ...protocol.TaskSpec) agent.Agent {
	return &replier{
		Func: agent.NewFunc("planner", "", []string{agent.CapabilityTaskPlanning}, nil),
		answer: func(protocol.Message) protocol.Payload {
			return protocol.Plan{Tasks: specs}
		},
	}
}

// journal records task starts and ends in order.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(e string) {
	j.mu.Lock()
	j.entries = append(j.entries, e)
	j.mu.Unlock()
}

func (j *journal) index(e string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i, v := range j.entries {
		if v == e {
			return i
		}
	}
	return -1
}

func worker(id, capability string, j *journal) agent.Agent {
	return agent.NewFunc(id, "", []string{capability}, func(_ context.Context, params map[string]any, tctx map[string]any) (any, error) {
		task := agent.TaskID(tctx)
		j.add("start:" + task)
		time.Sleep(10 * time.Millisecond)
		deps := agent.DependencyResults(tctx)
		j.add("end:" + task)
		return map[string]any{"task": task, "deps": len(deps)}, nil
	})
}

// timedWorker is a worker whose tasks take d.
func timedWorker(id, capability string, d time.Duration, j *journal) agent.Agent {
	return agent.NewFunc(id, "", []string{capability}, func(_ context.Context, _ map[string]any, tctx map[string]any) (any, error) {
		task := agent.TaskID(tctx)
		j.add("start:" + task)
		time.Sleep(d)
		j.add("end:" + task)
		return task, nil
	})
}

type harness struct {
	reg  *registry.Registry
	bus  *bus.Bus
	orch *Orchestrator
}

func newHarness(t *testing.T, cfg Config, agents ...agent.Agent) *harness {
	t.Helper()
	reg := registry.New(zap.NewNop())
	b := bus.New(zap.NewNop())
	for _, a := range agents {
		require.NoError(t, agent.NewRuntime(a, zap.NewNop()).Startup(context.Background(), reg))
	}
	o := New(reg, b, cfg, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
		b.Close()
	})
	return &harness{reg: reg, bus: b, orch: o}
}

func (h *harness) runToEnd(t *testing.T, req Request) StatusView {
	t.Helper()
	acc, err := h.orch.Initiate(context.Background(), req)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	view, err := h.orch.Wait(ctx, acc.AssessmentID)
	require.NoError(t, err)
	return view
}

func taskStatus(v StatusView, id string) TaskStatus {
	for _, t := range v.Tasks {
		if t.TaskID == id {
			return t.Status
		}
	}
	return ""
}

func TestDAGSchedulingOrder(t *testing.T) {
	j := &journal{}
	h := newHarness(t, Config{PoolSize: 4},
		intentAgent("activity"),
		plannerAgent(spec("T1", "cap_a"), spec("T2", "cap_b", "T1"), spec("T3", "cap_c", "T1", "T2")),
		worker("wa", "cap_a", j), worker("wb", "cap_b", j), worker("wc", "cap_c", j),
	)

	view := h.runToEnd(t, Request{Query: "assess", ProjectURL: "https://example.com/p"})
	require.Equal(t, AssessmentCompleted, view.OverallStatus)

	assert.Less(t, j.index("end:T1"), j.index("start:T2"))
	assert.Less(t, j.index("end:T1"), j.index("start:T3"))
	assert.Less(t, j.index("end:T2"), j.index("start:T3"))

	res := view.Tasks[2].Result.(map[string]any)
	assert.Equal(t, 2, res["deps"], "T3 receives both dependency results")
}

func TestFailurePropagationMissingCapability(t *testing.T) {
	j := &journal{}
	h := newHarness(t, Config{},
		intentAgent("activity"),
		plannerAgent(spec("T1", "cap_a"), spec("T2", "cap_missing", "T1"), spec("T3", "cap_a", "T1", "T2")),
		worker("wa", "cap_a", j),
	)

	view := h.runToEnd(t, Request{Query: "assess"})
	assert.Equal(t, AssessmentFailed, view.OverallStatus)
	assert.Equal(t, KindAgentNotFound, view.ErrorKind)
	assert.Equal(t, TaskCompleted, taskStatus(view, "T1"))
	assert.Equal(t, TaskFailed, taskStatus(view, "T2"))
	assert.Equal(t, TaskPending, taskStatus(view, "T3"))
	assert.Equal(t, -1, j.index("start:T3"))

	_, err := h.orch.Report(view.AssessmentID)
	assert.ErrorIs(t, err, ErrNotCompleted)
}

func TestExecutionFailureAbortsUnstartedTasks(t *testing.T) {
	boom := agent.NewFunc("boom", "", []string{"cap_boom"}, func(context.Context, map[string]any, map[string]any) (any, error) {
		return nil, errors.New("rate limited")
	})
	j := &journal{}
	h := newHarness(t, Config{},
		intentAgent("activity"),
		plannerAgent(spec("T1", "cap_boom"), spec("T2", "cap_a", "T1")),
		boom, worker("wa", "cap_a", j),
	)

	view := h.runToEnd(t, Request{Query: "assess"})
	assert.Equal(t, AssessmentFailed, view.OverallStatus)
	assert.Equal(t, KindTaskExecutionFailure, view.ErrorKind)
	assert.Contains(t, view.Error, "rate limited")
	assert.Equal(t, TaskFailed, taskStatus(view, "T1"))
	assert.Equal(t, TaskPending, taskStatus(view, "T2"))
}

func TestEndToEndAssessment(t *testing.T) {
	j := &journal{}
	report := agent.NewFunc("reporter", "", []string{agent.CapabilityReportGeneration}, func(_ context.Context, _ map[string]any, tctx map[string]any) (any, error) {
		deps := agent.DependencyResults(tctx)
		return map[string]any{"sections": len(deps)}, nil
	})
	h := newHarness(t, Config{PoolSize: 2},
		intentAgent("activity", "web_presence"),
		plannerAgent(
			spec("collect-commits", agent.CapabilityGitHubData),
			spec("assess-activity", agent.CapabilityActivityEvaluation, "collect-commits"),
			spec("web-search", agent.CapabilityWebSearch),
			spec("generate-report", agent.CapabilityReportGeneration, "assess-activity", "web-search"),
		),
		worker("github", agent.CapabilityGitHubData, j),
		worker("activity", agent.CapabilityActivityEvaluation, j),
		worker("search", agent.CapabilityWebSearch, j),
		report,
	)

	acc, err := h.orch.Initiate(context.Background(), Request{Query: "assess project X", ProjectURL: "https://example.com/X"})
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("/api/v1/assessment/%s/status", acc.AssessmentID), acc.StatusURL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	view, err := h.orch.Wait(ctx, acc.AssessmentID)
	require.NoError(t, err)

	assert.Equal(t, AssessmentCompleted, view.OverallStatus)
	require.Len(t, view.Tasks, 4)
	for _, tv := range view.Tasks {
		assert.Equal(t, TaskCompleted, tv.Status, tv.TaskID)
	}

	rep, err := h.orch.Report(acc.AssessmentID)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/X", rep.Project)
	assert.Equal(t, []string{"activity", "web_presence"}, rep.Aspects)
	assert.ElementsMatch(t, []string{"collect-commits", "assess-activity", "web-search", "generate-report"}, rep.TaskIDs)
	assert.Len(t, rep.Results, 4)
	assert.Equal(t, map[string]any{"sections": 2}, rep.Summary)
}

func TestIntakeFailures(t *testing.T) {
	t.Run("no intent agent", func(t *testing.T) {
		h := newHarness(t, Config{})
		_, err := h.orch.Initiate(context.Background(), Request{Query: "assess"})
		var oe *Error
		require.ErrorAs(t, err, &oe)
		assert.Equal(t, KindAgentNotFound, oe.Kind)

		list := h.orch.List()
		require.Len(t, list, 1)
		assert.Equal(t, AssessmentFailed, list[0].OverallStatus)
	})

	t.Run("cyclic plan", func(t *testing.T) {
		h := newHarness(t, Config{}, intentAgent("activity"),
			plannerAgent(spec("a", "x", "b"), spec("b", "x", "a")))
		_, err := h.orch.Initiate(context.Background(), Request{Query: "assess"})
		assert.Equal(t, KindPlanningError, KindOf(err))
	})

	t.Run("planner not understood", func(t *testing.T) {
		confused := agent.NewFunc("planner", "", []string{agent.CapabilityTaskPlanning}, nil)
		h := newHarness(t, Config{}, intentAgent("activity"), confused)
		_, err := h.orch.Initiate(context.Background(), Request{Query: "assess"})
		assert.Equal(t, KindProtocolViolation, KindOf(err))
	})

	t.Run("empty query", func(t *testing.T) {
		h := newHarness(t, Config{})
		_, err := h.orch.Initiate(context.Background(), Request{})
		assert.Equal(t, KindProtocolViolation, KindOf(err))
		assert.Empty(t, h.orch.List())
	})
}

// stubborn ignores its context and only returns when released.
func stubborn(id, capability string, release <-chan struct{}, started chan<- string) *replier {
	r := &replier{cancels: make(chan protocol.CancelRequest, 4)}
	r.Func = agent.NewFunc(id, "", []string{capability}, func(_ context.Context, _ map[string]any, tctx map[string]any) (any, error) {
		if started != nil {
			started <- agent.TaskID(tctx)
		}
		<-release
		return "late", nil
	})
	return r
}

func TestTaskTimeoutSendsCancelAndFails(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	slow := stubborn("slow", "cap_slow", release, nil)
	h := newHarness(t, Config{TaskTimeout: 50 * time.Millisecond},
		intentAgent("activity"),
		plannerAgent(spec("T1", "cap_slow")),
		slow,
	)

	view := h.runToEnd(t, Request{Query: "assess"})
	assert.Equal(t, AssessmentFailed, view.OverallStatus)
	assert.Equal(t, KindTimeout, view.ErrorKind)
	assert.Equal(t, TaskFailed, taskStatus(view, "T1"))

	select {
	case c := <-slow.cancels:
		assert.Equal(t, "T1", c.TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not receive CANCEL after timeout")
	}
}

func TestCancelAssessment(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 1)
	slow := stubborn("slow", "cap_slow", release, started)
	j := &journal{}
	h := newHarness(t, Config{},
		intentAgent("activity"),
		plannerAgent(spec("T1", "cap_slow"), spec("T2", "cap_a", "T1")),
		slow, worker("wa", "cap_a", j),
	)

	acc, err := h.orch.Initiate(context.Background(), Request{Query: "assess"})
	require.NoError(t, err)
	require.Equal(t, "T1", <-started)

	view, err := h.orch.Cancel(context.Background(), acc.AssessmentID)
	require.NoError(t, err)
	assert.Equal(t, AssessmentCancelled, view.OverallStatus)
	assert.Equal(t, TaskRunning, taskStatus(view, "T1"))
	assert.Equal(t, TaskCancelled, taskStatus(view, "T2"))

	select {
	case c := <-slow.cancels:
		assert.Equal(t, "T1", c.TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("running agent did not receive CANCEL")
	}

	// The agent ignores CANCEL; its late result is recorded but the
	// assessment stays cancelled.
	close(release)
	require.Eventually(t, func() bool {
		v, _ := h.orch.Status(acc.AssessmentID)
		return taskStatus(v, "T1") == TaskCompleted
	}, 2*time.Second, 10*time.Millisecond)
	v, err := h.orch.Status(acc.AssessmentID)
	require.NoError(t, err)
	assert.Equal(t, AssessmentCancelled, v.OverallStatus)
	assert.Equal(t, -1, j.index("start:T2"))

	again, err := h.orch.Cancel(context.Background(), acc.AssessmentID)
	require.NoError(t, err)
	assert.Equal(t, AssessmentCancelled, again.OverallStatus)
}

func TestUnknownAssessment(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.orch.Status("nope")
	assert.ErrorIs(t, err, ErrAssessmentNotFound)
	_, err = h.orch.Cancel(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrAssessmentNotFound)
	_, err = h.orch.Report("nope")
	assert.ErrorIs(t, err, ErrAssessmentNotFound)
}

type memPersister struct {
	mu    sync.Mutex
	views []StatusView
	final *Report
	delay time.Duration
}

func (m *memPersister) SaveAssessment(_ context.Context, v StatusView, r *Report) error {
	time.Sleep(m.delay)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.views = append(m.views, v)
	if r != nil {
		m.final = r
	}
	return nil
}

func TestEventsAndPersistence(t *testing.T) {
	j := &journal{}
	h := newHarness(t, Config{},
		intentAgent("activity"),
		plannerAgent(spec("T1", "cap_a"), spec("T2", "cap_a", "T1")),
		worker("wa", "cap_a", j),
	)
	p := &memPersister{}
	h.orch.SetPersister(p)

	var mu sync.Mutex
	var events []protocol.TaskEvent
	require.NoError(t, h.bus.Subscribe(EventsTopic, "test", func(_ context.Context, msg protocol.Message) error {
		mu.Lock()
		events = append(events, msg.Content.(protocol.TaskEvent))
		mu.Unlock()
		return nil
	}))

	view := h.runToEnd(t, Request{Query: "assess"})
	require.Equal(t, AssessmentCompleted, view.OverallStatus)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		n := len(events)
		return n > 0 && events[n-1].TaskID == "" && events[n-1].Status == string(AssessmentCompleted)
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	var t1 []string
	for _, ev := range events {
		if ev.TaskID == "T1" {
			t1 = append(t1, ev.Status)
		}
	}
	mu.Unlock()
	assert.Equal(t, []string{"pending", "queued", "running", "completed"}, t1)

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.final != nil && len(p.views) > 0 && p.views[len(p.views)-1].OverallStatus == AssessmentCompleted
	}, 2*time.Second, 10*time.Millisecond)

	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 1; i < len(p.views); i++ {
		assert.Greater(t, p.views[i].Version, p.views[i-1].Version)
	}
	require.NotNil(t, p.final)
	assert.ElementsMatch(t, []string{"T1", "T2"}, p.final.TaskIDs)
}

func TestSlowPersisterDoesNotStallScheduling(t *testing.T) {
	j := &journal{}
	h := newHarness(t, Config{PoolSize: 4},
		intentAgent("activity"),
		plannerAgent(spec("T1", "cap_a"), spec("T2", "cap_a", "T1"), spec("T3", "cap_a", "T2")),
		worker("wa", "cap_a", j),
	)
	p := &memPersister{delay: 200 * time.Millisecond}
	h.orch.SetPersister(p)

	start := time.Now()
	view := h.runToEnd(t, Request{Query: "assess"})
	require.Equal(t, AssessmentCompleted, view.OverallStatus)
	// Synchronous saves would take at least one delay per transition.
	assert.Less(t, time.Since(start), time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Shutdown(ctx))

	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.views)
	last := p.views[len(p.views)-1]
	assert.Equal(t, AssessmentCompleted, last.OverallStatus)
	assert.Equal(t, view.Version, last.Version)
	assert.Less(t, len(p.views), int(view.Version), "pending snapshots are coalesced")
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindTimeout, KindOf(fmt.Errorf("x: %w", context.DeadlineExceeded)))
	assert.Equal(t, KindAgentNotFound, KindOf(registry.ErrAgentNotFound))
	assert.Equal(t, KindMessageRoutingFailure, KindOf(bus.ErrMessageRouting))
	assert.Equal(t, KindTaskExecutionFailure, KindOf(&agent.TaskExecutionFailure{AgentID: "a", Err: errors.New("x")}))
	assert.Equal(t, KindProtocolViolation, KindOf(protocol.ErrProtocolViolation))
	assert.Equal(t, KindPlanningError, KindOf(&Error{Kind: KindPlanningError, Detail: "d"}))
	assert.Equal(t, KindInternal, KindOf(errors.New("other")))
}

func TestSiblingsWithDifferentDurationsRunConcurrently(t *testing.T) {
	j := &journal{}
	h := newHarness(t, Config{PoolSize: 4, TaskTimeout: 5 * time.Second},
		intentAgent("activity"),
		plannerAgent(
			spec("fast", "cap_fast"),
			spec("medium", "cap_medium"),
			spec("slow", "cap_slow"),
			spec("join", "cap_join", "fast", "medium", "slow"),
		),
		timedWorker("w-fast", "cap_fast", 30*time.Millisecond, j),
		timedWorker("w-medium", "cap_medium", 70*time.Millisecond, j),
		timedWorker("w-slow", "cap_slow", 150*time.Millisecond, j),
		timedWorker("w-join", "cap_join", time.Millisecond, j),
	)

	view := h.runToEnd(t, Request{Query: "q", ProjectURL: "https://example.com/p"})
	require.Equal(t, AssessmentCompleted, view.OverallStatus, "error: %s", view.Error)
	for _, id := range []string{"fast", "medium", "slow", "join"} {
		assert.Equal(t, TaskCompleted, taskStatus(view, id), id)
	}

	// Each sibling starts before the others end.
	for _, a := range []string{"fast", "medium", "slow"} {
		for _, b := range []string{"fast", "medium", "slow"} {
			if a != b {
				assert.Less(t, j.index("start:"+a), j.index("end:"+b), "%s should start before %s ends", a, b)
			}
		}
	}
	assert.Greater(t, j.index("start:join"), j.index("end:slow"))
}
