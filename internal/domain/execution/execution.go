// Package execution tracks in-flight request handler invocations: it
// binds each one to a timeout window and a cancellation token that is a
// child of its session's token, so a session teardown cancels every
// request it owns without the router threading a slice of contexts
// around.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/basilisk-labs/mcpcore/pkg/mcp"
)

// Reason identifies why an execution's context was cancelled.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonTimeout   Reason = "timeout"
	ReasonCancelled Reason = "cancelled"
	ReasonShutdown  Reason = "shutdown"
)

// Execution is one in-flight request, from dispatch to completion.
type Execution struct {
	SessionID string
	RequestID mcp.ID
	Method    string
	StartedAt time.Time
	Timeout   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	reason Reason
}

// Context returns the execution's cancellation context. Handlers must
// observe ctx.Done() on any blocking operation.
func (e *Execution) Context() context.Context { return e.ctx }

// Reason reports why the execution was cancelled, or ReasonNone if it is
// still running or completed normally.
func (e *Execution) Reason() Reason {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reason
}

func (e *Execution) setReason(r Reason) {
	e.mu.Lock()
	if e.reason == ReasonNone {
		e.reason = r
	}
	e.mu.Unlock()
}

// Tracker owns the set of active executions for a server instance. One
// Tracker is shared across all sessions; executions are keyed by
// (session id, request id) since request ids are only unique within a
// session.
type Tracker struct {
	mu     sync.Mutex
	active map[string]*Execution

	// sessionTokens holds the parent cancellation function for each
	// session, so CancelSession can tear down every child execution in
	// one call.
	sessionTokens map[string]context.CancelFunc
}

// NewTracker constructs an empty execution tracker.
func NewTracker() *Tracker {
	return &Tracker{
		active:        make(map[string]*Execution),
		sessionTokens: make(map[string]context.CancelFunc),
	}
}

func executionKey(sessionID string, id mcp.ID) string {
	return sessionID + "#" + id.String()
}

// BeginSession creates the root cancellation token for a session. Call
// once per session; CancelSession later cancels it and every execution
// derived from it.
func (t *Tracker) BeginSession(parent context.Context, sessionID string) context.Context {
	ctx, cancel := context.WithCancel(parent)

	t.mu.Lock()
	t.sessionTokens[sessionID] = cancel
	t.mu.Unlock()

	return ctx
}

// CancelSession cancels the session's root token, which cascades to
// every execution currently derived from it, and forgets the token.
func (t *Tracker) CancelSession(sessionID string, reason Reason) {
	t.mu.Lock()
	cancel, ok := t.sessionTokens[sessionID]
	delete(t.sessionTokens, sessionID)
	var toMark []*Execution
	for key, ex := range t.active {
		if ex.SessionID == sessionID {
			toMark = append(toMark, ex)
			_ = key
		}
	}
	t.mu.Unlock()

	for _, ex := range toMark {
		ex.setReason(reason)
	}
	if ok {
		cancel()
	}
}

// Begin registers a new execution, deriving its context from sessionCtx
// (the session's root token, as returned by BeginSession) with an
// additional per-request timeout. Call Done when the handler returns.
func (t *Tracker) Begin(sessionCtx context.Context, sessionID string, id mcp.ID, method string, timeout time.Duration) *Execution {
	var ctx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(sessionCtx, timeout)
	} else {
		ctx, cancel = context.WithCancel(sessionCtx)
	}

	ex := &Execution{
		SessionID: sessionID,
		RequestID: id,
		Method:    method,
		StartedAt: timeNow(),
		Timeout:   timeout,
		ctx:       ctx,
		cancel:    cancel,
	}

	t.mu.Lock()
	t.active[executionKey(sessionID, id)] = ex
	t.mu.Unlock()

	go t.watch(ex)
	return ex
}

// watch observes ctx.Done() to classify a timeout-induced cancellation,
// since context.Cancel and context.DeadlineExceeded both close the same
// channel.
func (t *Tracker) watch(ex *Execution) {
	<-ex.ctx.Done()
	if ex.ctx.Err() == context.DeadlineExceeded {
		ex.setReason(ReasonTimeout)
	} else {
		ex.setReason(ReasonCancelled)
	}
}

// Done marks an execution complete and releases its resources. Safe to
// call even if the execution was already cancelled.
func (t *Tracker) Done(ex *Execution) {
	ex.cancel()

	t.mu.Lock()
	delete(t.active, executionKey(ex.SessionID, ex.RequestID))
	t.mu.Unlock()
}

// CancelRequest cancels one in-flight execution by session and request
// id, as triggered by a notifications/cancelled message.
func (t *Tracker) CancelRequest(sessionID string, id mcp.ID) error {
	t.mu.Lock()
	ex, ok := t.active[executionKey(sessionID, id)]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("execution: no active execution for session %s id %s", sessionID, id.String())
	}
	ex.setReason(ReasonCancelled)
	ex.cancel()
	return nil
}

// CancelAll cancels every active execution across every session, used on
// server shutdown.
func (t *Tracker) CancelAll(reason Reason) {
	t.mu.Lock()
	executions := make([]*Execution, 0, len(t.active))
	for _, ex := range t.active {
		executions = append(executions, ex)
	}
	cancels := make([]context.CancelFunc, 0, len(t.sessionTokens))
	for _, c := range t.sessionTokens {
		cancels = append(cancels, c)
	}
	t.sessionTokens = make(map[string]context.CancelFunc)
	t.mu.Unlock()

	for _, ex := range executions {
		ex.setReason(reason)
	}
	for _, c := range cancels {
		c()
	}
}

// Active reports the number of in-flight executions.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// TaskInfo is a read-only snapshot of one in-flight execution, surfaced by
// the provisional tasks/list method.
type TaskInfo struct {
	SessionID string
	RequestID mcp.ID
	Method    string
	StartedAt time.Time
}

// Snapshot lists the in-flight executions belonging to sessionID, in no
// particular order.
func (t *Tracker) Snapshot(sessionID string) []TaskInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TaskInfo, 0, len(t.active))
	for _, ex := range t.active {
		if ex.SessionID == sessionID {
			out = append(out, TaskInfo{
				SessionID: ex.SessionID,
				RequestID: ex.RequestID,
				Method:    ex.Method,
				StartedAt: ex.StartedAt,
			})
		}
	}
	return out
}

func timeNow() time.Time { return time.Now() }
