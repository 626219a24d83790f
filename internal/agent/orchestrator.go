package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/querychat/querychat/internal/domain"
	"github.com/querychat/querychat/internal/store"
	"github.com/querychat/querychat/internal/warehouse"
)

// Executor runs validated queries against the analytical store and
// serves its cached schema snapshot. Implemented by warehouse.Warehouse.
type Executor interface {
	Schema() *warehouse.Schema
	Query(ctx context.Context, query string) (*warehouse.Result, error)
}

// AuditSink receives completed-turn audit events.
type AuditSink interface {
	Log(ev AuditEvent)
}

type noopAudit struct{}

func (noopAudit) Log(AuditEvent) {}

// Orchestrator sequences one user turn through the state machine:
// Understand, Generate, Execute, Format, Save, with bounded
// error-in-context regeneration on failures.
type Orchestrator struct {
	repo     store.Repository
	executor Executor
	gen      Generator
	audit    AuditSink
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// NewOrchestrator creates an orchestrator. audit may be nil.
func NewOrchestrator(repo store.Repository, executor Executor, gen Generator, audit AuditSink, logger *slog.Logger) *Orchestrator {
	if audit == nil {
		audit = noopAudit{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		repo:     repo,
		executor: executor,
		gen:      gen,
		audit:    audit,
		logger:   logger,
		locks:    make(map[string]*sessionLock),
	}
}

// turnState is the per-request state threaded through the nodes. It is
// owned exclusively by one in-flight run and never shared.
type turnState struct {
	sessionID string
	question  string
	recalled  []domain.Message
	schema    string

	attempts  int
	lastError *TurnError
	candidate string
	result    *warehouse.Result
	summary   string
}

// Active reports whether a turn currently holds the session's lock.
// Used to reject deleting a session with an in-flight turn.
func (o *Orchestrator) Active(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.locks[sessionID] != nil
}

// lockSession serializes turns against the same session so history is
// appended in turn-completion order. Turns on different sessions do
// not contend.
func (o *Orchestrator) lockSession(sessionID string) func() {
	o.mu.Lock()
	l := o.locks[sessionID]
	if l == nil {
		l = &sessionLock{}
		o.locks[sessionID] = l
	}
	l.refs++
	o.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		o.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(o.locks, sessionID)
		}
		o.mu.Unlock()
	}
}

// RunTurn executes one user turn. observe, when non-nil, is called on
// each state transition (used by the websocket progress stream).
//
// Termination is guaranteed: the reasoning service is invoked at most
// 1+MaxRetries times, and every terminal outcome except an unknown
// session persists exactly one assistant message.
func (o *Orchestrator) RunTurn(ctx context.Context, sessionID, question string, observe func(State)) (*TurnResult, error) {
	if observe == nil {
		observe = func(State) {}
	}

	release := o.lockSession(sessionID)
	defer release()

	started := time.Now()

	// Understand: assemble turn state from session history and the
	// cached schema snapshot.
	observe(StateUnderstand)
	session, err := o.repo.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrUnknownSession) {
			return nil, &TurnError{Kind: KindUnknownSession, Message: fmt.Sprintf("session %s not found", sessionID)}
		}
		return nil, &TurnError{Kind: KindPersistence, Message: err.Error()}
	}

	recalled, err := o.repo.LoadRecent(ctx, sessionID, store.DefaultRecallLimit)
	if err != nil {
		return nil, &TurnError{Kind: KindPersistence, Message: err.Error()}
	}

	st := &turnState{
		sessionID: sessionID,
		question:  question,
		recalled:  recalled,
		schema:    o.executor.Schema().Describe(),
	}

	for {
		terr := o.generateAndExecute(ctx, st, observe)
		if terr == nil {
			break
		}

		if Decide(terr.Kind, st.attempts) == DecisionRetry {
			st.attempts++
			st.lastError = terr
			o.logger.Info("Turn attempt failed, regenerating",
				"session_id", sessionID,
				"kind", terr.Kind,
				"attempt", st.attempts,
				"error", terr.Message)
			continue
		}

		// Terminal failure: the error message is still persisted so the
		// session history reflects the failed attempt.
		observe(StateSave)
		if saveErr := o.saveTurn(ctx, session, st, "Error: "+terr.Message); saveErr != nil {
			observe(StateError)
			return nil, saveErr
		}
		observe(StateError)
		o.auditTurn(st, string(terr.Kind), terr.Message, started)
		return nil, terr
	}

	observe(StateFormat)
	st.summary = Summarize(st.result)

	observe(StateSave)
	if saveErr := o.saveTurn(ctx, session, st, st.summary); saveErr != nil {
		observe(StateError)
		return nil, saveErr
	}

	sessionName := session.Name
	if sessionName == "" {
		sessionName = DeriveSessionName(question)
	}

	observe(StateDone)
	o.auditTurn(st, "success", "", started)

	return &TurnResult{
		SessionID:   sessionID,
		SessionName: sessionName,
		SQL:         st.candidate,
		Columns:     st.result.Columns,
		Rows:        st.result.Rows,
		RowCount:    st.result.RowCount,
		Summary:     st.summary,
		Attempts:    st.attempts,
	}, nil
}

// generateAndExecute runs one Generate -> validate -> Execute pass.
// Validation is a gate in front of Execute, not a separate node: a
// rejected candidate never reaches the executor.
func (o *Orchestrator) generateAndExecute(ctx context.Context, st *turnState, observe func(State)) *TurnError {
	observe(StateGenerate)

	in := PromptInput{
		Question:   st.question,
		SchemaText: st.schema,
		Recalled:   st.recalled,
		LastSQL:    lastGeneratedQuery(st.recalled),
	}
	if st.lastError != nil {
		in.LastError = st.lastError.Message
	}

	raw, err := o.gen.Generate(ctx, BuildPrompt(in))
	if err != nil {
		return &TurnError{Kind: KindGeneration, Message: err.Error()}
	}

	candidate := CleanSQL(raw)
	if candidate == "" {
		return &TurnError{Kind: KindGeneration, Message: "reasoning service returned an empty candidate"}
	}
	st.candidate = candidate

	if err := ValidateQuery(candidate); err != nil {
		return &TurnError{Kind: KindValidation, Message: err.Error()}
	}

	observe(StateExecute)
	result, err := o.executor.Query(ctx, candidate)
	if err != nil {
		var qerr *warehouse.QueryError
		if errors.As(err, &qerr) && !qerr.Recoverable {
			o.logger.Warn("Execution failure looks non-recoverable",
				"session_id", st.sessionID, "error", qerr.Message)
		}
		return &TurnError{Kind: KindExecution, Message: err.Error()}
	}

	st.result = result
	return nil
}

// saveTurn appends the user and assistant messages and, on the
// session's first message, derives and stores the session name.
// Each append is atomic; a failure here is a PersistenceError and is
// never retried.
func (o *Orchestrator) saveTurn(ctx context.Context, session *domain.Session, st *turnState, assistantContent string) *TurnError {
	if session.MessageCount == 0 {
		if err := o.repo.RenameIfUnset(ctx, st.sessionID, DeriveSessionName(st.question)); err != nil {
			return &TurnError{Kind: KindPersistence, Message: err.Error()}
		}
	}

	if err := o.repo.AppendMessage(ctx, &domain.Message{
		SessionID: st.sessionID,
		Role:      domain.RoleUser,
		Content:   st.question,
	}); err != nil {
		return &TurnError{Kind: KindPersistence, Message: err.Error()}
	}

	assistant := &domain.Message{
		SessionID:      st.sessionID,
		Role:           domain.RoleAssistant,
		Content:        assistantContent,
		GeneratedQuery: st.candidate,
	}
	if st.result != nil {
		rc := int64(st.result.RowCount)
		assistant.RowCount = &rc
	}
	if err := o.repo.AppendMessage(ctx, assistant); err != nil {
		return &TurnError{Kind: KindPersistence, Message: err.Error()}
	}
	return nil
}

func (o *Orchestrator) auditTurn(st *turnState, outcome, errMsg string, started time.Time) {
	rowCount := 0
	if st.result != nil {
		rowCount = st.result.RowCount
	}
	o.audit.Log(AuditEvent{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		SessionID: st.sessionID,
		Question:  st.question,
		SQL:       st.candidate,
		Outcome:   outcome,
		Error:     errMsg,
		Attempts:  st.attempts,
		RowCount:  rowCount,
		Duration:  time.Since(started).String(),
	})
}

// lastGeneratedQuery returns the most recent generated query in the
// recall window, used to anchor follow-up questions.
func lastGeneratedQuery(recalled []domain.Message) string {
	for i := len(recalled) - 1; i >= 0; i-- {
		if recalled[i].GeneratedQuery != "" {
			return recalled[i].GeneratedQuery
		}
	}
	return ""
}
