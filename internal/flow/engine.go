package flow

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/whaleflow/whaleflow/internal/models"
)

// Constants for engine configuration.
const (
	// DefaultSendDelay is the pause before outbound sends, giving the
	// conversation a typing cadence.
	DefaultSendDelay = 800 * time.Millisecond
	// DefaultHTTPTimeout bounds http_request and webhook calls.
	DefaultHTTPTimeout = 30 * time.Second
	// MaxTraversalSteps caps one traversal so an authored cycle of
	// pass-through nodes cannot spin a session forever.
	MaxTraversalSteps = 256
	// InvalidOptionMessage is sent when a reply resolves to none of an
	// interactive node's options.
	InvalidOptionMessage = "⚠️ Invalid option. Please select one of the listed options."
	// maxRecentEvents caps the operational log ring exposed via the API.
	maxRecentEvents = 50
)

// Messenger is the channel adapter capability the engine sends through.
type Messenger interface {
	// SendText delivers a plain text message.
	SendText(ctx context.Context, to, body string) error
	// SendList delivers a selectable option list.
	SendList(ctx context.Context, to, body string, options []models.NodeOption) error
	// SendMedia delivers media by URL.
	SendMedia(ctx context.Context, to, url, caption string, kind models.MediaKind) error
	// IsReady reports whether the channel is connected and able to send.
	IsReady() bool
}

// Generator is the AI text-generation capability used by ai_generate nodes.
type Generator interface {
	Generate(ctx context.Context, prompt, systemInstruction string) (string, error)
}

// SessionStore persists per-identity sessions. Implementations must support
// concurrent access across distinct identities; the engine serializes all
// access to any single identity.
type SessionStore interface {
	GetSession(phone string) (*models.Session, error)
	SaveSession(session models.Session) error
	DeleteSession(phone string) error
	CountSessions() (int, error)
}

// RecordSink receives one record per database_save node execution.
type RecordSink interface {
	AppendRecord(record map[string]string, format models.RecordFormat) error
}

// EngineConfig is the active flow definition plus the operational state.
// It is immutable once published; /start swaps the whole value.
type EngineConfig struct {
	Running bool
	Graph   *Graph
}

// Engine drives one conversation per end-user identity through the active
// flow definition. Inbound events for the same identity are serialized by a
// per-identity mutex; distinct identities proceed in parallel.
type Engine struct {
	config     atomic.Pointer[EngineConfig]
	store      SessionStore
	messenger  Messenger
	generator  Generator
	sink       RecordSink
	sandbox    *Sandbox
	httpClient *http.Client
	sendDelay  time.Duration

	locksMu sync.Mutex
	locks   map[string]*identityLock

	startedAt atomic.Int64
	processed atomic.Int64

	eventsMu sync.Mutex
	events   []string
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithGenerator sets the AI generation capability.
func WithGenerator(gen Generator) EngineOption {
	return func(e *Engine) {
		e.generator = gen
	}
}

// WithRecordSink sets the database_save sink.
func WithRecordSink(sink RecordSink) EngineOption {
	return func(e *Engine) {
		e.sink = sink
	}
}

// WithHTTPClient overrides the client used for http_request and webhook nodes.
func WithHTTPClient(client *http.Client) EngineOption {
	return func(e *Engine) {
		e.httpClient = client
	}
}

// WithSendDelay overrides the typing cadence before outbound sends.
func WithSendDelay(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.sendDelay = d
	}
}

// WithSandbox overrides the code-node sandbox.
func WithSandbox(sb *Sandbox) EngineOption {
	return func(e *Engine) {
		e.sandbox = sb
	}
}

// NewEngine creates an Engine over the given session store and channel
// adapter. The engine starts without an active flow; LoadFlow publishes one.
func NewEngine(store SessionStore, messenger Messenger, opts ...EngineOption) *Engine {
	e := &Engine{
		store:      store,
		messenger:  messenger,
		sandbox:    NewSandbox(),
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
		sendDelay:  DefaultSendDelay,
		locks:      make(map[string]*identityLock),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// LoadFlow validates the definition, publishes it as the active
// configuration, and marks the engine running.
func (e *Engine) LoadFlow(def *models.FlowDefinition) error {
	graph, err := NewGraph(def)
	if err != nil {
		slog.Error("Engine LoadFlow rejected definition", "error", err)
		return err
	}
	e.config.Store(&EngineConfig{Running: true, Graph: graph})
	e.startedAt.CompareAndSwap(0, time.Now().Unix())
	slog.Info("Engine flow definition loaded", "nodes", len(def.Nodes), "edges", len(def.Edges))
	e.recordEvent("Flow started with %d nodes", len(def.Nodes))
	return nil
}

// Stop marks the engine not running. In-flight sessions are left as-is.
func (e *Engine) Stop() {
	cfg := e.config.Load()
	if cfg == nil {
		return
	}
	e.config.Store(&EngineConfig{Running: false, Graph: cfg.Graph})
	slog.Info("Engine stopped")
	e.recordEvent("Flow stopped")
}

// Running reports whether a flow definition is active.
func (e *Engine) Running() bool {
	cfg := e.config.Load()
	return cfg != nil && cfg.Running
}

// ActiveSessions returns the number of sessions currently persisted.
func (e *Engine) ActiveSessions() int {
	n, err := e.store.CountSessions()
	if err != nil {
		slog.Error("Engine ActiveSessions count failed", "error", err)
		return 0
	}
	return n
}

// MessagesProcessed returns the count of inbound events accepted since start.
func (e *Engine) MessagesProcessed() int64 {
	return e.processed.Load()
}

// StartedAt returns the unix time the first flow was loaded, or zero.
func (e *Engine) StartedAt() int64 {
	return e.startedAt.Load()
}

// RecentEvents returns the operational log ring, newest first.
func (e *Engine) RecentEvents() []string {
	e.eventsMu.Lock()
	defer e.eventsMu.Unlock()
	out := make([]string, len(e.events))
	copy(out, e.events)
	return out
}

func (e *Engine) recordEvent(format string, args ...interface{}) {
	line := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
	e.eventsMu.Lock()
	defer e.eventsMu.Unlock()
	e.events = append([]string{line}, e.events...)
	if len(e.events) > maxRecentEvents {
		e.events = e.events[:maxRecentEvents]
	}
}

// identityLock is a refcounted mutex entry; refs counts holders and waiters
// so the map entry can be dropped once the last one releases.
type identityLock struct {
	mu   sync.Mutex
	refs int
}

// lockIdentity serializes processing for one identity and returns the
// unlock function. The lock map tracks in-flight identities only; the entry
// is removed when the last holder releases, so the map does not grow with
// every identity ever seen.
func (e *Engine) lockIdentity(phone string) func() {
	e.locksMu.Lock()
	lock, ok := e.locks[phone]
	if !ok {
		lock = &identityLock{}
		e.locks[phone] = lock
	}
	lock.refs++
	e.locksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		e.locksMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(e.locks, phone)
		}
		e.locksMu.Unlock()
	}
}

// HandleInbound processes one inbound event from the channel. Events are
// dropped silently while the engine is stopped or the channel is not
// connected; a failed trigger predicate is also a silent no-op.
func (e *Engine) HandleInbound(ctx context.Context, msg models.InboundMessage) {
	cfg := e.config.Load()
	if cfg == nil || !cfg.Running || cfg.Graph == nil {
		slog.Debug("Engine dropping inbound event, not running", "from", msg.From)
		return
	}
	if !e.messenger.IsReady() {
		slog.Debug("Engine dropping inbound event, channel not ready", "from", msg.From)
		return
	}

	phone := CanonicalPhone(msg.From)
	if phone == "" {
		slog.Debug("Engine dropping inbound event, empty identity")
		return
	}
	e.processed.Add(1)

	unlock := e.lockIdentity(phone)
	defer unlock()

	session, err := e.store.GetSession(phone)
	if err != nil {
		slog.Error("Engine failed to load session", "error", err, "phone", phone)
		return
	}

	if session != nil && session.Paused {
		slog.Debug("Engine dropping inbound event, session paused", "phone", phone)
		return
	}

	if session == nil {
		e.startSession(ctx, cfg.Graph, phone, msg)
		return
	}

	session.Touch()

	current := cfg.Graph.Node(session.CurrentNodeID)
	if current == nil {
		// The definition was replaced underneath the session; discard it and
		// re-evaluate the trigger as if the user were new.
		slog.Info("Engine session points at unknown node, restarting", "phone", phone, "node", session.CurrentNodeID)
		if err := e.store.DeleteSession(phone); err != nil {
			slog.Error("Engine failed to delete stale session", "error", err, "phone", phone)
			return
		}
		e.startSession(ctx, cfg.Graph, phone, msg)
		return
	}

	switch current.Kind {
	case models.NodeKindInteractive:
		e.resumeInteractive(ctx, cfg.Graph, session, current, msg)
	case models.NodeKindInput:
		e.resumeInput(ctx, cfg.Graph, session, current, msg)
	default:
		// The engine should never be parked on a pass-through node. Advance
		// via the default edge rather than deadlocking the session.
		slog.Warn("Engine received event while parked on pass-through node, advancing", "phone", phone, "node", current.ID, "kind", current.Kind)
		e.advance(ctx, cfg.Graph, session, current.ID, "")
	}
}

// startSession evaluates the start trigger and, if it passes, creates the
// session and begins executing from the node after start.
func (e *Engine) startSession(ctx context.Context, g *Graph, phone string, msg models.InboundMessage) {
	start := g.Start()
	data, ok := start.Data.(*models.StartData)
	if !ok {
		data = &models.StartData{}
	}
	if !ShouldTrigger(data, msg.Text) {
		slog.Debug("Engine trigger predicate not met, ignoring", "phone", phone, "trigger", data.TriggerType)
		return
	}

	session := models.NewSession(phone, start.ID)
	if err := e.store.SaveSession(session); err != nil {
		slog.Error("Engine failed to persist new session", "error", err, "phone", phone)
		return
	}
	slog.Info("Engine session started", "phone", phone)
	e.recordEvent("Session started for %s", phone)

	e.advance(ctx, g, &session, start.ID, "")
}

// resumeInteractive resolves the user's reply against the node's options.
// Unresolved replies re-present the same node without advancing.
func (e *Engine) resumeInteractive(ctx context.Context, g *Graph, session *models.Session, node *models.Node, msg models.InboundMessage) {
	data, ok := node.Data.(*models.InteractiveData)
	if !ok {
		e.advance(ctx, g, session, node.ID, "")
		return
	}

	option := ResolveOption(data.Options, msg.ChoiceID, msg.Text)
	if option == nil {
		slog.Debug("Engine unresolved choice, re-presenting node", "phone", session.Phone, "node", node.ID, "text", msg.Text)
		if err := e.messenger.SendText(ctx, session.Phone, InvalidOptionMessage); err != nil {
			slog.Error("Engine failed to send validation message", "error", err, "phone", session.Phone)
		}
		e.runFrom(ctx, g, session, node)
		return
	}

	if data.Variable != "" {
		session.SetVariable(CleanVariableName(data.Variable), option.Label)
	}
	e.advance(ctx, g, session, node.ID, option.ID)
}

// resumeInput binds the raw reply into the node's variable and advances.
func (e *Engine) resumeInput(ctx context.Context, g *Graph, session *models.Session, node *models.Node, msg models.InboundMessage) {
	data, ok := node.Data.(*models.InputData)
	if ok && data.Variable != "" && msg.Text != "" {
		session.SetVariable(CleanVariableName(data.Variable), msg.Text)
	}
	e.advance(ctx, g, session, node.ID, "")
}

// ResolveOption matches a reply to one of an interactive node's options:
// exact option id, then normalized label, then 1-based numeric index.
func ResolveOption(options []models.NodeOption, choiceID, text string) *models.NodeOption {
	if choiceID != "" {
		for i := range options {
			if options[i].ID == choiceID {
				return &options[i]
			}
		}
	}
	if text == "" {
		return nil
	}
	normalized := NormalizeText(text)
	for i := range options {
		if NormalizeText(options[i].Label) == normalized {
			return &options[i]
		}
	}
	if index, err := parseIndex(normalized); err == nil && index >= 1 && index <= len(options) {
		return &options[index-1]
	}
	return nil
}

// advance follows the edge from fromID with the given outcome handle; no
// matching edge is the normal terminal outcome and destroys the session.
func (e *Engine) advance(ctx context.Context, g *Graph, session *models.Session, fromID, handle string) {
	next := g.Next(fromID, handle)
	if next == nil {
		e.finishSession(session.Phone)
		return
	}
	e.runFrom(ctx, g, session, next)
}

// runFrom executes nodes until the traversal pauses for external input or
// reaches a terminal node. The session's position is persisted before each
// effect runs, so a crash mid-effect resumes by re-attempting the same node.
func (e *Engine) runFrom(ctx context.Context, g *Graph, session *models.Session, node *models.Node) {
	for steps := 0; node != nil; steps++ {
		if steps >= MaxTraversalSteps {
			slog.Error("Engine traversal exceeded step ceiling, terminating session", "phone", session.Phone, "node", node.ID)
			e.finishSession(session.Phone)
			return
		}

		session.CurrentNodeID = node.ID
		if err := e.store.SaveSession(*session); err != nil {
			slog.Error("Engine failed to persist session position", "error", err, "phone", session.Phone, "node", node.ID)
		}

		result, err := e.executeNode(ctx, node, session)
		if err != nil {
			// Contained at the node boundary: the traversal continues so the
			// conversation never stalls on a failed effect.
			slog.Error("Engine node effect failed, continuing", "error", err, "phone", session.Phone, "node", node.ID, "kind", node.Kind)
		}

		if result.pause {
			if err := e.store.SaveSession(*session); err != nil {
				slog.Error("Engine failed to persist paused session", "error", err, "phone", session.Phone)
			}
			return
		}

		if result.jumpTo != "" {
			target := g.Node(result.jumpTo)
			if target == nil {
				slog.Warn("Engine jump target not found, terminating session", "phone", session.Phone, "target", result.jumpTo)
				e.finishSession(session.Phone)
				return
			}
			node = target
			continue
		}

		next := g.Next(node.ID, result.handle)
		if next == nil {
			e.finishSession(session.Phone)
			return
		}
		node = next
	}
}

// finishSession destroys a completed session. A later inbound event from
// the same identity re-evaluates the start trigger from scratch.
func (e *Engine) finishSession(phone string) {
	if err := e.store.DeleteSession(phone); err != nil {
		slog.Error("Engine failed to delete finished session", "error", err, "phone", phone)
		return
	}
	slog.Info("Engine session finished", "phone", phone)
	e.recordEvent("Session finished for %s", phone)
}
