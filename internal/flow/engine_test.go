package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/whaleflow/whaleflow/internal/models"
	"github.com/whaleflow/whaleflow/internal/store"
)

// mockMessenger records outbound sends for assertions.
type mockMessenger struct {
	mu       sync.Mutex
	ready    bool
	failSend bool
	texts    []string
	lists    []string
	media    []mediaSend
}

type mediaSend struct {
	url  string
	kind models.MediaKind
}

func newMockMessenger() *mockMessenger {
	return &mockMessenger{ready: true}
}

func (m *mockMessenger) SendText(ctx context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSend {
		return fmt.Errorf("send failed")
	}
	m.texts = append(m.texts, body)
	return nil
}

func (m *mockMessenger) SendList(ctx context.Context, to, body string, options []models.NodeOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSend {
		return fmt.Errorf("send failed")
	}
	m.lists = append(m.lists, body)
	return nil
}

func (m *mockMessenger) SendMedia(ctx context.Context, to, url, caption string, kind models.MediaKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSend {
		return fmt.Errorf("send failed")
	}
	m.media = append(m.media, mediaSend{url: url, kind: kind})
	return nil
}

func (m *mockMessenger) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

func (m *mockMessenger) sentTexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.texts))
	copy(out, m.texts)
	return out
}

func (m *mockMessenger) sentLists() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.lists))
	copy(out, m.lists)
	return out
}

func (m *mockMessenger) sentMedia() []mediaSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mediaSend, len(m.media))
	copy(out, m.media)
	return out
}

// mockGenerator returns a canned AI completion.
type mockGenerator struct {
	reply string
	err   error
}

func (g *mockGenerator) Generate(ctx context.Context, prompt, systemInstruction string) (string, error) {
	return g.reply, g.err
}

// mockSink records appended records.
type mockSink struct {
	mu      sync.Mutex
	records []map[string]string
	formats []models.RecordFormat
}

func (s *mockSink) AppendRecord(record map[string]string, format models.RecordFormat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	s.formats = append(s.formats, format)
	return nil
}

func newTestEngine(t *testing.T, def *models.FlowDefinition, opts ...EngineOption) (*Engine, *mockMessenger, *store.InMemoryStore) {
	t.Helper()
	messenger := newMockMessenger()
	st := store.NewInMemoryStore()
	opts = append([]EngineOption{WithSendDelay(0)}, opts...)
	e := NewEngine(st, messenger, opts...)
	if def != nil {
		if err := e.LoadFlow(def); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	return e, messenger, st
}

func inbound(from, text string) models.InboundMessage {
	return models.InboundMessage{From: from, Text: text}
}

func linearFlow(extra ...models.Node) *models.FlowDefinition {
	nodes := []models.Node{
		{ID: "start", Kind: models.NodeKindStart, Data: &models.StartData{TriggerType: models.TriggerKeywordExact, TriggerKeywords: "hi, hello"}},
		{ID: "welcome", Kind: models.NodeKindMessage, Data: &models.MessageData{Content: "Hello {{name}}!"}},
	}
	nodes = append(nodes, extra...)
	edges := []models.Edge{{Source: "start", Target: "welcome"}}
	for i := range extra {
		prev := "welcome"
		if i > 0 {
			prev = extra[i-1].ID
		}
		edges = append(edges, models.Edge{Source: prev, Target: extra[i].ID})
	}
	return &models.FlowDefinition{Nodes: nodes, Edges: edges}
}

func TestEngineDropsWhenNotRunning(t *testing.T) {
	e, messenger, st := newTestEngine(t, linearFlow())
	e.Stop()

	e.HandleInbound(context.Background(), inbound("111@s.whatsapp.net", "hi"))
	if len(messenger.sentTexts()) != 0 {
		t.Error("stopped engine sent messages")
	}
	if n, _ := st.CountSessions(); n != 0 {
		t.Error("stopped engine created a session")
	}
}

func TestEngineDropsWhenChannelNotReady(t *testing.T) {
	e, messenger, st := newTestEngine(t, linearFlow())
	messenger.ready = false

	e.HandleInbound(context.Background(), inbound("111@s.whatsapp.net", "hi"))
	if n, _ := st.CountSessions(); n != 0 {
		t.Error("engine created a session while channel was down")
	}
}

func TestEngineTriggerMismatchIsSilent(t *testing.T) {
	e, messenger, st := newTestEngine(t, linearFlow())

	e.HandleInbound(context.Background(), inbound("111@s.whatsapp.net", "unrelated chatter"))
	if len(messenger.sentTexts()) != 0 {
		t.Error("trigger mismatch produced output")
	}
	if n, _ := st.CountSessions(); n != 0 {
		t.Error("trigger mismatch created a session")
	}
}

func TestEngineRunsLinearFlowToTermination(t *testing.T) {
	e, messenger, st := newTestEngine(t, linearFlow())

	e.HandleInbound(context.Background(), inbound("111@s.whatsapp.net", "Hi "))

	texts := messenger.sentTexts()
	if len(texts) != 1 || texts[0] != "Hello User!" {
		t.Errorf("sent texts = %v", texts)
	}
	// The path ended with no outgoing edge, so the session is destroyed.
	if n, _ := st.CountSessions(); n != 0 {
		t.Errorf("expected session destroyed at terminal node")
	}
	if e.MessagesProcessed() != 1 {
		t.Errorf("MessagesProcessed = %d", e.MessagesProcessed())
	}
}

func TestEngineMediaAndDelayFlow(t *testing.T) {
	def := linearFlow(
		models.Node{ID: "menu", Kind: models.NodeKindImage, Data: &models.MediaData{URL: "https://cdn.example.com/menu.png", Caption: "Our menu"}},
		models.Node{ID: "greeting", Kind: models.NodeKindAudio, Data: &models.MediaData{URL: "https://cdn.example.com/hello.ogg"}},
		models.Node{ID: "wait", Kind: models.NodeKindDelay, Data: &models.DelayData{Seconds: 0.05}},
		models.Node{ID: "bye", Kind: models.NodeKindMessage, Data: &models.MessageData{Content: "Enjoy!"}},
	)
	e, messenger, st := newTestEngine(t, def)

	started := time.Now()
	e.HandleInbound(context.Background(), inbound("111@s.whatsapp.net", "hi"))

	media := messenger.sentMedia()
	if len(media) != 2 {
		t.Fatalf("sent media = %v", media)
	}
	if media[0].url != "https://cdn.example.com/menu.png" || media[0].kind != models.MediaKindImage {
		t.Errorf("image node send = %+v", media[0])
	}
	if media[1].url != "https://cdn.example.com/hello.ogg" || media[1].kind != models.MediaKindAudio {
		t.Errorf("audio node send = %+v", media[1])
	}

	// The delay node suspends the traversal before the closing message.
	if elapsed := time.Since(started); elapsed < 50*time.Millisecond {
		t.Errorf("traversal finished in %v, delay node did not suspend", elapsed)
	}
	texts := messenger.sentTexts()
	if len(texts) != 2 || texts[1] != "Enjoy!" {
		t.Errorf("sent texts = %v", texts)
	}
	if n, _ := st.CountSessions(); n != 0 {
		t.Errorf("expected session destroyed at terminal node")
	}
}

func TestEngineTerminalThenRetriggers(t *testing.T) {
	e, messenger, _ := newTestEngine(t, linearFlow())

	e.HandleInbound(context.Background(), inbound("111@s.whatsapp.net", "hi"))
	e.HandleInbound(context.Background(), inbound("111@s.whatsapp.net", "hello"))

	if got := len(messenger.sentTexts()); got != 2 {
		t.Errorf("expected the flow to run twice, got %d sends", got)
	}
}

func interactiveFlow() *models.FlowDefinition {
	return &models.FlowDefinition{
		Nodes: []models.Node{
			{ID: "start", Kind: models.NodeKindStart, Data: &models.StartData{}},
			{ID: "ask", Kind: models.NodeKindInteractive, Data: &models.InteractiveData{
				Content:  "Pick a color",
				Variable: "color",
				Options: []models.NodeOption{
					{ID: "a", Label: "Red"},
					{ID: "b", Label: "Blue"},
				},
			}},
			{ID: "red", Kind: models.NodeKindMessage, Data: &models.MessageData{Content: "red it is"}},
			{ID: "blue", Kind: models.NodeKindMessage, Data: &models.MessageData{Content: "blue: {{color}}"}},
		},
		Edges: []models.Edge{
			{Source: "start", Target: "ask"},
			{Source: "ask", Target: "red", SourceHandle: "a"},
			{Source: "ask", Target: "blue", SourceHandle: "b"},
		},
	}
}

func TestEngineInteractivePausesAndResolvesByIndex(t *testing.T) {
	e, messenger, st := newTestEngine(t, interactiveFlow())

	e.HandleInbound(context.Background(), inbound("222", "anything"))
	if got := messenger.sentLists(); len(got) != 1 || got[0] != "Pick a color" {
		t.Fatalf("list not presented: %v", got)
	}
	session, _ := st.GetSession("222")
	if session == nil || session.CurrentNodeID != "ask" {
		t.Fatalf("session not paused at ask: %+v", session)
	}

	// "2" resolves to the second option by 1-based index.
	e.HandleInbound(context.Background(), inbound("222", "2"))
	texts := messenger.sentTexts()
	if len(texts) != 1 || texts[0] != "blue: Blue" {
		t.Errorf("sent texts = %v", texts)
	}
}

func TestEngineInteractiveResolvesByLabelCaseInsensitive(t *testing.T) {
	e, messenger, _ := newTestEngine(t, interactiveFlow())

	e.HandleInbound(context.Background(), inbound("222", "go"))
	e.HandleInbound(context.Background(), inbound("222", "  bLuE "))
	texts := messenger.sentTexts()
	if len(texts) != 1 || texts[0] != "blue: Blue" {
		t.Errorf("sent texts = %v", texts)
	}
}

func TestEngineInteractiveResolvesByChoiceID(t *testing.T) {
	e, messenger, _ := newTestEngine(t, interactiveFlow())

	e.HandleInbound(context.Background(), inbound("222", "go"))
	e.HandleInbound(context.Background(), models.InboundMessage{From: "222", ChoiceID: "a"})
	texts := messenger.sentTexts()
	if len(texts) != 1 || texts[0] != "red it is" {
		t.Errorf("sent texts = %v", texts)
	}
}

func TestEngineInteractiveInvalidChoiceReprompts(t *testing.T) {
	e, messenger, st := newTestEngine(t, interactiveFlow())

	e.HandleInbound(context.Background(), inbound("222", "go"))
	e.HandleInbound(context.Background(), inbound("222", "Green"))

	texts := messenger.sentTexts()
	if len(texts) != 1 || texts[0] != InvalidOptionMessage {
		t.Errorf("expected validation message, got %v", texts)
	}
	// The prompt is re-presented and the session stays at the same node.
	if got := messenger.sentLists(); len(got) != 2 {
		t.Errorf("expected prompt re-sent, got %d lists", len(got))
	}
	session, _ := st.GetSession("222")
	if session == nil || session.CurrentNodeID != "ask" {
		t.Errorf("session moved off ask: %+v", session)
	}
}

func TestEngineInputBindsVariable(t *testing.T) {
	def := &models.FlowDefinition{
		Nodes: []models.Node{
			{ID: "start", Kind: models.NodeKindStart, Data: &models.StartData{}},
			{ID: "ask", Kind: models.NodeKindInput, Data: &models.InputData{Content: "Your name?", Variable: "name"}},
			{ID: "greet", Kind: models.NodeKindMessage, Data: &models.MessageData{Content: "Welcome {{name}}"}},
		},
		Edges: []models.Edge{
			{Source: "start", Target: "ask"},
			{Source: "ask", Target: "greet"},
		},
	}
	e, messenger, _ := newTestEngine(t, def)

	e.HandleInbound(context.Background(), inbound("333", "hey"))
	e.HandleInbound(context.Background(), inbound("333", "Ana"))

	texts := messenger.sentTexts()
	if len(texts) != 2 || texts[1] != "Welcome Ana" {
		t.Errorf("sent texts = %v", texts)
	}
}

func TestEngineConditionComparesNormalized(t *testing.T) {
	def := &models.FlowDefinition{
		Nodes: []models.Node{
			{ID: "start", Kind: models.NodeKindStart, Data: &models.StartData{}},
			{ID: "set", Kind: models.NodeKindSetVariable, Data: &models.SetVariableData{Variable: "status", Value: "Active"}},
			{ID: "check", Kind: models.NodeKindCondition, Data: &models.ConditionData{Variable: "status", Value: "active"}},
			{ID: "yes", Kind: models.NodeKindMessage, Data: &models.MessageData{Content: "is active"}},
			{ID: "no", Kind: models.NodeKindMessage, Data: &models.MessageData{Content: "not active"}},
		},
		Edges: []models.Edge{
			{Source: "start", Target: "set"},
			{Source: "set", Target: "check"},
			{Source: "check", Target: "yes", SourceHandle: "true"},
			{Source: "check", Target: "no", SourceHandle: "false"},
		},
	}
	e, messenger, _ := newTestEngine(t, def)

	e.HandleInbound(context.Background(), inbound("444", "go"))
	texts := messenger.sentTexts()
	if len(texts) != 1 || texts[0] != "is active" {
		t.Errorf("sent texts = %v", texts)
	}
}

func TestEngineCodeNodeErrorLeavesVariablesAndAdvances(t *testing.T) {
	def := linearFlow(
		models.Node{ID: "script", Kind: models.NodeKindCode, Data: &models.CodeData{Source: `throw new Error("boom");`}},
		models.Node{ID: "after", Kind: models.NodeKindMessage, Data: &models.MessageData{Content: "still {{name}}"}},
	)
	e, messenger, _ := newTestEngine(t, def)

	e.HandleInbound(context.Background(), inbound("555", "hi"))
	texts := messenger.sentTexts()
	if len(texts) != 2 || texts[1] != "still User" {
		t.Errorf("sent texts = %v", texts)
	}
}

func TestEngineCodeNodeMergesScriptOutput(t *testing.T) {
	def := linearFlow(
		models.Node{ID: "script", Kind: models.NodeKindCode, Data: &models.CodeData{
			Source: `return {shout: variables.name.toUpperCase()};`,
		}},
		models.Node{ID: "after", Kind: models.NodeKindMessage, Data: &models.MessageData{Content: "{{shout}}"}},
	)
	e, messenger, _ := newTestEngine(t, def)

	e.HandleInbound(context.Background(), inbound("555", "hi"))
	texts := messenger.sentTexts()
	if len(texts) != 2 || texts[1] != "USER" {
		t.Errorf("sent texts = %v", texts)
	}
}

func TestEngineHTTPRequestStoresJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"city": "Lisbon"})
	}))
	defer srv.Close()

	def := linearFlow(
		models.Node{ID: "fetch", Kind: models.NodeKindHTTPRequest, Data: &models.HTTPRequestData{
			URL:      srv.URL,
			Variable: "payload",
		}},
		models.Node{ID: "after", Kind: models.NodeKindMessage, Data: &models.MessageData{Content: "{{payload}}"}},
	)
	e, messenger, _ := newTestEngine(t, def)

	e.HandleInbound(context.Background(), inbound("666", "hi"))
	texts := messenger.sentTexts()
	if len(texts) != 2 || texts[1] != `{"city":"Lisbon"}` {
		t.Errorf("sent texts = %v", texts)
	}
}

func TestEngineHTTPRequestFailureIsContained(t *testing.T) {
	def := linearFlow(
		models.Node{ID: "fetch", Kind: models.NodeKindHTTPRequest, Data: &models.HTTPRequestData{
			URL:      "http://127.0.0.1:1/unreachable",
			Variable: "payload",
		}},
		models.Node{ID: "after", Kind: models.NodeKindMessage, Data: &models.MessageData{Content: "moved on"}},
	)
	e, messenger, _ := newTestEngine(t, def)

	e.HandleInbound(context.Background(), inbound("666", "hi"))
	texts := messenger.sentTexts()
	if len(texts) != 2 || texts[1] != "moved on" {
		t.Errorf("traversal did not continue past failed effect: %v", texts)
	}
}

func TestEngineWebhookPostsVariables(t *testing.T) {
	var received map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
	}))
	defer srv.Close()

	def := linearFlow(
		models.Node{ID: "hook", Kind: models.NodeKindWebhook, Data: &models.WebhookData{URL: srv.URL}},
	)
	e, _, _ := newTestEngine(t, def)

	e.HandleInbound(context.Background(), inbound("777", "hi"))
	if received == nil || received[models.VarPhone] != "777" {
		t.Errorf("webhook payload = %v", received)
	}
}

func TestEngineAIGenerateStoresAndSends(t *testing.T) {
	def := linearFlow(
		models.Node{ID: "ai", Kind: models.NodeKindAIGenerate, Data: &models.AIGenerateData{
			Prompt:   "Summarize for {{name}}",
			Variable: "summary",
		}},
		models.Node{ID: "after", Kind: models.NodeKindMessage, Data: &models.MessageData{Content: "saved: {{summary}}"}},
	)
	e, messenger, _ := newTestEngine(t, def, WithGenerator(&mockGenerator{reply: "All good."}))

	e.HandleInbound(context.Background(), inbound("888", "hi"))
	texts := messenger.sentTexts()
	if len(texts) != 3 {
		t.Fatalf("sent texts = %v", texts)
	}
	if texts[1] != "All good." || texts[2] != "saved: All good." {
		t.Errorf("sent texts = %v", texts)
	}
}

func TestEngineAIGenerateFailureIsContained(t *testing.T) {
	def := linearFlow(
		models.Node{ID: "ai", Kind: models.NodeKindAIGenerate, Data: &models.AIGenerateData{Prompt: "p"}},
		models.Node{ID: "after", Kind: models.NodeKindMessage, Data: &models.MessageData{Content: "done"}},
	)
	e, messenger, _ := newTestEngine(t, def, WithGenerator(&mockGenerator{err: fmt.Errorf("quota exceeded")}))

	e.HandleInbound(context.Background(), inbound("888", "hi"))
	texts := messenger.sentTexts()
	if len(texts) != 2 || texts[1] != "done" {
		t.Errorf("sent texts = %v", texts)
	}
}

func TestEngineDatabaseSaveAppendsRecord(t *testing.T) {
	sink := &mockSink{}
	def := linearFlow(
		models.Node{ID: "save", Kind: models.NodeKindDatabaseSave, Data: &models.DatabaseSaveData{Format: models.RecordFormatCSV}},
	)
	e, _, _ := newTestEngine(t, def, WithRecordSink(sink))

	e.HandleInbound(context.Background(), inbound("999", "hi"))
	if len(sink.records) != 1 || sink.records[0][models.VarPhone] != "999" {
		t.Errorf("records = %v", sink.records)
	}
	if sink.formats[0] != models.RecordFormatCSV {
		t.Errorf("format = %v", sink.formats[0])
	}
}

func TestEngineAgentHandoffPausesSession(t *testing.T) {
	def := linearFlow(
		models.Node{ID: "handoff", Kind: models.NodeKindAgentHandoff, Data: &models.AgentHandoffData{Content: "An agent will join"}},
	)
	e, messenger, st := newTestEngine(t, def)

	e.HandleInbound(context.Background(), inbound("121", "hi"))
	session, _ := st.GetSession("121")
	if session == nil || !session.Paused {
		t.Fatalf("session not paused: %+v", session)
	}

	// Paused sessions drop further events.
	e.HandleInbound(context.Background(), inbound("121", "hello"))
	texts := messenger.sentTexts()
	if len(texts) != 2 {
		t.Errorf("paused session still advanced: %v", texts)
	}
}

func TestEngineJumpRedirectsWithoutEdge(t *testing.T) {
	def := &models.FlowDefinition{
		Nodes: []models.Node{
			{ID: "start", Kind: models.NodeKindStart, Data: &models.StartData{}},
			{ID: "jump", Kind: models.NodeKindJump, Data: &models.JumpData{TargetNodeID: "target"}},
			{ID: "target", Kind: models.NodeKindMessage, Data: &models.MessageData{Content: "landed"}},
		},
		Edges: []models.Edge{{Source: "start", Target: "jump"}},
	}
	e, messenger, _ := newTestEngine(t, def)

	e.HandleInbound(context.Background(), inbound("131", "hi"))
	texts := messenger.sentTexts()
	if len(texts) != 1 || texts[0] != "landed" {
		t.Errorf("sent texts = %v", texts)
	}
}

func TestEngineJumpMissingTargetTerminates(t *testing.T) {
	def := &models.FlowDefinition{
		Nodes: []models.Node{
			{ID: "start", Kind: models.NodeKindStart, Data: &models.StartData{}},
			{ID: "jump", Kind: models.NodeKindJump, Data: &models.JumpData{TargetNodeID: "removed"}},
		},
		Edges: []models.Edge{{Source: "start", Target: "jump"}},
	}
	e, _, st := newTestEngine(t, def)

	e.HandleInbound(context.Background(), inbound("132", "hi"))
	// A target absent from the definition is terminal, unlike the empty
	// target, which parks the session.
	if n, _ := st.CountSessions(); n != 0 {
		t.Error("session survived a jump to a missing node")
	}
}

func TestEngineStepCeilingBreaksCycles(t *testing.T) {
	def := &models.FlowDefinition{
		Nodes: []models.Node{
			{ID: "start", Kind: models.NodeKindStart, Data: &models.StartData{}},
			{ID: "a", Kind: models.NodeKindSetVariable, Data: &models.SetVariableData{Variable: "x", Value: "1"}},
			{ID: "b", Kind: models.NodeKindJump, Data: &models.JumpData{TargetNodeID: "a"}},
		},
		Edges: []models.Edge{
			{Source: "start", Target: "a"},
			{Source: "a", Target: "b"},
		},
	}
	e, _, st := newTestEngine(t, def)

	e.HandleInbound(context.Background(), inbound("141", "hi"))
	// The cycle is broken and the session terminated instead of spinning forever.
	if n, _ := st.CountSessions(); n != 0 {
		t.Error("cycled session was not terminated")
	}
}

func TestEngineResumesAtPersistedNode(t *testing.T) {
	def := interactiveFlow()
	e, messenger, st := newTestEngine(t, def)

	// Simulate a session persisted by a previous process, parked at the
	// interactive node.
	session := models.NewSession("151", "ask")
	if err := st.SaveSession(session); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e.HandleInbound(context.Background(), inbound("151", "blue"))
	texts := messenger.sentTexts()
	if len(texts) != 1 || texts[0] != "blue: Blue" {
		t.Errorf("restart did not resume at persisted node: %v", texts)
	}
}

func TestEngineUnknownCurrentNodeRestartsSession(t *testing.T) {
	e, messenger, st := newTestEngine(t, linearFlow())

	// A session left over from a replaced definition.
	stale := models.NewSession("161", "gone-node")
	if err := st.SaveSession(stale); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e.HandleInbound(context.Background(), inbound("161", "hi"))
	texts := messenger.sentTexts()
	if len(texts) != 1 || texts[0] != "Hello User!" {
		t.Errorf("stale session did not restart the flow: %v", texts)
	}
}

func TestEnginePassThroughParkAdvancesOnEvent(t *testing.T) {
	def := linearFlow(
		models.Node{ID: "after", Kind: models.NodeKindMessage, Data: &models.MessageData{Content: "resumed"}},
	)
	e, messenger, st := newTestEngine(t, def)

	// An inconsistent state: the session is parked on a pass-through node.
	session := models.NewSession("171", "welcome")
	if err := st.SaveSession(session); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e.HandleInbound(context.Background(), inbound("171", "anything"))
	texts := messenger.sentTexts()
	if len(texts) != 1 || texts[0] != "resumed" {
		t.Errorf("parked session did not advance via default edge: %v", texts)
	}
}

func TestEngineConcurrentIdentitiesDoNotInterfere(t *testing.T) {
	e, messenger, _ := newTestEngine(t, linearFlow())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			e.HandleInbound(context.Background(), inbound(fmt.Sprintf("10%d", n), "hi"))
		}(i)
	}
	wg.Wait()

	if got := len(messenger.sentTexts()); got != 10 {
		t.Errorf("expected 10 independent sessions, got %d sends", got)
	}
}

func TestEngineIdentityLockMapDoesNotGrow(t *testing.T) {
	e, _, _ := newTestEngine(t, linearFlow())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			e.HandleInbound(context.Background(), inbound(fmt.Sprintf("20%d", n), "hi"))
		}(i)
	}
	wg.Wait()

	e.locksMu.Lock()
	held := len(e.locks)
	e.locksMu.Unlock()
	if held != 0 {
		t.Errorf("identity lock map holds %d entries after all traversals finished", held)
	}
}

func TestEngineStatsAndEvents(t *testing.T) {
	e, _, _ := newTestEngine(t, linearFlow())
	e.HandleInbound(context.Background(), inbound("181", "hi"))

	if e.StartedAt() == 0 {
		t.Error("StartedAt not set after LoadFlow")
	}
	if e.MessagesProcessed() != 1 {
		t.Errorf("MessagesProcessed = %d", e.MessagesProcessed())
	}
	if len(e.RecentEvents()) == 0 {
		t.Error("expected recorded events")
	}
}
