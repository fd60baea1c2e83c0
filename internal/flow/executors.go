package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/whaleflow/whaleflow/internal/models"
)

// stepResult is the outcome of executing one node's side effect.
type stepResult struct {
	// handle selects the outgoing edge; empty means the default outcome.
	handle string
	// jumpTo redirects the traversal to a node id without consuming an edge.
	jumpTo string
	// pause stops the traversal; the session waits for external input.
	pause bool
}

// executeNode runs the side effect of one node. Errors are returned, not
// surfaced to the end user; the caller logs them and continues.
func (e *Engine) executeNode(ctx context.Context, node *models.Node, session *models.Session) (stepResult, error) {
	slog.Debug("Engine executing node", "phone", session.Phone, "node", node.ID, "kind", node.Kind)

	switch data := node.Data.(type) {
	case *models.StartData:
		return stepResult{}, nil
	case *models.MessageData:
		return e.execMessage(ctx, data, session)
	case *models.MediaData:
		kind := models.MediaKindImage
		if node.Kind == models.NodeKindAudio {
			kind = models.MediaKindAudio
		}
		return e.execMedia(ctx, data, session, kind)
	case *models.InteractiveData:
		return e.execInteractive(ctx, data, session)
	case *models.InputData:
		return e.execInput(ctx, data, session)
	case *models.ConditionData:
		return e.execCondition(data, session)
	case *models.SetVariableData:
		return e.execSetVariable(data, session)
	case *models.CodeData:
		return e.execCode(data, session)
	case *models.AIGenerateData:
		return e.execAIGenerate(ctx, data, session)
	case *models.HTTPRequestData:
		return e.execHTTPRequest(ctx, data, session)
	case *models.WebhookData:
		return e.execWebhook(ctx, data, session)
	case *models.DatabaseSaveData:
		return e.execDatabaseSave(data, session)
	case *models.DelayData:
		return e.execDelay(data)
	case *models.AgentHandoffData:
		return e.execAgentHandoff(ctx, data, session)
	case *models.JumpData:
		return e.execJump(data)
	default:
		return stepResult{}, fmt.Errorf("no executor for node kind %s", node.Kind)
	}
}

// typingPause gives outbound sends a human cadence.
func (e *Engine) typingPause() {
	if e.sendDelay > 0 {
		time.Sleep(e.sendDelay)
	}
}

func (e *Engine) execMessage(ctx context.Context, data *models.MessageData, session *models.Session) (stepResult, error) {
	e.typingPause()
	body := Render(data.Content, session.Variables)
	return stepResult{}, e.messenger.SendText(ctx, session.Phone, body)
}

func (e *Engine) execMedia(ctx context.Context, data *models.MediaData, session *models.Session, kind models.MediaKind) (stepResult, error) {
	e.typingPause()
	url := Render(data.URL, session.Variables)
	caption := Render(data.Caption, session.Variables)
	return stepResult{}, e.messenger.SendMedia(ctx, session.Phone, url, caption, kind)
}

func (e *Engine) execInteractive(ctx context.Context, data *models.InteractiveData, session *models.Session) (stepResult, error) {
	e.typingPause()
	body := Render(data.Content, session.Variables)
	return stepResult{pause: true}, e.messenger.SendList(ctx, session.Phone, body, data.Options)
}

func (e *Engine) execInput(ctx context.Context, data *models.InputData, session *models.Session) (stepResult, error) {
	e.typingPause()
	body := Render(data.Content, session.Variables)
	return stepResult{pause: true}, e.messenger.SendText(ctx, session.Phone, body)
}

func (e *Engine) execCondition(data *models.ConditionData, session *models.Session) (stepResult, error) {
	actual := session.Variables[CleanVariableName(data.Variable)]
	expected := Render(data.Value, session.Variables)
	if NormalizeText(actual) == NormalizeText(expected) {
		return stepResult{handle: "true"}, nil
	}
	return stepResult{handle: "false"}, nil
}

func (e *Engine) execSetVariable(data *models.SetVariableData, session *models.Session) (stepResult, error) {
	if data.Variable == "" || data.Value == "" {
		return stepResult{}, nil
	}
	session.SetVariable(CleanVariableName(data.Variable), Render(data.Value, session.Variables))
	return stepResult{}, nil
}

func (e *Engine) execCode(data *models.CodeData, session *models.Session) (stepResult, error) {
	output, err := e.sandbox.Run(data.Source, session.Variables)
	if err != nil {
		// The variable map stays untouched on a failed script.
		return stepResult{}, fmt.Errorf("code node script failed: %w", err)
	}
	for name, value := range output {
		session.SetVariable(name, value)
	}
	return stepResult{}, nil
}

func (e *Engine) execAIGenerate(ctx context.Context, data *models.AIGenerateData, session *models.Session) (stepResult, error) {
	if e.generator == nil {
		return stepResult{}, fmt.Errorf("ai_generate node with no generator configured")
	}
	prompt := Render(data.Prompt, session.Variables)
	text, err := e.generator.Generate(ctx, prompt, data.SystemInstruction)
	if err != nil {
		return stepResult{}, fmt.Errorf("ai generation failed: %w", err)
	}
	if data.Variable != "" {
		session.SetVariable(CleanVariableName(data.Variable), text)
	}
	e.typingPause()
	return stepResult{}, e.messenger.SendText(ctx, session.Phone, text)
}

func (e *Engine) execHTTPRequest(ctx context.Context, data *models.HTTPRequestData, session *models.Session) (stepResult, error) {
	method := strings.ToUpper(strings.TrimSpace(data.Method))
	if method == "" {
		method = http.MethodGet
	}
	url := Render(data.URL, session.Variables)

	var body io.Reader
	if data.Body != "" && method != http.MethodGet {
		body = strings.NewReader(Render(data.Body, session.Variables))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return stepResult{}, fmt.Errorf("failed to build http_request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for name, value := range parseHeaderTemplate(data.Headers, session.Variables) {
		req.Header.Set(name, value)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return stepResult{}, fmt.Errorf("http_request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return stepResult{}, fmt.Errorf("failed to read http_request response: %w", err)
	}

	if data.Variable != "" {
		var parsed interface{}
		if err := json.Unmarshal(payload, &parsed); err != nil {
			return stepResult{}, fmt.Errorf("http_request response is not JSON: %w", err)
		}
		compact, err := json.Marshal(parsed)
		if err != nil {
			return stepResult{}, fmt.Errorf("failed to re-encode http_request response: %w", err)
		}
		session.SetVariable(CleanVariableName(data.Variable), string(compact))
	}
	return stepResult{}, nil
}

// parseHeaderTemplate renders and decodes the headers JSON object. Malformed
// header templates degrade to no extra headers.
func parseHeaderTemplate(template string, variables map[string]string) map[string]string {
	if template == "" {
		return nil
	}
	rendered := Render(template, variables)
	headers := make(map[string]string)
	if err := json.Unmarshal([]byte(rendered), &headers); err != nil {
		slog.Debug("Engine ignoring malformed header template", "error", err)
		return nil
	}
	return headers
}

func (e *Engine) execWebhook(ctx context.Context, data *models.WebhookData, session *models.Session) (stepResult, error) {
	method := strings.ToUpper(strings.TrimSpace(data.Method))
	if method == "" {
		method = http.MethodPost
	}
	url := Render(data.URL, session.Variables)

	var body io.Reader
	if method == http.MethodPost {
		payload, err := json.Marshal(session.Variables)
		if err != nil {
			return stepResult{}, fmt.Errorf("failed to encode webhook payload: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return stepResult{}, fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return stepResult{}, fmt.Errorf("webhook to %s failed: %w", url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	slog.Debug("Engine webhook fired", "url", url, "method", method, "status", resp.StatusCode)
	e.recordEvent("Webhook fired to %s", url)
	return stepResult{}, nil
}

func (e *Engine) execDatabaseSave(data *models.DatabaseSaveData, session *models.Session) (stepResult, error) {
	if e.sink == nil {
		return stepResult{}, fmt.Errorf("database_save node with no record sink configured")
	}
	format := data.Format
	if format == "" {
		format = models.RecordFormatJSON
	}
	record := make(map[string]string, len(session.Variables))
	for k, v := range session.Variables {
		record[k] = v
	}
	if err := e.sink.AppendRecord(record, format); err != nil {
		return stepResult{}, fmt.Errorf("failed to append record: %w", err)
	}
	return stepResult{}, nil
}

func (e *Engine) execDelay(data *models.DelayData) (stepResult, error) {
	seconds := data.Seconds
	if seconds <= 0 {
		seconds = 1
	}
	time.Sleep(time.Duration(seconds * float64(time.Second)))
	return stepResult{}, nil
}

func (e *Engine) execAgentHandoff(ctx context.Context, data *models.AgentHandoffData, session *models.Session) (stepResult, error) {
	var err error
	if data.Content != "" {
		e.typingPause()
		err = e.messenger.SendText(ctx, session.Phone, Render(data.Content, session.Variables))
	}
	// Paused indefinitely; only an external unpause resumes automation.
	session.Paused = true
	e.recordEvent("Session %s handed off to a human agent", session.Phone)
	return stepResult{pause: true}, err
}

func (e *Engine) execJump(data *models.JumpData) (stepResult, error) {
	if data.TargetNodeID == "" {
		// A jump with no target parks the session at this node.
		return stepResult{pause: true}, fmt.Errorf("jump node with no target")
	}
	return stepResult{jumpTo: data.TargetNodeID}, nil
}

// parseIndex parses a 1-based option index from normalized reply text.
func parseIndex(s string) (int, error) {
	return strconv.Atoi(s)
}
