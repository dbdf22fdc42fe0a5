package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ctenopoma/llm-gateway/internal/models"
)

// adapter translates between the gateway's OpenAI-shape requests and an
// endpoint type's wire format.
type adapter interface {
	buildRequest(ctx context.Context, cfg *models.ModelEndpoint, upstreamModel string, payload map[string]interface{}, stream bool) (*http.Request, error)
	parseResponse(body []byte, logicalModel string) (*ChatResponse, error)
	newStreamDecoder(r io.Reader, logicalModel string) streamDecoder
}

// streamDecoder yields normalized chunks from an upstream stream; io.EOF
// marks a clean end.
type streamDecoder interface {
	Next() (*StreamChunk, error)
}

func adapterFor(t models.EndpointType) adapter {
	if t == models.EndpointTypeOllama {
		return ollamaAdapter{}
	}
	// vllm, tgi, and custom endpoints speak the OpenAI wire format.
	return openaiAdapter{}
}

func upstreamAuth(req *http.Request, cfg *models.ModelEndpoint) {
	if cfg.APIKeyEnv == "" {
		return
	}
	if secret := os.Getenv(cfg.APIKeyEnv); secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
}

// --- OpenAI-compatible (vllm, tgi, custom) ---

type openaiAdapter struct{}

func (openaiAdapter) buildRequest(ctx context.Context, cfg *models.ModelEndpoint, upstreamModel string, payload map[string]interface{}, stream bool) (*http.Request, error) {
	body := make(map[string]interface{}, len(payload)+2)
	for k, v := range payload {
		body[k] = v
	}
	body["model"] = upstreamModel
	body["stream"] = stream

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode upstream payload: %w", err)
	}

	url := strings.TrimSuffix(cfg.BaseURL, "/") + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	upstreamAuth(req, cfg)
	return req, nil
}

func (openaiAdapter) parseResponse(body []byte, logicalModel string) (*ChatResponse, error) {
	var resp ChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode upstream response: %w", err)
	}
	// Clients see the logical model they asked for, not the upstream alias.
	resp.Model = logicalModel
	return &resp, nil
}

func (openaiAdapter) newStreamDecoder(r io.Reader, logicalModel string) streamDecoder {
	return &openaiStreamDecoder{scanner: newSSEScanner(r), logicalModel: logicalModel}
}

type openaiStreamDecoder struct {
	scanner      *bufio.Scanner
	logicalModel string
}

func (d *openaiStreamDecoder) Next() (*StreamChunk, error) {
	s := d.scanner
	for s.Scan() {
		field, value, ok := parseSSELine(s.Text())
		if !ok || field != "data" {
			continue
		}
		if value == "[DONE]" {
			return nil, io.EOF
		}
		var chunk StreamChunk
		if err := json.Unmarshal([]byte(value), &chunk); err != nil {
			// Skip malformed frames rather than killing the stream.
			continue
		}
		chunk.Model = d.logicalModel
		return &chunk, nil
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// --- ollama ---

type ollamaAdapter struct{}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaRequest struct {
	Model    string                 `json:"model"`
	Messages []ollamaMessage        `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type ollamaResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
}

func (ollamaAdapter) buildRequest(ctx context.Context, cfg *models.ModelEndpoint, upstreamModel string, payload map[string]interface{}, stream bool) (*http.Request, error) {
	req, err := ParseChatRequest(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to parse payload for ollama: %w", err)
	}

	msgs := make([]ollamaMessage, 0, len(req.Messages))
	for i := range req.Messages {
		msgs = append(msgs, ollamaMessage{
			Role:    req.Messages[i].Role,
			Content: req.Messages[i].Text(),
		})
	}

	options := map[string]interface{}{}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if req.Temperature != nil {
		options["temperature"] = *req.Temperature
	}
	if len(options) == 0 {
		options = nil
	}

	raw, err := json.Marshal(ollamaRequest{
		Model:    upstreamModel,
		Messages: msgs,
		Stream:   stream,
		Options:  options,
	})
	if err != nil {
		return nil, err
	}

	url := strings.TrimSuffix(cfg.BaseURL, "/") + "/api/chat"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	upstreamAuth(httpReq, cfg)
	return httpReq, nil
}

func (ollamaAdapter) parseResponse(body []byte, logicalModel string) (*ChatResponse, error) {
	var resp ollamaResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode ollama response: %w", err)
	}

	finish := "stop"
	if resp.DoneReason != "" {
		finish = resp.DoneReason
	}
	out := &ChatResponse{
		ID:      newCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   logicalModel,
		Choices: []Choice{{
			Index:        0,
			Message:      &ResponseMessage{Role: "assistant", Content: resp.Message.Content},
			FinishReason: &finish,
		}},
	}
	if resp.PromptEvalCount > 0 || resp.EvalCount > 0 {
		out.Usage = &Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		}
	}
	return out, nil
}

func (ollamaAdapter) newStreamDecoder(r io.Reader, logicalModel string) streamDecoder {
	return &ollamaStreamDecoder{
		decoder:      json.NewDecoder(r),
		logicalModel: logicalModel,
		id:           newCompletionID(),
		created:      time.Now().Unix(),
	}
}

// ollamaStreamDecoder maps ollama's NDJSON stream onto OpenAI-shape chunks.
type ollamaStreamDecoder struct {
	decoder      *json.Decoder
	logicalModel string
	id           string
	created      int64
	finished     bool
}

func (d *ollamaStreamDecoder) Next() (*StreamChunk, error) {
	if d.finished {
		return nil, io.EOF
	}
	var line ollamaResponse
	if err := d.decoder.Decode(&line); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, err
	}

	chunk := &StreamChunk{
		ID:      d.id,
		Object:  "chat.completion.chunk",
		Created: d.created,
		Model:   d.logicalModel,
		Choices: []Choice{{Index: 0, Delta: &ResponseMessage{Content: line.Message.Content}}},
	}
	if line.Done {
		d.finished = true
		finish := "stop"
		if line.DoneReason != "" {
			finish = line.DoneReason
		}
		chunk.Choices[0].FinishReason = &finish
		if line.PromptEvalCount > 0 || line.EvalCount > 0 {
			chunk.Usage = &Usage{
				PromptTokens:     line.PromptEvalCount,
				CompletionTokens: line.EvalCount,
				TotalTokens:      line.PromptEvalCount + line.EvalCount,
			}
		}
	}
	return chunk, nil
}
