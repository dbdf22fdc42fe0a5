// Package proxy executes admitted requests against upstream endpoints:
// adapter translation, streaming relay, timeout discipline, and outcome
// classification for the dispatcher's retry decisions.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ctenopoma/llm-gateway/internal/apierror"
	"github.com/ctenopoma/llm-gateway/internal/models"
	"github.com/ctenopoma/llm-gateway/internal/services/contextcheck"
)

// killSwitchEvery is the streamed-chunk interval between mid-flight budget
// checks.
const killSwitchEvery = 50

// errorBodyLimit bounds how much of an upstream error body is read for the
// sanitized snippet.
const errorBodyLimit = 2048

// Result is the terminal outcome of one dispatch attempt. Exactly one of
// completed, failed, or cancelled; Err is nil iff completed.
type Result struct {
	Status models.UsageStatus
	Err    *apierror.Error

	InputTokens       int
	OutputTokens      int
	CacheCreateTokens int
	CacheReadTokens   int
	UsageReported     bool

	TTFT *time.Duration

	// Retriable means another endpoint may be tried. Never true once
	// response bytes have reached the client.
	Retriable     bool
	WroteToClient bool
}

func failed(err *apierror.Error, retriable bool) *Result {
	return &Result{Status: models.UsageStatusFailed, Err: err, Retriable: retriable}
}

// KillSwitch is consulted periodically during streaming; a non-nil error
// terminates the stream.
type KillSwitch func(ctx context.Context) error

type Engine struct {
	client *http.Client
	logger *zap.Logger
}

func NewEngine(logger *zap.Logger) *Engine {
	// Per-request deadlines are managed per attempt; the client itself has
	// no global timeout.
	return &Engine{client: &http.Client{}, logger: logger}
}

// Execute runs one attempt against one endpoint. The overall deadline is the
// endpoint's timeout_seconds; the first byte must arrive within a third of
// that or the attempt is abandoned as retriable.
func (e *Engine) Execute(ctx context.Context, cfg *models.ModelEndpoint, m *models.Model, payload map[string]interface{}, stream bool, w http.ResponseWriter, kill KillSwitch) *Result {
	overall := cfg.Timeout()
	ttfb := overall / 3

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var deadlineHit, ttfbHit atomic.Bool
	overallTimer := time.AfterFunc(overall, func() {
		deadlineHit.Store(true)
		cancel()
	})
	defer overallTimer.Stop()
	ttfbTimer := time.AfterFunc(ttfb, func() {
		ttfbHit.Store(true)
		cancel()
	})
	defer ttfbTimer.Stop()

	upstreamModel := m.UpstreamName
	if upstreamModel == "" {
		upstreamModel = m.ID
	}

	ad := adapterFor(cfg.EndpointType)
	req, err := ad.buildRequest(attemptCtx, cfg, upstreamModel, payload, stream)
	if err != nil {
		return failed(apierror.Wrap(apierror.KindInternal, "internal server error", err), false)
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return e.classifyTransportError(ctx, err, &deadlineHit, &ttfbHit, false)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ttfbTimer.Stop()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		upErr := apierror.Upstream(resp.StatusCode, string(snippet))
		return failed(upErr, resp.StatusCode >= 500)
	}

	if !stream {
		ttfbTimer.Stop()
		ttft := time.Since(start)
		return e.executeBuffered(ctx, ad, resp, m, w, &deadlineHit, ttft)
	}
	return e.executeStream(ctx, ad, resp, m, w, kill, start, ttfbTimer, &deadlineHit, &ttfbHit)
}

func (e *Engine) executeBuffered(ctx context.Context, ad adapter, resp *http.Response, m *models.Model, w http.ResponseWriter, deadlineHit *atomic.Bool, ttft time.Duration) *Result {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return e.classifyTransportError(ctx, err, deadlineHit, nil, false)
	}

	parsed, err := ad.parseResponse(body, m.ID)
	if err != nil {
		return failed(apierror.Wrap(apierror.KindUpstream, "upstream returned an unreadable response", err), false)
	}

	res := &Result{Status: models.UsageStatusCompleted, TTFT: &ttft}
	if parsed.Usage != nil {
		res.InputTokens = parsed.Usage.PromptTokens
		res.OutputTokens = parsed.Usage.CompletionTokens
		res.CacheCreateTokens = parsed.Usage.CacheCreationTokens
		res.CacheReadTokens = parsed.Usage.CacheReadTokens
		res.UsageReported = true
	} else {
		res.OutputTokens = estimateChoices(parsed.Choices)
	}

	out, err := json.Marshal(parsed)
	if err != nil {
		return failed(apierror.Wrap(apierror.KindInternal, "internal server error", err), false)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(out); err != nil {
		res.Status = models.UsageStatusCancelled
		res.Err = apierror.Wrap(apierror.KindCancelled, "client went away", err)
	}
	res.WroteToClient = true
	return res
}

func (e *Engine) executeStream(ctx context.Context, ad adapter, resp *http.Response, m *models.Model, w http.ResponseWriter, kill KillSwitch, start time.Time, ttfbTimer *time.Timer, deadlineHit, ttfbHit *atomic.Bool) *Result {
	decoder := ad.newStreamDecoder(resp.Body, m.ID)
	flusher, _ := w.(http.Flusher)

	res := &Result{Status: models.UsageStatusCompleted}
	var contentBuilder strings.Builder
	chunkCount := 0

	for {
		chunk, err := decoder.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			ttfbTimer.Stop()
			classified := e.classifyTransportError(ctx, err, deadlineHit, ttfbHit, res.WroteToClient)
			// A stream the client already saw part of cannot be retried.
			classified.WroteToClient = res.WroteToClient
			if res.WroteToClient {
				classified.Retriable = false
				e.writeStreamError(w, flusher, classified.Err)
			}
			carryStreamProgress(classified, res, &contentBuilder)
			return classified
		}

		if chunkCount == 0 {
			ttfbTimer.Stop()
			ttft := time.Since(start)
			res.TTFT = &ttft
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
		}
		chunkCount++

		for _, c := range chunk.Choices {
			if c.Delta != nil {
				contentBuilder.WriteString(c.Delta.Content)
			}
		}
		if chunk.Usage != nil {
			res.InputTokens = chunk.Usage.PromptTokens
			res.OutputTokens = chunk.Usage.CompletionTokens
			res.CacheCreateTokens = chunk.Usage.CacheCreationTokens
			res.CacheReadTokens = chunk.Usage.CacheReadTokens
			res.UsageReported = true
		}

		frame, err := json.Marshal(chunk)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", frame); err != nil {
			res.Status = models.UsageStatusCancelled
			res.Err = apierror.Wrap(apierror.KindCancelled, "client went away", err)
			res.WroteToClient = true
			finishStreamProgress(res, &contentBuilder)
			return res
		}
		res.WroteToClient = true
		if flusher != nil {
			flusher.Flush()
		}

		if kill != nil && chunkCount%killSwitchEvery == 0 {
			if killErr := kill(ctx); killErr != nil {
				res.Status = models.UsageStatusFailed
				res.Err = apierror.From(killErr)
				e.writeStreamError(w, flusher, res.Err)
				finishStreamProgress(res, &contentBuilder)
				return res
			}
		}
	}

	if _, err := io.WriteString(w, "data: [DONE]\n\n"); err == nil && flusher != nil {
		flusher.Flush()
	}
	res.WroteToClient = true
	finishStreamProgress(res, &contentBuilder)
	return res
}

// finishStreamProgress fills estimator-based output accounting when the
// upstream never reported usage.
func finishStreamProgress(res *Result, content *strings.Builder) {
	if !res.UsageReported && content.Len() > 0 {
		res.OutputTokens = contextcheck.EstimateTokens(content.String())
	}
}

func carryStreamProgress(dst, src *Result, content *strings.Builder) {
	dst.TTFT = src.TTFT
	dst.InputTokens = src.InputTokens
	dst.OutputTokens = src.OutputTokens
	dst.CacheCreateTokens = src.CacheCreateTokens
	dst.CacheReadTokens = src.CacheReadTokens
	dst.UsageReported = src.UsageReported
	finishStreamProgress(dst, content)
}

// writeStreamError emits a terminal SSE error frame so clients do not hang
// waiting for [DONE].
func (e *Engine) writeStreamError(w http.ResponseWriter, flusher http.Flusher, ae *apierror.Error) {
	if ae == nil {
		return
	}
	frame, err := json.Marshal(map[string]interface{}{
		"error": map[string]string{"code": ae.Code, "message": ae.Message},
	})
	if err != nil {
		return
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\ndata: [DONE]\n\n", frame); err == nil && flusher != nil {
		flusher.Flush()
	}
}

func (e *Engine) classifyTransportError(ctx context.Context, err error, deadlineHit, ttfbHit *atomic.Bool, wrote bool) *Result {
	switch {
	case ttfbHit != nil && ttfbHit.Load():
		return failed(apierror.Wrap(apierror.KindUpstreamTimeout,
			"upstream produced no data in time", err), !wrote)
	case deadlineHit != nil && deadlineHit.Load():
		return failed(apierror.Wrap(apierror.KindUpstreamTimeout,
			"upstream timed out", err), false)
	case ctx.Err() != nil:
		return &Result{
			Status: models.UsageStatusCancelled,
			Err:    apierror.Wrap(apierror.KindCancelled, "request cancelled", err),
		}
	default:
		ue := apierror.Wrap(apierror.KindUpstream, "upstream is unreachable", err)
		ue.Code = "upstream_unreachable"
		return failed(ue, !wrote)
	}
}

func estimateChoices(choices []Choice) int {
	var b strings.Builder
	for _, c := range choices {
		if c.Message != nil {
			b.WriteString(c.Message.Content)
		}
	}
	return contextcheck.EstimateTokens(b.String())
}

func newCompletionID() string {
	return "chatcmpl-" + uuid.NewString()
}
