// Package delegation extracts billed-principal parameters from delegated
// requests. Apps can pass x_user_oid and x_app_id through four channels; the
// first channel that carries either value wins, and a channel carrying only
// one of the pair is a hard reject rather than a fallthrough.
package delegation

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ctenopoma/llm-gateway/internal/apierror"
)

type Source string

const (
	SourceQuery   Source = "query"
	SourceBody    Source = "body"
	SourceMessage Source = "message"
	SourceHeader  Source = "header"
)

const (
	HeaderUserOID = "X-User-OID"
	HeaderAppID   = "X-App-ID"
)

// Params identifies the billed principal of a delegated request.
type Params struct {
	UserOID string
	AppID   string
	Source  Source
}

var errPairRequired = apierror.New(apierror.KindUnauthorized,
	"delegation requires both x_user_oid and x_app_id")

// Extract resolves delegation parameters in channel order: query string,
// body top level, first user message, headers. Body-carried parameters are
// stripped from the payload as a side effect so they never reach the
// upstream; message-embedded parameters rewrite the message content to the
// enclosed message value.
//
// A nil return with nil error means no channel carried parameters.
func Extract(r *http.Request, body map[string]interface{}) (*Params, error) {
	if p, found, err := fromQuery(r); found {
		return p, err
	}
	if p, found, err := fromBody(body); found {
		return p, err
	}
	if p, found, err := fromMessage(body); found {
		return p, err
	}
	if p, found, err := fromHeaders(r); found {
		return p, err
	}
	return nil, nil
}

func finish(user, app string, source Source) (*Params, bool, error) {
	if user == "" && app == "" {
		return nil, false, nil
	}
	if user == "" || app == "" {
		return nil, true, errPairRequired
	}
	return &Params{UserOID: user, AppID: app, Source: source}, true, nil
}

func fromQuery(r *http.Request) (*Params, bool, error) {
	q := r.URL.Query()
	return finish(q.Get("x_user_oid"), q.Get("x_app_id"), SourceQuery)
}

func fromBody(body map[string]interface{}) (*Params, bool, error) {
	if body == nil {
		return nil, false, nil
	}
	user, _ := body["x_user_oid"].(string)
	app, _ := body["x_app_id"].(string)
	p, found, err := finish(user, app, SourceBody)
	if found && err == nil {
		// Strip before the payload is forwarded upstream.
		delete(body, "x_user_oid")
		delete(body, "x_app_id")
	}
	return p, found, err
}

// fromMessage inspects the first user message for an embedded JSON object of
// the form {"x_user_oid": ..., "x_app_id": ..., "message": ...}. Bare
// `"x_user_oid": "x", "x_app_id": "y"` content is accepted by wrapping it in
// braces before parsing. On success the message content is rewritten to the
// embedded message value.
func fromMessage(body map[string]interface{}) (*Params, bool, error) {
	if body == nil {
		return nil, false, nil
	}
	messages, _ := body["messages"].([]interface{})
	for _, raw := range messages {
		msg, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if role, _ := msg["role"].(string); role != "user" {
			continue
		}

		switch content := msg["content"].(type) {
		case string:
			parsed, ok := parseEmbedded(content)
			if !ok {
				return nil, false, nil
			}
			p, found, err := finish(parsed.UserOID, parsed.AppID, SourceMessage)
			if found && err == nil {
				msg["content"] = parsed.Message
			}
			return p, found, err
		case []interface{}:
			for _, rawPart := range content {
				part, ok := rawPart.(map[string]interface{})
				if !ok {
					continue
				}
				if kind, _ := part["type"].(string); kind != "text" {
					continue
				}
				text, _ := part["text"].(string)
				parsed, ok := parseEmbedded(text)
				if !ok {
					return nil, false, nil
				}
				p, found, err := finish(parsed.UserOID, parsed.AppID, SourceMessage)
				if found && err == nil {
					part["text"] = parsed.Message
				}
				return p, found, err
			}
		}
		// Only the first user message is consulted.
		return nil, false, nil
	}
	return nil, false, nil
}

type embedded struct {
	UserOID string `json:"x_user_oid"`
	AppID   string `json:"x_app_id"`
	Message string `json:"message"`
}

func parseEmbedded(content string) (*embedded, bool) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil, false
	}
	if !strings.HasPrefix(trimmed, "{") {
		// Bare form: `"x_user_oid": "u", "x_app_id": "a", "message": "hi"`.
		trimmed = "{" + trimmed + "}"
	}
	var e embedded
	if err := json.Unmarshal([]byte(trimmed), &e); err != nil {
		return nil, false
	}
	if e.UserOID == "" && e.AppID == "" {
		return nil, false
	}
	return &e, true
}

func fromHeaders(r *http.Request) (*Params, bool, error) {
	return finish(r.Header.Get(HeaderUserOID), r.Header.Get(HeaderAppID), SourceHeader)
}
