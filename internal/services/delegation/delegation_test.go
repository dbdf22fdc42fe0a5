package delegation

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func body(t *testing.T, raw string) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	return m
}

func TestExtractQuery(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/chat/completions?x_user_oid=u1&x_app_id=a1", nil)
	p, err := Extract(r, nil)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "u1", p.UserOID)
	assert.Equal(t, "a1", p.AppID)
	assert.Equal(t, SourceQuery, p.Source)
}

func TestExtractQueryPairRequired(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/chat/completions?x_user_oid=u1", nil)
	_, err := Extract(r, nil)
	assert.Error(t, err)
}

func TestExtractBodyTopLevel(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	b := body(t, `{"model":"m","x_user_oid":"u2","x_app_id":"a2","messages":[]}`)

	p, err := Extract(r, b)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "u2", p.UserOID)
	assert.Equal(t, SourceBody, p.Source)

	// Stripped so they never reach the upstream.
	_, hasUser := b["x_user_oid"]
	_, hasApp := b["x_app_id"]
	assert.False(t, hasUser)
	assert.False(t, hasApp)
}

func TestExtractBodyPairRequired(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	b := body(t, `{"model":"m","x_app_id":"a2"}`)
	_, err := Extract(r, b)
	assert.Error(t, err)
}

func TestExtractMessageJSON(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	b := body(t, `{"messages":[
		{"role":"system","content":"you are helpful"},
		{"role":"user","content":"{\"x_user_oid\":\"u3\",\"x_app_id\":\"a3\",\"message\":\"hello there\"}"}
	]}`)

	p, err := Extract(r, b)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "u3", p.UserOID)
	assert.Equal(t, "a3", p.AppID)
	assert.Equal(t, SourceMessage, p.Source)

	// Content rewritten to the embedded message.
	msgs := b["messages"].([]interface{})
	user := msgs[1].(map[string]interface{})
	assert.Equal(t, "hello there", user["content"])
}

func TestExtractMessageBareForm(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	b := body(t, `{"messages":[
		{"role":"user","content":"\"x_user_oid\": \"u4\", \"x_app_id\": \"a4\", \"message\": \"ping\""}
	]}`)

	p, err := Extract(r, b)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "u4", p.UserOID)

	msgs := b["messages"].([]interface{})
	assert.Equal(t, "ping", msgs[0].(map[string]interface{})["content"])
}

func TestExtractMessageTextParts(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	b := body(t, `{"messages":[
		{"role":"user","content":[
			{"type":"image_url","image_url":{"url":"https://example.com/x.png"}},
			{"type":"text","text":"{\"x_user_oid\":\"u5\",\"x_app_id\":\"a5\",\"message\":\"describe\"}"}
		]}
	]}`)

	p, err := Extract(r, b)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "u5", p.UserOID)

	parts := b["messages"].([]interface{})[0].(map[string]interface{})["content"].([]interface{})
	text := parts[1].(map[string]interface{})
	assert.Equal(t, "describe", text["text"])
}

func TestExtractMessageIncompletePair(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	b := body(t, `{"messages":[
		{"role":"user","content":"{\"x_user_oid\":\"u6\",\"message\":\"hi\"}"}
	]}`)
	_, err := Extract(r, b)
	assert.Error(t, err)
}

func TestExtractMessagePlainContentIgnored(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	b := body(t, `{"messages":[{"role":"user","content":"just a normal question"}]}`)
	p, err := Extract(r, b)
	require.NoError(t, err)
	assert.Nil(t, p)
	// Content untouched.
	assert.Equal(t, "just a normal question",
		b["messages"].([]interface{})[0].(map[string]interface{})["content"])
}

func TestExtractHeaders(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	r.Header.Set(HeaderUserOID, "u7")
	r.Header.Set(HeaderAppID, "a7")

	p, err := Extract(r, body(t, `{"messages":[]}`))
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, SourceHeader, p.Source)
}

func TestExtractPrecedence(t *testing.T) {
	// Query beats body, body beats message, message beats headers.
	r := httptest.NewRequest("POST", "/v1/chat/completions?x_user_oid=qu&x_app_id=qa", nil)
	r.Header.Set(HeaderUserOID, "hu")
	r.Header.Set(HeaderAppID, "ha")
	b := body(t, `{"x_user_oid":"bu","x_app_id":"ba","messages":[]}`)

	p, err := Extract(r, b)
	require.NoError(t, err)
	assert.Equal(t, "qu", p.UserOID)
	assert.Equal(t, SourceQuery, p.Source)

	// Body params remain when query wins; they were not consumed.
	assert.Equal(t, "bu", b["x_user_oid"])
}

func TestExtractNone(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	p, err := Extract(r, body(t, `{"messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestSystemMessageNeverCarriesDelegation(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	b := body(t, `{"messages":[
		{"role":"system","content":"{\"x_user_oid\":\"u8\",\"x_app_id\":\"a8\",\"message\":\"x\"}"}
	]}`)
	p, err := Extract(r, b)
	require.NoError(t, err)
	assert.Nil(t, p)
}
