package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchema_Parse(t *testing.T) {
	schema := NewHTTPAction(0, DefaultBreakerConfig()).ConfigSchema()

	out, issues := schema.Parse(map[string]interface{}{
		"url":     "https://example.com/hook",
		"method":  "POST",
		"unknown": "dropped",
	}, ParseOptions{})
	assert.Empty(t, issues)
	assert.Equal(t, map[string]interface{}{"url": "https://example.com/hook", "method": "POST"}, out)

	_, issues = schema.Parse(map[string]interface{}{"method": "FETCH"}, ParseOptions{})
	require.Len(t, issues, 2)
	assert.Equal(t, FieldIssue{Path: "url", Message: "required"}, issues[0])
	assert.Equal(t, "method", issues[1].Path)
	assert.Contains(t, issues[1].Message, "must be one of")

	_, issues = schema.Parse(map[string]interface{}{"url": 12, "method": "GET"}, ParseOptions{})
	require.Len(t, issues, 1)
	assert.Equal(t, "expected string, received number", issues[0].Message)
}

func TestSchema_ParseTemplatesAndOptional(t *testing.T) {
	schema := NewHTTPAction(0, DefaultBreakerConfig()).ConfigSchema()
	cfg := map[string]interface{}{"url": "https://x.test", "method": "{{ $.httpMethod }}"}

	_, issues := schema.Parse(cfg, ParseOptions{})
	assert.Len(t, issues, 1, "strict parse rejects the template")

	out, issues := schema.Parse(cfg, ParseOptions{AllowTemplates: true})
	assert.Empty(t, issues)
	assert.Equal(t, "{{ $.httpMethod }}", out["method"])

	_, issues = schema.Parse(map[string]interface{}{"url": "https://x.test"}, ParseOptions{Optional: map[string]bool{"method": true}})
	assert.Empty(t, issues)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(NewLogAction(nil), NewMoveAction(nil), NewEmailAction(nil, ""))
	assert.Equal(t, []string{"email", "log", "move"}, reg.Names())

	a, ok := reg.Get("log")
	require.True(t, ok)
	assert.Equal(t, "log", a.Name())

	_, ok = reg.Get("nope")
	assert.False(t, ok)
	assert.Panics(t, func() { reg.MustGet("nope") })
}

func TestHTTPAction_JSONResponse(t *testing.T) {
	var gotBody map[string]interface{}
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Action-Run-Id")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	action := NewHTTPAction(time.Second, DefaultBreakerConfig())
	res, err := action.Run(context.Background(), map[string]interface{}{
		"url":    srv.URL,
		"method": "POST",
		"body":   map[string]interface{}{"title": "hello"},
	}, RunContext{ActionRunID: "run-1"})
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "run-1", gotHeader)
	assert.Equal(t, "hello", gotBody["title"])
	data := res.Data.(map[string]interface{})
	assert.Equal(t, map[string]interface{}{"ok": true}, data["body"])
}

func TestHTTPAction_ServerErrorsOpenBreaker(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	action := NewHTTPAction(time.Second, BreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour, HalfOpenMaxReqs: 1})
	cfg := map[string]interface{}{"url": srv.URL, "method": "GET"}
	for i := 0; i < 2; i++ {
		res, err := action.Run(context.Background(), cfg, RunContext{})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, "Request returned 502", res.Title)
	}
	res, err := action.Run(context.Background(), cfg, RunContext{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "Endpoint unavailable", res.Title)
	assert.Equal(t, 2, calls)
}

func TestCircuitBreaker_HalfOpenRecovers(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(BreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute, HalfOpenMaxReqs: 1})
	cb.now = func() time.Time { return now }

	cb.OnFailure()
	assert.Equal(t, BreakerOpen, cb.State())
	assert.False(t, cb.Allow())

	now = now.Add(2 * time.Minute)
	assert.True(t, cb.Allow())
	assert.Equal(t, BreakerHalfOpen, cb.State())
	assert.False(t, cb.Allow())

	cb.OnSuccess()
	assert.Equal(t, BreakerClosed, cb.State())
}

type fakeSender struct {
	sent []Mail
	err  error
}

func (f *fakeSender) Send(_ context.Context, m Mail) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, m)
	return nil
}

func TestEmailAction(t *testing.T) {
	sender := &fakeSender{}
	action := NewEmailAction(sender, "noreply@pubflow.test")
	res, err := action.Run(context.Background(), map[string]interface{}{
		"recipientEmail": "ada@example.com",
		"subject":        "Approved",
		"body":           "<p>ok</p>",
	}, RunContext{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "noreply@pubflow.test", sender.sent[0].From)

	sender.err = errors.New("relay down")
	res, err = action.Run(context.Background(), map[string]interface{}{"recipientEmail": "ada@example.com"}, RunContext{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "relay down", res.Error)
}

func TestNewMessage_RejectsHeaderInjection(t *testing.T) {
	_, err := newMessage(Mail{
		From:    "noreply@pubflow.test",
		To:      "ada@example.com",
		Subject: "Review ready\r\nBcc: attacker@evil.example",
	})
	assert.ErrorIs(t, err, ErrHeaderInjection)

	// rejected before any connection is attempted
	err = (&SMTPSender{Host: "127.0.0.1", Port: 1}).Send(context.Background(), Mail{
		From:    "noreply@pubflow.test",
		To:      "ada@example.com\nBcc: attacker@evil.example",
		Subject: "Review ready",
	})
	assert.ErrorIs(t, err, ErrHeaderInjection)
}

func TestNewMessage_EncodesSubject(t *testing.T) {
	msg, err := newMessage(Mail{
		From:    "noreply@pubflow.test",
		To:      "ada@example.com",
		Subject: "Prüfung bereit",
		Body:    "<p>ok</p>",
	})
	require.NoError(t, err)
	var buf bytes.Buffer
	_, err = msg.WriteTo(&buf)
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "Subject: =?UTF-8?q?")
	assert.NotContains(t, out, "Prüfung")
	assert.Contains(t, out, "text/html")
}

type fakeMover struct {
	got MoveRequest
	err error
}

func (f *fakeMover) MovePub(_ context.Context, req MoveRequest) error {
	f.got = req
	return f.err
}

func TestMoveAction(t *testing.T) {
	mover := &fakeMover{}
	action := NewMoveAction(mover)

	res, err := action.Run(context.Background(), map[string]interface{}{"stage": "s2"}, RunContext{PubID: "p1", ActionRunID: "ar1", Stack: []string{"r1"}})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, MoveRequest{PubID: "p1", StageID: "s2", ActionRunID: "ar1", Stack: []string{"r1"}}, mover.got)

	res, err = action.Run(context.Background(), map[string]interface{}{"stage": "s2"}, RunContext{})
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestLogAction(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	res, err := NewLogAction(logger).Run(context.Background(), map[string]interface{}{}, RunContext{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, map[string]interface{}{"text": "automation triggered"}, res.Data)
}
