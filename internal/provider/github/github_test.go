package github

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gh "github.com/google/go-github/v59/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

const pullRequestOpenedPayload = `{
  "action": "opened",
  "number": 7,
  "pull_request": {
    "number": 7,
    "head": {"ref": "feature", "sha": "8ad9dec4298f6b8f020997373cf4fe22005f2c06"},
    "base": {"ref": "main"}
  },
  "repository": {
    "name": "pond",
    "owner": {"login": "goose"}
  }
}`

func newWebhookRequest(t *testing.T, eventType, payload string) *http.Request {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/listener/github", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", eventType)
	req.Header.Set("X-GitHub-Delivery", "3355fab0-b22c-11eb-9936-51d9540c0cdc")

	return req
}

func TestHTTPHandlerEventParsing(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))

	evChan := make(chan *Event, 1)
	t.Cleanup(func() { close(evChan) })

	provider := New(evChan)

	respRecorder := httptest.NewRecorder()
	provider.HTTPHandler(respRecorder, newWebhookRequest(t, "pull_request", pullRequestOpenedPayload))
	require.Equal(t, 200, respRecorder.Code)

	event := <-evChan

	assert.Equal(t, "3355fab0-b22c-11eb-9936-51d9540c0cdc", event.DeliveryID)
	assert.Equal(t, "pull_request", event.Type)
	assert.Equal(t, pullRequestOpenedPayload, string(event.JSON))

	prEvent, ok := event.Event.(*gh.PullRequestEvent)
	require.True(t, ok)
	assert.Equal(t, "opened", prEvent.GetAction())
	assert.Equal(t, 7, prEvent.GetPullRequest().GetNumber())
	assert.Equal(t, "pond", prEvent.GetRepo().GetName())
}

func TestHTTPHandlerRejectsInvalidPayload(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))

	evChan := make(chan *Event, 1)
	provider := New(evChan)

	respRecorder := httptest.NewRecorder()
	provider.HTTPHandler(respRecorder, newWebhookRequest(t, "pull_request", "{invalid json"))

	assert.Equal(t, http.StatusBadRequest, respRecorder.Code)
	assert.Empty(t, evChan)
}

func TestHTTPHandlerFullChannel(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))

	evChan := make(chan *Event) // unbuffered, send always blocks
	provider := New(evChan)

	respRecorder := httptest.NewRecorder()
	provider.HTTPHandler(respRecorder, newWebhookRequest(t, "pull_request", pullRequestOpenedPayload))

	assert.Equal(t, http.StatusServiceUnavailable, respRecorder.Code)
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func newRefreshRequest(t *testing.T, path, secret string) *http.Request {
	t.Helper()

	body := []byte{}
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(""))
	req.Header.Set(gh.SHA256SignatureHeader, signBody(secret, body))

	return req
}

func TestRefreshHandler(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))

	const secret = "hunter2"

	evChan := make(chan *Event, 1)
	provider := New(evChan, WithPayloadSecret(secret))

	handler := provider.RefreshHTTPHandler("/refresh/")

	respRecorder := httptest.NewRecorder()
	handler(respRecorder, newRefreshRequest(t, "/refresh/goose/pond/main", secret))
	require.Equal(t, http.StatusAccepted, respRecorder.Code)

	event := <-evChan
	require.Equal(t, "refresh", event.Type)

	refreshEv, ok := event.Event.(*RefreshEvent)
	require.True(t, ok)
	assert.Equal(t, "goose", refreshEv.Owner)
	assert.Equal(t, "pond", refreshEv.Repository)
	assert.Equal(t, "main", refreshEv.Branch)
}

func TestRefreshHandlerRejectsBadSignature(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))

	evChan := make(chan *Event, 1)
	provider := New(evChan, WithPayloadSecret("hunter2"))

	handler := provider.RefreshHTTPHandler("/refresh/")

	respRecorder := httptest.NewRecorder()
	handler(respRecorder, newRefreshRequest(t, "/refresh/goose/pond/main", "wrongsecret"))

	assert.Equal(t, http.StatusForbidden, respRecorder.Code)
	assert.Empty(t, evChan)
}

func TestRefreshHandlerRejectsIncompletePath(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))

	const secret = "hunter2"

	evChan := make(chan *Event, 1)
	provider := New(evChan, WithPayloadSecret(secret))

	handler := provider.RefreshHTTPHandler("/refresh/")

	respRecorder := httptest.NewRecorder()
	handler(respRecorder, newRefreshRequest(t, "/refresh/goose/pond", secret))

	assert.Equal(t, http.StatusBadRequest, respRecorder.Code)
}

func TestRefreshHandlerRejectsWrongMethod(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))

	evChan := make(chan *Event, 1)
	provider := New(evChan, WithPayloadSecret("hunter2"))

	handler := provider.RefreshHTTPHandler("/refresh/")

	respRecorder := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/refresh/goose/pond/main", nil)
	handler(respRecorder, req)

	assert.Equal(t, http.StatusMethodNotAllowed, respRecorder.Code)
}
