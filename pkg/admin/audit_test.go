package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/mcp-consent-proxy/pkg/audit"
	"github.com/txn2/mcp-consent-proxy/pkg/session"
)

func newTestHandlerWithAudit(t *testing.T) (*Handler, *audit.SlogLogger) {
	t.Helper()
	store := session.NewMemoryStore(0)
	t.Cleanup(func() { _ = store.Close() })

	auditor := audit.NewSlogLogger(0)
	t.Cleanup(func() { _ = auditor.Close() })

	return NewHandler(store, &fakeToolLister{}, auditor, ConfigEcho{}, "1.0.0", nil), auditor
}

func logTestEvents(t *testing.T, auditor *audit.SlogLogger) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, auditor.Log(ctx, audit.Event{
		SessionID: "s1", ToolName: "ReadFile", Allowed: false, Reason: "no_grant",
	}))
	require.NoError(t, auditor.Log(ctx, audit.Event{
		SessionID: "s1", ToolName: "ReadFile", Allowed: true, GrantID: "g1",
	}))
	require.NoError(t, auditor.Log(ctx, audit.Event{
		SessionID: "s2", ToolName: "WriteFile", Allowed: false, Reason: "tool_not_granted",
	}))
}

func decodeAuditBody(t *testing.T, body []byte) auditEventsResponse {
	t.Helper()
	var resp auditEventsResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp
}

func TestGetAuditEvents(t *testing.T) {
	h, auditor := newTestHandlerWithAudit(t)
	logTestEvents(t, auditor)

	rec := doRequest(h, http.MethodGet, "/audit")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeAuditBody(t, rec.Body.Bytes())
	require.Equal(t, 3, resp.Count)
	assert.Equal(t, "WriteFile", resp.Data[0].ToolName, "newest event first")
	assert.Equal(t, "ReadFile", resp.Data[2].ToolName)
}

func TestGetAuditEvents_Filters(t *testing.T) {
	h, auditor := newTestHandlerWithAudit(t)
	logTestEvents(t, auditor)

	t.Run("by session", func(t *testing.T) {
		rec := doRequest(h, http.MethodGet, "/audit?sessionId=s2")
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeAuditBody(t, rec.Body.Bytes())
		require.Equal(t, 1, resp.Count)
		assert.Equal(t, "s2", resp.Data[0].SessionID)
	})

	t.Run("by tool", func(t *testing.T) {
		rec := doRequest(h, http.MethodGet, "/audit?tool=ReadFile")
		resp := decodeAuditBody(t, rec.Body.Bytes())
		assert.Equal(t, 2, resp.Count)
	})

	t.Run("by outcome", func(t *testing.T) {
		rec := doRequest(h, http.MethodGet, "/audit?allowed=false")
		resp := decodeAuditBody(t, rec.Body.Bytes())
		require.Equal(t, 2, resp.Count)
		for _, ev := range resp.Data {
			assert.False(t, ev.Allowed)
		}
	})

	t.Run("limit and offset", func(t *testing.T) {
		rec := doRequest(h, http.MethodGet, "/audit?limit=1&offset=1")
		resp := decodeAuditBody(t, rec.Body.Bytes())
		require.Equal(t, 1, resp.Count)
		assert.Equal(t, "g1", resp.Data[0].GrantID)
	})

	t.Run("malformed time param ignored", func(t *testing.T) {
		rec := doRequest(h, http.MethodGet, "/audit?startTime=not-a-time")
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeAuditBody(t, rec.Body.Bytes())
		assert.Equal(t, 3, resp.Count)
	})
}

func TestGetAuditEvents_Empty(t *testing.T) {
	h, _ := newTestHandlerWithAudit(t)

	rec := doRequest(h, http.MethodGet, "/audit")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeAuditBody(t, rec.Body.Bytes())
	assert.Equal(t, 0, resp.Count)
	assert.NotNil(t, resp.Data)
}

func TestGetAuditEvents_Disabled(t *testing.T) {
	h, _ := newTestHandler(t, &fakeToolLister{})

	rec := doRequest(h, http.MethodGet, "/audit")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
