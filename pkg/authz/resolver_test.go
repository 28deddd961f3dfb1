package authz

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/txn2/mcp-consent-proxy/pkg/grants"
	"github.com/txn2/mcp-consent-proxy/pkg/session"
)

// fakeFetcher returns a canned grant or error per grant ID.
type fakeFetcher struct {
	grants map[string]*grants.Grant
	err    error
	calls  int
}

func (f *fakeFetcher) GetGrant(_ context.Context, grantID string) (*grants.Grant, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.grants[grantID], nil
}

func activeGrant(id string, tools ...string) *grants.Grant {
	return &grants.Grant{
		ID:     id,
		Status: grants.StatusActive,
		AuthorizationDetails: []grants.AuthorizationDetail{
			{Type: grants.DetailTypeMCP, Tools: tools},
		},
	}
}

func sessionWithGrant(grantID string) *session.Session {
	return &session.Session{ID: "s1", GrantID: grantID}
}

func TestCheckTool_NoGrant(t *testing.T) {
	fetcher := &fakeFetcher{}
	resolver := NewResolver(fetcher)

	d := resolver.CheckTool(context.Background(), &session.Session{ID: "s1"}, "ReadFile")

	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonNoGrant, d.Reason)
	assert.Equal(t, []string{"ReadFile"}, d.MissingTools)
	assert.Zero(t, fetcher.calls, "no grant means no fetch")
}

func TestCheckTool_GrantNotFound(t *testing.T) {
	resolver := NewResolver(&fakeFetcher{grants: map[string]*grants.Grant{}})

	d := resolver.CheckTool(context.Background(), sessionWithGrant("g1"), "ReadFile")

	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonGrantNotFound, d.Reason)
}

func TestCheckTool_GrantInactive(t *testing.T) {
	revoked := activeGrant("g1", "ReadFile")
	revoked.Status = "revoked"
	resolver := NewResolver(&fakeFetcher{grants: map[string]*grants.Grant{"g1": revoked}})

	d := resolver.CheckTool(context.Background(), sessionWithGrant("g1"), "ReadFile")

	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonGrantInactive, d.Reason,
		"inactive grant denies regardless of authorization details")
}

func TestCheckTool_Allowed(t *testing.T) {
	resolver := NewResolver(&fakeFetcher{
		grants: map[string]*grants.Grant{"g1": activeGrant("g1", "ReadFile", "ListFiles")},
	})

	d := resolver.CheckTool(context.Background(), sessionWithGrant("g1"), "ReadFile")

	assert.True(t, d.Allowed)
	assert.Empty(t, d.Reason)
	assert.Equal(t, "g1", d.GrantID)
	assert.Empty(t, d.MissingTools)
}

func TestCheckTool_MapEncodedToolsAllowed(t *testing.T) {
	grant := &grants.Grant{
		ID:     "g1",
		Status: grants.StatusActive,
		AuthorizationDetails: []grants.AuthorizationDetail{
			{TypeCode: grants.DetailTypeMCP, Tools: []string{"ExportData"}},
		},
	}
	resolver := NewResolver(&fakeFetcher{grants: map[string]*grants.Grant{"g1": grant}})

	d := resolver.CheckTool(context.Background(), sessionWithGrant("g1"), "ExportData")
	assert.True(t, d.Allowed)
}

func TestCheckTool_ToolNotGranted(t *testing.T) {
	resolver := NewResolver(&fakeFetcher{
		grants: map[string]*grants.Grant{"g1": activeGrant("g1", "ReadFile")},
	})

	d := resolver.CheckTool(context.Background(), sessionWithGrant("g1"), "DeleteFile")

	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonToolNotGranted, d.Reason)
	assert.Equal(t, "g1", d.GrantID)
	assert.Equal(t, []string{"DeleteFile"}, d.MissingTools)
}

func TestCheckTool_FetchErrorFailsClosed(t *testing.T) {
	resolver := NewResolver(&fakeFetcher{err: errors.New("connection refused")})

	d := resolver.CheckTool(context.Background(), sessionWithGrant("g1"), "ReadFile")

	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonValidationError, d.Reason)
}

func TestCheckTools_SingleFetch(t *testing.T) {
	fetcher := &fakeFetcher{
		grants: map[string]*grants.Grant{"g1": activeGrant("g1", "ReadFile", "ListFiles")},
	}
	resolver := NewResolver(fetcher)

	d := resolver.CheckTools(context.Background(), sessionWithGrant("g1"),
		[]string{"ReadFile", "ListFiles", "DeleteFile", "ExportData"})

	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonToolsNotGranted, d.Reason)
	assert.Equal(t, []string{"DeleteFile", "ExportData"}, d.MissingTools)
	assert.Equal(t, 1, fetcher.calls, "batched check must fetch the grant once")
}

func TestCheckTools_AllGranted(t *testing.T) {
	resolver := NewResolver(&fakeFetcher{
		grants: map[string]*grants.Grant{"g1": activeGrant("g1", "ReadFile", "ListFiles")},
	})

	d := resolver.CheckTools(context.Background(), sessionWithGrant("g1"),
		[]string{"ReadFile", "ListFiles"})

	assert.True(t, d.Allowed)
	assert.Equal(t, "g1", d.GrantID)
}

func TestCheckTools_NoGrant(t *testing.T) {
	resolver := NewResolver(&fakeFetcher{})

	d := resolver.CheckTools(context.Background(), &session.Session{ID: "s1"},
		[]string{"A", "B"})

	assert.Equal(t, ReasonNoGrant, d.Reason)
	assert.Equal(t, []string{"A", "B"}, d.MissingTools)
}

func TestAuthorizedTools(t *testing.T) {
	grant := &grants.Grant{
		ID:     "g1",
		Status: grants.StatusActive,
		AuthorizationDetails: []grants.AuthorizationDetail{
			{Type: grants.DetailTypeMCP, Tools: []string{"ReadFile", "ListFiles"}},
			{TypeCode: grants.DetailTypeMCP, Tools: []string{"ReadFile", "ExportData"}},
		},
	}
	resolver := NewResolver(&fakeFetcher{grants: map[string]*grants.Grant{"g1": grant}})

	tools := resolver.AuthorizedTools(context.Background(), sessionWithGrant("g1"))
	assert.Equal(t, []string{"ExportData", "ListFiles", "ReadFile"}, tools)
}

func TestAuthorizedTools_EmptyCases(t *testing.T) {
	t.Run("no grant", func(t *testing.T) {
		resolver := NewResolver(&fakeFetcher{})
		assert.Empty(t, resolver.AuthorizedTools(context.Background(), &session.Session{ID: "s1"}))
	})

	t.Run("fetch failure", func(t *testing.T) {
		resolver := NewResolver(&fakeFetcher{err: errors.New("boom")})
		assert.Empty(t, resolver.AuthorizedTools(context.Background(), sessionWithGrant("g1")))
	})

	t.Run("inactive grant", func(t *testing.T) {
		g := activeGrant("g1", "ReadFile")
		g.Status = "suspended"
		resolver := NewResolver(&fakeFetcher{grants: map[string]*grants.Grant{"g1": g}})
		assert.Empty(t, resolver.AuthorizedTools(context.Background(), sessionWithGrant("g1")))
	})

	t.Run("grant missing", func(t *testing.T) {
		resolver := NewResolver(&fakeFetcher{grants: map[string]*grants.Grant{}})
		assert.Empty(t, resolver.AuthorizedTools(context.Background(), sessionWithGrant("g1")))
	})
}
