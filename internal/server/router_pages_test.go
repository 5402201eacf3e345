package server

import (
	"net/http"
	"testing"

	"github.com/MarcoPoloResearchLab/blocknotes/internal/blocks"
	"github.com/MarcoPoloResearchLab/blocknotes/internal/pages"
	"github.com/stretchr/testify/require"
)

func createPage(t *testing.T, server *testServer, cookie *http.Cookie, title string) pages.Page {
	t.Helper()
	recorder := server.do(t, http.MethodPost, "/api/pages", titleRequestPayload{Title: title}, cookie)
	require.Equal(t, http.StatusCreated, recorder.Code, recorder.Body.String())
	return decodeEnvelope[pages.Page](t, recorder).Data
}

func TestPageLifecycleThroughAPI(t *testing.T) {
	server := newTestServer(t)
	cookie := server.sessionCookie(t, "user-1")

	page := createPage(t, server, cookie, "")
	require.Equal(t, pages.DefaultTitle, page.Title)
	require.False(t, page.Public)
	require.Equal(t, pages.UserID("user-1"), page.OwnerID)

	renamed := server.do(t, http.MethodPut, "/api/pages/"+page.ID.String()+"/title", titleRequestPayload{Title: "  Plans  "}, cookie)
	require.Equal(t, http.StatusOK, renamed.Code)
	require.Equal(t, "Plans", decodeEnvelope[pages.Page](t, renamed).Data.Title)

	toggled := server.do(t, http.MethodPost, "/api/pages/"+page.ID.String()+"/visibility", nil, cookie)
	require.Equal(t, http.StatusOK, toggled.Code)
	require.True(t, decodeEnvelope[pages.Page](t, toggled).Data.Public)

	listed := server.do(t, http.MethodGet, "/api/pages", nil, cookie)
	require.Equal(t, http.StatusOK, listed.Code)
	list := decodeEnvelope[pageListPayload](t, listed).Data.Pages
	require.Len(t, list, 1)
	require.Equal(t, "Plans", list[0].Title)

	deleted := server.do(t, http.MethodDelete, "/api/pages/"+page.ID.String(), nil, cookie)
	require.Equal(t, http.StatusOK, deleted.Code)

	missing := server.do(t, http.MethodGet, "/api/pages/"+page.ID.String()+"/blocks", nil, cookie)
	require.Equal(t, http.StatusNotFound, missing.Code)
	require.Equal(t, "page_not_found", decodeEnvelope[any](t, missing).Error)
}

func TestSaveBlocksReconcilesAgainstStore(t *testing.T) {
	server := newTestServer(t)
	cookie := server.sessionCookie(t, "user-1")
	page := createPage(t, server, cookie, "Draft")
	path := "/api/pages/" + page.ID.String() + "/blocks"

	first := server.do(t, http.MethodPut, path, map[string]any{"blocks": map[string]any{
		"b1": map[string]any{"type": "text", "text": "one"},
		"b2": map[string]any{"type": "text", "text": "two"},
	}}, cookie)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	firstResult := decodeEnvelope[saveResultPayload](t, first).Data
	require.Equal(t, operationCountsPayload{Creates: 2}, firstResult.Counts)

	second := server.do(t, http.MethodPut, path, map[string]any{"blocks": map[string]any{
		"b1": map[string]any{"text": "one", "type": "text"},
		"b3": map[string]any{"type": "image", "url": "/media/x.png"},
	}}, cookie)
	require.Equal(t, http.StatusOK, second.Code)
	secondResult := decodeEnvelope[saveResultPayload](t, second).Data
	require.Equal(t, operationCountsPayload{Creates: 1, Deletes: 1}, secondResult.Counts)
	require.Equal(t, blocks.OperationDelete, secondResult.Operations[len(secondResult.Operations)-1].Kind)

	unchanged := server.do(t, http.MethodPut, path, map[string]any{"blocks": map[string]any{
		"b1": map[string]any{"type": "text", "text": "one"},
		"b3": map[string]any{"type": "image", "url": "/media/x.png"},
	}}, cookie)
	require.Equal(t, http.StatusOK, unchanged.Code)
	unchangedResult := decodeEnvelope[saveResultPayload](t, unchanged).Data
	require.Empty(t, unchangedResult.Operations)

	fetched := server.do(t, http.MethodGet, path, nil, cookie)
	require.Equal(t, http.StatusOK, fetched.Code)
	stored := decodeEnvelope[pages.PageBlocks](t, fetched).Data
	require.ElementsMatch(t, []blocks.BlockID{"b1", "b3"}, stored.Blocks.IDs())
}

func TestSaveBlocksRejectsInvalidInput(t *testing.T) {
	server := newTestServer(t)
	cookie := server.sessionCookie(t, "user-1")
	page := createPage(t, server, cookie, "Draft")
	path := "/api/pages/" + page.ID.String() + "/blocks"

	blankID := server.do(t, http.MethodPut, path, map[string]any{"blocks": map[string]any{" ": map[string]any{}}}, cookie)
	require.Equal(t, http.StatusBadRequest, blankID.Code)

	notJSON := server.do(t, http.MethodPut, path, "not an object", cookie)
	require.Equal(t, http.StatusBadRequest, notJSON.Code)
}

func TestForeignPagesAreHidden(t *testing.T) {
	server := newTestServer(t)
	owner := server.sessionCookie(t, "owner")
	intruder := server.sessionCookie(t, "intruder")
	page := createPage(t, server, owner, "Private")
	base := "/api/pages/" + page.ID.String()

	requests := []struct {
		method string
		path   string
		body   any
	}{
		{method: http.MethodGet, path: base + "/blocks"},
		{method: http.MethodPut, path: base + "/blocks", body: map[string]any{"blocks": map[string]any{}}},
		{method: http.MethodPut, path: base + "/title", body: titleRequestPayload{Title: "Mine now"}},
		{method: http.MethodPost, path: base + "/visibility"},
		{method: http.MethodDelete, path: base},
	}
	for _, request := range requests {
		recorder := server.do(t, request.method, request.path, request.body, intruder)
		require.Equal(t, http.StatusNotFound, recorder.Code, "%s %s", request.method, request.path)
	}

	stored, err := server.pages.GetPage(t.Context(), page.ID)
	require.NoError(t, err)
	require.Equal(t, "Private", stored.Title)
	require.False(t, stored.Public)
}

func TestPublicPagesAreReadableWithoutSession(t *testing.T) {
	server := newTestServer(t)
	cookie := server.sessionCookie(t, "user-1")
	page := createPage(t, server, cookie, "Shared")
	publicPath := "/api/public/pages/" + page.ID.String()

	private := server.do(t, http.MethodGet, publicPath, nil, nil)
	require.Equal(t, http.StatusNotFound, private.Code)

	toggled := server.do(t, http.MethodPost, "/api/pages/"+page.ID.String()+"/visibility", nil, cookie)
	require.Equal(t, http.StatusOK, toggled.Code)

	public := server.do(t, http.MethodGet, publicPath, nil, nil)
	require.Equal(t, http.StatusOK, public.Code)
	payload := decodeEnvelope[pageWithBlocksPayload](t, public).Data
	require.Equal(t, "Shared", payload.Page.Title)
	require.NotNil(t, payload.Blocks)
}

func TestMetricsEndpointExposesCollectors(t *testing.T) {
	server := newTestServer(t)
	cookie := server.sessionCookie(t, "user-1")
	page := createPage(t, server, cookie, "Draft")
	server.do(t, http.MethodPut, "/api/pages/"+page.ID.String()+"/blocks",
		map[string]any{"blocks": map[string]any{"b1": map[string]any{"type": "text"}}}, cookie)

	recorder := server.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Contains(t, recorder.Body.String(), `blocknotes_autosave_cycles_total{outcome="committed"} 1`)
}
