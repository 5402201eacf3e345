package server

import (
	"net/http"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/blocknotes/internal/pages"
)

func TestGateRedirect(t *testing.T) {
	testCases := []struct {
		path     string
		signedIn bool
		expected string
	}{
		{path: "/", signedIn: false, expected: "/log-in"},
		{path: "/dashboard", signedIn: false, expected: "/log-in"},
		{path: "/notes/page-1", signedIn: false, expected: "/log-in"},
		{path: "/log-in", signedIn: false, expected: ""},
		{path: "/sign-up", signedIn: false, expected: ""},
		{path: "/", signedIn: true, expected: "/dashboard"},
		{path: "/log-in", signedIn: true, expected: "/dashboard"},
		{path: "/dashboard", signedIn: true, expected: ""},
		{path: "/notes/page-1/editor", signedIn: true, expected: ""},
	}
	for _, testCase := range testCases {
		if got := gateRedirect(testCase.path, testCase.signedIn); got != testCase.expected {
			t.Fatalf("gateRedirect(%q, %v) = %q, want %q", testCase.path, testCase.signedIn, got, testCase.expected)
		}
	}
}

func TestBrowserRoutesRedirectBySession(t *testing.T) {
	server := newTestServer(t)
	cookie := server.sessionCookie(t, "user-1")

	testCases := []struct {
		name     string
		path     string
		cookie   *http.Cookie
		location string
	}{
		{name: "root signed out", path: "/", location: "/log-in"},
		{name: "dashboard signed out", path: "/dashboard", location: "/log-in"},
		{name: "unknown signed out", path: "/settings", location: "/log-in"},
		{name: "root signed in", path: "/", cookie: cookie, location: "/dashboard"},
		{name: "log-in signed in", path: "/log-in", cookie: cookie, location: "/dashboard"},
		{name: "forged cookie", path: "/dashboard", cookie: &http.Cookie{Name: cookie.Name, Value: "forged"}, location: "/log-in"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := server.do(t, http.MethodGet, testCase.path, nil, testCase.cookie)
			if recorder.Code != http.StatusFound {
				t.Fatalf("expected redirect, got %d", recorder.Code)
			}
			if location := recorder.Header().Get("Location"); location != testCase.location {
				t.Fatalf("expected redirect to %s, got %s", testCase.location, location)
			}
		})
	}
}

func TestSignInPagesDescribeSignIn(t *testing.T) {
	server := newTestServer(t, withoutVerifier())
	for _, path := range []string{"/log-in", "/sign-up"} {
		recorder := server.do(t, http.MethodGet, path, nil, nil)
		if recorder.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, recorder.Code)
		}
		envelope := decodeEnvelope[signInRequiredPayload](t, recorder)
		if !envelope.Success || !envelope.Data.SignInRequired || envelope.Data.SignInEnabled {
			t.Fatalf("%s: unexpected payload %+v", path, envelope)
		}
	}
}

func TestAPIRoutesAreNotRedirected(t *testing.T) {
	server := newTestServer(t)

	recorder := server.do(t, http.MethodGet, "/api/pages", nil, nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	envelope := decodeEnvelope[any](t, recorder)
	if envelope.Success || envelope.Error != "unauthorized" {
		t.Fatalf("unexpected envelope %+v", envelope)
	}

	recorder = server.do(t, http.MethodGet, "/api/nothing-here", nil, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown api path, got %d", recorder.Code)
	}
}

func TestDashboardListsOwnedPagesWithBlocks(t *testing.T) {
	server := newTestServer(t)
	cookie := server.sessionCookie(t, "user-1")
	server.sessionCookie(t, "user-2")

	created := server.do(t, http.MethodPost, "/api/pages", titleRequestPayload{Title: "Mine"}, cookie)
	if created.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", created.Code, created.Body.String())
	}
	page := decodeEnvelope[pages.Page](t, created).Data
	saved := server.do(t, http.MethodPut, "/api/pages/"+page.ID.String()+"/blocks",
		map[string]any{"blocks": map[string]any{"b1": map[string]any{"type": "text", "text": "hello"}}}, cookie)
	if saved.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", saved.Code, saved.Body.String())
	}
	if _, err := server.pages.CreatePage(t.Context(), "user-2", "Theirs"); err != nil {
		t.Fatalf("failed to create foreign page: %v", err)
	}

	recorder := server.do(t, http.MethodGet, "/dashboard", nil, cookie)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	envelope := decodeEnvelope[dashboardPayload](t, recorder)
	if envelope.Data.User.ID != "user-1" {
		t.Fatalf("unexpected user %+v", envelope.Data.User)
	}
	if len(envelope.Data.Pages) != 1 || envelope.Data.Pages[0].Title != "Mine" {
		t.Fatalf("expected only the owned page, got %+v", envelope.Data.Pages)
	}
	if len(envelope.Data.Blocks) != 1 || !strings.Contains(string(envelope.Data.Blocks[0].Blocks["b1"]), "hello") {
		t.Fatalf("expected the page blocks, got %+v", envelope.Data.Blocks)
	}
}

func TestNotePageHidesForeignPages(t *testing.T) {
	server := newTestServer(t)
	cookie := server.sessionCookie(t, "user-1")
	foreign, err := server.pages.CreatePage(t.Context(), "user-2", "Theirs")
	if err != nil {
		t.Fatalf("failed to create foreign page: %v", err)
	}

	recorder := server.do(t, http.MethodGet, "/notes/"+foreign.ID.String(), nil, cookie)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}

	own, err := server.pages.CreatePage(t.Context(), "user-1", "Mine")
	if err != nil {
		t.Fatalf("failed to create page: %v", err)
	}
	recorder = server.do(t, http.MethodGet, "/notes/"+own.ID.String(), nil, cookie)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	payload := decodeEnvelope[pageWithBlocksPayload](t, recorder).Data
	if payload.Page.ID != own.ID || len(payload.Blocks) != 0 {
		t.Fatalf("unexpected payload %+v", payload)
	}
}
