package sessionid

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestResolveMintsAndSetsCookie(t *testing.T) {
	rs := &Resolver{}
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	id, created := rs.Resolve(w, r)
	if id == "" || !created {
		t.Fatalf("expected a freshly minted id, got %q created=%v", id, created)
	}

	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == DefaultCookieName {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("no session cookie attached to response")
	}
	if cookie.Value != id {
		t.Fatalf("cookie %q does not carry the session id %q", cookie.Value, id)
	}
	if !cookie.HttpOnly {
		t.Fatal("session cookie must be HttpOnly")
	}
}

func TestResolveReturnsExistingToken(t *testing.T) {
	rs := &Resolver{}
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: "existing-token"})

	id, created := rs.Resolve(w, r)
	if id != "existing-token" || created {
		t.Fatalf("expected existing token unchanged, got %q created=%v", id, created)
	}
	if len(w.Result().Cookies()) != 0 {
		t.Fatal("resolve of an existing session must not rewrite the cookie")
	}
}

func TestResolveHonorsCustomCookieName(t *testing.T) {
	rs := &Resolver{CookieName: "custom_sid"}
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	id, _ := rs.Resolve(w, r)
	found := false
	for _, c := range w.Result().Cookies() {
		if c.Name == "custom_sid" && c.Value == id {
			found = true
		}
	}
	if !found {
		t.Fatal("custom cookie name not used")
	}
}
