package appcache

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientsIdentify(t *testing.T) {
	clients := NewClients(time.Minute)

	rr := httptest.NewRecorder()
	sub := httptest.NewRequest("GET", "/app.js", nil)
	if _, ok := clients.Identify(rr, sub); ok {
		t.Fatal("Sub-resource request without cookie got a client")
	}

	nav := httptest.NewRequest("GET", "/", nil)
	nav.Header.Set("Sec-Fetch-Mode", "navigate")
	client, ok := clients.Identify(rr, nav)
	if !ok || client.ID == "" {
		t.Fatal("Navigation did not get a client")
	}
	cookies := rr.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Value != client.ID {
		t.Fatalf("Unexpected cookies %v", cookies)
	}

	sub.AddCookie(cookies[0])
	again, ok := clients.Identify(httptest.NewRecorder(), sub)
	if !ok || again.ID != client.ID {
		t.Fatal("Cookie did not identify the client")
	}

	bogus := httptest.NewRequest("GET", "/app.js", nil)
	bogus.AddCookie(&http.Cookie{Name: clientCookieName, Value: "not-an-id"})
	if _, ok := clients.Identify(httptest.NewRecorder(), bogus); ok {
		t.Fatal("Invalid client id was accepted")
	}
	if clients.Len() != 1 {
		t.Fatalf("Expected 1 client, got %d", clients.Len())
	}
}

func TestClientsClaim(t *testing.T) {
	clients := NewClients(time.Minute)
	now := time.Now()
	clients.now = func() time.Time { return now }

	ids := make([]string, 0)
	for i := 0; i < 3; i++ {
		nav := httptest.NewRequest("GET", "/", nil)
		nav.Header.Set("Accept", "text/html")
		client, _ := clients.Identify(httptest.NewRecorder(), nav)
		ids = append(ids, client.ID)
	}
	clients.Control(ids[0], "app-v1")
	clients.Control(ids[1], "app-v2")

	if n := clients.Controlled("app-v1"); n != 1 {
		t.Fatalf("Expected 1 client of v1, got %d", n)
	}
	if n := clients.Claim("app-v2"); n != 2 {
		t.Fatalf("Expected 2 claimed clients, got %d", n)
	}
	if n := clients.Controlled("app-v2"); n != 3 {
		t.Fatalf("Expected 3 clients of v2, got %d", n)
	}

	// idle clients are closed
	now = now.Add(2 * time.Minute)
	if n := clients.Controlled("app-v2"); n != 0 {
		t.Fatalf("Expected idle clients to be gone, got %d", n)
	}
}
