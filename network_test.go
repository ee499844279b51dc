package appcache

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/always-cache/appcache/strategy"

	"github.com/rs/zerolog"
)

func newTestNetwork(t *testing.T, upstream *httptest.Server) *HTTPNetwork {
	t.Helper()
	scope, _ := url.Parse("https://app.example")
	upstreamURL, _ := url.Parse(upstream.URL)
	logger := zerolog.Nop()
	return NewHTTPNetwork(NetworkConfig{
		Scope:    *scope,
		Upstream: *upstreamURL,
		Logger:   &logger,
	})
}

func TestHTTPNetworkFetchRebases(t *testing.T) {
	var gotHost, gotConnection string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotConnection = r.Header.Get("X-Hop")
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/new", http.StatusFound)
			return
		}
		io.WriteString(w, "path "+r.URL.Path)
	}))
	defer upstream.Close()
	network := newTestNetwork(t, upstream)

	req, _ := http.NewRequest("GET", "https://app.example/old", nil)
	req.Header.Set("Connection", "X-Hop")
	req.Header.Set("X-Hop", "1")
	res, err := network.Fetch(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if string(body) != "path /new" {
		t.Fatalf("Redirect not followed, body %q", body)
	}
	if res.Request.URL.String() != "https://app.example/new" {
		t.Fatalf("Final URL not rebased onto the scope: %s", res.Request.URL)
	}
	if !strategy.Cacheable(req, res) {
		t.Fatal("Same-origin response is not cacheable")
	}
	if gotHost != strings.TrimPrefix(upstream.URL, "http://") {
		t.Fatalf("Unexpected upstream Host %q", gotHost)
	}
	if gotConnection != "" {
		t.Fatal("Hop-by-hop header was forwarded")
	}
}

func TestHTTPNetworkForeignRedirect(t *testing.T) {
	foreign := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "elsewhere")
	}))
	defer foreign.Close()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, foreign.URL+"/x", http.StatusFound)
	}))
	defer upstream.Close()
	network := newTestNetwork(t, upstream)

	req, _ := http.NewRequest("GET", "https://app.example/away", nil)
	res, err := network.Fetch(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != 200 {
		t.Fatalf("Unexpected status %d", res.StatusCode)
	}
	if strategy.Cacheable(req, res) {
		t.Fatal("Response from a foreign origin is cacheable")
	}
}

func TestHTTPNetworkFetchFailure(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	network := newTestNetwork(t, upstream)
	upstream.Close()

	req, _ := http.NewRequest("GET", "https://app.example/", nil)
	if _, err := network.Fetch(req); err == nil {
		t.Fatal("Expected error from closed upstream")
	}
}

func TestHTTPNetworkForward(t *testing.T) {
	var gotMethod, gotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusCreated)
	}))
	defer upstream.Close()
	network := newTestNetwork(t, upstream)

	req := httptest.NewRequest("POST", "/submit", strings.NewReader("name=x"))
	rr := httptest.NewRecorder()
	network.Forward(rr, req)

	if rr.Code != http.StatusCreated || gotMethod != "POST" || gotBody != "name=x" {
		t.Fatalf("Request not passed through: %d %s %q", rr.Code, gotMethod, gotBody)
	}
}

func TestHandlerNetwork(t *testing.T) {
	scope, _ := url.Parse("http://localhost:8080")
	network := NewHandlerNetwork(*scope, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/panic" {
			panic("boom")
		}
		w.Header().Set("X-Query", r.URL.RawQuery)
		io.WriteString(w, r.URL.Path)
	}))

	req, _ := http.NewRequest("GET", "http://localhost:8080/page?a=1", nil)
	res, err := network.Fetch(req)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != "/page" || res.Header.Get("X-Query") != "a=1" {
		t.Fatalf("Unexpected response %q %v", body, res.Header)
	}
	if res.Request != req || !strategy.Cacheable(req, res) {
		t.Fatal("Handler response is not tied to the request")
	}

	foreign, _ := http.NewRequest("GET", "https://cdn.example/lib.js", nil)
	if _, err := network.Fetch(foreign); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("Expected ErrUnreachable, got %v", err)
	}

	panicking, _ := http.NewRequest("GET", "http://localhost:8080/panic", nil)
	if _, err := network.Fetch(panicking); err == nil {
		t.Fatal("Expected error from panicking handler")
	}
}
