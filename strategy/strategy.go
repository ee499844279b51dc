// Package strategy implements the two retrieval policies of the proxy.
//
// Both policies are plain functions of a request, a store and a fetch function,
// so they can be exercised with fakes in place of the real store and network.
package strategy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	serializer "github.com/always-cache/appcache/pkg/response-serializer"

	"github.com/rs/zerolog"
)

// ErrNoResponse is returned when neither the network nor the store produced a response.
var ErrNoResponse = errors.New("no response")

// Policy names a retrieval policy.
type Policy string

const (
	CacheFirstPolicy   Policy = "cache-first"
	NetworkFirstPolicy Policy = "network-first"
	// NetworkOnlyPolicy leaves the request to the network untouched.
	NetworkOnlyPolicy Policy = "network-only"
	// AutoPolicy selects a policy from the request, see Select.
	AutoPolicy Policy = "auto"
)

// FetchFunc performs a network fetch.
// An error means the network failed; any HTTP status is a successful fetch.
type FetchFunc func(*http.Request) (*http.Response, error)

// Store is the subset of a response cache the policies need.
type Store interface {
	// Match returns the stored response for the request, or nil if there is none.
	Match(ctx context.Context, req *http.Request) (*http.Response, error)
	// Put stores the response under the identity of the request, consuming its body.
	Put(ctx context.Context, req *http.Request, res *http.Response) error
}

// Extender lets a policy extend the lifetime of the event it runs in.
type Extender interface {
	Context() context.Context
	WaitUntil(func(ctx context.Context) error)
}

// Result is the outcome of a policy.
type Result struct {
	Response *http.Response
	// The response came from the store.
	FromCache bool
	// A copy of the network response was scheduled for storage.
	Stored bool
}

// CacheFirst answers from the store when possible and goes to the network otherwise.
// Successful same-origin network responses are stored for next time.
func CacheFirst(ev Extender, req *http.Request, store Store, fetch FetchFunc) (Result, error) {
	logger := zerolog.Ctx(ev.Context())

	cached, err := store.Match(ev.Context(), req)
	if err != nil {
		logger.Warn().Err(err).Msg("Could not read from cache")
	} else if cached != nil {
		logger.Trace().Msg("Cache hit")
		return Result{Response: cached, FromCache: true}, nil
	}

	res, err := fetchWhole(fetch, req)
	if err != nil {
		logger.Debug().Err(err).Msg("Network fetch failed and nothing was cached")
		return Result{}, ErrNoResponse
	}
	stored := storeCopy(ev, req, store, res)
	return Result{Response: res, Stored: stored}, nil
}

// NetworkFirst answers from the network and falls back to the store when the network fails.
// Successful same-origin network responses replace what is stored.
func NetworkFirst(ev Extender, req *http.Request, store Store, fetch FetchFunc) (Result, error) {
	logger := zerolog.Ctx(ev.Context())

	res, err := fetchWhole(fetch, req)
	if err == nil {
		stored := storeCopy(ev, req, store, res)
		return Result{Response: res, Stored: stored}, nil
	}
	logger.Debug().Err(err).Msg("Network fetch failed, falling back to cache")

	cached, matchErr := store.Match(ev.Context(), req)
	if matchErr != nil {
		logger.Warn().Err(matchErr).Msg("Could not read from cache")
		return Result{}, ErrNoResponse
	}
	if cached == nil {
		return Result{}, ErrNoResponse
	}
	return Result{Response: cached, FromCache: true}, nil
}

// fetchWhole fetches req and reads the whole response body.
// A body that breaks off counts as a failed fetch, never as an empty success.
func fetchWhole(fetch FetchFunc, req *http.Request) (*http.Response, error) {
	res, err := fetch(req)
	if err != nil {
		return nil, err
	}
	if res.Body == nil {
		return res, nil
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read body of %s: %w", req.URL, err)
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	return res, nil
}

// storeCopy schedules storage of a copy of res if it is cacheable.
// The body of res stays readable for the caller.
func storeCopy(ev Extender, req *http.Request, store Store, res *http.Response) bool {
	if !Cacheable(req, res) {
		return false
	}
	clone, err := serializer.Clone(res)
	if err != nil {
		zerolog.Ctx(ev.Context()).Warn().Err(err).Msg("Could not copy response for caching")
		return false
	}
	ev.WaitUntil(func(ctx context.Context) error {
		return store.Put(ctx, req, clone)
	})
	return true
}

// Cacheable reports whether a network response to req may be stored:
// the status must be 200 and the response must come from the request's own origin.
// Stores are shared by all clients, so answers to authorized requests are never stored.
func Cacheable(req *http.Request, res *http.Response) bool {
	if res == nil || res.StatusCode != http.StatusOK {
		return false
	}
	if req.Header.Get("Authorization") != "" {
		return false
	}
	if res.Request == nil || res.Request.URL == nil {
		return false
	}
	return SameOrigin(req.URL, res.Request.URL)
}

// SameOrigin compares scheme, host and port of two absolute URLs.
func SameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}

// IsNavigation reports whether the request loads a document:
// either the client says so or it accepts HTML.
func IsNavigation(req *http.Request) bool {
	if req.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	for _, accept := range strings.Split(req.Header.Get("Accept"), ",") {
		if mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(accept)); err == nil && mediaType == "text/html" {
			return true
		}
	}
	return false
}

// Select picks network-first for navigations and cache-first for everything else.
func Select(req *http.Request) Policy {
	if IsNavigation(req) {
		return NetworkFirstPolicy
	}
	return CacheFirstPolicy
}

// Func returns the policy function for p, or nil for policies that do not intercept.
func Func(p Policy) func(Extender, *http.Request, Store, FetchFunc) (Result, error) {
	switch p {
	case CacheFirstPolicy:
		return CacheFirst
	case NetworkFirstPolicy:
		return NetworkFirst
	}
	return nil
}

// Valid reports whether p names a known policy.
func (p Policy) Valid() bool {
	switch p {
	case CacheFirstPolicy, NetworkFirstPolicy, NetworkOnlyPolicy, AutoPolicy, "":
		return true
	}
	return false
}
