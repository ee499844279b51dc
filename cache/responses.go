package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	cachekey "github.com/always-cache/appcache/pkg/cache-key"
	serializer "github.com/always-cache/appcache/pkg/response-serializer"

	"github.com/rs/zerolog"
)

// ErrVaryWildcard is returned when storing a response with `Vary: *`, which can never be matched.
var ErrVaryWildcard = errors.New("response varies on all request headers")

// clientHeaders are response headers meant for one client only. They are never stored.
var clientHeaders = []string{"Set-Cookie", "Set-Cookie2"}

// Responses stores whole HTTP responses in a Store, keyed by request identity.
type Responses struct {
	store Store
	keyer cachekey.CacheKeyer
}

func NewResponses(store Store, keyer cachekey.CacheKeyer) *Responses {
	return &Responses{store: store, keyer: keyer}
}

// Name returns the name of the underlying store.
func (r *Responses) Name() string {
	return r.store.Name()
}

// Match returns the stored response for the request, or nil if nothing matches.
// When several variants match, the most recently stored one is returned.
func (r *Responses) Match(ctx context.Context, req *http.Request) (*http.Response, error) {
	prefix := r.keyer.GetKeyPrefix(req)
	zerolog.Ctx(ctx).Trace().Str("key", prefix).Msg("Getting cached entries")
	entries, err := r.store.All(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", r.store.Name(), err)
	}

	var match *CacheEntry
	for i := range entries {
		if !r.keyer.Matches(entries[i].Key, req) {
			continue
		}
		if match == nil || entries[i].StoredAt.After(match.StoredAt) {
			match = &entries[i]
		}
	}
	if match == nil {
		return nil, nil
	}

	stored, err := serializer.BytesToStoredResponse(match.Bytes)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", match.Key, err)
	}
	stored.Response.Request = req
	return stored.Response, nil
}

// Put stores the response under the identity of req, replacing any previous response
// with the same identity. The body of res is consumed.
func (r *Responses) Put(ctx context.Context, req *http.Request, res *http.Response) error {
	if res.Body != nil {
		defer res.Body.Close()
	}
	if cachekey.VaryWildcard(res) {
		return ErrVaryWildcard
	}
	key := r.keyer.AddVaryKeys(r.keyer.GetKeyPrefix(req), req, res)

	// the stored request is the one the response answers, not where the network sent it
	toStore := new(http.Response)
	*toStore = *res
	toStore.Request = req
	// one store serves every client, cookies belong to the client that got them
	toStore.Header = res.Header.Clone()
	for _, name := range clientHeaders {
		toStore.Header.Del(name)
	}
	now := time.Now()
	bts, err := serializer.StoredResponseToBytes(serializer.TimedResponse{
		Response:     toStore,
		RequestTime:  now,
		ResponseTime: now,
	})
	if err != nil {
		return fmt.Errorf("serialize response: %w", err)
	}

	zerolog.Ctx(ctx).Trace().Str("cache", r.store.Name()).Msgf("Writing to cache: %q", key)
	if err := r.store.Put(ctx, CacheEntry{Key: key, StoredAt: now, Bytes: bts}); err != nil {
		return fmt.Errorf("write %s: %w", r.store.Name(), err)
	}
	responsesStored.Inc()
	return nil
}

// Has reports whether a response for the request is stored.
func (r *Responses) Has(ctx context.Context, req *http.Request) (bool, error) {
	res, err := r.Match(ctx, req)
	if res != nil && res.Body != nil {
		res.Body.Close()
	}
	return res != nil, err
}

// Requests lists the requests whose responses are stored, in key order.
// Keys that cannot be turned back into a request are skipped.
func (r *Responses) Requests(ctx context.Context) ([]*http.Request, error) {
	requests := make([]*http.Request, 0)
	err := r.store.AllKeys(ctx, "", func(key string) {
		req, err := r.keyer.GetRequestFromKey(key)
		if err != nil {
			zerolog.Ctx(ctx).Trace().Err(err).Msgf("Skipping key %q", key)
			return
		}
		requests = append(requests, req)
	})
	return requests, err
}
