package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrorMethodNotSupported = fmt.Errorf("Method not supported")

const (
	methodSeparator = ":"
	varySeparator   = "\t"
	headerSeparator = "\n"
)

// CacheKeyer derives request identities.
// Keys are built from absolute URLs, so relative request URLs are resolved
// against the scope before keying.
type CacheKeyer struct {
	// Scope that relative request URLs are resolved against.
	Scope *url.URL
}

func NewCacheKeyer(scope *url.URL) CacheKeyer {
	return CacheKeyer{Scope: scope}
}

// GetKeyPrefix returns the cache key for a request without the vary headers (i.e. a key prefix).
// The returned key is suitable for finding all stored response variants for a particular request.
// If the request has a `Cache-Key` header, that value is included in the key prefix.
func (c CacheKeyer) GetKeyPrefix(r *http.Request) string {
	key := r.Method + methodSeparator + c.NormalizeURL(r.URL) + varySeparator
	if ck := r.Header.Get("Cache-Key"); ck != "" {
		key += ck
	}
	return key
}

// NormalizeURL returns the absolute form of u used in keys.
// The fragment never takes part in request identity.
func (c CacheKeyer) NormalizeURL(u *url.URL) string {
	abs := *u
	if !abs.IsAbs() && c.Scope != nil {
		abs = *c.Scope.ResolveReference(u)
	}
	abs.Fragment = ""
	abs.RawFragment = ""
	abs.Scheme = strings.ToLower(abs.Scheme)
	abs.Host = strings.ToLower(abs.Host)
	if abs.Path == "" {
		abs.Path = "/"
	}
	return abs.String()
}

// AddVaryKeys returns the full cache key (including vary headers) based on a previously generated
// cache key prefix and the request and response involved.
// Headers named by Vary but absent from the request are recorded with an empty value,
// so a later request carrying them does not match.
func (c CacheKeyer) AddVaryKeys(prefix string, req *http.Request, res *http.Response) string {
	key := prefix
	for _, name := range GetListHeader(res.Header, "Vary") {
		if name == "" || name == "*" {
			continue
		}
		key = key + headerSeparator + strings.ToLower(name) + ": " + req.Header.Get(name)
	}
	return key
}

// VaryWildcard reports whether the response varies on everything,
// in which case it can never be matched and must not be stored.
func VaryWildcard(res *http.Response) bool {
	for _, name := range GetListHeader(res.Header, "Vary") {
		if name == "*" {
			return true
		}
	}
	return false
}

// Matches reports whether the stored key applies to the given request,
// i.e. the prefix is equal and all recorded vary headers have the same value.
func (c CacheKeyer) Matches(key string, req *http.Request) bool {
	keyNoVary, _, _ := strings.Cut(key, headerSeparator)
	if keyNoVary != c.GetKeyPrefix(req) {
		return false
	}
	for name, values := range c.GetVaryHeaders(key) {
		if req.Header.Get(name) != values[0] {
			return false
		}
	}
	return true
}

// GetRequestFromKey generates a caching-wise equal request than the request that resulted in the
// provided key. This means it takes vary headers into account.
// It returns an error if the request cannot for some reason be deducted.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	keyNoVary, _, found := strings.Cut(key, varySeparator)
	if !found {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	method, uri, found := strings.Cut(keyNoVary, methodSeparator)
	if !found {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	if method != http.MethodGet && method != http.MethodHead {
		return nil, ErrorMethodNotSupported
	}
	req, err := http.NewRequest(method, uri, nil)
	if err != nil {
		return req, err
	}
	for name, values := range c.GetVaryHeaders(key) {
		if values[0] != "" {
			req.Header[http.CanonicalHeaderKey(name)] = values
		}
	}
	return req, nil
}

// GetVaryHeaders creates a http.Header instance containing all the vary keys included in a key.
func (c CacheKeyer) GetVaryHeaders(key string) http.Header {
	header := make(http.Header)
	lines := strings.Split(key, headerSeparator)
	for i := 1; i < len(lines); i++ {
		entry := strings.SplitN(lines[i], ": ", 2)
		value := ""
		if len(entry) == 2 {
			value = entry[1]
		}
		header.Add(entry[0], value)
	}
	return header
}

// GetListHeader splits a list-valued header field into its trimmed members.
func GetListHeader(header http.Header, field string) []string {
	list := make([]string, 0)
	for _, hdr := range header.Values(field) {
		for _, item := range strings.Split(hdr, ",") {
			list = append(list, strings.TrimSpace(item))
		}
	}
	return list
}
