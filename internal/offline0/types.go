package offline0

import (
	"net/http"
	"strings"
)

// CacheEntry is a stored response snapshot.
type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
}

// OK reports whether the status is a success status. Only such entries are
// ever written to a cache.
func (e CacheEntry) OK() bool { return e.Status >= 200 && e.Status < 300 }

// Role is the logical purpose of a cache generation.
type Role string

const (
	RoleStatic Role = "static"
	RoleAPI    Role = "api"
)

// CacheNames holds the live generation name for each role.
type CacheNames struct {
	Static string
	API    string
}

func (n CacheNames) For(role Role) string {
	if role == RoleAPI {
		return n.API
	}
	return n.Static
}

func (n CacheNames) Live() map[string]struct{} {
	return map[string]struct{}{n.Static: {}, n.API: {}}
}

// RequestKey normalizes a request into its cache key: method plus request URI.
func RequestKey(r *http.Request) string {
	return requestKey(r.Method, r.URL.RequestURI())
}

func requestKey(method, uri string) string {
	if method == "" {
		method = http.MethodGet
	}
	return strings.ToUpper(method) + " " + uri
}

func isGETKey(key string) bool { return strings.HasPrefix(key, http.MethodGet+" ") }
