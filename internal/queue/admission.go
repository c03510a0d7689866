package queue

import (
	"net/http"
	"strings"
)

// Path fragments that are never admitted: credentials must not be replayed
// later, and realtime traffic is useless after the fact.
var excludedPathFragments = []string{
	"/auth",
	"/login",
	"/logout",
	"/token",
	"/refresh",
	"/realtime",
	"/stream",
	"/notifications",
	"/ws",
}

// Admissible reports whether a request may enter the offline queue: only
// mutating methods, excluding auth endpoints and realtime/stream/
// notification paths. GETs are never admitted.
func Admissible(method, url string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return false
	}

	lower := strings.ToLower(url)
	for _, fragment := range excludedPathFragments {
		if strings.Contains(lower, fragment) {
			return false
		}
	}
	return true
}
