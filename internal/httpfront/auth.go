package httpfront

import "strings"

// Authenticate enforces the two request-admission gates: when bearerToken
// is non-empty, every request must carry a matching r2h-token query
// parameter or be rejected with 403; when hostFilter is non-empty, the
// Host header must contain it as a substring.
func Authenticate(req *Request, bearerToken, hostFilter string) bool {
	if bearerToken != "" {
		v, ok := req.Query.Get("r2h-token")
		if !ok || v != bearerToken {
			return false
		}
	}
	if hostFilter != "" && !strings.Contains(req.Host, hostFilter) {
		return false
	}
	return true
}
