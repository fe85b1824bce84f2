package middleware

import "net/http"

// CORS allows browser-based LAN dashboards to reach the direct endpoint's
// HTTP surface (health probe, WebSocket upgrade) from any origin. The LAN
// is the trust boundary (see DirectEndpoint), so origin is not restricted.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
