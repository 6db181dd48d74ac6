package api

import (
	"encoding/json"
	"net/http"

	"github.com/ethpandaops/genomewiz/pkg/auth"
)

// Error codes for failures outside the auth taxonomy.
const (
	codeBadRequest = "bad_request"
	codeNotFound   = "not_found"
	codeConflict   = "conflict"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeError writes an error body with an explicit code.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

// writeAuthError classifies err and writes its fixed message and code.
// Internal causes are logged, never returned.
func (s *server) writeAuthError(w http.ResponseWriter, err error) {
	kind, status := auth.Classify(err)

	if status >= http.StatusInternalServerError {
		s.log.WithError(err).Error("Request failed")
	} else {
		s.log.WithError(err).
			WithField("code", kind).
			Debug("Request rejected")
	}

	if kind != auth.KindInternal {
		s.metrics.authFailures.WithLabelValues(string(kind)).Inc()
	}

	writeError(w, status, string(kind), kind.Message())
}

// --- Public handlers ---

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// signedInPage hands the credential in the URL fragment to the opener
// without it ever reaching the server.
const signedInPage = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>Signed in</title></head>
<body>
<p>Signed in. You can close this window.</p>
<script>
(function () {
  var m = /token=([^&]+)/.exec(window.location.hash);
  if (m && window.opener) {
    window.opener.postMessage({ token: m[1] }, window.location.origin);
  }
  history.replaceState(null, "", window.location.pathname);
})();
</script>
</body>
</html>
`

// handleSignedIn serves the post-login landing page.
func (s *server) handleSignedIn(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.WriteHeader(http.StatusOK)

	_, _ = w.Write([]byte(signedInPage))
}
