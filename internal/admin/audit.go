package admin

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"log/slog"

	"github.com/google/uuid"
)

// auditBodyLimit caps how much of a request body lands in the log.
const auditBodyLimit = 1024

// AuditMiddleware logs every mutating request with a correlation ID, the
// caller, a body excerpt and the response status. Reads pass through
// untouched.
func AuditMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	log := logger.With("component", "ops_audit")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost && r.Method != http.MethodDelete {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		user, _, _ := r.BasicAuth()
		excerpt := readBodyExcerpt(r)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		log.Info("ops API audit",
			"request_id", uuid.NewString(),
			"user", user,
			"remote_addr", r.RemoteAddr,
			"method", r.Method,
			"path", r.URL.Path,
			"body", excerpt,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// readBodyExcerpt consumes up to auditBodyLimit bytes for logging and
// restores the body so handlers still see the full payload.
func readBodyExcerpt(r *http.Request) string {
	if r.Body == nil {
		return ""
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, auditBodyLimit+1))
	if err != nil {
		return ""
	}
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if len(raw) > auditBodyLimit {
		return string(raw[:auditBodyLimit]) + "...(truncated)"
	}
	return string(raw)
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.status = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	sr.written = true
	return sr.ResponseWriter.Write(b)
}
