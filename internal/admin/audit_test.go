package admin

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"log/slog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func auditedHandler(logBuf *bytes.Buffer, inner http.HandlerFunc) http.Handler {
	logger := slog.New(slog.NewJSONHandler(logBuf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	return AuditMiddleware(logger, inner)
}

func TestAudit_LogsMutatingRequests(t *testing.T) {
	var logBuf bytes.Buffer
	handler := auditedHandler(&logBuf, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	body := `{"chain_id":1,"url":"https://rpc.example.org","weight":10}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ops/v1/endpoints", strings.NewReader(body)))

	require.Equal(t, http.StatusCreated, rec.Code)
	logged := logBuf.String()
	assert.Contains(t, logged, "ops API audit")
	assert.Contains(t, logged, "POST")
	assert.Contains(t, logged, "/ops/v1/endpoints")
	assert.Contains(t, logged, `"status":201`)
	assert.Contains(t, logged, "rpc.example.org", "body excerpt is logged")
}

func TestAudit_SkipsReads(t *testing.T) {
	var logBuf bytes.Buffer
	handler := auditedHandler(&logBuf, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ops/v1/chains", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, logBuf.String())
}

func TestAudit_BodyStaysReadableDownstream(t *testing.T) {
	var logBuf bytes.Buffer
	var seen string
	handler := auditedHandler(&logBuf, func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		seen = string(raw)
		w.WriteHeader(http.StatusOK)
	})

	body := `{"chain_id":1,"address":"0xme"}`
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/ops/v1/nonce/invalidate", strings.NewReader(body)))

	assert.Equal(t, body, seen)
}

func TestAudit_TruncatesLongBodies(t *testing.T) {
	var logBuf bytes.Buffer
	handler := auditedHandler(&logBuf, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	long := strings.Repeat("x", auditBodyLimit*2)
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/ops/v1/endpoints", strings.NewReader(long)))

	assert.Contains(t, logBuf.String(), "...(truncated)")
}
