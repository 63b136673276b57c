package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/rangebook/attest"
	"github.com/jmcleod/rangebook/entry"
	"github.com/jmcleod/rangebook/pki"
)

func TestMetricsMiddlewareUsesRoutePattern(t *testing.T) {
	m := NewMetrics()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/certificates/{serial}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Get("/ok", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("fine"))
	})

	for _, serial := range []string{"a", "b", "c"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/certificates/"+serial, nil))
	}
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))

	assert.Equal(t, 3.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/certificates/{serial}", "404")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/ok", "200")))
}

func TestMetricsRecordOperation(t *testing.T) {
	m := NewMetrics()
	m.recordOperation("sign", nil)
	m.recordOperation("sign", attest.ErrNoCertificate)
	m.recordOperation("sign", fmt.Errorf("wrapped: %w", entry.ErrInvalidStateTransition))
	m.recordOperation("sign", &pki.ChainError{Serial: "x", Err: pki.ErrCertificateRevoked})
	m.recordOperation("reject", attest.ErrUnauthorized)
	m.recordOperation("reject", errors.New("disk on fire"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("sign", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("sign", "invalid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("sign", "conflict")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("sign", "chain_invalid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("reject", "forbidden")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("reject", "error")))
}

func TestMetricsLookups(t *testing.T) {
	m := NewMetrics()
	m.recordLookup(attest.StatusValid)
	m.recordLookup(attest.StatusValid)
	m.recordLookup(attest.StatusRevoked)
	m.recordLookupLimited()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.lookups.WithLabelValues("valid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lookups.WithLabelValues("revoked")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lookupsLimited))
}

func TestMetricsNilIsSafe(t *testing.T) {
	var m *Metrics
	m.recordOperation("sign", nil)
	m.recordLookup(attest.StatusValid)
	m.recordLookupLimited()

	called := false
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, called)
}

func TestMetricsHandlerExposition(t *testing.T) {
	m := NewMetrics()
	m.recordOperation("sign", nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `rangebook_operations_total{operation="sign",result="ok"} 1`), body)
	assert.Contains(t, body, "go_goroutines")
}
