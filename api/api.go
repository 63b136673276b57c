// Package api exposes the attestation workflow over HTTP.
package api

import (
	_ "embed"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"go.uber.org/zap"

	"github.com/jmcleod/rangebook/attest"
	"github.com/jmcleod/rangebook/membership"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	svc            *attest.Service
	directory      *membership.Directory
	tokens         *TokenAuthority
	metrics        *Metrics
	verifyLimiter  *lookupRateLimiter
	trustedProxies []netip.Prefix
	logger         *zap.Logger
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the logger for request failures.
func WithLogger(logger *zap.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithMetrics records request and attestation metrics into m.
func WithMetrics(m *Metrics) Option {
	return func(a *API) {
		a.metrics = m
	}
}

// WithVerifyRateLimit bounds anonymous certificate lookups to requests per
// window for each client IP. A zero value disables the limit.
func WithVerifyRateLimit(requests int, window time.Duration) Option {
	return func(a *API) {
		if requests > 0 && window > 0 {
			a.verifyLimiter = newLookupRateLimiter(requests, window)
		} else {
			a.verifyLimiter = nil
		}
	}
}

// WithTrustedProxies honors forwarding headers from peers inside prefixes.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) {
		a.trustedProxies = prefixes
	}
}

// New creates a new API instance.
func New(svc *attest.Service, directory *membership.Directory, tokens *TokenAuthority, opts ...Option) *API {
	a := &API{
		svc:           svc,
		directory:     directory,
		tokens:        tokens,
		verifyLimiter: newLookupRateLimiter(defaultLookupLimit, defaultLookupWindow),
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(zap.String("component", "api"))
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(a.metrics.Middleware)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	// Public verification.
	r.Route("/certificates/{serial}", func(r chi.Router) {
		r.With(a.limitLookups).Get("/", a.VerifyCertificate)
		r.With(a.limitLookups).Get("/pem", a.ExportCertificatePEM)
		r.With(a.limitLookups).Get("/chain", a.CertificateChain)
		r.With(a.AuthMiddleware).Post("/revoke", a.RevokeCertificate)
	})

	r.Group(func(r chi.Router) {
		r.Use(a.AuthMiddleware)

		r.Get("/me", a.Me)
		r.Post("/entries", a.CreateEntry)
		r.Get("/entries", a.ListMyEntries)
		r.Route("/entries/{entryID}", func(r chi.Router) {
			r.Get("/", a.GetEntry)
			r.Delete("/", a.DeleteEntry)
			r.Get("/verify", a.VerifyEntry)
			r.Post("/sign", a.SignEntry)
			r.Post("/reject", a.RejectEntry)
		})
		r.Get("/clubs/{clubID}/entries", a.ListClubEntries)
		r.Get("/users/{userID}/certificates", a.ListUserCertificates)

		r.Post("/pki/root", a.IssueRoot)
		r.Post("/pki/clubs/{clubID}", a.ProvisionClub)
		r.Post("/pki/supervisors", a.ProvisionSupervisor)
	})

	return r
}
