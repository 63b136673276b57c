package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/rangebook/attest"
	"github.com/jmcleod/rangebook/pki"
)

// VerifyCertificate handles GET /certificates/{serial}. Unknown serials
// answer 404 with a not_found result.
func (a *API) VerifyCertificate(w http.ResponseWriter, r *http.Request) {
	res, err := a.svc.Verify(r.Context(), chi.URLParam(r, "serial"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.metrics.recordLookup(res.Status)
	status := http.StatusOK
	if res.Status == attest.StatusNotFound {
		status = http.StatusNotFound
	}
	writeJSON(w, status, res)
}

// ExportCertificatePEM handles GET /certificates/{serial}/pem. With
// ?chain=true the issuer certificates follow the leaf.
func (a *API) ExportCertificatePEM(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	var (
		body string
		err  error
	)
	if r.URL.Query().Get("chain") == "true" {
		body, err = a.svc.ExportChain(r.Context(), serial)
	} else {
		body, err = a.svc.ExportCertificate(r.Context(), serial)
	}
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="`+serial+`.pem"`)
	w.Write([]byte(body))
}

// CertificateChain handles GET /certificates/{serial}/chain.
func (a *API) CertificateChain(w http.ResponseWriter, r *http.Request) {
	report, err := a.svc.VerifyChain(r.Context(), chi.URLParam(r, "serial"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// RevokeCertificate handles POST /certificates/{serial}/revoke.
func (a *API) RevokeCertificate(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rev, err := a.svc.Revoke(r.Context(), chi.URLParam(r, "serial"), userIDFromContext(r.Context()), req.Reason)
	a.metrics.recordOperation("revoke", err)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RevokeResponse{
		Certificate:    certificateResponse(rev.Certificate),
		RoleDowngraded: rev.Cascade.RoleDowngraded(),
	})
}

// ListUserCertificates handles GET /users/{userID}/certificates. Users see
// their own certificates; admins see anyone's.
func (a *API) ListUserCertificates(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID != userIDFromContext(r.Context()) && !a.requireAdmin(w, r) {
		return
	}
	certs, err := a.svc.Authority().Store().ListByOwner(r.Context(), userID)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	resp := ListCertificatesResponse{Certificates: make([]CertificateResponse, 0, len(certs))}
	for _, c := range certs {
		resp.Certificates = append(resp.Certificates, certificateResponse(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

// IssueRoot handles POST /pki/root.
func (a *API) IssueRoot(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}
	cert, err := a.svc.Authority().IssueRoot(r.Context())
	a.metrics.recordOperation("issue_root", err)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, certificateResponse(cert))
}

// ProvisionClub handles POST /pki/clubs/{clubID}.
func (a *API) ProvisionClub(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}
	cert, err := a.svc.ProvisionClub(r.Context(), chi.URLParam(r, "clubID"))
	a.metrics.recordOperation("provision_club", err)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, certificateResponse(cert))
}

// ProvisionSupervisor handles POST /pki/supervisors. Admins and chiefs of
// the club may provision.
func (a *API) ProvisionSupervisor(w http.ResponseWriter, r *http.Request) {
	var req ProvisionSupervisorRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !a.requireAdminOrChief(w, r, req.ClubID) {
		return
	}
	var scope pki.Scope = pki.ClubScope{ClubID: req.ClubID}
	if req.RangeID != "" {
		scope = pki.RangeScope{ClubID: req.ClubID, RangeID: req.RangeID}
	}
	cert, err := a.svc.ProvisionSupervisor(r.Context(), req.UserID, scope)
	a.metrics.recordOperation("provision_supervisor", err)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, certificateResponse(cert))
}
