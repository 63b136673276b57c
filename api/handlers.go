package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/rangebook/attest"
	"github.com/jmcleod/rangebook/entry"
)

// Me returns the authenticated user and their club memberships.
func (a *API) Me(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userIDFromContext(ctx)
	resp := MeResponse{UserID: userID}
	u, err := a.directory.GetUser(ctx, userID)
	switch {
	case err == nil:
		resp.Name, resp.Email, resp.Role = u.Name, u.Email, string(u.Role)
	case !isNotFound(err):
		a.mapError(w, r, err)
		return
	}
	if resp.Memberships, err = a.directory.ListMemberships(ctx, userID); err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateEntry handles POST /entries.
func (a *API) CreateEntry(w http.ResponseWriter, r *http.Request) {
	var req CreateEntryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	e := &entry.LogEntry{
		OwnerUserID: userIDFromContext(r.Context()),
		ClubID:      req.ClubID,
		RangeID:     req.RangeID,
		LoggedAt:    req.LoggedAt.UTC(),
		Discipline:  req.Discipline,
		Caliber:     req.Caliber,
		WeaponType:  req.WeaponType,
		ShotCount:   req.ShotCount,
		Result:      req.Result,
	}
	err := a.svc.CreateEntry(r.Context(), e)
	a.metrics.recordOperation("create_entry", err)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// ListMyEntries handles GET /entries, newest first.
func (a *API) ListMyEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := a.svc.Entries().ListByOwner(r.Context(), userIDFromContext(r.Context()))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeEntryPage(w, r, entries)
}

// ListClubEntries handles GET /clubs/{clubID}/entries. The optional status
// query parameter takes a comma separated list of statuses.
func (a *API) ListClubEntries(w http.ResponseWriter, r *http.Request) {
	clubID := chi.URLParam(r, "clubID")
	ok, err := a.directory.CanModerate(r.Context(), userIDFromContext(r.Context()), clubID)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	if !ok {
		a.mapError(w, r, attest.ErrUnauthorized)
		return
	}

	var statuses []entry.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			status := entry.Status(strings.TrimSpace(s))
			if !status.Valid() {
				writeError(w, http.StatusBadRequest, "unknown status "+string(status))
				return
			}
			statuses = append(statuses, status)
		}
	}
	entries, err := a.svc.Entries().ListByClub(r.Context(), clubID, statuses...)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeEntryPage(w, r, entries)
}

// GetEntry handles GET /entries/{entryID}.
func (a *API) GetEntry(w http.ResponseWriter, r *http.Request) {
	e, ok := a.visibleEntry(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// VerifyEntry handles GET /entries/{entryID}/verify.
func (a *API) VerifyEntry(w http.ResponseWriter, r *http.Request) {
	e, ok := a.visibleEntry(w, r)
	if !ok {
		return
	}
	res, err := a.svc.VerifyEntry(r.Context(), e.ID)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// visibleEntry loads the entry named in the URL if the requester owns it or
// may moderate its club.
func (a *API) visibleEntry(w http.ResponseWriter, r *http.Request) (*entry.LogEntry, bool) {
	ctx := r.Context()
	e, err := a.svc.Entries().Get(ctx, chi.URLParam(r, "entryID"))
	if err != nil {
		a.mapError(w, r, err)
		return nil, false
	}
	userID := userIDFromContext(ctx)
	if e.OwnerUserID == userID {
		return e, true
	}
	ok, err := a.directory.CanModerate(ctx, userID, e.ClubID)
	if err != nil {
		a.mapError(w, r, err)
		return nil, false
	}
	if !ok {
		a.mapError(w, r, attest.ErrUnauthorized)
		return nil, false
	}
	return e, true
}

// DeleteEntry handles DELETE /entries/{entryID}.
func (a *API) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	err := a.svc.DeleteEntry(r.Context(), chi.URLParam(r, "entryID"), userIDFromContext(r.Context()))
	a.metrics.recordOperation("delete_entry", err)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SignEntry handles POST /entries/{entryID}/sign.
func (a *API) SignEntry(w http.ResponseWriter, r *http.Request) {
	e, err := a.svc.Sign(r.Context(), chi.URLParam(r, "entryID"), userIDFromContext(r.Context()))
	a.metrics.recordOperation("sign", err)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// RejectEntry handles POST /entries/{entryID}/reject.
func (a *API) RejectEntry(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	e, err := a.svc.Reject(r.Context(), chi.URLParam(r, "entryID"), userIDFromContext(r.Context()), req.Reason)
	a.metrics.recordOperation("reject", err)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func isNotFound(err error) bool {
	return errorStatus(err) == http.StatusNotFound
}

func writeEntryPage(w http.ResponseWriter, r *http.Request, entries []*entry.LogEntry) {
	page, meta := paginate(entries, parsePage(r))
	writeJSON(w, http.StatusOK, ListEntriesResponse{Entries: page, PaginationMeta: meta})
}

// requireAdmin writes 403 unless the requester is an admin.
func (a *API) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	return a.requireAdminOrChief(w, r, "")
}

// requireAdminOrChief writes 403 unless the requester is an admin or, when
// clubID is set, an active chief of that club.
func (a *API) requireAdminOrChief(w http.ResponseWriter, r *http.Request, clubID string) bool {
	ctx := r.Context()
	userID := userIDFromContext(ctx)
	ok, err := a.directory.IsAdmin(ctx, userID)
	if err == nil && !ok && clubID != "" {
		ok, err = a.directory.IsChiefOf(ctx, userID, clubID)
	}
	if err != nil {
		a.mapError(w, r, err)
		return false
	}
	if !ok {
		a.mapError(w, r, attest.ErrUnauthorized)
		return false
	}
	return true
}
