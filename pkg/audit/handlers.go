package audit

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/shopkeep/pkg/httputil"
	"github.com/platinummonkey/shopkeep/pkg/observability"
)

// TenantScoped serves an audit request on behalf of an authorized tenant
type TenantScoped func(w http.ResponseWriter, r *http.Request, tenantID string)

// Authorizer authenticates and authorizes the caller, then calls next with
// the caller's tenant id
type Authorizer func(next TenantScoped) http.Handler

// Handlers provides HTTP handlers for the audit log API. Every query is
// pinned to the caller's tenant.
type Handlers struct {
	store Store
}

// NewHandlers creates new audit handlers
func NewHandlers(store Store) *Handlers {
	return &Handlers{store: store}
}

// RegisterRoutes registers audit log routes behind authorize
func (h *Handlers) RegisterRoutes(router *mux.Router, authorize Authorizer) {
	router.Handle("/audit/events", authorize(h.ListEvents)).Methods("GET")
	router.Handle("/audit/events/{eventID}", authorize(h.GetEvent)).Methods("GET")
	router.Handle("/audit/export", authorize(h.ExportEvents)).Methods("GET")
	router.Handle("/audit/stats", authorize(h.GetStats)).Methods("GET")
}

// ListResponse is the body of GET /audit/events
type ListResponse struct {
	Events []*Event `json:"events"`
	Count  int      `json:"count"`
	Limit  int      `json:"limit"`
	Offset int      `json:"offset"`
}

// ListEvents handles GET /audit/events
func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request, tenantID string) {
	filter, err := ParseFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	filter.TenantID = tenantID

	events, err := h.store.Search(r.Context(), filter)
	if err != nil {
		h.internalError(w, r, err, "Audit search failed")
		return
	}
	if events == nil {
		events = []*Event{}
	}

	httputil.WriteSuccess(w, ListResponse{
		Events: events,
		Count:  len(events),
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}

// GetEvent handles GET /audit/events/{eventID}
func (h *Handlers) GetEvent(w http.ResponseWriter, r *http.Request, tenantID string) {
	eventID, ok := httputil.PathString(w, r, "eventID")
	if !ok {
		return
	}

	event, err := h.store.Get(r.Context(), tenantID, eventID)
	if errors.Is(err, ErrEventNotFound) {
		httputil.WriteNotFound(w, "audit event not found")
		return
	}
	if err != nil {
		h.internalError(w, r, err, "Audit lookup failed")
		return
	}
	httputil.WriteSuccess(w, event)
}

// ExportEvents handles GET /audit/export?format=json|ndjson|csv
func (h *Handlers) ExportEvents(w http.ResponseWriter, r *http.Request, tenantID string) {
	filter, err := ParseFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	filter.TenantID = tenantID

	format := ExportFormat(httputil.QueryString(r, "format", string(ExportFormatJSON)))
	if _, err := exporterFor(format); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	switch format {
	case ExportFormatCSV:
		w.Header().Set("Content-Type", "text/csv")
	case ExportFormatNDJSON:
		w.Header().Set("Content-Type", "application/x-ndjson")
	default:
		w.Header().Set("Content-Type", "application/json")
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=audit-logs.%s", format))

	if err := h.store.Export(r.Context(), w, filter, format); err != nil {
		// Headers may already be out; the log is all that is left
		observability.FromContext(r.Context()).WithError(err).Error("Audit export failed")
	}
}

// GetStats handles GET /audit/stats
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request, tenantID string) {
	start, err := parseTime(r, "start_time")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	end, err := parseTime(r, "end_time")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	stats, err := h.store.GetStats(r.Context(), tenantID, start, end)
	if err != nil {
		h.internalError(w, r, err, "Audit stats failed")
		return
	}
	httputil.WriteSuccess(w, stats)
}

func (h *Handlers) internalError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	observability.FromContext(r.Context()).WithError(err).Error(msg)
	httputil.WriteInternalError(w)
}

// ParseFilter reads a search filter from query parameters. The tenant is
// never taken from the query.
func ParseFilter(r *http.Request) (SearchFilter, error) {
	query := r.URL.Query()
	filter := SearchFilter{
		UserID:    query.Get("user_id"),
		StoreID:   query.Get("store_id"),
		Resource:  query.Get("resource"),
		Status:    EventStatus(query.Get("status")),
		SortOrder: query.Get("sort_order"),
		Limit:     DefaultSearchLimit,
	}

	var err error
	if filter.StartTime, err = parseTime(r, "start_time"); err != nil {
		return filter, err
	}
	if filter.EndTime, err = parseTime(r, "end_time"); err != nil {
		return filter, err
	}

	for _, et := range parseCommaSeparated(query.Get("event_types")) {
		filter.EventTypes = append(filter.EventTypes, EventType(et))
	}

	if v := query.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > MaxSearchLimit {
			return filter, fmt.Errorf("limit must be between 1 and %d", MaxSearchLimit)
		}
		filter.Limit = limit
	}
	if v := query.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			return filter, fmt.Errorf("offset must be a non-negative integer")
		}
		filter.Offset = offset
	}
	return filter, nil
}

func parseTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("%s must be an RFC 3339 timestamp", key)
	}
	return &t, nil
}

// parseCommaSeparated splits s on commas, trimming blanks
func parseCommaSeparated(s string) []string {
	var result []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}
