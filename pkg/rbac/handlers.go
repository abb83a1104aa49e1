package rbac

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/platinummonkey/shopkeep/pkg/audit"
	"github.com/platinummonkey/shopkeep/pkg/auth"
	"github.com/platinummonkey/shopkeep/pkg/httputil"
	"github.com/platinummonkey/shopkeep/pkg/invalidation"
	"github.com/platinummonkey/shopkeep/pkg/observability"
	"github.com/platinummonkey/shopkeep/pkg/tenancy"
)

func init() {
	v := httputil.Validator()
	_ = v.RegisterValidation("rbac_resource", func(fl validator.FieldLevel) bool {
		return Resource(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("rbac_action", func(fl validator.FieldLevel) bool {
		return Action(fl.Field().String()).Valid()
	})
}

// Handlers serves the permission administration API
type Handlers struct {
	enforcer  *Enforcer
	guard     *Guard
	publisher invalidation.Publisher
	audit     audit.Logger
	logger    *observability.Logger
}

// NewHandlers creates the admin handlers. Mutations drop local cache entries
// and announce the change through publisher so other replicas do the same.
func NewHandlers(enforcer *Enforcer, guard *Guard, publisher invalidation.Publisher, auditLogger audit.Logger, logger *observability.Logger) *Handlers {
	if publisher == nil {
		publisher = invalidation.NopPublisher{}
	}
	if auditLogger == nil {
		auditLogger = audit.NoOpLogger{}
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Handlers{
		enforcer:  enforcer,
		guard:     guard,
		publisher: publisher,
		audit:     auditLogger,
		logger:    logger.WithField("component", "rbac_api"),
	}
}

// RegisterRoutes mounts the API under router; callers usually pass a /api/v1 subrouter
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	e := h.enforcer

	// Role templates
	router.Handle("/rbac/templates", e.RequirePermission(ResourceRole, ActionRead, h.ListTemplates)).Methods("GET")
	router.Handle("/rbac/templates", e.RequirePermission(ResourceRole, ActionCreate, h.CreateTemplate)).Methods("POST")
	router.Handle("/rbac/templates/{templateID}", e.RequirePermission(ResourceRole, ActionRead, h.GetTemplate)).Methods("GET")
	router.Handle("/rbac/templates/{templateID}", e.RequirePermission(ResourceRole, ActionUpdate, h.UpdateTemplate)).Methods("PUT")
	router.Handle("/rbac/templates/{templateID}", e.RequirePermission(ResourceRole, ActionDelete, h.DeleteTemplate)).Methods("DELETE")

	// Assignments
	router.Handle("/rbac/users/{userID}/assignment", e.RequirePermission(ResourceRole, ActionRead, h.GetAssignment)).Methods("GET")
	router.Handle("/rbac/users/{userID}/assignment", e.RequirePermission(ResourceRole, ActionUpdate, h.AssignTemplate)).Methods("PUT")
	router.Handle("/rbac/users/{userID}/assignment", e.RequirePermission(ResourceRole, ActionUpdate, h.RemoveAssignment)).Methods("DELETE")

	// Explicit grants
	router.Handle("/rbac/users/{userID}/grants", e.RequirePermission(ResourcePermission, ActionRead, h.ListGrants)).Methods("GET")
	router.Handle("/rbac/users/{userID}/grants", e.RequirePermission(ResourcePermission, ActionCreate, h.UpsertGrant)).Methods("POST")
	router.Handle("/rbac/users/{userID}/grants/bulk", e.RequirePermission(ResourcePermission, ActionCreate, h.BulkGrant)).Methods("POST")
	router.Handle("/rbac/users/{userID}/grants/{grantID}", e.RequirePermission(ResourcePermission, ActionDelete, h.DeleteGrant)).Methods("DELETE")

	// Effective permissions
	router.Handle("/rbac/users/{userID}/effective", e.RequirePermission(ResourcePermission, ActionRead, h.GetEffective)).Methods("GET")

	// Store locations
	router.Handle("/stores", e.RequirePermission(ResourceStore, ActionRead, h.ListShops)).Methods("GET")
	router.Handle("/stores/{storeID}", e.RequirePermission(ResourceStore, ActionUpdate, h.UpsertShop)).Methods("PUT")
}

// TemplateRequest is the body of template create and update
type TemplateRequest struct {
	Name        string          `json:"name" validate:"required,max=255"`
	Description string          `json:"description" validate:"max=2000"`
	Entries     []TemplateEntry `json:"entries" validate:"dive"`
	ParentID    *string         `json:"parent_id,omitempty" validate:"omitempty,min=1"`
	Active      *bool           `json:"active,omitempty"`
	Priority    int             `json:"priority"`
}

// AssignmentRequest is the body of PUT /users/{userID}/assignment
type AssignmentRequest struct {
	TemplateID string `json:"template_id" validate:"required"`
}

// GrantRequest is the body of POST /users/{userID}/grants. Granted defaults to true.
type GrantRequest struct {
	Resource   Resource   `json:"resource" validate:"required,rbac_resource"`
	Actions    []Action   `json:"actions" validate:"required,min=1,dive,rbac_action"`
	StoreID    *string    `json:"store_id,omitempty" validate:"omitempty,min=1,max=64"`
	InstanceID *string    `json:"instance_id,omitempty" validate:"omitempty,min=1,max=255"`
	Granted    *bool      `json:"granted,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// BulkGrantRequest applies one grant to several stores
type BulkGrantRequest struct {
	Resource   Resource   `json:"resource" validate:"required,rbac_resource"`
	Actions    []Action   `json:"actions" validate:"required,min=1,dive,rbac_action"`
	StoreIDs   []string   `json:"store_ids" validate:"required,min=1,max=500,dive,required,max=64"`
	InstanceID *string    `json:"instance_id,omitempty" validate:"omitempty,min=1,max=255"`
	Granted    *bool      `json:"granted,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// ShopRequest is the body of PUT /stores/{storeID}
type ShopRequest struct {
	Name string `json:"name" validate:"required,max=255"`
}

// EffectiveResponse describes a user's effective permissions
type EffectiveResponse struct {
	UserID      string     `json:"user_id"`
	StoreID     *string    `json:"store_id,omitempty"`
	Permissions []Entry    `json:"permissions"`
	ValidUntil  *time.Time `json:"valid_until,omitempty"`
}

// ListTemplates lists the tenant's role templates
func (h *Handlers) ListTemplates(w http.ResponseWriter, r *http.Request, tenant *tenancy.Handle) {
	templates, err := NewStore(tenant.DB).ListTemplates(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if templates == nil {
		templates = []RoleTemplate{}
	}
	_ = httputil.WriteSuccess(w, templates)
}

// CreateTemplate creates a role template
func (h *Handlers) CreateTemplate(w http.ResponseWriter, r *http.Request, tenant *tenancy.Handle) {
	var req TemplateRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	t := &RoleTemplate{
		Name:        req.Name,
		Description: req.Description,
		Entries:     req.Entries,
		ParentID:    req.ParentID,
		Active:      req.Active == nil || *req.Active,
		Priority:    req.Priority,
	}
	if err := NewStore(tenant.DB).CreateTemplate(r.Context(), t); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.auditAdmin(r.Context(), tenant.TenantID, audit.EventTypeTemplateCreate, "role template created", map[string]interface{}{
		"template_id":   t.ID,
		"template_name": t.Name,
	})
	_ = httputil.WriteCreated(w, t)
}

// GetTemplate returns one role template
func (h *Handlers) GetTemplate(w http.ResponseWriter, r *http.Request, tenant *tenancy.Handle) {
	templateID, ok := httputil.PathString(w, r, "templateID")
	if !ok {
		return
	}
	t, err := NewStore(tenant.DB).GetTemplate(r.Context(), templateID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, t)
}

// UpdateTemplate replaces a role template. An omitted active flag keeps the current value.
func (h *Handlers) UpdateTemplate(w http.ResponseWriter, r *http.Request, tenant *tenancy.Handle) {
	templateID, ok := httputil.PathString(w, r, "templateID")
	if !ok {
		return
	}
	var req TemplateRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	store := NewStore(tenant.DB)
	t, err := store.GetTemplate(r.Context(), templateID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	t.Name = req.Name
	t.Description = req.Description
	t.Entries = req.Entries
	t.ParentID = req.ParentID
	t.Priority = req.Priority
	if req.Active != nil {
		t.Active = *req.Active
	}

	if err := store.UpdateTemplate(r.Context(), t); err != nil {
		h.writeError(w, r, err)
		return
	}

	// Any user may inherit from the template through a descendant
	h.invalidate(r.Context(), tenant.TenantID, "")
	h.auditAdmin(r.Context(), tenant.TenantID, audit.EventTypeTemplateUpdate, "role template updated", map[string]interface{}{
		"template_id":   t.ID,
		"template_name": t.Name,
		"active":        t.Active,
	})
	_ = httputil.WriteSuccess(w, t)
}

// DeleteTemplate removes an unused role template
func (h *Handlers) DeleteTemplate(w http.ResponseWriter, r *http.Request, tenant *tenancy.Handle) {
	templateID, ok := httputil.PathString(w, r, "templateID")
	if !ok {
		return
	}
	if err := NewStore(tenant.DB).DeleteTemplate(r.Context(), templateID); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.invalidate(r.Context(), tenant.TenantID, "")
	h.auditAdmin(r.Context(), tenant.TenantID, audit.EventTypeTemplateDelete, "role template deleted", map[string]interface{}{
		"template_id": templateID,
	})
	httputil.WriteNoContent(w)
}

// GetAssignment returns the user's role template assignment
func (h *Handlers) GetAssignment(w http.ResponseWriter, r *http.Request, tenant *tenancy.Handle) {
	userID, ok := httputil.PathString(w, r, "userID")
	if !ok {
		return
	}
	a, err := NewStore(tenant.DB).GetAssignment(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, a)
}

// AssignTemplate sets the user's role template, replacing any previous one
func (h *Handlers) AssignTemplate(w http.ResponseWriter, r *http.Request, tenant *tenancy.Handle) {
	userID, ok := httputil.PathString(w, r, "userID")
	if !ok {
		return
	}
	var req AssignmentRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	a, err := NewStore(tenant.DB).AssignTemplate(r.Context(), userID, req.TemplateID, actor(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.invalidate(r.Context(), tenant.TenantID, userID)
	h.auditAdmin(r.Context(), tenant.TenantID, audit.EventTypeAssignmentChange, "role template assigned", map[string]interface{}{
		"target_user_id": userID,
		"template_id":    a.TemplateID,
	})
	_ = httputil.WriteSuccess(w, a)
}

// RemoveAssignment clears the user's role template
func (h *Handlers) RemoveAssignment(w http.ResponseWriter, r *http.Request, tenant *tenancy.Handle) {
	userID, ok := httputil.PathString(w, r, "userID")
	if !ok {
		return
	}
	if err := NewStore(tenant.DB).RemoveAssignment(r.Context(), userID); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.invalidate(r.Context(), tenant.TenantID, userID)
	h.auditAdmin(r.Context(), tenant.TenantID, audit.EventTypeAssignmentRemove, "role template unassigned", map[string]interface{}{
		"target_user_id": userID,
	})
	httputil.WriteNoContent(w)
}

// ListGrants lists the user's explicit grants, expired ones included
func (h *Handlers) ListGrants(w http.ResponseWriter, r *http.Request, tenant *tenancy.Handle) {
	userID, ok := httputil.PathString(w, r, "userID")
	if !ok {
		return
	}
	grants, err := NewStore(tenant.DB).ListGrants(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if grants == nil {
		grants = []Grant{}
	}
	_ = httputil.WriteSuccess(w, grants)
}

// UpsertGrant creates or supersedes an explicit grant. Sending granted=false
// records a revocation that overrides the user's template.
func (h *Handlers) UpsertGrant(w http.ResponseWriter, r *http.Request, tenant *tenancy.Handle) {
	userID, ok := httputil.PathString(w, r, "userID")
	if !ok {
		return
	}
	var req GrantRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}
	if !h.checkExpiry(w, req.ExpiresAt) {
		return
	}

	g := &Grant{
		UserID:     userID,
		Resource:   req.Resource,
		Actions:    req.Actions,
		StoreID:    req.StoreID,
		InstanceID: req.InstanceID,
		Granted:    req.Granted == nil || *req.Granted,
		GrantedBy:  actor(r),
		ExpiresAt:  req.ExpiresAt,
	}
	if err := NewStore(tenant.DB).UpsertGrant(r.Context(), g); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.invalidate(r.Context(), tenant.TenantID, userID)
	h.auditAdmin(r.Context(), tenant.TenantID, audit.EventTypeGrantUpsert, "permission grant written", map[string]interface{}{
		"target_user_id": userID,
		"grant_id":       g.ID,
		"resource":       g.Resource,
		"actions":        g.Actions,
		"store_id":       deref(g.StoreID),
		"granted":        g.Granted,
	})
	_ = httputil.WriteCreated(w, g)
}

// BulkGrant applies one grant to several stores. Unknown stores are skipped
// and listed in the response.
func (h *Handlers) BulkGrant(w http.ResponseWriter, r *http.Request, tenant *tenancy.Handle) {
	userID, ok := httputil.PathString(w, r, "userID")
	if !ok {
		return
	}
	var req BulkGrantRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}
	if !h.checkExpiry(w, req.ExpiresAt) {
		return
	}

	grant := Grant{
		UserID:     userID,
		Resource:   req.Resource,
		Actions:    req.Actions,
		InstanceID: req.InstanceID,
		Granted:    req.Granted == nil || *req.Granted,
		GrantedBy:  actor(r),
		ExpiresAt:  req.ExpiresAt,
	}
	result, err := NewStore(tenant.DB).BulkGrant(r.Context(), grant, req.StoreIDs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if len(result.Skipped) > 0 {
		observability.FromContext(r.Context()).WithFields(map[string]interface{}{
			"tenant_id":      tenant.TenantID,
			"target_user_id": userID,
			"skipped":        result.Skipped,
		}).Warn("Bulk grant skipped unknown stores")
	}

	h.invalidate(r.Context(), tenant.TenantID, userID)
	h.auditAdmin(r.Context(), tenant.TenantID, audit.EventTypeGrantBulk, "bulk permission grant written", map[string]interface{}{
		"target_user_id": userID,
		"resource":       grant.Resource,
		"applied":        len(result.Applied),
		"skipped":        result.Skipped,
	})
	_ = httputil.WriteSuccess(w, result)
}

// DeleteGrant removes an explicit grant so the user falls back to the template
func (h *Handlers) DeleteGrant(w http.ResponseWriter, r *http.Request, tenant *tenancy.Handle) {
	userID, ok := httputil.PathString(w, r, "userID")
	if !ok {
		return
	}
	grantID, ok := httputil.PathString(w, r, "grantID")
	if !ok {
		return
	}

	store := NewStore(tenant.DB)
	g, err := store.GetGrant(r.Context(), grantID)
	if err == nil && g.UserID != userID {
		err = ErrGrantNotFound
	}
	if err == nil {
		err = store.DeleteGrant(r.Context(), grantID)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.invalidate(r.Context(), tenant.TenantID, userID)
	h.auditAdmin(r.Context(), tenant.TenantID, audit.EventTypeGrantRevoke, "permission grant deleted", map[string]interface{}{
		"target_user_id": userID,
		"grant_id":       grantID,
		"resource":       g.Resource,
	})
	httputil.WriteNoContent(w)
}

// GetEffective returns the user's effective permissions, narrowed to the
// store_id query parameter when present
func (h *Handlers) GetEffective(w http.ResponseWriter, r *http.Request, tenant *tenancy.Handle) {
	userID, ok := httputil.PathString(w, r, "userID")
	if !ok {
		return
	}

	set, err := h.guard.Effective(r.Context(), tenant, userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := EffectiveResponse{UserID: userID}
	if storeID := optional(httputil.QueryString(r, "store_id", "")); storeID != nil {
		resp.StoreID = storeID
		set = set.ForStore(*storeID)
	}
	resp.Permissions = set.List()
	if until := set.ValidUntil(); !until.IsZero() {
		resp.ValidUntil = &until
	}
	_ = httputil.WriteSuccess(w, resp)
}

// ListShops lists the tenant's store locations
func (h *Handlers) ListShops(w http.ResponseWriter, r *http.Request, tenant *tenancy.Handle) {
	shops, err := NewStore(tenant.DB).ListShops(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if shops == nil {
		shops = []Shop{}
	}
	_ = httputil.WriteSuccess(w, shops)
}

// UpsertShop creates or renames a store location
func (h *Handlers) UpsertShop(w http.ResponseWriter, r *http.Request, tenant *tenancy.Handle) {
	storeID, ok := httputil.PathString(w, r, "storeID")
	if !ok {
		return
	}
	var req ShopRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}
	shop := &Shop{ID: storeID, Name: req.Name}
	if err := NewStore(tenant.DB).UpsertShop(r.Context(), shop); err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, shop)
}

func (h *Handlers) checkExpiry(w http.ResponseWriter, expiresAt *time.Time) bool {
	if expiresAt != nil && !expiresAt.After(h.guard.now()) {
		httputil.WriteUnprocessable(w, "expires_at must be in the future")
		return false
	}
	return true
}

func actor(r *http.Request) string {
	if p := auth.PrincipalFromContext(r.Context()); p != nil {
		return p.UserID
	}
	return ""
}

// invalidate drops cached sets here and on every other replica. An empty
// userID covers the whole tenant.
func (h *Handlers) invalidate(ctx context.Context, tenantID, userID string) {
	cache := h.guard.Cache()
	if userID == "" {
		cache.InvalidateTenant(tenantID)
	} else {
		cache.Invalidate(tenantID, userID)
	}

	msg := invalidation.Message{Kind: invalidation.KindPermissions, TenantID: tenantID, UserID: userID}
	if err := h.publisher.Publish(ctx, msg); err != nil {
		h.logger.WithError(err).WithFields(map[string]interface{}{
			"tenant_id": tenantID,
			"user_id":   userID,
		}).Warn("Failed to publish permission invalidation, other replicas wait for cache expiry")
	}
}

func (h *Handlers) auditAdmin(ctx context.Context, tenantID string, eventType audit.EventType, message string, metadata map[string]interface{}) {
	ctx = context.WithoutCancel(ctx)
	event := audit.NewEvent(ctx, eventType, audit.EventStatusSuccess)
	event.TenantID = tenantID
	event.Message = message
	event.Metadata = metadata

	if err := h.audit.Log(ctx, event); err != nil {
		if h.guard.metrics != nil {
			h.guard.metrics.AuditFailuresTotal.WithLabelValues(string(eventType)).Inc()
		}
		h.logger.WithError(err).WithField("event_type", eventType).Error("Failed to write admin audit record")
	}
}

// writeError maps store and resolver errors to responses. Anything
// unexpected is logged and answered with a generic 500.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrTemplateNotFound),
		errors.Is(err, ErrGrantNotFound),
		errors.Is(err, ErrAssignmentNotFound):
		httputil.WriteNotFound(w, err.Error())
	case errors.Is(err, ErrTemplateNameTaken),
		errors.Is(err, ErrTemplateInUse):
		httputil.WriteConflict(w, err.Error())
	case errors.Is(err, ErrInvalidRoleTemplate),
		errors.Is(err, ErrInvalidGrant),
		errors.Is(err, ErrInactiveTemplate),
		errors.Is(err, ErrAmbiguousAssignment):
		httputil.WriteUnprocessable(w, err.Error())
	case errors.Is(err, context.Canceled):
	default:
		observability.FromContext(r.Context()).WithError(err).Error("RBAC request failed")
		httputil.WriteInternalError(w)
	}
}
