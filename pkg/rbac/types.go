package rbac

import (
	"time"
)

// Resource represents a resource type in a tenant's store
type Resource string

const (
	ResourceProduct    Resource = "PRODUCT"
	ResourceInventory  Resource = "INVENTORY"
	ResourceSale       Resource = "SALE"
	ResourceInvoice    Resource = "INVOICE"
	ResourceCustomer   Resource = "CUSTOMER"
	ResourceSupplier   Resource = "SUPPLIER"
	ResourceEmployee   Resource = "EMPLOYEE"
	ResourceStore      Resource = "STORE"
	ResourceTax        Resource = "TAX"
	ResourceReport     Resource = "REPORT"
	ResourceRole       Resource = "ROLE"
	ResourcePermission Resource = "PERMISSION"
)

// KnownResources lists every resource the API accepts
func KnownResources() []Resource {
	return []Resource{
		ResourceProduct, ResourceInventory, ResourceSale, ResourceInvoice,
		ResourceCustomer, ResourceSupplier, ResourceEmployee, ResourceStore,
		ResourceTax, ResourceReport, ResourceRole, ResourcePermission,
	}
}

// Valid reports whether r is a known resource
func (r Resource) Valid() bool {
	for _, known := range KnownResources() {
		if r == known {
			return true
		}
	}
	return false
}

// Action represents an action that can be performed on a resource
type Action string

const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	// ActionAll is stored as written and expanded only during resolution
	ActionAll Action = "*"
)

// ConcreteActions is the set ActionAll expands to
var ConcreteActions = []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete}

// Valid reports whether a is a concrete action or the wildcard
func (a Action) Valid() bool {
	return a == ActionAll || a.Concrete()
}

// Concrete reports whether a is one of create, read, update or delete
func (a Action) Concrete() bool {
	for _, c := range ConcreteActions {
		if a == c {
			return true
		}
	}
	return false
}

// TemplateEntry is one permission line of a role template.
// A nil StoreID applies in every store.
type TemplateEntry struct {
	Resource Resource `json:"resource" yaml:"resource" validate:"required,rbac_resource"`
	Action   Action   `json:"action" yaml:"action" validate:"required,rbac_action"`
	StoreID  *string  `json:"store_id,omitempty" yaml:"store_id,omitempty" validate:"omitempty,min=1,max=64"`
}

// RoleTemplate is a named, inheritable bundle of permission entries
type RoleTemplate struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Entries     []TemplateEntry `json:"entries"`
	ParentID    *string         `json:"parent_id,omitempty"`
	Active      bool            `json:"active"`
	Priority    int             `json:"priority"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Assignment links a user to one role template
type Assignment struct {
	UserID     string    `json:"user_id"`
	TemplateID string    `json:"template_id"`
	AssignedBy string    `json:"assigned_by"`
	AssignedAt time.Time `json:"assigned_at"`
}

// Grant is an explicit permission for one user. Granted=false revokes the
// same keys a template would otherwise supply.
type Grant struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Resource   Resource   `json:"resource"`
	Actions    []Action   `json:"actions"`
	StoreID    *string    `json:"store_id,omitempty"`
	InstanceID *string    `json:"instance_id,omitempty"`
	Granted    bool       `json:"granted"`
	GrantedBy  string     `json:"granted_by"`
	GrantedAt  time.Time  `json:"granted_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the grant has lapsed at now
func (g Grant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && !now.Before(*g.ExpiresAt)
}

// Key identifies one effective permission. Empty StoreID means global;
// empty InstanceID means every instance of the resource.
type Key struct {
	Resource   Resource `json:"resource"`
	Action     Action   `json:"action"`
	StoreID    string   `json:"store_id,omitempty"`
	InstanceID string   `json:"instance_id,omitempty"`
}

// String returns a string representation of the key
func (k Key) String() string {
	s := string(k.Resource) + ":" + string(k.Action)
	if k.StoreID != "" {
		s += "@" + k.StoreID
	}
	if k.InstanceID != "" {
		s += "#" + k.InstanceID
	}
	return s
}

// Entry is an effective permission with its provenance
type Entry struct {
	Key
	// Source is "template:<id>" or "grant:<id>"
	Source string `json:"source"`
}

// Request is one authorization question
type Request struct {
	UserID     string
	StoreID    *string
	Resource   Resource
	Action     Action
	InstanceID *string
}

// Outcome classifies a decision for auditing
type Outcome string

const (
	OutcomeAllowed Outcome = "allowed"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
)

// Decision is the result of Authorize. Cause is operator-facing and must
// not be returned to the caller.
type Decision struct {
	Allowed bool
	Outcome Outcome
	Cause   string
	Err     error
}

// BulkGrantResult reports which stores a bulk grant reached
type BulkGrantResult struct {
	Applied []Grant  `json:"applied"`
	Skipped []string `json:"skipped"`
}

func strPtr(s string) *string {
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
