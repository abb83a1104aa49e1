package rbac

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrAssignmentNotFound = errors.New("role assignment not found")
	ErrTemplateNameTaken  = errors.New("role template name already exists")
)

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Shop is a physical store location. Entries and grants scope to its id.
type Shop struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Store handles permission data persistence in one tenant database
type Store struct {
	db            *sql.DB
	now           func() time.Time
	maxChainDepth int
}

// NewStore creates a store over a tenant handle's database
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:            db,
		now:           time.Now,
		maxChainDepth: DefaultResolverConfig().MaxChainDepth,
	}
}

// UpsertShop creates or renames a store location
func (s *Store) UpsertShop(ctx context.Context, shop *Shop) error {
	if shop.ID == "" || shop.Name == "" {
		return errors.New("store id and name are required")
	}
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stores (id, name, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name
	`, shop.ID, shop.Name, now)
	if err != nil {
		return fmt.Errorf("failed to upsert store: %w", err)
	}
	if shop.CreatedAt.IsZero() {
		shop.CreatedAt = now
	}
	return nil
}

// ListShops lists store locations by id
func (s *Store) ListShops(ctx context.Context) ([]Shop, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM stores ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list stores: %w", err)
	}
	defer rows.Close()

	var shops []Shop
	for rows.Next() {
		var shop Shop
		if err := rows.Scan(&shop.ID, &shop.Name, &shop.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan store: %w", err)
		}
		shops = append(shops, shop)
	}
	return shops, rows.Err()
}

// CreateTemplate validates and inserts a role template, assigning an id when empty
func (s *Store) CreateTemplate(ctx context.Context, t *RoleTemplate) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if err := s.validateTemplate(ctx, t); err != nil {
		return err
	}

	entriesJSON, err := json.Marshal(entriesOrEmpty(t.Entries))
	if err != nil {
		return fmt.Errorf("failed to marshal entries: %w", err)
	}

	now := s.now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO role_templates (id, name, description, entries, parent_id, active, priority, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, t.ID, t.Name, t.Description, string(entriesJSON), t.ParentID, t.Active, t.Priority, now, now)
	if err != nil {
		return fmt.Errorf("failed to create role template: %w", err)
	}

	t.CreatedAt = now
	t.UpdatedAt = now
	return nil
}

// GetTemplate retrieves a role template by ID
func (s *Store) GetTemplate(ctx context.Context, templateID string) (*RoleTemplate, error) {
	row := s.db.QueryRowContext(ctx, templateColumns+` WHERE id = $1`, templateID)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role template: %w", err)
	}
	return t, nil
}

// GetTemplateByName retrieves a role template by its unique name
func (s *Store) GetTemplateByName(ctx context.Context, name string) (*RoleTemplate, error) {
	row := s.db.QueryRowContext(ctx, templateColumns+` WHERE name = $1`, name)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role template: %w", err)
	}
	return t, nil
}

// ListTemplates lists every role template by name
func (s *Store) ListTemplates(ctx context.Context) ([]RoleTemplate, error) {
	rows, err := s.db.QueryContext(ctx, templateColumns+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list role templates: %w", err)
	}
	defer rows.Close()

	var templates []RoleTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role template: %w", err)
		}
		templates = append(templates, *t)
	}
	return templates, rows.Err()
}

// UpdateTemplate replaces a template's fields. A parent change that would
// create a cycle or point at a missing template is rejected.
func (s *Store) UpdateTemplate(ctx context.Context, t *RoleTemplate) error {
	existing, err := s.GetTemplate(ctx, t.ID)
	if err != nil {
		return err
	}
	if err := s.validateTemplate(ctx, t); err != nil {
		return err
	}

	entriesJSON, err := json.Marshal(entriesOrEmpty(t.Entries))
	if err != nil {
		return fmt.Errorf("failed to marshal entries: %w", err)
	}

	now := s.now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE role_templates
		SET name = $1, description = $2, entries = $3, parent_id = $4, active = $5, priority = $6, updated_at = $7
		WHERE id = $8
	`, t.Name, t.Description, string(entriesJSON), t.ParentID, t.Active, t.Priority, now, t.ID)
	if err != nil {
		return fmt.Errorf("failed to update role template: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrTemplateNotFound
	}

	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = now
	return nil
}

// DeleteTemplate removes a template that no other template inherits from
// and no user is assigned to
func (s *Store) DeleteTemplate(ctx context.Context, templateID string) error {
	var children, assigned int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM role_templates WHERE parent_id = $1`, templateID).Scan(&children)
	if err != nil {
		return fmt.Errorf("failed to count child templates: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_role_assignments WHERE template_id = $1`, templateID).Scan(&assigned)
	if err != nil {
		return fmt.Errorf("failed to count assignments: %w", err)
	}
	if children > 0 || assigned > 0 {
		return fmt.Errorf("%w: %d child template(s), %d assignment(s)", ErrTemplateInUse, children, assigned)
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM role_templates WHERE id = $1`, templateID)
	if err != nil {
		return fmt.Errorf("failed to delete role template: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrTemplateNotFound
	}
	return nil
}

// validateTemplate checks fields, name uniqueness and the chain the template
// would form once saved
func (s *Store) validateTemplate(ctx context.Context, t *RoleTemplate) error {
	if t.Name == "" {
		return &TemplateChainError{TemplateID: t.ID, Reason: "name is required"}
	}
	if t.ParentID != nil && *t.ParentID == "" {
		t.ParentID = nil
	}

	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM role_templates WHERE name = $1 AND id <> $2`, t.Name, t.ID).Scan(&owner)
	if err == nil {
		return fmt.Errorf("%w: %s", ErrTemplateNameTaken, t.Name)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check template name: %w", err)
	}

	// Walk the chain as it would look after the write
	_, err = WalkChain(ctx, t.ID, s.maxChainDepth, func(ctx context.Context, id string) (*RoleTemplate, error) {
		if id == t.ID {
			return t, nil
		}
		return s.GetTemplate(ctx, id)
	})
	return err
}

const templateColumns = `
	SELECT id, name, description, entries, parent_id, active, priority, created_at, updated_at
	FROM role_templates`

// scanTemplate scans a template from a database row. Unparseable entries are
// an integrity error, never an empty list.
func scanTemplate(scanner interface {
	Scan(dest ...interface{}) error
}) (*RoleTemplate, error) {
	var t RoleTemplate
	var entriesJSON string
	var parentID sql.NullString

	err := scanner.Scan(
		&t.ID,
		&t.Name,
		&t.Description,
		&entriesJSON,
		&parentID,
		&t.Active,
		&t.Priority,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if parentID.Valid && parentID.String != "" {
		t.ParentID = strPtr(parentID.String)
	}
	if err := json.Unmarshal([]byte(entriesJSON), &t.Entries); err != nil {
		return nil, &TemplateChainError{TemplateID: t.ID, Reason: fmt.Sprintf("unreadable entries: %v", err)}
	}
	return &t, nil
}

func entriesOrEmpty(entries []TemplateEntry) []TemplateEntry {
	if entries == nil {
		return []TemplateEntry{}
	}
	return entries
}

// AssignTemplate gives userID the template, replacing any previous assignment
func (s *Store) AssignTemplate(ctx context.Context, userID, templateID, assignedBy string) (*Assignment, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	t, err := s.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if !t.Active {
		return nil, ErrInactiveTemplate
	}

	a := &Assignment{
		UserID:     userID,
		TemplateID: templateID,
		AssignedBy: assignedBy,
		AssignedAt: s.now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_role_assignments (user_id, template_id, assigned_by, assigned_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET template_id = excluded.template_id, assigned_by = excluded.assigned_by, assigned_at = excluded.assigned_at
	`, a.UserID, a.TemplateID, a.AssignedBy, a.AssignedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to assign role template: %w", err)
	}
	return a, nil
}

// GetAssignment returns the user's assignment or ErrAssignmentNotFound
func (s *Store) GetAssignment(ctx context.Context, userID string) (*Assignment, error) {
	var a Assignment
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, template_id, assigned_by, assigned_at
		FROM user_role_assignments
		WHERE user_id = $1
	`, userID).Scan(&a.UserID, &a.TemplateID, &a.AssignedBy, &a.AssignedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAssignmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}
	return &a, nil
}

// Assignments returns the user's assignments; storage keeps at most one
func (s *Store) Assignments(ctx context.Context, userID string) ([]Assignment, error) {
	a, err := s.GetAssignment(ctx, userID)
	if errors.Is(err, ErrAssignmentNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []Assignment{*a}, nil
}

// RemoveAssignment clears the user's template
func (s *Store) RemoveAssignment(ctx context.Context, userID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM user_role_assignments WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to remove assignment: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrAssignmentNotFound
	}
	return nil
}

// UpsertGrant writes g. A grant for the same user, store, resource and
// instance is replaced and keeps its id.
func (s *Store) UpsertGrant(ctx context.Context, g *Grant) error {
	return s.upsertGrant(ctx, s.db, g)
}

func (s *Store) upsertGrant(ctx context.Context, q querier, g *Grant) error {
	if err := validateGrant(g); err != nil {
		return err
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.GrantedAt.IsZero() {
		g.GrantedAt = s.now()
	}
	g.GrantedAt = g.GrantedAt.UTC()

	actionsJSON, err := json.Marshal(g.Actions)
	if err != nil {
		return fmt.Errorf("failed to marshal actions: %w", err)
	}

	var expiresAt interface{}
	if g.ExpiresAt != nil {
		expiresAt = g.ExpiresAt.UTC()
	}

	err = q.QueryRowContext(ctx, `
		INSERT INTO permission_grants (id, user_id, resource, actions, store_id, instance_id, granted, granted_by, granted_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id, store_id, resource, instance_id) DO UPDATE
		SET actions = excluded.actions, granted = excluded.granted, granted_by = excluded.granted_by,
			granted_at = excluded.granted_at, expires_at = excluded.expires_at
		RETURNING id
	`, g.ID, g.UserID, string(g.Resource), string(actionsJSON), deref(g.StoreID), deref(g.InstanceID),
		g.Granted, g.GrantedBy, g.GrantedAt, expiresAt).Scan(&g.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert grant: %w", err)
	}
	return nil
}

func validateGrant(g *Grant) error {
	switch {
	case g.UserID == "":
		return fmt.Errorf("%w: user id is required", ErrInvalidGrant)
	case g.Resource == "":
		return fmt.Errorf("%w: resource is required", ErrInvalidGrant)
	case len(g.Actions) == 0:
		return fmt.Errorf("%w: at least one action is required", ErrInvalidGrant)
	case g.StoreID != nil && *g.StoreID == "":
		return fmt.Errorf("%w: store id must be omitted for a global grant, not empty", ErrInvalidGrant)
	case g.InstanceID != nil && *g.InstanceID == "":
		return fmt.Errorf("%w: instance id must be omitted, not empty", ErrInvalidGrant)
	}
	for _, a := range g.Actions {
		if !a.Valid() {
			return fmt.Errorf("%w: unknown action %q", ErrInvalidGrant, a)
		}
	}
	return nil
}

const grantColumns = `
	SELECT id, user_id, resource, actions, store_id, instance_id, granted, granted_by, granted_at, expires_at
	FROM permission_grants`

// GetGrant retrieves a grant by ID
func (s *Store) GetGrant(ctx context.Context, grantID string) (*Grant, error) {
	g, err := scanGrant(s.db.QueryRowContext(ctx, grantColumns+` WHERE id = $1`, grantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGrantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}
	return g, nil
}

// ListGrants returns every grant of userID, expired ones included, oldest first
func (s *Store) ListGrants(ctx context.Context, userID string) ([]Grant, error) {
	rows, err := s.db.QueryContext(ctx, grantColumns+` WHERE user_id = $1 ORDER BY granted_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	defer rows.Close()

	var grants []Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		grants = append(grants, *g)
	}
	return grants, rows.Err()
}

// DeleteGrant removes a grant row. To override a template entry, upsert a
// grant with Granted=false instead.
func (s *Store) DeleteGrant(ctx context.Context, grantID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM permission_grants WHERE id = $1`, grantID)
	if err != nil {
		return fmt.Errorf("failed to delete grant: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrGrantNotFound
	}
	return nil
}

// DeleteExpiredGrants purges grants whose expiry is at or before now
func (s *Store) DeleteExpiredGrants(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM permission_grants
		WHERE expires_at IS NOT NULL AND expires_at <= $1
	`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired grants: %w", err)
	}
	return result.RowsAffected()
}

// BulkGrant applies grant once per store id. Unknown store ids are skipped
// and reported; the known ones are written in one transaction.
func (s *Store) BulkGrant(ctx context.Context, grant Grant, storeIDs []string) (*BulkGrantResult, error) {
	if len(storeIDs) == 0 {
		return nil, fmt.Errorf("%w: no store ids", ErrInvalidGrant)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result := &BulkGrantResult{Applied: []Grant{}, Skipped: []string{}}
	seen := make(map[string]bool, len(storeIDs))
	for _, storeID := range storeIDs {
		if seen[storeID] {
			continue
		}
		seen[storeID] = true

		exists, err := shopExists(ctx, tx, storeID)
		if err != nil {
			return nil, err
		}
		if !exists {
			result.Skipped = append(result.Skipped, storeID)
			continue
		}

		g := grant
		g.ID = ""
		g.StoreID = strPtr(storeID)
		g.Actions = append([]Action(nil), grant.Actions...)
		if err := s.upsertGrant(ctx, tx, &g); err != nil {
			return nil, fmt.Errorf("store %s: %w", storeID, err)
		}
		result.Applied = append(result.Applied, g)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit bulk grant: %w", err)
	}
	return result, nil
}

func shopExists(ctx context.Context, q querier, storeID string) (bool, error) {
	if storeID == "" {
		return false, nil
	}
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM stores WHERE id = $1`, storeID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up store %s: %w", storeID, err)
	}
	return true, nil
}

func scanGrant(scanner interface {
	Scan(dest ...interface{}) error
}) (*Grant, error) {
	var g Grant
	var resource, actionsJSON, storeID, instanceID string
	var expiresAt sql.NullTime

	err := scanner.Scan(
		&g.ID,
		&g.UserID,
		&resource,
		&actionsJSON,
		&storeID,
		&instanceID,
		&g.Granted,
		&g.GrantedBy,
		&g.GrantedAt,
		&expiresAt,
	)
	if err != nil {
		return nil, err
	}

	g.Resource = Resource(resource)
	g.StoreID = optional(storeID)
	g.InstanceID = optional(instanceID)
	if expiresAt.Valid {
		t := expiresAt.Time
		g.ExpiresAt = &t
	}
	if err := json.Unmarshal([]byte(actionsJSON), &g.Actions); err != nil {
		return nil, fmt.Errorf("grant %s has unreadable actions: %w", g.ID, err)
	}
	return &g, nil
}
