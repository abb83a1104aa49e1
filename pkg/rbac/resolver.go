package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/platinummonkey/shopkeep/pkg/observability"
	"github.com/platinummonkey/shopkeep/pkg/retry"
)

var tracer = otel.Tracer("shopkeep/rbac")

// Source is the read side of a tenant's permission data
type Source interface {
	// Assignments returns the user's role assignments; none is not an error
	Assignments(ctx context.Context, userID string) ([]Assignment, error)
	// GetTemplate returns ErrTemplateNotFound for an unknown id
	GetTemplate(ctx context.Context, templateID string) (*RoleTemplate, error)
	// ListGrants returns the user's explicit grants, expired ones included
	ListGrants(ctx context.Context, userID string) ([]Grant, error)
}

// ResolverConfig configures permission resolution
type ResolverConfig struct {
	// MaxChainDepth caps the parent walk even when no cycle is found
	MaxChainDepth int
	// Retry applies to transient store reads only
	Retry retry.Config
}

// DefaultResolverConfig returns the default resolver configuration
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		MaxChainDepth: 16,
		Retry:         retry.DefaultConfig(),
	}
}

// Resolver computes effective permission sets. It holds no state between
// calls; every resolution reads the current templates and grants.
type Resolver struct {
	config  ResolverConfig
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// ResolverOption configures a Resolver
type ResolverOption func(*Resolver)

// WithResolverLogger sets the resolver logger
func WithResolverLogger(logger *observability.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = logger }
}

// WithResolverMetrics enables Prometheus instrumentation
func WithResolverMetrics(m *observability.Metrics) ResolverOption {
	return func(r *Resolver) { r.metrics = m }
}

// WithClock overrides the time used to judge grant expiry
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates a resolver
func NewResolver(config ResolverConfig, opts ...ResolverOption) *Resolver {
	if config.MaxChainDepth <= 0 {
		config.MaxChainDepth = DefaultResolverConfig().MaxChainDepth
	}
	r := &Resolver{
		config: config,
		logger: observability.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the effective permission set of userID. A non-nil storeID
// keeps only global entries and entries scoped to that store. A user with no
// assignment and no grants gets an empty set.
func (r *Resolver) Resolve(ctx context.Context, src Source, userID string, storeID *string) (PermissionSet, error) {
	set, err := r.resolveAll(ctx, src, userID)
	if err != nil {
		return PermissionSet{}, err
	}
	if storeID != nil {
		return set.ForStore(*storeID), nil
	}
	return set, nil
}

// resolveAll returns the unfiltered set, the form the effective cache holds
func (r *Resolver) resolveAll(ctx context.Context, src Source, userID string) (PermissionSet, error) {
	ctx, span := tracer.Start(ctx, "rbac.Resolve")
	span.SetAttributes(attribute.String("user.id", userID))
	defer span.End()

	start := time.Now()
	defer func() {
		if r.metrics != nil {
			r.metrics.AuthzResolveDuration.Observe(time.Since(start).Seconds())
		}
	}()

	set, err := r.compute(ctx, src, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve failed")
		return PermissionSet{}, err
	}
	span.SetAttributes(attribute.Int("permissions.count", set.Len()))
	return set, nil
}

func (r *Resolver) compute(ctx context.Context, src Source, userID string) (PermissionSet, error) {
	var assignments []Assignment
	err := r.read(ctx, func(ctx context.Context) error {
		var err error
		assignments, err = src.Assignments(ctx, userID)
		return err
	})
	if err != nil {
		return PermissionSet{}, fmt.Errorf("failed to load assignments for user %s: %w", userID, err)
	}

	derived, err := r.derive(ctx, src, assignments)
	if err != nil {
		return PermissionSet{}, err
	}

	var grants []Grant
	err = r.read(ctx, func(ctx context.Context) error {
		var err error
		grants, err = src.ListGrants(ctx, userID)
		return err
	})
	if err != nil {
		return PermissionSet{}, fmt.Errorf("failed to load grants for user %s: %w", userID, err)
	}

	now := r.now()
	live := make([]Grant, 0, len(grants))
	var validUntil time.Time
	for _, g := range grants {
		if g.Expired(now) {
			continue
		}
		live = append(live, g)
		if g.ExpiresAt != nil && (validUntil.IsZero() || g.ExpiresAt.Before(validUntil)) {
			validUntil = *g.ExpiresAt
		}
	}
	// Later grants supersede earlier ones for the same key
	sort.SliceStable(live, func(i, j int) bool {
		if !live[i].GrantedAt.Equal(live[j].GrantedAt) {
			return live[i].GrantedAt.Before(live[j].GrantedAt)
		}
		return live[i].ID < live[j].ID
	})

	set := Merge(derived, grantEntries(live))
	set.validUntil = validUntil
	return set, nil
}

// derive layers the assignments' template chains, lowest priority first so
// higher priority templates win on shared keys
func (r *Resolver) derive(ctx context.Context, src Source, assignments []Assignment) ([]Entry, error) {
	if len(assignments) == 0 {
		return nil, nil
	}

	type layer struct {
		priority int
		chain    []*RoleTemplate
	}
	layers := make([]layer, 0, len(assignments))
	for _, a := range assignments {
		chain, err := r.chain(ctx, src, a.TemplateID)
		if err != nil {
			return nil, err
		}
		layers = append(layers, layer{priority: chain[0].Priority, chain: chain})
	}

	sort.SliceStable(layers, func(i, j int) bool { return layers[i].priority < layers[j].priority })
	for i := 1; i < len(layers); i++ {
		if layers[i].priority == layers[i-1].priority {
			return nil, fmt.Errorf("%w: templates %s and %s", ErrAmbiguousAssignment,
				layers[i-1].chain[0].ID, layers[i].chain[0].ID)
		}
	}

	var derived []Entry
	for _, l := range layers {
		derived = append(derived, templateEntries(l.chain)...)
	}
	return derived, nil
}

// chain loads templateID and its ancestors, leaf first
func (r *Resolver) chain(ctx context.Context, src Source, templateID string) ([]*RoleTemplate, error) {
	chain, err := WalkChain(ctx, templateID, r.config.MaxChainDepth, func(ctx context.Context, id string) (*RoleTemplate, error) {
		var t *RoleTemplate
		err := r.read(ctx, func(ctx context.Context) error {
			var err error
			t, err = src.GetTemplate(ctx, id)
			return err
		})
		return t, err
	})
	if err != nil && errors.Is(err, ErrInvalidRoleTemplate) {
		r.logger.WithError(err).WithField("template_id", templateID).Error("Role template chain is invalid")
	}
	return chain, err
}

// read retries transient failures; integrity errors fail immediately
func (r *Resolver) read(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := retry.Do(ctx, r.config.Retry, func(ctx context.Context) error {
		err := op(ctx)
		if err != nil && isIntegrityError(err) {
			return retry.Permanent(err)
		}
		return err
	}, func(err error, attempt int, wait time.Duration) {
		r.logger.WithError(err).Warnf("Permission read attempt %d failed, retrying in %s", attempt, wait)
	})
	return err
}

func isIntegrityError(err error) bool {
	return errors.Is(err, ErrTemplateNotFound) ||
		errors.Is(err, ErrInvalidRoleTemplate) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// TemplateGetter loads one template by id
type TemplateGetter func(ctx context.Context, id string) (*RoleTemplate, error)

// WalkChain follows parent links from startID and returns the chain leaf first.
// Cycles, missing templates, malformed entries and chains deeper than
// maxDepth all fail with a *TemplateChainError.
func WalkChain(ctx context.Context, startID string, maxDepth int, get TemplateGetter) ([]*RoleTemplate, error) {
	visited := make(map[string]bool)
	var chain []*RoleTemplate

	for id := startID; id != ""; {
		if visited[id] {
			return nil, &TemplateChainError{TemplateID: startID, Reason: fmt.Sprintf("cycle through %s", id)}
		}
		if len(chain) >= maxDepth {
			return nil, &TemplateChainError{TemplateID: startID, Reason: fmt.Sprintf("chain deeper than %d", maxDepth)}
		}
		visited[id] = true

		t, err := get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrTemplateNotFound) {
				reason := "template not found"
				if id != startID {
					reason = fmt.Sprintf("parent %s not found", id)
				}
				return nil, &TemplateChainError{TemplateID: startID, Reason: reason}
			}
			return nil, fmt.Errorf("failed to load role template %s: %w", id, err)
		}
		if t.ID != id {
			return nil, &TemplateChainError{TemplateID: startID, Reason: fmt.Sprintf("store returned %s for %s", t.ID, id)}
		}
		if err := validateEntries(t.Entries); err != nil {
			return nil, &TemplateChainError{TemplateID: startID, Reason: fmt.Sprintf("template %s: %v", id, err)}
		}

		chain = append(chain, t)
		id = deref(t.ParentID)
	}

	if len(chain) == 0 {
		return nil, &TemplateChainError{TemplateID: startID, Reason: "empty template id"}
	}
	return chain, nil
}

func validateEntries(entries []TemplateEntry) error {
	for i, e := range entries {
		if e.Resource == "" {
			return fmt.Errorf("entry %d has no resource", i)
		}
		if !e.Action.Valid() {
			return fmt.Errorf("entry %d has invalid action %q", i, e.Action)
		}
		if e.StoreID != nil && *e.StoreID == "" {
			return fmt.Errorf("entry %d has an empty store id", i)
		}
	}
	return nil
}
