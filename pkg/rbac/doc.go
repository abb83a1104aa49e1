// Package rbac resolves and enforces permissions for the users of one tenant.
//
// # Overview
//
// Every tenant keeps its own permission data in its own database: role
// templates, one template assignment per user, explicit grants and the list
// of store locations. The package turns that data into an effective
// permission set per user and answers "may this user perform this action on
// this resource in this store" against it.
//
// # Resources and Actions
//
// Resources are the business objects of a store:
//
//	ResourceProduct, ResourceInventory, ResourceSale, ResourceInvoice,
//	ResourceCustomer, ResourceSupplier, ResourceEmployee, ResourceStore,
//	ResourceTax, ResourceReport, ResourceRole, ResourcePermission
//
// Actions are create, read, update and delete. The wildcard "*" is stored
// as written and expands to all four during resolution, so a check for "*"
// passes only when every concrete action is held.
//
// # Role Templates
//
// A template is a named list of entries (resource, action, optional store).
// A template may name a parent. The chain from an assigned template up to
// its root is walked leaf first; a cycle, a missing parent or a chain deeper
// than the configured limit is a configuration error that denies every check
// for the affected user. Inactive templates contribute nothing but keep the
// chain intact.
//
// Built-in templates (basic-employee, store-manager, owner) ship embedded
// and are seeded into a new tenant with SeedBuiltinTemplates.
//
// # Explicit Grants
//
// A grant names a user, a resource, one or more actions and optionally a
// store and an instance. A grant with Granted=false revokes the same keys a
// template would supply. Grants are applied in GrantedAt order after the
// template entries, so the latest explicit decision wins. Expired grants are
// ignored at resolution time and purged by the Janitor.
//
// A revocation removes only its own key. A store-scoped revocation cannot
// hide a global template entry, which still matches in that store. To take
// away a globally templated permission, revoke it globally or change the
// template.
//
// # Store Scoping
//
// An entry without a store applies in every store. When a store is given, a
// check matches global entries and entries of that store. When no store is
// given, only global entries match, so a caller holding only store-scoped
// entries is denied unless the request names the store.
//
// # Usage
//
//	resolver := rbac.NewResolver(rbac.DefaultResolverConfig())
//	guard := rbac.NewGuard(resolver, auditLogger,
//		rbac.WithEffectiveCache(rbac.NewEffectiveCache(10000, time.Minute)))
//
//	err := guard.Check(ctx, handle, rbac.Request{
//		UserID:   "u-1",
//		StoreID:  &storeID,
//		Resource: rbac.ResourceSale,
//		Action:   rbac.ActionCreate,
//	})
//	if errors.Is(err, rbac.ErrAccessDenied) {
//		// 403
//	}
//
// HTTP routes are wrapped with Enforcer.RequirePermission, which resolves the
// caller's tenant from the authenticated principal and passes the tenant
// handle to the handler as an argument.
//
// # Failure Handling
//
// Authorization fails closed. A resolver error, a broken template chain or a
// missing tenant handle all deny, and the cause is written to the log and the
// audit trail, never to the response.
//
// # Caching
//
// EffectiveCache keeps resolved sets per tenant and user for a short TTL.
// Admin mutations invalidate the affected entries locally and publish an
// invalidation message so other replicas drop theirs. A cached set is also
// dropped once a grant that shaped it expires.
//
// # Janitor
//
// The Janitor purges expired grants on a cron schedule. Configured with
// WithAuditRetention it also deletes audit records past their retention
// period.
package rbac
