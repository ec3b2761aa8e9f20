/*
auth.go - Actor identification and role-based permissions

PURPOSE:
  Authentication is upstream: a gateway sets X-Actor-ID and X-Actor-Role and
  this service trusts them. What happens here is authorization: which role
  may do what, enforced by casbin.

ROLES (each inherits the one before it):
  viewer   Read properties, bills, periods, invoices
  staff    Record properties, tenants, bills and billing periods
  manager  Generate invoices, change invoice status, attach files
  admin    Everything, including loading demo scenarios

SEE ALSO:
  - api/server.go: Where the middleware is mounted
*/
package auth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"

	"github.com/warp/utility-billing/billing"
)

const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
)

// Objects and actions used in policies.
const (
	ObjReference = "reference" // properties, tenants, bills, periods
	ObjInvoices  = "invoices"
	ObjAudit     = "audit"
	ObjScenarios = "scenarios"

	ActRead       = "read"
	ActWrite      = "write"
	ActGenerate   = "generate"
	ActTransition = "transition"
	ActAttach     = "attach"
)

const modelText = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && (r.obj == p.obj || p.obj == "*") && (r.act == p.act || p.act == "*")
`

// Enforcer answers permission questions for actors.
type Enforcer struct {
	enforcer *casbin.Enforcer
}

// NewEnforcer builds the enforcer with the built-in role policy.
func NewEnforcer() (*Enforcer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, err
	}

	policies := [][]string{
		{string(billing.RoleViewer), ObjReference, ActRead},
		{string(billing.RoleViewer), ObjInvoices, ActRead},
		{string(billing.RoleStaff), ObjReference, ActWrite},
		{string(billing.RoleStaff), ObjAudit, ActRead},
		{string(billing.RoleManager), ObjInvoices, ActGenerate},
		{string(billing.RoleManager), ObjInvoices, ActTransition},
		{string(billing.RoleManager), ObjInvoices, ActAttach},
		{string(billing.RoleAdmin), "*", "*"},
	}
	if _, err := e.AddPolicies(policies); err != nil {
		return nil, err
	}

	hierarchy := [][]string{
		{string(billing.RoleStaff), string(billing.RoleViewer)},
		{string(billing.RoleManager), string(billing.RoleStaff)},
		{string(billing.RoleAdmin), string(billing.RoleManager)},
	}
	if _, err := e.AddGroupingPolicies(hierarchy); err != nil {
		return nil, err
	}

	return &Enforcer{enforcer: e}, nil
}

// Allowed reports whether the actor's role grants act on obj.
func (e *Enforcer) Allowed(actor billing.Actor, obj, act string) (bool, error) {
	return e.enforcer.Enforce(string(actor.Role), obj, act)
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

type ctxKey struct{}

// WithActor stores the actor on ctx.
func WithActor(ctx context.Context, a billing.Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

// ActorFrom returns the actor stored by the middleware.
func ActorFrom(ctx context.Context) (billing.Actor, bool) {
	a, ok := ctx.Value(ctxKey{}).(billing.Actor)
	return a, ok
}

// ParseActor reads the actor headers. A missing role means viewer.
func ParseActor(r *http.Request) (billing.Actor, error) {
	id := r.Header.Get(HeaderActorID)
	if id == "" {
		return billing.Actor{}, fmt.Errorf("missing %s header", HeaderActorID)
	}
	role := billing.Role(r.Header.Get(HeaderActorRole))
	if role == "" {
		role = billing.RoleViewer
	}
	if !role.Valid() {
		return billing.Actor{}, fmt.Errorf("unknown role %q", role)
	}
	return billing.Actor{ID: id, Role: role}, nil
}

// ErrorWriter renders an error response; the API passes its JSON writer.
type ErrorWriter func(w http.ResponseWriter, status int, message string)

// Authenticate puts the caller's actor on the request context.
func Authenticate(writeError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, err := ParseActor(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

// Require rejects requests whose actor lacks permission for obj/act.
func (e *Enforcer) Require(obj, act string, writeError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ActorFrom(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "no actor")
				return
			}
			allowed, err := e.Allowed(actor, obj, act)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			if !allowed {
				writeError(w, http.StatusForbidden, fmt.Sprintf("role %s may not %s %s", actor.Role, act, obj))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
