package auth

// Permission names a single grantable action. Handlers declare the
// permission they require; CheckPermission resolves it against a
// session's roles plus any explicit grants attached to its AuthContext.
type Permission string

const (
	PermToolsCall      Permission = "tools:call"
	PermToolsList      Permission = "tools:list"
	PermResourcesRead  Permission = "resources:read"
	PermResourcesWrite Permission = "resources:write"
	PermPromptsGet     Permission = "prompts:get"
	PermAdmin          Permission = "admin:*"
)

// rolePermissions is the static role→permission inheritance map
//. RoleAdmin inherits everything; RoleUser gets the
// ordinary call/read surface; RoleReadOnly is restricted to list/read/get.
var rolePermissions = map[Role][]Permission{
	RoleAdmin: {
		PermAdmin, PermToolsCall, PermToolsList,
		PermResourcesRead, PermResourcesWrite, PermPromptsGet,
	},
	RoleUser: {
		PermToolsCall, PermToolsList, PermResourcesRead, PermPromptsGet,
	},
	RoleReadOnly: {
		PermToolsList, PermResourcesRead, PermPromptsGet,
	},
}

// AuthContext is the result of the pluggable authenticate(headers, query)
// hook: stateless per request, with no server-side session
// cache of its own. Explicit carries permissions granted outside the
// role map, e.g. from a scoped API key.
type AuthContext struct {
	Subject       string
	Roles         []Role
	Tenant        string
	Authenticated bool
	Explicit      []Permission
}

// HasRole reports whether the context's subject carries role r.
func (a AuthContext) HasRole(r Role) bool {
	for _, have := range a.Roles {
		if have == r {
			return true
		}
	}
	return false
}

// RequireTenantMatch reports whether resourceTenant belongs to ctx's tenant.
// An empty resourceTenant is treated as tenant-agnostic (shared/global)
// and always matches. Resource and prompt handlers that store per-tenant
// data should call this before returning anything scoped to a tenant;
// the router does not enforce it automatically.
func RequireTenantMatch(ctx AuthContext, resourceTenant string) bool {
	if resourceTenant == "" {
		return true
	}
	return ctx.Authenticated && ctx.Tenant == resourceTenant
}

// CheckPermission consults the static role→permission inheritance map
// plus any explicit grants on the context. An admin role, or the
// wildcard PermAdmin grant, satisfies any required permission.
func CheckPermission(ctx AuthContext, required Permission) bool {
	if !ctx.Authenticated {
		return false
	}
	for _, p := range ctx.Explicit {
		if p == required || p == PermAdmin {
			return true
		}
	}
	for _, role := range ctx.Roles {
		for _, p := range rolePermissions[role] {
			if p == required || p == PermAdmin {
				return true
			}
		}
	}
	return false
}
