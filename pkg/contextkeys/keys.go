package contextkeys

// contextKey is a typed key for context values to avoid conflicts
type contextKey string

// TenantIDKey carries the tenant id derived from the verified bearer token
const TenantIDKey contextKey = "tenant-id"

// ClaimsKey carries the full verified claim set for handlers that need
// pass-through claims (portkey_oid, portkey_workspace, scope)
const ClaimsKey contextKey = "claims"

// RouteFamilyKey carries the route family used for rate-limit bucketing
const RouteFamilyKey contextKey = "route-family"
