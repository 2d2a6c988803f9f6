package tenancy

import "context"

type ctxKey string

const orgKey ctxKey = "radscheduler.org_id"

// WithOrgID tags the request context with the ordering organization. Intake
// sets it from the X-Organization-Id header so downstream sends resolve
// per-org SMS settings.
func WithOrgID(ctx context.Context, orgID string) context.Context {
	return context.WithValue(ctx, orgKey, orgID)
}

// OrgIDFromContext extracts the org id if one was set and is non-empty.
func OrgIDFromContext(ctx context.Context) (string, bool) {
	val := ctx.Value(orgKey)
	if val == nil {
		return "", false
	}
	orgID, ok := val.(string)
	return orgID, ok && orgID != ""
}
