package messaging

import (
	"context"
	"errors"

	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/orgsettings"
	"github.com/CurtisStartsCoding/radscheduler-sub000/pkg/logging"
)

// OrgSenderResolver looks up the configured sender number for an
// organization. Misses and lookup failures resolve to empty so the provider
// default applies.
type OrgSenderResolver struct {
	settings orgsettings.Source
	logger   *logging.Logger
}

// NewOrgSenderResolver builds a resolver over a settings source, typically
// the Redis-cached one.
func NewOrgSenderResolver(settings orgsettings.Source, logger *logging.Logger) *OrgSenderResolver {
	if logger == nil {
		logger = logging.Default()
	}
	return &OrgSenderResolver{settings: settings, logger: logger}
}

// FromNumber returns the organization's sender number, or empty when none is
// configured.
func (r *OrgSenderResolver) FromNumber(ctx context.Context, orgID string) string {
	if r == nil || r.settings == nil || orgID == "" {
		return ""
	}
	set, err := r.settings.Get(ctx, orgID)
	if err != nil {
		if !errors.Is(err, orgsettings.ErrNotFound) {
			r.logger.Warn("org sender lookup failed", "error", err, "org_id", orgID)
		}
		return ""
	}
	if !set.Active {
		return ""
	}
	return set.SMSFromNumber
}
