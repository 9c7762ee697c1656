package model

import "fmt"

// Blob paths for the documents the permission core reads and writes.
const (
	PathAppsMaster       = "system://apps.json"
	PathAppsCache        = "system://cache/apps.json"
	PathOrgMembersCache  = "system://cache/org-members.json"
	PathBlockedCache     = "system://cache/blocked.json"
	PathSettingsCache    = "system://cache/settings.json"
	PathOrganizations    = "system://organizations.json"
)

// UnknownLogPath returns the unknown-user attempt log path for an org.
func UnknownLogPath(orgID string) string {
	return fmt.Sprintf("logs://%s_unknown.json", orgID)
}

// ActivityLogPath returns the feature-activity log path for an org.
func ActivityLogPath(orgID string) string {
	return fmt.Sprintf("logs://%s_featureLog.json", orgID)
}
