// Package model defines the data shapes shared across kanmon's components:
// app entries, organization membership and settings, blocked-org records,
// and the permission decision result type.
package model

import (
	"strings"
	"time"
)

// OwnerType values for organization-owned app entries.
const (
	OwnerTypeOrganization = "organization"
)

// AppEntry classifies one application. Exactly one of the following is
// meaningful at a time, and that presence defines the classification:
//   - Sponsored=true                       -> sponsored
//   - FreeUntil != nil && OwnerID == ""     -> orphaned
//   - len(Emails) > 0                       -> personal
//   - OwnerID != ""                         -> organization-owned
type AppEntry struct {
	ID        string     `json:"id"`
	Sponsored bool       `json:"sponsored,omitempty"`
	FreeUntil *int64     `json:"freeUntil,omitempty"` // epoch ms
	OwnerID   string     `json:"ownerId,omitempty"`
	OwnerType string     `json:"ownerType,omitempty"`
	Emails    []string   `json:"emails,omitempty"`
	Publisher string     `json:"publisher,omitempty"`
	Name      string     `json:"name,omitempty"`
	ClaimedAt *time.Time `json:"claimedAt,omitempty"` // set by auto-claim; informational only
}

// IsSponsored reports whether the entry is sponsored (skips all checks).
func (a AppEntry) IsSponsored() bool { return a.Sponsored }

// IsOrphaned reports whether the entry is orphaned: a FreeUntil is set and
// no owner has claimed it.
func (a AppEntry) IsOrphaned() bool { return a.FreeUntil != nil && a.OwnerID == "" }

// IsPersonal reports whether the entry is a personal app (matched by email).
func (a AppEntry) IsPersonal() bool { return len(a.Emails) > 0 }

// IsOrganization reports whether the entry is organization-owned.
func (a AppEntry) IsOrganization() bool { return a.OwnerID != "" }

// OrgMembers is one organization's allow/deny membership lists, compared
// case-insensitively. Deny dominates allow.
type OrgMembers struct {
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"`
}

// BlockReason enumerates why an organization is blocked.
type BlockReason string

const (
	BlockReasonFlagged               BlockReason = "flagged"
	BlockReasonSubscriptionCancelled BlockReason = "subscription_cancelled"
	BlockReasonPaymentFailed         BlockReason = "payment_failed"
)

// BlockedOrg records that an organization has been blocked.
type BlockedOrg struct {
	Reason    BlockReason `json:"reason"`
	BlockedAt int64       `json:"blockedAt"`
	Note      string      `json:"note,omitempty"`
}

// Settings flag bits.
const (
	FlagSkipUserCheck     uint32 = 1 << 0
	FlagDenyUnknownDomains uint32 = 1 << 1
)

// SettingsEntry holds per-organization behavior flags and auto-claim lists.
type SettingsEntry struct {
	Flags      uint32   `json:"flags"`
	Publishers []string `json:"publishers,omitempty"`
	Domains    []string `json:"domains,omitempty"`
}

// HasFlag reports whether the given bit is set.
func (s SettingsEntry) HasFlag(bit uint32) bool { return s.Flags&bit != 0 }

// MatchesPublisher reports whether publisher (trimmed, case-folded) is in
// the settings' Publishers list.
func (s SettingsEntry) MatchesPublisher(publisher string) bool {
	needle := strings.ToLower(strings.TrimSpace(publisher))
	if needle == "" {
		return false
	}
	for _, p := range s.Publishers {
		if strings.ToLower(strings.TrimSpace(p)) == needle {
			return true
		}
	}
	return false
}

// MatchesDomain reports whether the email's domain (case-insensitive) is in
// the settings' Domains list.
func (s SettingsEntry) MatchesDomain(email string) bool {
	domain := emailDomain(email)
	if domain == "" {
		return false
	}
	for _, d := range s.Domains {
		if strings.ToLower(strings.TrimSpace(d)) == domain {
			return true
		}
	}
	return false
}

func emailDomain(email string) string {
	idx := strings.LastIndexByte(email, '@')
	if idx < 0 || idx == len(email)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(email[idx+1:]))
}

// OrganizationRecord is the authoritative roster for an organization.
type OrganizationRecord struct {
	ID          string   `json:"id"`
	Users       []string `json:"users"`
	DeniedUsers []string `json:"deniedUsers"`
	UsersLimit  *int     `json:"usersLimit,omitempty"`
}

// UnknownUserAttempt is one entry in a per-org unknown-user attempt log.
type UnknownUserAttempt struct {
	Timestamp int64  `json:"timestamp"`
	Email     string `json:"email"` // lowercased
	AppID     string `json:"appId"`
}

// ActivityLogEntry is one entry in a per-org feature-use activity log.
type ActivityLogEntry struct {
	AppID     string `json:"appId"`
	Timestamp int64  `json:"timestamp"`
	Email     string `json:"email"` // lowercased
	Feature   string `json:"feature"`
}

// AppsCacheBlob is the shape of system://cache/apps.json.
type AppsCacheBlob struct {
	UpdatedAt int64               `json:"updatedAt"`
	Apps      map[string]AppEntry `json:"apps"`
}

// OrgMembersCacheBlob is the shape of system://cache/org-members.json.
type OrgMembersCacheBlob struct {
	UpdatedAt int64                 `json:"updatedAt"`
	Orgs      map[string]OrgMembers `json:"orgs"`
}

// BlockedCacheBlob is the shape of system://cache/blocked.json.
type BlockedCacheBlob struct {
	UpdatedAt int64                 `json:"updatedAt"`
	Orgs      map[string]BlockedOrg `json:"orgs"`
}

// SettingsCacheBlob is the shape of system://cache/settings.json.
type SettingsCacheBlob struct {
	UpdatedAt int64                    `json:"updatedAt"`
	Orgs      map[string]SettingsEntry `json:"orgs"`
}

// MasterAppRecord is one entry in the system://apps.json master list.
type MasterAppRecord struct {
	ID        string `json:"id"`
	FreeUntil *int64 `json:"freeUntil,omitempty"`
	OwnerID   string `json:"ownerId,omitempty"`
	OwnerType string `json:"ownerType,omitempty"`
	Publisher string `json:"publisher,omitempty"`
	Name      string `json:"name,omitempty"`
}
