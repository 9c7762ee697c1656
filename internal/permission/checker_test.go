package permission

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanmon/internal/blobstore"
	"github.com/ashita-ai/kanmon/internal/cache"
	"github.com/ashita-ai/kanmon/internal/model"
	"github.com/ashita-ai/kanmon/internal/unknownuser"
)

func newTestChecker(t *testing.T, store *blobstore.MemStore) *Checker {
	t.Helper()
	mgr := cache.NewManager(store)
	uu := unknownuser.NewLogger(store)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewChecker(mgr, uu, logger, Config{GracePeriod: DefaultGracePeriod})
}

func seedSettings(t *testing.T, store *blobstore.MemStore, orgs map[string]model.SettingsEntry) {
	t.Helper()
	raw, err := json.Marshal(model.SettingsCacheBlob{Orgs: orgs})
	require.NoError(t, err)
	store.Seed(model.PathSettingsCache, raw)
}

func seedOrgMembers(t *testing.T, store *blobstore.MemStore, orgs map[string]model.OrgMembers) {
	t.Helper()
	raw, err := json.Marshal(model.OrgMembersCacheBlob{Orgs: orgs})
	require.NoError(t, err)
	store.Seed(model.PathOrgMembersCache, raw)
}

func seedBlocked(t *testing.T, store *blobstore.MemStore, orgs map[string]model.BlockedOrg) {
	t.Helper()
	raw, err := json.Marshal(model.BlockedCacheBlob{Orgs: orgs})
	require.NoError(t, err)
	store.Seed(model.PathBlockedCache, raw)
}

func seedOrganizations(t *testing.T, store *blobstore.MemStore, records []model.OrganizationRecord) {
	t.Helper()
	raw, err := json.Marshal(records)
	require.NoError(t, err)
	store.Seed(model.PathOrganizations, raw)
}

// Scenario 1: unknown app, first sight.
func TestCheck_UnknownAppFirstSight(t *testing.T) {
	store := blobstore.NewMemStore()
	checker := newTestChecker(t, store)

	result, err := checker.Check(context.Background(), "app-A", "u@x.io", "", "")
	require.NoError(t, err)
	require.Equal(t, model.ResultAllowWithWarning, result.Kind)
	assert.Equal(t, model.WarningAppGracePeriod, result.WarningCode)
	assert.Equal(t, DefaultGracePeriod.Milliseconds(), result.TimeRemainingMS)

	raw, ok, err := store.Read(context.Background(), model.PathAppsMaster)
	require.NoError(t, err)
	require.True(t, ok)
	var master []model.MasterAppRecord
	require.NoError(t, json.Unmarshal(raw, &master))
	require.Len(t, master, 1)
	assert.Equal(t, "app-A", master[0].ID)
}

// Scenario 2: publisher auto-claim on unknown app with allowed user.
func TestCheck_PublisherAutoClaimUnknownApp(t *testing.T) {
	store := blobstore.NewMemStore()
	seedSettings(t, store, map[string]model.SettingsEntry{"org_1": {Publishers: []string{"Contoso"}}})
	seedOrgMembers(t, store, map[string]model.OrgMembers{"org_1": {Allow: []string{"u@x.io"}}})
	checker := newTestChecker(t, store)

	result, err := checker.Check(context.Background(), "app-A", "u@x.io", "Contoso", "")
	require.NoError(t, err)
	assert.Equal(t, model.ResultAllow, result.Kind)

	raw, ok, err := store.Read(context.Background(), model.PathAppsCache)
	require.NoError(t, err)
	require.True(t, ok)
	var blob model.AppsCacheBlob
	require.NoError(t, json.Unmarshal(raw, &blob))
	assert.Equal(t, "org_1", blob.Apps["app-A"].OwnerID)
}

// Scenario 3: orphaned app expired.
func TestCheck_OrphanedAppExpired(t *testing.T) {
	store := blobstore.NewMemStore()
	expired := time.Now().Add(-1000 * time.Millisecond).UnixMilli()
	raw, err := json.Marshal(model.AppsCacheBlob{Apps: map[string]model.AppEntry{
		"app-B": {ID: "app-B", FreeUntil: &expired},
	}})
	require.NoError(t, err)
	store.Seed(model.PathAppsCache, raw)
	checker := newTestChecker(t, store)

	result, err := checker.Check(context.Background(), "app-B", "u@x.io", "", "")
	require.NoError(t, err)
	assert.Equal(t, model.ResultDeny, result.Kind)
	assert.Equal(t, model.ErrCodeGraceExpired, result.ErrorCode)
}

// Scenario 4: org member blocked — blocked beats everything.
func TestCheck_OrgMemberBlocked(t *testing.T) {
	store := blobstore.NewMemStore()
	raw, err := json.Marshal(model.AppsCacheBlob{Apps: map[string]model.AppEntry{
		"app-C": {ID: "app-C", OwnerID: "org_2"},
	}})
	require.NoError(t, err)
	store.Seed(model.PathAppsCache, raw)
	seedBlocked(t, store, map[string]model.BlockedOrg{"org_2": {Reason: model.BlockReasonPaymentFailed}})
	seedOrgMembers(t, store, map[string]model.OrgMembers{"org_2": {Allow: []string{"m@x.io"}}})
	checker := newTestChecker(t, store)

	result, err := checker.Check(context.Background(), "app-C", "m@x.io", "", "")
	require.NoError(t, err)
	assert.Equal(t, model.ResultDeny, result.Kind)
	assert.Equal(t, model.ErrCodePaymentFailed, result.ErrorCode)
}

// Scenario 5: unknown user within 15-day grace.
func TestCheck_UnknownUserWithinGrace(t *testing.T) {
	store := blobstore.NewMemStore()
	raw, err := json.Marshal(model.AppsCacheBlob{Apps: map[string]model.AppEntry{
		"app-D": {ID: "app-D", OwnerID: "org_3"},
	}})
	require.NoError(t, err)
	store.Seed(model.PathAppsCache, raw)
	seedOrgMembers(t, store, map[string]model.OrgMembers{"org_3": {}})

	threeDaysAgo := time.Now().Add(-3 * 24 * time.Hour).UnixMilli()
	attempts, err := json.Marshal([]model.UnknownUserAttempt{{Timestamp: threeDaysAgo, Email: "s@x.io", AppID: "app-D"}})
	require.NoError(t, err)
	store.Seed(model.UnknownLogPath("org_3"), attempts)

	checker := newTestChecker(t, store)
	result, err := checker.Check(context.Background(), "app-D", "s@x.io", "", "")
	require.NoError(t, err)
	require.Equal(t, model.ResultAllowWithWarning, result.Kind)
	assert.Equal(t, model.WarningOrgGracePeriod, result.WarningCode)
	assert.Equal(t, "s@x.io", result.GitEmail)

	expectedRemaining := (12 * 24 * time.Hour).Milliseconds()
	assert.InDelta(t, expectedRemaining, result.TimeRemainingMS, float64(time.Minute.Milliseconds()))
}

// Scenario 6: DENY_UNKNOWN_DOMAINS enforcement.
func TestCheck_DenyUnknownDomainsEnforcement(t *testing.T) {
	store := blobstore.NewMemStore()
	raw, err := json.Marshal(model.AppsCacheBlob{Apps: map[string]model.AppEntry{
		"app-E": {ID: "app-E", OwnerID: "org_4"},
	}})
	require.NoError(t, err)
	store.Seed(model.PathAppsCache, raw)
	seedOrgMembers(t, store, map[string]model.OrgMembers{"org_4": {}})
	seedSettings(t, store, map[string]model.SettingsEntry{"org_4": {Flags: model.FlagDenyUnknownDomains, Domains: []string{"contoso.com"}}})
	seedOrganizations(t, store, []model.OrganizationRecord{{ID: "org_4"}})

	checker := newTestChecker(t, store)
	result, err := checker.Check(context.Background(), "app-E", "alice@other.com", "", "")
	require.NoError(t, err)
	assert.Equal(t, model.ResultDeny, result.Kind)
	assert.Equal(t, model.ErrCodeUserNotAuthorized, result.ErrorCode)
	assert.Equal(t, "alice@other.com", result.GitEmail)

	orgsRaw, ok, err := store.Read(context.Background(), model.PathOrganizations)
	require.NoError(t, err)
	require.True(t, ok)
	var orgs []model.OrganizationRecord
	require.NoError(t, json.Unmarshal(orgsRaw, &orgs))
	require.Len(t, orgs, 1)
	assert.Contains(t, orgs[0].DeniedUsers, "alice@other.com")
}

func TestCheck_PersonalAppRequiresEmail(t *testing.T) {
	store := blobstore.NewMemStore()
	raw, err := json.Marshal(model.AppsCacheBlob{Apps: map[string]model.AppEntry{
		"app-F": {ID: "app-F", Emails: []string{"owner@x.io"}},
	}})
	require.NoError(t, err)
	store.Seed(model.PathAppsCache, raw)
	checker := newTestChecker(t, store)

	result, err := checker.Check(context.Background(), "app-F", "", "", "")
	require.NoError(t, err)
	assert.Equal(t, model.ResultDeny, result.Kind)
	assert.Equal(t, model.ErrCodeGitEmailRequired, result.ErrorCode)

	result, err = checker.Check(context.Background(), "app-F", "stranger@x.io", "", "")
	require.NoError(t, err)
	assert.Equal(t, model.ResultDeny, result.Kind)
	assert.Equal(t, model.ErrCodeUserNotAuthorized, result.ErrorCode)

	result, err = checker.Check(context.Background(), "app-F", "OWNER@X.IO", "", "")
	require.NoError(t, err)
	assert.Equal(t, model.ResultAllow, result.Kind)
}

func TestCheck_SponsoredAppNeedsNoEmail(t *testing.T) {
	store := blobstore.NewMemStore()
	raw, err := json.Marshal(model.AppsCacheBlob{Apps: map[string]model.AppEntry{
		"app-G": {ID: "app-G", Sponsored: true},
	}})
	require.NoError(t, err)
	store.Seed(model.PathAppsCache, raw)
	checker := newTestChecker(t, store)

	result, err := checker.Check(context.Background(), "app-G", "", "", "")
	require.NoError(t, err)
	assert.Equal(t, model.ResultAllow, result.Kind)
}
