// Package cache holds the three TTL-guarded snapshots the permission checker
// reads from: apps, org-members, and settings. The blocked-org blob is
// deliberately never cached (see Manager.GetBlocked): a block is too
// consequential to read stale. Each snapshot is refreshed on its own
// schedule, with concurrent refreshes of the same blob coalesced through a
// single singleflight.Group.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/kanmon/internal/blobstore"
	"github.com/ashita-ai/kanmon/internal/model"
)

// ErrOrganizationNotFound is returned by the membership-list writers when
// orgId has no record in system://organizations.json.
var ErrOrganizationNotFound = fmt.Errorf("cache: organization not found")

const defaultTTL = 15 * time.Minute

// Manager owns the apps, org-members, and settings snapshots plus the
// single-flight coalescing of their refreshes.
type Manager struct {
	store blobstore.Store
	group singleflight.Group
	ttl   time.Duration

	apps       appsSnapshot
	orgMembers orgMembersSnapshot
	settings   settingsSnapshot
}

type appsSnapshot struct {
	mu       sync.RWMutex
	apps     map[string]model.AppEntry
	loadedAt time.Time
}

type orgMembersSnapshot struct {
	mu       sync.RWMutex
	orgs     map[string]model.OrgMembers
	loadedAt time.Time
}

type settingsSnapshot struct {
	mu       sync.RWMutex
	orgs     map[string]model.SettingsEntry
	loadedAt time.Time
}

// NewManager creates a Manager with the default 15-minute TTL.
func NewManager(store blobstore.Store) *Manager {
	return &Manager{store: store, ttl: defaultTTL}
}

// setTTL overrides the snapshot TTL.
func (m *Manager) setTTL(ttl time.Duration) { m.ttl = ttl }

// SetTTL is the exported form of setTTL. kanmon.New uses it to apply the
// configured cache TTL.
func (m *Manager) SetTTL(ttl time.Duration) { m.setTTL(ttl) }

// clear wipes all three snapshots, forcing the next read of each to refresh.
// Test-only hook.
func (m *Manager) clear() {
	m.apps.mu.Lock()
	m.apps.apps = nil
	m.apps.loadedAt = time.Time{}
	m.apps.mu.Unlock()

	m.orgMembers.mu.Lock()
	m.orgMembers.orgs = nil
	m.orgMembers.loadedAt = time.Time{}
	m.orgMembers.mu.Unlock()

	m.settings.mu.Lock()
	m.settings.orgs = nil
	m.settings.loadedAt = time.Time{}
	m.settings.mu.Unlock()
}

// Clear is the exported form of clear.
func (m *Manager) Clear() { m.clear() }

func (m *Manager) fresh(loadedAt time.Time) bool {
	return !loadedAt.IsZero() && time.Since(loadedAt) < m.ttl
}

// GetApps returns the apps snapshot, refreshing first if it is expired or if
// any id in ids is absent from the cached view. An empty ids never triggers
// a miss-driven refresh; it still refreshes a snapshot that is expired or
// was never loaded.
func (m *Manager) GetApps(ctx context.Context, ids []string) (map[string]model.AppEntry, error) {
	m.apps.mu.RLock()
	snapshot := m.apps.apps
	loadedAt := m.apps.loadedAt
	m.apps.mu.RUnlock()

	if m.fresh(loadedAt) && allPresent(snapshot, ids) {
		return snapshot, nil
	}

	return m.refreshApps(ctx)
}

func allPresent(apps map[string]model.AppEntry, ids []string) bool {
	if apps == nil && len(ids) > 0 {
		return false
	}
	for _, id := range ids {
		if _, ok := apps[id]; !ok {
			return false
		}
	}
	return true
}

func (m *Manager) refreshApps(ctx context.Context) (map[string]model.AppEntry, error) {
	v, err, _ := m.group.Do("apps", func() (interface{}, error) {
		raw, ok, err := m.store.Read(ctx, model.PathAppsCache)
		if err != nil {
			return nil, err
		}
		apps := make(map[string]model.AppEntry)
		if ok {
			var blob model.AppsCacheBlob
			if err := json.Unmarshal(raw, &blob); err != nil {
				return nil, fmt.Errorf("cache: decode apps cache: %w", err)
			}
			apps = blob.Apps
			if apps == nil {
				apps = make(map[string]model.AppEntry)
			}
		}

		m.apps.mu.Lock()
		m.apps.apps = apps
		m.apps.loadedAt = time.Now()
		m.apps.mu.Unlock()

		return apps, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]model.AppEntry), nil
}

// GetOrgMembers returns the org-members snapshot, refreshing first unless
// orgId is present and the lowercased email appears in either its allow or
// deny list. An absent email still requires the org itself to be present.
func (m *Manager) GetOrgMembers(ctx context.Context, orgID, email string) (map[string]model.OrgMembers, error) {
	m.orgMembers.mu.RLock()
	snapshot := m.orgMembers.orgs
	loadedAt := m.orgMembers.loadedAt
	m.orgMembers.mu.RUnlock()

	if m.fresh(loadedAt) && orgMembersValid(snapshot, orgID, email) {
		return snapshot, nil
	}

	return m.refreshOrgMembers(ctx)
}

func orgMembersValid(orgs map[string]model.OrgMembers, orgID, email string) bool {
	if orgID == "" {
		return true
	}
	org, ok := orgs[orgID]
	if !ok {
		return false
	}
	if email == "" {
		return true
	}
	return containsFold(org.Allow, email) || containsFold(org.Deny, email)
}

func containsFold(list []string, email string) bool {
	needle := strings.ToLower(strings.TrimSpace(email))
	for _, e := range list {
		if strings.ToLower(strings.TrimSpace(e)) == needle {
			return true
		}
	}
	return false
}

func (m *Manager) refreshOrgMembers(ctx context.Context) (map[string]model.OrgMembers, error) {
	v, err, _ := m.group.Do("org-members", func() (interface{}, error) {
		raw, ok, err := m.store.Read(ctx, model.PathOrgMembersCache)
		if err != nil {
			return nil, err
		}
		orgs := make(map[string]model.OrgMembers)
		if ok {
			var blob model.OrgMembersCacheBlob
			if err := json.Unmarshal(raw, &blob); err != nil {
				return nil, fmt.Errorf("cache: decode org-members cache: %w", err)
			}
			orgs = blob.Orgs
			if orgs == nil {
				orgs = make(map[string]model.OrgMembers)
			}
		}

		m.orgMembers.mu.Lock()
		m.orgMembers.orgs = orgs
		m.orgMembers.loadedAt = time.Now()
		m.orgMembers.mu.Unlock()

		return orgs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]model.OrgMembers), nil
}

// GetSettings returns the settings snapshot, refreshing first unless orgId
// is empty or present in the cached view.
func (m *Manager) GetSettings(ctx context.Context, orgID string) (map[string]model.SettingsEntry, error) {
	m.settings.mu.RLock()
	snapshot := m.settings.orgs
	loadedAt := m.settings.loadedAt
	m.settings.mu.RUnlock()

	valid := m.fresh(loadedAt) && (orgID == "" || settingsHas(snapshot, orgID))
	if valid {
		return snapshot, nil
	}

	return m.refreshSettings(ctx)
}

func settingsHas(orgs map[string]model.SettingsEntry, orgID string) bool {
	_, ok := orgs[orgID]
	return ok
}

func (m *Manager) refreshSettings(ctx context.Context) (map[string]model.SettingsEntry, error) {
	v, err, _ := m.group.Do("settings", func() (interface{}, error) {
		raw, ok, err := m.store.Read(ctx, model.PathSettingsCache)
		if err != nil {
			return nil, err
		}
		orgs := make(map[string]model.SettingsEntry)
		if ok {
			var blob model.SettingsCacheBlob
			if err := json.Unmarshal(raw, &blob); err != nil {
				return nil, fmt.Errorf("cache: decode settings cache: %w", err)
			}
			orgs = blob.Orgs
			if orgs == nil {
				orgs = make(map[string]model.SettingsEntry)
			}
		}

		m.settings.mu.Lock()
		m.settings.orgs = orgs
		m.settings.loadedAt = time.Now()
		m.settings.mu.Unlock()

		return orgs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]model.SettingsEntry), nil
}

// GetBlocked reads system://cache/blocked.json fresh on every call: a block
// is consequential enough to never serve stale.
func (m *Manager) GetBlocked(ctx context.Context) (map[string]model.BlockedOrg, error) {
	raw, ok, err := m.store.Read(ctx, model.PathBlockedCache)
	if err != nil {
		return nil, err
	}
	if !ok {
		return map[string]model.BlockedOrg{}, nil
	}
	var blob model.BlockedCacheBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return nil, fmt.Errorf("cache: decode blocked cache: %w", err)
	}
	if blob.Orgs == nil {
		return map[string]model.BlockedOrg{}, nil
	}
	return blob.Orgs, nil
}

func (m *Manager) invalidateApps() {
	m.apps.mu.Lock()
	m.apps.loadedAt = time.Time{}
	m.apps.mu.Unlock()
}

func (m *Manager) invalidateOrgMembers() {
	m.orgMembers.mu.Lock()
	m.orgMembers.loadedAt = time.Time{}
	m.orgMembers.mu.Unlock()
}

func (m *Manager) invalidateSettings() {
	m.settings.mu.Lock()
	m.settings.loadedAt = time.Time{}
	m.settings.mu.Unlock()
}

// InvalidateApps forces the next GetApps call to refresh from the store,
// regardless of TTL. Exposed for operator tooling (kanmonctl cache invalidate).
func (m *Manager) InvalidateApps() { m.invalidateApps() }

// InvalidateOrgMembers forces the next GetOrgMembers call to refresh.
func (m *Manager) InvalidateOrgMembers() { m.invalidateOrgMembers() }

// InvalidateSettings forces the next GetSettings call to refresh.
func (m *Manager) InvalidateSettings() { m.invalidateSettings() }

// AddOrphanedApp writes id into both the master list and the keyed cache
// view as orphaned with the given freeUntil, unless id already exists — in
// which case the write is a no-op that preserves the original entry's
// freeUntil (freeUntil is immutable once written). Invalidates the apps
// cache on success.
func (m *Manager) AddOrphanedApp(ctx context.Context, id string, freeUntil int64, publisher, name string) error {
	_, err := m.store.OptimisticUpdate(ctx, model.PathAppsMaster, func(current json.RawMessage, exists bool) (json.RawMessage, error) {
		records, err := decodeMasterList(current, exists)
		if err != nil {
			return nil, err
		}
		if _, found := findMasterRecord(records, id); found {
			return current, nil
		}
		records = append(records, model.MasterAppRecord{
			ID:        id,
			FreeUntil: &freeUntil,
			Publisher: publisher,
			Name:      name,
		})
		return json.Marshal(records)
	})
	if err != nil {
		return fmt.Errorf("cache: add orphaned app to master: %w", err)
	}

	_, err = m.store.OptimisticUpdate(ctx, model.PathAppsCache, func(current json.RawMessage, exists bool) (json.RawMessage, error) {
		blob, err := decodeAppsCacheBlob(current, exists)
		if err != nil {
			return nil, err
		}
		if _, found := blob.Apps[id]; !found {
			blob.Apps[id] = model.AppEntry{ID: id, FreeUntil: &freeUntil, Publisher: publisher, Name: name}
		}
		blob.UpdatedAt = nowMS()
		return json.Marshal(blob)
	})
	if err != nil {
		return fmt.Errorf("cache: add orphaned app to cache: %w", err)
	}

	m.invalidateApps()
	return nil
}

// AddOrganizationApp inserts id as organization-owned by orgID, or upgrades
// an existing master entry to organization-owned, back-filling publisher and
// name only where they were previously empty. Invalidates the apps cache on
// success.
func (m *Manager) AddOrganizationApp(ctx context.Context, id, orgID string, freeUntil int64, publisher, name string) error {
	_, err := m.store.OptimisticUpdate(ctx, model.PathAppsMaster, func(current json.RawMessage, exists bool) (json.RawMessage, error) {
		records, err := decodeMasterList(current, exists)
		if err != nil {
			return nil, err
		}
		idx, found := findMasterRecord(records, id)
		if !found {
			records = append(records, model.MasterAppRecord{
				ID:        id,
				OwnerID:   orgID,
				OwnerType: model.OwnerTypeOrganization,
				Publisher: publisher,
				Name:      name,
				FreeUntil: &freeUntil,
			})
			return json.Marshal(records)
		}
		rec := records[idx]
		rec.OwnerID = orgID
		rec.OwnerType = model.OwnerTypeOrganization
		if rec.Publisher == "" {
			rec.Publisher = publisher
		}
		if rec.Name == "" {
			rec.Name = name
		}
		records[idx] = rec
		return json.Marshal(records)
	})
	if err != nil {
		return fmt.Errorf("cache: add organization app to master: %w", err)
	}

	claimedAt := time.Now().UTC()
	_, err = m.store.OptimisticUpdate(ctx, model.PathAppsCache, func(current json.RawMessage, exists bool) (json.RawMessage, error) {
		blob, err := decodeAppsCacheBlob(current, exists)
		if err != nil {
			return nil, err
		}
		blob.Apps[id] = model.AppEntry{ID: id, OwnerID: orgID, OwnerType: model.OwnerTypeOrganization, Publisher: publisher, Name: name, ClaimedAt: &claimedAt}
		blob.UpdatedAt = nowMS()
		return json.Marshal(blob)
	})
	if err != nil {
		return fmt.Errorf("cache: add organization app to cache: %w", err)
	}

	m.invalidateApps()
	return nil
}

// ListAddResult reports the outcome of a membership-list write.
type ListAddResult struct {
	Added          bool
	AlreadyPresent bool
}

// AddUserToOrganizationAllowList appends email to orgID's users list,
// removing it from deniedUsers if present, then mirrors the change into the
// membership cache blob. Empty email is a no-op. Fails with
// ErrOrganizationNotFound if orgID has no roster record, and with a
// users-limit error if usersLimit would be exceeded.
func (m *Manager) AddUserToOrganizationAllowList(ctx context.Context, orgID, email string) (ListAddResult, error) {
	if strings.TrimSpace(email) == "" {
		return ListAddResult{}, nil
	}

	var outcome ListAddResult
	_, err := m.store.OptimisticUpdate(ctx, model.PathOrganizations, func(current json.RawMessage, exists bool) (json.RawMessage, error) {
		outcome = ListAddResult{} // reset on every retry
		records, err := decodeOrganizations(current, exists)
		if err != nil {
			return nil, err
		}
		idx, found := findOrganization(records, orgID)
		if !found {
			return nil, ErrOrganizationNotFound
		}
		org := records[idx]
		if containsFold(org.Users, email) {
			outcome.AlreadyPresent = true
			return current, nil
		}
		if org.UsersLimit != nil && len(org.Users) >= *org.UsersLimit {
			return nil, fmt.Errorf("cache: organization %s at users limit (%d)", orgID, *org.UsersLimit)
		}
		org.DeniedUsers = removeFold(org.DeniedUsers, email)
		org.Users = append(org.Users, email)
		records[idx] = org
		outcome.Added = true
		return json.Marshal(records)
	})
	if err != nil {
		return ListAddResult{}, fmt.Errorf("cache: add user to allow list: %w", err)
	}
	if outcome.AlreadyPresent {
		return outcome, nil
	}

	_, err = m.store.OptimisticUpdate(ctx, model.PathOrgMembersCache, func(current json.RawMessage, exists bool) (json.RawMessage, error) {
		blob, err := decodeOrgMembersCacheBlob(current, exists)
		if err != nil {
			return nil, err
		}
		members := blob.Orgs[orgID]
		if !containsFold(members.Allow, email) {
			members.Allow = append(members.Allow, strings.ToLower(strings.TrimSpace(email)))
		}
		blob.Orgs[orgID] = members
		blob.UpdatedAt = nowMS()
		return json.Marshal(blob)
	})
	if err != nil {
		return ListAddResult{}, fmt.Errorf("cache: mirror allow list into cache: %w", err)
	}

	m.invalidateOrgMembers()
	return outcome, nil
}

// AddUserToOrganizationDenyList appends email to orgID's deniedUsers list
// (leaving users untouched) and mirrors the change into the membership
// cache. Fails with ErrOrganizationNotFound if orgID has no roster record.
func (m *Manager) AddUserToOrganizationDenyList(ctx context.Context, orgID, email string) error {
	if strings.TrimSpace(email) == "" {
		return nil
	}

	_, err := m.store.OptimisticUpdate(ctx, model.PathOrganizations, func(current json.RawMessage, exists bool) (json.RawMessage, error) {
		records, err := decodeOrganizations(current, exists)
		if err != nil {
			return nil, err
		}
		idx, found := findOrganization(records, orgID)
		if !found {
			return nil, ErrOrganizationNotFound
		}
		org := records[idx]
		if !containsFold(org.DeniedUsers, email) {
			org.DeniedUsers = append(org.DeniedUsers, email)
		}
		records[idx] = org
		return json.Marshal(records)
	})
	if err != nil {
		return fmt.Errorf("cache: add user to deny list: %w", err)
	}

	_, err = m.store.OptimisticUpdate(ctx, model.PathOrgMembersCache, func(current json.RawMessage, exists bool) (json.RawMessage, error) {
		blob, err := decodeOrgMembersCacheBlob(current, exists)
		if err != nil {
			return nil, err
		}
		members := blob.Orgs[orgID]
		if !containsFold(members.Deny, email) {
			members.Deny = append(members.Deny, strings.ToLower(strings.TrimSpace(email)))
		}
		blob.Orgs[orgID] = members
		blob.UpdatedAt = nowMS()
		return json.Marshal(blob)
	})
	if err != nil {
		return fmt.Errorf("cache: mirror deny list into cache: %w", err)
	}

	m.invalidateOrgMembers()
	return nil
}

func removeFold(list []string, email string) []string {
	needle := strings.ToLower(strings.TrimSpace(email))
	out := list[:0:0]
	for _, e := range list {
		if strings.ToLower(strings.TrimSpace(e)) != needle {
			out = append(out, e)
		}
	}
	return out
}

func decodeMasterList(current json.RawMessage, exists bool) ([]model.MasterAppRecord, error) {
	if !exists {
		return nil, nil
	}
	var records []model.MasterAppRecord
	if err := json.Unmarshal(current, &records); err != nil {
		return nil, fmt.Errorf("cache: decode apps master: %w", err)
	}
	return records, nil
}

func findMasterRecord(records []model.MasterAppRecord, id string) (int, bool) {
	for i, r := range records {
		if r.ID == id {
			return i, true
		}
	}
	return 0, false
}

func decodeAppsCacheBlob(current json.RawMessage, exists bool) (model.AppsCacheBlob, error) {
	blob := model.AppsCacheBlob{Apps: make(map[string]model.AppEntry)}
	if !exists {
		return blob, nil
	}
	if err := json.Unmarshal(current, &blob); err != nil {
		return model.AppsCacheBlob{}, fmt.Errorf("cache: decode apps cache blob: %w", err)
	}
	if blob.Apps == nil {
		blob.Apps = make(map[string]model.AppEntry)
	}
	return blob, nil
}

func decodeOrgMembersCacheBlob(current json.RawMessage, exists bool) (model.OrgMembersCacheBlob, error) {
	blob := model.OrgMembersCacheBlob{Orgs: make(map[string]model.OrgMembers)}
	if !exists {
		return blob, nil
	}
	if err := json.Unmarshal(current, &blob); err != nil {
		return model.OrgMembersCacheBlob{}, fmt.Errorf("cache: decode org-members cache blob: %w", err)
	}
	if blob.Orgs == nil {
		blob.Orgs = make(map[string]model.OrgMembers)
	}
	return blob, nil
}

func decodeOrganizations(current json.RawMessage, exists bool) ([]model.OrganizationRecord, error) {
	if !exists {
		return nil, nil
	}
	var records []model.OrganizationRecord
	if err := json.Unmarshal(current, &records); err != nil {
		return nil, fmt.Errorf("cache: decode organizations: %w", err)
	}
	return records, nil
}

func findOrganization(records []model.OrganizationRecord, id string) (int, bool) {
	for i, r := range records {
		if r.ID == id {
			return i, true
		}
	}
	return 0, false
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}
