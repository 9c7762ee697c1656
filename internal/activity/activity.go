// Package activity records feature usage against the organization that owns
// an application. Sponsored, orphaned, personal, and unknown apps never
// produce activity entries — only organization-owned apps do.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kanmon/internal/blobstore"
	"github.com/ashita-ai/kanmon/internal/cache"
	"github.com/ashita-ai/kanmon/internal/model"
)

// Logger appends feature-use entries for organization-owned apps. Failures
// are logged and swallowed: the caller treats activity logging as
// fire-and-forget.
type Logger struct {
	store  blobstore.Store
	cache  *cache.Manager
	logger *slog.Logger
}

// NewLogger creates a Logger. cacheManager supplies app classification;
// store performs the underlying append.
func NewLogger(store blobstore.Store, cacheManager *cache.Manager, logger *slog.Logger) *Logger {
	return &Logger{store: store, cache: cacheManager, logger: logger}
}

func (l *Logger) appendEntry(ctx context.Context, orgID string, entries []model.ActivityLogEntry) error {
	path := model.ActivityLogPath(orgID)
	_, err := l.store.OptimisticUpdate(ctx, path, func(current json.RawMessage, exists bool) (json.RawMessage, error) {
		var existing []model.ActivityLogEntry
		if exists {
			if err := json.Unmarshal(current, &existing); err != nil {
				return nil, fmt.Errorf("activity: decode log: %w", err)
			}
		}
		existing = append(existing, entries...)
		return json.Marshal(existing)
	})
	return err
}

// LogActivity appends one entry for appID if it classifies as
// organization-owned. No-ops silently (after logging at debug level) for
// every other classification, including unknown apps.
func (l *Logger) LogActivity(ctx context.Context, appID, email, feature string) {
	apps, err := l.cache.GetApps(ctx, []string{appID})
	if err != nil {
		l.logger.Warn("activity: load apps snapshot failed", "app_id", appID, "error", err)
		return
	}
	entry, ok := apps[appID]
	if !ok || !entry.IsOrganization() {
		l.logger.Debug("activity: skip non-organization app", "app_id", appID)
		return
	}

	err = l.appendEntry(ctx, entry.OwnerID, []model.ActivityLogEntry{{
		AppID:     appID,
		Timestamp: time.Now().UnixMilli(),
		Email:     strings.ToLower(strings.TrimSpace(email)),
		Feature:   feature,
	}})
	if err != nil {
		l.logger.Warn("activity: append failed", "app_id", appID, "org_id", entry.OwnerID, "error", err)
	}
}

// LogTouchActivity looks up every id in appIDs in a single apps snapshot
// read, groups the organization-owned ones by owner, and writes each org's
// batch in parallel using one shared timestamp across the whole call. Empty
// appIDs is a no-op. A per-org append failure is logged and does not affect
// any other org's batch or the caller.
func (l *Logger) LogTouchActivity(ctx context.Context, appIDs []string, email, feature string) {
	if len(appIDs) == 0 {
		return
	}

	apps, err := l.cache.GetApps(ctx, appIDs)
	if err != nil {
		l.logger.Warn("activity: load apps snapshot failed", "error", err)
		return
	}

	lowerEmail := strings.ToLower(strings.TrimSpace(email))
	now := time.Now().UnixMilli()

	byOrg := make(map[string][]model.ActivityLogEntry)
	for _, id := range appIDs {
		entry, ok := apps[id]
		if !ok || !entry.IsOrganization() {
			continue
		}
		byOrg[entry.OwnerID] = append(byOrg[entry.OwnerID], model.ActivityLogEntry{
			AppID:     id,
			Timestamp: now,
			Email:     lowerEmail,
			Feature:   feature,
		})
	}
	if len(byOrg) == 0 {
		return
	}

	g, gCtx := errgroup.WithContext(ctx)
	for orgID, entries := range byOrg {
		orgID, entries := orgID, entries
		g.Go(func() error {
			if err := l.appendEntry(gCtx, orgID, entries); err != nil {
				l.logger.Warn("activity: append batch failed", "org_id", orgID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait() // appendEntry errors are already logged per-org and never returned
}
