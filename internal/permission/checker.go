// Package permission implements the ordered-guard decision pipeline that
// turns an (appId, email, publisher, appName) request into a Result: the
// core's single point of truth for whether a request may proceed.
package permission

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kanmon/internal/cache"
	"github.com/ashita-ai/kanmon/internal/decide"
	"github.com/ashita-ai/kanmon/internal/model"
	"github.com/ashita-ai/kanmon/internal/unknownuser"
)

// Config holds the grace-period parameters the checker needs. GracePeriod is
// the window granted to unknown apps and unknown org users alike (15 days
// per the current contract — an earlier 7-day value appears in older test
// fixtures and is not honored here). MinimumGracePeriodEnd floors
// app-level (not user-level) grace calculations to a fixed cutoff.
type Config struct {
	GracePeriod           time.Duration
	MinimumGracePeriodEnd time.Time
}

// DefaultGracePeriod is the grace window granted when no override is configured.
const DefaultGracePeriod = 15 * 24 * time.Hour

// Checker orchestrates classification, blocked-org checks, auto-claim, and
// grace-period arithmetic behind a single Check entry point.
type Checker struct {
	cache       *cache.Manager
	unknownUser *unknownuser.Logger
	logger      *slog.Logger
	cfg         Config
}

// NewChecker creates a Checker. Zero-valued cfg.GracePeriod defaults to
// DefaultGracePeriod.
func NewChecker(cacheManager *cache.Manager, unknownUserLogger *unknownuser.Logger, logger *slog.Logger, cfg Config) *Checker {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	return &Checker{cache: cacheManager, unknownUser: unknownUserLogger, logger: logger, cfg: cfg}
}

func (c *Checker) now() time.Time { return time.Now() }

func (c *Checker) minimumGracePeriodEndMS() int64 {
	if c.cfg.MinimumGracePeriodEnd.IsZero() {
		return 0
	}
	return c.cfg.MinimumGracePeriodEnd.UnixMilli()
}

// Check runs the full decision pipeline for one (appId, email) pair. email,
// publisher, and appName may be empty; the guards that need them handle
// absence explicitly rather than treating it as an error.
func (c *Checker) Check(ctx context.Context, appID, email, publisher, appName string) (model.Result, error) {
	apps, err := c.cache.GetApps(ctx, []string{appID})
	if err != nil {
		return model.Result{}, fmt.Errorf("permission: load apps snapshot: %w", err)
	}

	entry, known := apps[appID]
	if !known {
		return c.handleUnknownApp(ctx, appID, email, publisher, appName)
	}

	switch {
	case entry.IsSponsored():
		return model.Allow(), nil
	case entry.IsOrphaned():
		return c.handleOrphaned(ctx, entry, email, publisher, appName)
	case entry.IsPersonal():
		return handlePersonal(entry, email), nil
	case entry.IsOrganization():
		return c.handleOrganization(ctx, entry.OwnerID, appID, email)
	default:
		// An app entry with none of the classification fields set is a data
		// integrity problem upstream, not a permission decision this checker
		// can make safely.
		return model.Result{}, fmt.Errorf("permission: app %s has no recognizable classification", appID)
	}
}

func (c *Checker) handleUnknownApp(ctx context.Context, appID, email, publisher, appName string) (model.Result, error) {
	freeUntil := c.now().Add(c.cfg.GracePeriod).UnixMilli()

	if result, claimed, err := c.tryPublisherClaim(ctx, appID, email, publisher, appName, freeUntil); err != nil {
		return model.Result{}, err
	} else if claimed {
		return result, nil
	}

	if err := c.cache.AddOrphanedApp(ctx, appID, freeUntil, publisher, appName); err != nil {
		return model.Result{}, fmt.Errorf("permission: create orphaned app: %w", err)
	}
	return model.AllowWithWarning(model.WarningAppGracePeriod, c.cfg.GracePeriod.Milliseconds(), ""), nil
}

func (c *Checker) handleOrphaned(ctx context.Context, entry model.AppEntry, email, publisher, appName string) (model.Result, error) {
	freeUntil := *entry.FreeUntil

	if result, claimed, err := c.tryPublisherClaim(ctx, entry.ID, email, publisher, appName, freeUntil); err != nil {
		return model.Result{}, err
	} else if claimed {
		return result, nil
	}

	now := c.now().UnixMilli()
	if decide.IsGracePeriodExpired(freeUntil, c.minimumGracePeriodEndMS(), now) {
		return model.Deny(model.ErrCodeGraceExpired, email), nil
	}
	remaining := decide.TimeRemaining(freeUntil, c.minimumGracePeriodEndMS(), now)
	return model.AllowWithWarning(model.WarningAppGracePeriod, remaining, ""), nil
}

func handlePersonal(entry model.AppEntry, email string) model.Result {
	if strings.TrimSpace(email) == "" {
		return model.Deny(model.ErrCodeGitEmailRequired, "")
	}
	if decide.EmailInList(entry.Emails, email) {
		return model.Allow()
	}
	return model.Deny(model.ErrCodeUserNotAuthorized, email)
}

// tryPublisherClaim looks for an organization whose settings list publisher,
// claims appID into it, and recurses into the organization handler. claimed
// is false (with a zero Result) if no publisher match exists, signaling the
// caller to fall back to its own orphan-path handling.
func (c *Checker) tryPublisherClaim(ctx context.Context, appID, email, publisher, appName string, freeUntil int64) (model.Result, bool, error) {
	trimmed := strings.TrimSpace(publisher)
	if trimmed == "" {
		return model.Result{}, false, nil
	}

	settings, err := c.cache.GetSettings(ctx, "")
	if err != nil {
		return model.Result{}, false, fmt.Errorf("permission: load settings for publisher claim: %w", err)
	}

	winner, ok := firstPublisherMatch(settings, trimmed)
	if !ok {
		return model.Result{}, false, nil
	}

	if err := c.cache.AddOrganizationApp(ctx, appID, winner, freeUntil, publisher, appName); err != nil {
		return model.Result{}, false, fmt.Errorf("permission: claim app by publisher: %w", err)
	}

	result, err := c.handleOrganization(ctx, winner, appID, email)
	if err != nil {
		return model.Result{}, false, err
	}
	return result, true, nil
}

// firstPublisherMatch picks, deterministically, the first organization id
// (sorted ascending) whose settings list the given publisher. When more than
// one organization claims the same publisher, sorted-id order is the
// tie-break (see DESIGN.md).
func firstPublisherMatch(settings map[string]model.SettingsEntry, publisher string) (string, bool) {
	ids := make([]string, 0, len(settings))
	for id := range settings {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if settings[id].MatchesPublisher(publisher) {
			return id, true
		}
	}
	return "", false
}

// handleOrganization runs the blocked/membership/domain-claim/grace-period
// guard chain for an app owned by orgID. It is also the re-entry point after
// a successful publisher auto-claim.
func (c *Checker) handleOrganization(ctx context.Context, orgID, appID, email string) (model.Result, error) {
	var members map[string]model.OrgMembers
	var blocked map[string]model.BlockedOrg

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m, err := c.cache.GetOrgMembers(gCtx, orgID, email)
		if err != nil {
			return fmt.Errorf("load org members: %w", err)
		}
		members = m
		return nil
	})
	g.Go(func() error {
		b, err := c.cache.GetBlocked(gCtx)
		if err != nil {
			return fmt.Errorf("load blocked orgs: %w", err)
		}
		blocked = b
		return nil
	})
	if err := g.Wait(); err != nil {
		return model.Result{}, fmt.Errorf("permission: %w", err)
	}

	if b, isBlocked := blocked[orgID]; isBlocked {
		return model.Deny(model.BlockReasonToCode(b.Reason), email), nil
	}

	if strings.TrimSpace(email) == "" {
		return model.Deny(model.ErrCodeGitEmailRequired, ""), nil
	}

	org, hasOrg := members[orgID]
	if !hasOrg {
		return model.Deny(model.ErrCodeUserNotAuthorized, email), nil
	}

	if decide.EmailInList(org.Deny, email) {
		return model.Deny(model.ErrCodeUserNotAuthorized, email), nil
	}
	if decide.EmailInList(org.Allow, email) {
		return model.Allow(), nil
	}

	settings, err := c.cache.GetSettings(ctx, orgID)
	if err != nil {
		return model.Result{}, fmt.Errorf("permission: load settings for organization handler: %w", err)
	}
	orgSettings := settings[orgID]

	if orgSettings.MatchesDomain(email) {
		result, err := c.cache.AddUserToOrganizationAllowList(ctx, orgID, email)
		if err != nil {
			return model.Result{}, fmt.Errorf("permission: domain auto-claim: %w", err)
		}
		if result.Added {
			return model.Allow(), nil
		}
	}

	if orgSettings.HasFlag(model.FlagDenyUnknownDomains) {
		if err := c.cache.AddUserToOrganizationDenyList(ctx, orgID, email); err != nil {
			c.logger.Error("permission: deny-unknown-domains write failed", "org_id", orgID, "email", email, "error", err)
		}
		return model.Deny(model.ErrCodeUserNotAuthorized, email), nil
	}

	firstSeen, err := c.unknownUser.LogAttempt(ctx, appID, email, orgID)
	if err != nil {
		c.logger.Error("permission: unknown-user log failed, denying conservatively", "org_id", orgID, "email", email, "error", err)
		return model.Deny(model.ErrCodeUserNotAuthorized, email), nil
	}

	remaining := c.cfg.GracePeriod.Milliseconds() - (c.now().UnixMilli() - firstSeen)
	if remaining > 0 {
		return model.AllowWithWarning(model.WarningOrgGracePeriod, remaining, email), nil
	}
	return model.Deny(model.ErrCodeOrgGraceExpired, email), nil
}
