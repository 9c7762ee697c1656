// Package decide holds pure, stateless classifiers over app entries and
// membership lists. Nothing here performs I/O or touches shared state —
// every function is a straight data-in, data-out computation, which is what
// lets the permission checker in internal/permission stay a thin orchestrator
// around them.
package decide

import (
	"strings"

	"github.com/ashita-ai/kanmon/internal/model"
)

// EmailInList reports whether email appears in list, case-insensitively.
func EmailInList(list []string, email string) bool {
	needle := strings.ToLower(strings.TrimSpace(email))
	if needle == "" {
		return false
	}
	for _, e := range list {
		if strings.ToLower(strings.TrimSpace(e)) == needle {
			return true
		}
	}
	return false
}

// IsKnown reports whether id is present in apps.
func IsKnown(apps map[string]model.AppEntry, id string) bool {
	_, ok := apps[id]
	return ok
}

// IsSponsored reports whether entry is sponsored.
func IsSponsored(entry model.AppEntry) bool { return entry.IsSponsored() }

// IsOrphaned reports whether entry is orphaned (FreeUntil set, no owner).
func IsOrphaned(entry model.AppEntry) bool { return entry.IsOrphaned() }

// IsPersonal reports whether entry is a personal app.
func IsPersonal(entry model.AppEntry) bool { return entry.IsPersonal() }

// IsOrganization reports whether entry is organization-owned.
func IsOrganization(entry model.AppEntry) bool { return entry.IsOrganization() }

// EffectiveFreeUntil floors a stored freeUntil to the configured minimum
// grace-period end. The stored value itself is never mutated by this
// computation — it is a read-time adjustment only.
func EffectiveFreeUntil(freeUntil int64, minimumGracePeriodEndMS int64) int64 {
	if freeUntil < minimumGracePeriodEndMS {
		return minimumGracePeriodEndMS
	}
	return freeUntil
}

// IsGracePeriodExpired reports whether the (floored) grace period has
// elapsed as of now. Equality is NOT expired: the boundary instant is still
// within the grace period.
func IsGracePeriodExpired(freeUntil, minimumGracePeriodEndMS, nowMS int64) bool {
	return EffectiveFreeUntil(freeUntil, minimumGracePeriodEndMS) < nowMS
}

// TimeRemaining returns the non-negative milliseconds left in the (floored)
// grace period as of now.
func TimeRemaining(freeUntil, minimumGracePeriodEndMS, nowMS int64) int64 {
	remaining := EffectiveFreeUntil(freeUntil, minimumGracePeriodEndMS) - nowMS
	if remaining < 0 {
		return 0
	}
	return remaining
}
