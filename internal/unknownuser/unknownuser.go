// Package unknownuser tracks first-sight timestamps for emails that show up
// in an organization without being on its allow or deny list. The permission
// checker uses the returned timestamp to run the per-user grace period.
package unknownuser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ashita-ai/kanmon/internal/blobstore"
	"github.com/ashita-ai/kanmon/internal/model"
)

// Logger appends unknown-user attempts to a per-organization log and reports
// the earliest timestamp on record for a given email.
type Logger struct {
	store blobstore.Store
}

// NewLogger creates a Logger backed by store.
func NewLogger(store blobstore.Store) *Logger {
	return &Logger{store: store}
}

// LogAttempt appends {timestamp: now, email: lower(email), appId} to
// logs://{orgId}_unknown.json and returns the minimum timestamp recorded for
// that (lowercased) email in the org. Duplicates are permitted; there is no
// dedup, so repeated attempts simply accumulate entries.
func (l *Logger) LogAttempt(ctx context.Context, appID, email, orgID string) (int64, error) {
	lowerEmail := strings.ToLower(strings.TrimSpace(email))
	path := model.UnknownLogPath(orgID)

	raw, err := l.store.OptimisticUpdate(ctx, path, func(current json.RawMessage, exists bool) (json.RawMessage, error) {
		var attempts []model.UnknownUserAttempt
		if exists {
			if err := json.Unmarshal(current, &attempts); err != nil {
				return nil, fmt.Errorf("unknownuser: decode log: %w", err)
			}
		}
		attempts = append(attempts, model.UnknownUserAttempt{
			Timestamp: time.Now().UnixMilli(),
			Email:     lowerEmail,
			AppID:     appID,
		})
		return json.Marshal(attempts)
	})
	if err != nil {
		return 0, fmt.Errorf("unknownuser: log attempt: %w", err)
	}

	var attempts []model.UnknownUserAttempt
	if err := json.Unmarshal(raw, &attempts); err != nil {
		return 0, fmt.Errorf("unknownuser: decode updated log: %w", err)
	}

	var earliest int64 = -1
	for _, a := range attempts {
		if a.Email != lowerEmail {
			continue
		}
		if earliest == -1 || a.Timestamp < earliest {
			earliest = a.Timestamp
		}
	}
	if earliest == -1 {
		// The entry we just appended always matches, so this is unreachable
		// in practice, but fail closed rather than return a bogus zero value.
		return 0, fmt.Errorf("unknownuser: no matching entry found after append")
	}
	return earliest, nil
}
