package decide

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/kanmon/internal/model"
)

func TestEmailInList_CaseInsensitive(t *testing.T) {
	list := []string{"Alice@Example.com", "bob@example.com"}

	cases := []struct {
		name  string
		email string
		want  bool
	}{
		{"exact case match", "bob@example.com", true},
		{"upper case variant", "ALICE@EXAMPLE.COM", true},
		{"mixed case variant", "aLiCe@eXample.COM", true},
		{"not present", "carol@example.com", false},
		{"empty email", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, EmailInList(list, tc.email))
		})
	}
}

func TestClassification_Exclusivity(t *testing.T) {
	freeUntil := int64(1000)
	cases := []struct {
		name  string
		entry model.AppEntry
		want  func(model.AppEntry) bool
	}{
		{"sponsored", model.AppEntry{Sponsored: true}, IsSponsored},
		{"orphaned", model.AppEntry{FreeUntil: &freeUntil}, IsOrphaned},
		{"personal", model.AppEntry{Emails: []string{"a@b.com"}}, IsPersonal},
		{"organization", model.AppEntry{OwnerID: "org_1"}, IsOrganization},
	}

	classifiers := []func(model.AppEntry) bool{IsSponsored, IsOrphaned, IsPersonal, IsOrganization}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			matches := 0
			for _, classify := range classifiers {
				if classify(tc.entry) {
					matches++
				}
			}
			assert.Equal(t, 1, matches, "exactly one classifier should match")
			assert.True(t, tc.want(tc.entry))
		})
	}
}

func TestEffectiveFreeUntil_Floor(t *testing.T) {
	const minimum = int64(5000)

	assert.Equal(t, minimum, EffectiveFreeUntil(1000, minimum), "below minimum is floored")
	assert.Equal(t, int64(6000), EffectiveFreeUntil(6000, minimum), "above minimum is unchanged")
	assert.Equal(t, minimum, EffectiveFreeUntil(minimum, minimum), "exactly at minimum is unchanged")
}

func TestIsGracePeriodExpired_BoundaryNotExpired(t *testing.T) {
	const minimum = int64(0)
	assert.False(t, IsGracePeriodExpired(1000, minimum, 1000), "equality is not expired")
	assert.True(t, IsGracePeriodExpired(1000, minimum, 1001), "one ms past is expired")
	assert.False(t, IsGracePeriodExpired(1000, minimum, 999), "before deadline is not expired")
}

func TestTimeRemaining_NeverNegative(t *testing.T) {
	const minimum = int64(0)
	assert.Equal(t, int64(0), TimeRemaining(1000, minimum, 5000), "past deadline clamps to zero")
	assert.Equal(t, int64(500), TimeRemaining(1500, minimum, 1000))
}

func TestTimeRemaining_RespectsFloor(t *testing.T) {
	const minimum = int64(10_000)
	// freeUntil below the floor still measures remaining time against the floor.
	gotFloored := TimeRemaining(1000, minimum, 9000)
	gotAtMinimum := TimeRemaining(minimum, minimum, 9000)
	assert.Equal(t, gotAtMinimum, gotFloored)
}

func TestBlockReasonToCode(t *testing.T) {
	cases := map[model.BlockReason]model.ErrorCode{
		model.BlockReasonFlagged:               model.ErrCodeOrgFlagged,
		model.BlockReasonSubscriptionCancelled: model.ErrCodeSubscriptionCanceled,
		model.BlockReasonPaymentFailed:         model.ErrCodePaymentFailed,
	}
	for reason, want := range cases {
		assert.Equal(t, want, model.BlockReasonToCode(reason))
	}
}
