package safety

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draftgate/draftgate/internal/draft/domain"
)

func newTestDraft(to []string, subject, body string) *domain.Draft {
	return domain.NewDraft("sess-1", "user-1", to, subject, body, "", "")
}

func TestEvaluate_CleanShortDraftPasses(t *testing.T) {
	gate := NewGate()
	// Short subject and body produce advisory flags only.
	draft := newTestDraft([]string{"a@x.com"}, "Hi", "hello")

	verdict := gate.Evaluate(draft)

	assert.True(t, verdict.Passed)
	assert.Equal(t, domain.RiskLow, verdict.RiskLevel)
	assert.NotEmpty(t, verdict.Flags, "short subject and body should still be flagged")
	assert.NotEmpty(t, verdict.Recommendations)
	assert.Equal(t, ContentDigest(draft), verdict.ContentDigest)
}

func TestEvaluate_NineDigitNumberFlagsAsPII(t *testing.T) {
	gate := NewGate()
	draft := newTestDraft([]string{"a@x.com"}, "Hi", "my number is 123456789 thanks")

	verdict := gate.Evaluate(draft)

	assert.False(t, verdict.Passed)
	assert.Equal(t, domain.RiskMedium, verdict.RiskLevel)
	assert.True(t, hasFlagContaining(verdict.Flags, "national ID"))
}

func TestEvaluate_PIIPatterns(t *testing.T) {
	testCases := []struct {
		name string
		body string
		flag string
	}{
		{"ssn", "my ssn is 123-45-6789 please", "SSN"},
		{"card number", "card 4111 1111 1111 1111 expires soon", "card number"},
		{"password", "the password: hunter2! works", "password"},
	}
	gate := NewGate()
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			verdict := gate.Evaluate(newTestDraft([]string{"a@x.com"}, "Quarterly numbers", tc.body))
			assert.False(t, verdict.Passed)
			assert.True(t, verdict.RiskLevel.AtLeast(domain.RiskMedium))
			assert.True(t, hasFlagContaining(verdict.Flags, tc.flag), "flags: %v", verdict.Flags)
		})
	}
}

func TestEvaluate_ToxicLanguage(t *testing.T) {
	gate := NewGate()
	verdict := gate.Evaluate(newTestDraft([]string{"a@x.com"}, "About yesterday",
		"that was a stupid decision and you know it"))

	assert.False(t, verdict.Passed)
	assert.Equal(t, domain.RiskMedium, verdict.RiskLevel)
	assert.True(t, hasFlagContaining(verdict.Flags, "inappropriate language"))
}

func TestEvaluate_ToxicKeywordsMatchWholeWordsOnly(t *testing.T) {
	gate := NewGate()
	// "skill" contains "kill", "shellfish" contains "hell".
	verdict := gate.Evaluate(newTestDraft([]string{"a@x.com"}, "Team skills review",
		"your skill with shellfish recipes is remarkable and appreciated"))

	assert.True(t, verdict.Passed)
	assert.False(t, hasFlagContaining(verdict.Flags, "inappropriate language"))
}

func TestEvaluate_AllCapsSubject(t *testing.T) {
	gate := NewGate()
	verdict := gate.Evaluate(newTestDraft([]string{"a@x.com"}, "URGENT READ THIS NOW",
		"please review the attached document"))

	assert.False(t, verdict.Passed)
	assert.True(t, hasFlagContaining(verdict.Flags, "ALL CAPS"))
}

func TestEvaluate_RecipientChecks(t *testing.T) {
	gate := NewGate()

	t.Run("no recipients is high risk", func(t *testing.T) {
		verdict := gate.Evaluate(newTestDraft(nil, "Subject here", "a perfectly fine body"))
		assert.False(t, verdict.Passed)
		assert.Equal(t, domain.RiskHigh, verdict.RiskLevel)
	})

	t.Run("malformed address is high risk", func(t *testing.T) {
		verdict := gate.Evaluate(newTestDraft([]string{"not-an-email"}, "Subject here", "a perfectly fine body"))
		assert.False(t, verdict.Passed)
		assert.Equal(t, domain.RiskHigh, verdict.RiskLevel)
		assert.True(t, hasFlagContaining(verdict.Flags, "Invalid To address"))
	})

	t.Run("invalid cc is high risk", func(t *testing.T) {
		draft := newTestDraft([]string{"a@x.com"}, "Subject here", "a perfectly fine body")
		draft.Cc = []string{"broken@"}
		verdict := gate.Evaluate(draft)
		assert.Equal(t, domain.RiskHigh, verdict.RiskLevel)
		assert.True(t, hasFlagContaining(verdict.Flags, "Invalid Cc address"))
	})

	t.Run("large recipient count is advisory", func(t *testing.T) {
		to := make([]string, 11)
		for i := range to {
			to[i] = "user" + strings.Repeat("x", i+1) + "@example.com"
		}
		verdict := gate.Evaluate(newTestDraft(to, "Subject here", "a perfectly fine body"))
		assert.True(t, verdict.Passed)
		assert.Equal(t, domain.RiskLow, verdict.RiskLevel)
		assert.True(t, hasFlagContaining(verdict.Flags, "Large recipient count"))
	})
}

func TestEvaluate_BlockedDomains(t *testing.T) {
	gate := NewGate(WithBlockedDomains([]string{"Competitor.com"}))

	verdict := gate.Evaluate(newTestDraft([]string{"ceo@competitor.com"}, "Subject here", "a perfectly fine body"))
	assert.False(t, verdict.Passed)
	assert.Equal(t, domain.RiskHigh, verdict.RiskLevel)

	verdict = gate.Evaluate(newTestDraft([]string{"ceo@partner.com"}, "Subject here", "a perfectly fine body"))
	assert.True(t, verdict.Passed)
}

func TestEvaluate_IsPureAndDeterministic(t *testing.T) {
	gate := NewGate()
	draft := newTestDraft([]string{"a@x.com"}, "Subject here", "body with ssn 123-45-6789 inside")
	before := *draft

	v1 := gate.Evaluate(draft)
	v2 := gate.Evaluate(draft)

	assert.Equal(t, before.Subject, draft.Subject)
	assert.Equal(t, before.Body, draft.Body)
	assert.Equal(t, before.Status, draft.Status)
	assert.Equal(t, v1.Passed, v2.Passed)
	assert.Equal(t, v1.RiskLevel, v2.RiskLevel)
	assert.Equal(t, v1.Flags, v2.Flags)
	assert.Equal(t, v1.ContentDigest, v2.ContentDigest)
}

func TestContentDigest_TracksEditableContent(t *testing.T) {
	draft := newTestDraft([]string{"a@x.com"}, "Subject here", "a perfectly fine body")
	digest := ContentDigest(draft)

	draft.Body = "a different body entirely"
	assert.NotEqual(t, digest, ContentDigest(draft))

	draft.Body = "a perfectly fine body"
	assert.Equal(t, digest, ContentDigest(draft))

	// Status changes do not affect the digest.
	draft.Status = domain.StatusApproved
	assert.Equal(t, digest, ContentDigest(draft))

	// Field boundaries matter: moving an address between To and Cc changes it.
	other := newTestDraft(nil, "Subject here", "a perfectly fine body")
	other.Cc = []string{"a@x.com"}
	require.NotEqual(t, ContentDigest(draft), ContentDigest(other))
}

func TestValidAddress(t *testing.T) {
	assert.True(t, ValidAddress("user@example.com"))
	assert.False(t, ValidAddress(""))
	assert.False(t, ValidAddress("no-at-sign"))
	assert.False(t, ValidAddress("trailing@"))
	assert.False(t, ValidAddress("Name <user@example.com>"), "display names are not bare addresses")
}

func hasFlagContaining(flags []string, substr string) bool {
	for _, f := range flags {
		if strings.Contains(f, substr) {
			return true
		}
	}
	return false
}
