package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draftgate/draftgate/internal/delivery/provider"
	"github.com/draftgate/draftgate/internal/draft/domain"
	"github.com/draftgate/draftgate/internal/draft/repository"
	"github.com/draftgate/draftgate/internal/draft/repository/memory"
	"github.com/draftgate/draftgate/internal/identity"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newDeliveryFixture(t *testing.T, emailProvider provider.EmailSenderProvider) (*DeliveryService, repository.DraftRepository) {
	t.Helper()
	repo := memory.NewMemDraftRepository()
	service := NewDeliveryService(repo, emailProvider,
		identity.StaticCredentialSource{Token: "test-token"}, testLogger(),
		DeliveryConfig{MaxAttempts: 3, BaseBackoff: time.Second, BackoffCap: time.Minute, TransportTimeout: time.Second})
	return service, repo
}

func seedApprovedDraft(t *testing.T, repo repository.DraftRepository) *domain.Draft {
	t.Helper()
	draft := domain.NewDraft("sess-1", "user-1", []string{"recipient@example.com"},
		"Project update", "Here is the weekly status update.", "", "")
	draft.Status = domain.StatusApproved
	now := time.Now().UTC()
	draft.ApprovedAt = &now
	require.NoError(t, repo.Create(context.Background(), draft))
	return draft
}

func TestDeliver_Success(t *testing.T) {
	mockProvider := provider.NewMockEmailProvider(testLogger())
	service, repo := newDeliveryFixture(t, mockProvider)
	draft := seedApprovedDraft(t, repo)

	outcome, err := service.Deliver(context.Background(), draft.ID)
	require.NoError(t, err)
	assert.True(t, outcome.OK)
	require.NotNil(t, outcome.ProviderMessageID)

	stored, err := repo.GetByID(context.Background(), draft.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, stored.Status)
	require.NotNil(t, stored.ProviderMessageID)
	assert.Equal(t, *outcome.ProviderMessageID, *stored.ProviderMessageID)
	require.NotNil(t, stored.SentAt)
	require.Len(t, stored.DeliveryAttempts, 1)
	assert.Equal(t, domain.AttemptOutcomeSuccess, stored.DeliveryAttempts[0].Outcome)
	assert.Equal(t, *stored.ProviderMessageID, stored.DeliveryAttempts[0].ProviderMessageID)
	assert.Equal(t, 1, mockProvider.SendCalls())
}

func TestDeliver_AlreadySentMakesNoSecondCall(t *testing.T) {
	mockProvider := provider.NewMockEmailProvider(testLogger())
	service, repo := newDeliveryFixture(t, mockProvider)
	draft := seedApprovedDraft(t, repo)

	first, err := service.Deliver(context.Background(), draft.ID)
	require.NoError(t, err)

	second, err := service.Deliver(context.Background(), draft.ID)
	require.NoError(t, err)
	assert.True(t, second.OK)
	assert.Equal(t, *first.ProviderMessageID, *second.ProviderMessageID)
	assert.Equal(t, 1, mockProvider.SendCalls(), "a sent draft must not be sent again")
}

func TestDeliver_ConcurrentInvocationsSendOnce(t *testing.T) {
	mockProvider := provider.NewMockEmailProvider(testLogger())
	service, repo := newDeliveryFixture(t, mockProvider)
	draft := seedApprovedDraft(t, repo)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			service.Deliver(context.Background(), draft.ID)
		}()
	}
	wg.Wait()

	stored, err := repo.GetByID(context.Background(), draft.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, stored.Status)
	require.Len(t, stored.DeliveryAttempts, 1)
	assert.Equal(t, 1, mockProvider.SendCalls(), "racing workers must not double-send")
}

func TestDeliver_NotApprovedIsRefused(t *testing.T) {
	mockProvider := provider.NewMockEmailProvider(testLogger())
	service, repo := newDeliveryFixture(t, mockProvider)

	draft := domain.NewDraft("sess-1", "user-1", []string{"recipient@example.com"},
		"Subject", "Body text here.", "", "")
	require.NoError(t, repo.Create(context.Background(), draft))

	_, err := service.Deliver(context.Background(), draft.ID)
	assert.ErrorIs(t, err, domain.ErrNotApproved)
	assert.Equal(t, 0, mockProvider.SendCalls())
}

func TestDeliver_MissingDraft(t *testing.T) {
	service, _ := newDeliveryFixture(t, provider.NewMockEmailProvider(testLogger()))
	_, err := service.Deliver(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeliver_RetryableFailureSchedulesRetry(t *testing.T) {
	mockProvider := provider.NewMockEmailProvider(testLogger())
	mockProvider.FailWith = provider.NewRetryableSendError("server_error", errors.New("relay 503"))
	mockProvider.FailCount = 1
	service, repo := newDeliveryFixture(t, mockProvider)
	draft := seedApprovedDraft(t, repo)

	outcome, err := service.Deliver(context.Background(), draft.ID)
	require.Error(t, err)
	assert.True(t, outcome.Scheduled)

	stored, err := repo.GetByID(context.Background(), draft.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, stored.Status, "retryable failure keeps the draft approved")
	require.NotNil(t, stored.NextAttemptAt)
	assert.True(t, stored.NextAttemptAt.After(time.Now().UTC()), "retry is in the future")
	require.Len(t, stored.DeliveryAttempts, 1)
	assert.Equal(t, domain.AttemptOutcomeRetryable, stored.DeliveryAttempts[0].Outcome)
	assert.Equal(t, "server_error", stored.DeliveryAttempts[0].ErrorClass)

	// The next invocation succeeds.
	outcome, err = service.Deliver(context.Background(), draft.ID)
	require.NoError(t, err)
	assert.True(t, outcome.OK)

	stored, err = repo.GetByID(context.Background(), draft.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, stored.Status)
	assert.Nil(t, stored.NextAttemptAt)
	require.Len(t, stored.DeliveryAttempts, 2)
}

func TestDeliver_RetriesExhaustedAfterMaxAttempts(t *testing.T) {
	mockProvider := provider.NewMockEmailProvider(testLogger())
	mockProvider.FailWith = provider.NewRetryableSendError("server_error", errors.New("relay down"))
	mockProvider.FailCount = -1 // fail forever
	service, repo := newDeliveryFixture(t, mockProvider)
	draft := seedApprovedDraft(t, repo)

	for i := 0; i < 2; i++ {
		outcome, err := service.Deliver(context.Background(), draft.ID)
		require.Error(t, err)
		assert.True(t, outcome.Scheduled, "attempt %d schedules a retry", i+1)
	}

	_, err := service.Deliver(context.Background(), draft.ID)
	assert.ErrorIs(t, err, domain.ErrRetriesExhausted)

	stored, err := repo.GetByID(context.Background(), draft.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Nil(t, stored.ProviderMessageID)
	assert.Nil(t, stored.NextAttemptAt)
	assert.Len(t, stored.DeliveryAttempts, 3, "exactly max attempts, never more")
	assert.Equal(t, 3, mockProvider.SendCalls())

	// Terminal: a further invocation never reaches the provider.
	_, err = service.Deliver(context.Background(), draft.ID)
	assert.ErrorIs(t, err, domain.ErrNotApproved)
	assert.Equal(t, 3, mockProvider.SendCalls())
}

func TestDeliver_TerminalErrorFailsImmediately(t *testing.T) {
	mockProvider := provider.NewMockEmailProvider(testLogger())
	mockProvider.FailWith = provider.NewTerminalSendError("rejected", errors.New("relay said no"))
	mockProvider.FailCount = -1
	service, repo := newDeliveryFixture(t, mockProvider)
	draft := seedApprovedDraft(t, repo)

	_, err := service.Deliver(context.Background(), draft.ID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrRetriesExhausted)

	stored, err := repo.GetByID(context.Background(), draft.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status, "terminal error skips remaining retry budget")
	require.Len(t, stored.DeliveryAttempts, 1)
	assert.Equal(t, domain.AttemptOutcomeTerminal, stored.DeliveryAttempts[0].Outcome)
	assert.Equal(t, 1, mockProvider.SendCalls())
}

func TestDeliver_MissingCredentialIsTerminal(t *testing.T) {
	mockProvider := provider.NewMockEmailProvider(testLogger())
	repo := memory.NewMemDraftRepository()
	service := NewDeliveryService(repo, mockProvider,
		identity.StaticCredentialSource{}, // no token configured
		testLogger(), DeliveryConfig{})
	draft := seedApprovedDraft(t, repo)

	_, err := service.Deliver(context.Background(), draft.ID)
	require.Error(t, err)

	stored, err := repo.GetByID(context.Background(), draft.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	require.Len(t, stored.DeliveryAttempts, 1)
	assert.Equal(t, "credential_invalid", stored.DeliveryAttempts[0].ErrorClass)
	assert.Equal(t, 0, mockProvider.SendCalls(), "no transport call without a credential")
}

func TestDeliver_ReconcilesRecordedProviderMessageID(t *testing.T) {
	mockProvider := provider.NewMockEmailProvider(testLogger())
	service, repo := newDeliveryFixture(t, mockProvider)

	// Simulate a crash between persisting the success attempt and persisting
	// the sent status: approved draft with a recorded provider message id.
	draft := seedApprovedDraft(t, repo)
	stored, err := repo.GetByID(context.Background(), draft.ID)
	require.NoError(t, err)
	stored.AppendAttempt(domain.DeliveryAttempt{
		AttemptedAt:       time.Now().UTC().Add(-time.Minute),
		Outcome:           domain.AttemptOutcomeSuccess,
		ProviderMessageID: "pm-crash-123",
	})
	require.NoError(t, repo.Update(context.Background(), stored))

	outcome, err := service.Deliver(context.Background(), draft.ID)
	require.NoError(t, err)
	assert.True(t, outcome.OK)
	require.NotNil(t, outcome.ProviderMessageID)
	assert.Equal(t, "pm-crash-123", *outcome.ProviderMessageID)

	reloaded, err := repo.GetByID(context.Background(), draft.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, reloaded.Status)
	assert.Equal(t, "pm-crash-123", *reloaded.ProviderMessageID)
	assert.Equal(t, 0, mockProvider.SendCalls(), "reconciliation must not re-send")
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	service, _ := newDeliveryFixture(t, provider.NewMockEmailProvider(testLogger()))

	// base 1s, cap 1m; jitter adds at most 20%.
	for attempt, base := range map[int]time.Duration{
		1: time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
	} {
		d := service.backoff(attempt)
		assert.GreaterOrEqual(t, d, base, "attempt %d", attempt)
		assert.LessOrEqual(t, d, base+base/5, "attempt %d", attempt)
	}

	// Far past the cap.
	d := service.backoff(30)
	assert.GreaterOrEqual(t, d, time.Minute)
	assert.LessOrEqual(t, d, time.Minute+time.Minute/5)
}
