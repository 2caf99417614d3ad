package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/freight-trips/internal/apperr"
	"github.com/example/freight-trips/internal/dispatch"
	"github.com/example/freight-trips/internal/logging"
	"github.com/example/freight-trips/internal/models"
	"github.com/example/freight-trips/internal/storage"
)

var (
	driver = models.Actor{UserID: "driver-1", Role: models.RoleDriver}
	owner  = models.Actor{UserID: "owner-1", Role: models.RoleOwner}
	admin  = models.Actor{UserID: "admin-1", Role: models.RoleAdmin}
)

func setup(t *testing.T) (*Machine, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, models.Job{
		ID: "job-1", OwnerID: owner.UserID, Title: "Grain to port", Status: models.JobOpen,
		Price: 150000, Currency: "usd", RequiredSlots: 1,
	}))
	_, err := store.Bind(ctx, storage.BindRequest{JobID: "job-1", DriverID: driver.UserID, Price: 140000, PaymentIntentID: "pi_123", At: time.Now()})
	require.NoError(t, err)
	return NewMachine(store, store, store, logging.Discard()), store
}

func advance(t *testing.T, m *Machine, actor models.Actor, from, to models.Status) Result {
	t.Helper()
	res, err := m.Transition(context.Background(), Request{JobID: "job-1", DriverID: driver.UserID, Actor: actor, Expected: from, Requested: to})
	require.NoError(t, err, "%s -> %s", from, to)
	return res
}

func TestSkippingAStepIsInvalid(t *testing.T) {
	m, store := setup(t)
	_, err := m.Transition(context.Background(), Request{
		JobID: "job-1", DriverID: driver.UserID, Actor: driver,
		Expected: models.StatusAccepted, Requested: models.StatusLoaded,
	})
	var it *apperr.InvalidTransitionError
	require.ErrorAs(t, err, &it)
	assert.False(t, apperr.Retryable(err))

	res := advance(t, m, driver, models.StatusAccepted, models.StatusLoading)
	assert.Equal(t, models.StatusLoading, res.NewStatus)
	assert.Equal(t, int64(2), res.Version)

	tp, err := store.GetCurrent(context.Background(), "job-1", driver.UserID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusLoading, tp.CurrentStatus)
	a, err := store.ActiveAssignment(context.Background(), "job-1", driver.UserID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusLoading, a.Status, "assignment mirrors trip progress")
}

func TestStaleExpectedStatus(t *testing.T) {
	m, _ := setup(t)
	advance(t, m, driver, models.StatusAccepted, models.StatusLoading)

	_, err := m.Transition(context.Background(), Request{
		JobID: "job-1", DriverID: driver.UserID, Actor: driver,
		Expected: models.StatusAccepted, Requested: models.StatusLoading,
	})
	var se *apperr.StaleStateError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "LOADING", se.Actual)
	assert.True(t, apperr.Retryable(err))
}

func TestConcurrentTransitionsHaveOneWinner(t *testing.T) {
	m, _ := setup(t)
	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Transition(context.Background(), Request{
				JobID: "job-1", DriverID: driver.UserID, Actor: driver,
				Expected: models.StatusAccepted, Requested: models.StatusLoading,
			})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		var se *apperr.StaleStateError
		assert.True(t, errors.As(err, &se), "loser must see stale state, got %v", err)
	}
	assert.Equal(t, 1, wins)
}

func TestFullLifecycle(t *testing.T) {
	m, store := setup(t)
	steps := []struct {
		actor    models.Actor
		from, to models.Status
	}{
		{driver, models.StatusAccepted, models.StatusLoading},
		{driver, models.StatusLoading, models.StatusLoaded},
		{driver, models.StatusLoaded, models.StatusInTransit},
		{driver, models.StatusInTransit, models.StatusDelivered},
		{driver, models.StatusDelivered, models.StatusDeliveredPendingConfirmation},
		{owner, models.StatusDeliveredPendingConfirmation, models.StatusCompleted},
	}
	for _, s := range steps {
		advance(t, m, s.actor, s.from, s.to)
	}
	_, err := store.GetCurrent(context.Background(), "job-1", driver.UserID)
	var nf *apperr.NotFoundError
	assert.ErrorAs(t, err, &nf, "terminal trips leave the live table")
	require.Len(t, store.Archived(), 1)
	assert.Equal(t, models.StatusCompleted, store.Archived()[0].CurrentStatus)
}

func TestAllowList(t *testing.T) {
	cases := []struct {
		name      string
		path      []models.Status
		actor     models.Actor
		requested models.Status
		code      string
	}{
		{"driver cannot confirm", pathTo(models.StatusDeliveredPendingConfirmation), driver, models.StatusCompleted, apperr.CodeNotAuthorized},
		{"owner cannot advance", nil, owner, models.StatusLoading, apperr.CodeNotAuthorized},
		{"driver cancels before loading", nil, driver, models.StatusCancelled, ""},
		{"driver cannot cancel while loading", pathTo(models.StatusLoading), driver, models.StatusCancelled, apperr.CodeNotAuthorized},
		{"owner cancels while loading", pathTo(models.StatusLoading), owner, models.StatusCancelled, ""},
		{"owner cannot cancel in transit", pathTo(models.StatusInTransit), owner, models.StatusCancelled, apperr.CodeNotAuthorized},
		{"admin cancels in transit", pathTo(models.StatusInTransit), admin, models.StatusCancelled, ""},
		{"owner rejects delivery", pathTo(models.StatusDelivered), owner, models.StatusRejected, ""},
		{"owner cannot reject before delivery", pathTo(models.StatusLoaded), owner, models.StatusRejected, apperr.CodeNotAuthorized},
		{"other owner", nil, models.Actor{UserID: "other-owner", Role: models.RoleOwner}, models.StatusLoading, apperr.CodeNotAuthorized},
		{"driver cannot reject", pathTo(models.StatusDeliveredPendingConfirmation), driver, models.StatusRejected, apperr.CodeNotAuthorized},
		{"stranger", nil, models.Actor{UserID: "driver-2", Role: models.RoleDriver}, models.StatusLoading, apperr.CodeNotAuthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, _ := setup(t)
			cur := models.StatusAccepted
			for _, next := range tc.path {
				actor := driver
				advance(t, m, actor, cur, next)
				cur = next
			}
			_, err := m.Transition(context.Background(), Request{
				JobID: "job-1", DriverID: driver.UserID, Actor: tc.actor, Expected: cur, Requested: tc.requested,
			})
			assert.Equal(t, tc.code, apperr.Code(err))
		})
	}
}

func TestAdminRejectsFromEveryLiveStatus(t *testing.T) {
	live := []models.Status{
		models.StatusAccepted,
		models.StatusLoading,
		models.StatusLoaded,
		models.StatusInTransit,
		models.StatusDelivered,
		models.StatusDeliveredPendingConfirmation,
	}
	for _, from := range live {
		t.Run(string(from), func(t *testing.T) {
			m, store := setup(t)
			cur := models.StatusAccepted
			for _, next := range pathTo(from) {
				advance(t, m, driver, cur, next)
				cur = next
			}
			res := advance(t, m, admin, from, models.StatusRejected)
			assert.Equal(t, models.StatusRejected, res.NewStatus)
			require.Len(t, store.Archived(), 1)
			assert.Equal(t, models.StatusRejected, store.Archived()[0].CurrentStatus)
		})
	}
}

func TestStrangerGetsNotAuthorized(t *testing.T) {
	m, _ := setup(t)
	_, err := m.Transition(context.Background(), Request{
		JobID: "job-1", DriverID: driver.UserID, Actor: models.Actor{UserID: "other-owner", Role: models.RoleOwner},
		Expected: models.StatusAccepted, Requested: models.StatusLoading,
	})
	var na *apperr.NotAuthorizedError
	require.ErrorAs(t, err, &na)
	assert.Equal(t, apperr.CodeNotAuthorized, apperr.Code(err))
	assert.Equal(t, 403, apperr.HTTPStatus(err))
}

// pathTo lists the driver-owned steps from ACCEPTED up to s.
func pathTo(s models.Status) []models.Status {
	var out []models.Status
	for cur := models.StatusAccepted; cur != s; {
		next, _ := Next(cur)
		out = append(out, next)
		cur = next
	}
	return out
}

func TestValidationBeforeStateRead(t *testing.T) {
	m, _ := setup(t)
	_, err := m.Transition(context.Background(), Request{JobID: "job-1", DriverID: driver.UserID, Actor: driver, Expected: "PARKED", Requested: models.StatusLoading})
	assert.Equal(t, apperr.CodeValidation, apperr.Code(err))

	_, err = m.Transition(context.Background(), Request{JobID: "job-1", DriverID: driver.UserID, Expected: models.StatusAccepted, Requested: models.StatusLoading})
	assert.Equal(t, apperr.CodeUnauthenticated, apperr.Code(err))

	_, err = m.Transition(context.Background(), Request{JobID: "nope", DriverID: driver.UserID, Actor: driver, Expected: models.StatusAccepted, Requested: models.StatusLoading})
	assert.Equal(t, apperr.CodeNotFound, apperr.Code(err))
}

type recordingPayments struct{ got []PaymentTrigger }

func (r *recordingPayments) Trigger(_ context.Context, p PaymentTrigger) error {
	r.got = append(r.got, p)
	return nil
}

func TestEffectsAreReturnedAndRunBestEffort(t *testing.T) {
	m, store := setup(t)
	for _, next := range pathTo(models.StatusInTransit) {
		tp, err := store.GetCurrent(context.Background(), "job-1", driver.UserID)
		require.NoError(t, err)
		advance(t, m, driver, tp.CurrentStatus, next)
	}
	res := advance(t, m, driver, models.StatusInTransit, models.StatusDelivered)

	kinds := map[EffectKind]int{}
	for _, e := range res.Effects {
		kinds[e.Kind]++
	}
	assert.Equal(t, map[EffectKind]int{EffectAggregateUpdate: 1, EffectTimeline: 1, EffectNotify: 1, EffectPaymentTrigger: 1}, kinds)

	pay := &recordingPayments{}
	runner := &EffectRunner{
		Jobs:     store,
		Timeline: store,
		Notifier: dispatch.NotifierFunc(func(context.Context, dispatch.Notification) error { return errors.New("push down") }),
		Payments: pay,
		Logger:   logging.Discard(),
	}
	failed := runner.Run(context.Background(), res.Effects)
	assert.Equal(t, 1, failed)

	job, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobDelivered, job.Status)

	tl, err := store.Timeline(context.Background(), "job-1")
	require.NoError(t, err)
	require.NotEmpty(t, tl)
	assert.Equal(t, models.StatusDelivered, tl[len(tl)-1].To)

	require.Len(t, pay.got, 1)
	assert.Equal(t, PaymentFiscalDocument, pay.got[0].Event)
	assert.Equal(t, "pi_123", pay.got[0].PaymentIntentID)
	assert.Equal(t, int64(140000), pay.got[0].Amount)

	tp, err := store.GetCurrent(context.Background(), "job-1", driver.UserID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, tp.CurrentStatus, "failed effects never roll back")
}

func TestNotificationGoesToCounterpart(t *testing.T) {
	m, _ := setup(t)
	res := advance(t, m, driver, models.StatusAccepted, models.StatusLoading)
	var to []string
	for _, e := range res.Effects {
		if e.Kind == EffectNotify {
			to = append(to, e.Notification.UserID)
		}
	}
	assert.Equal(t, []string{owner.UserID}, to)

	res = advance(t, m, admin, models.StatusLoading, models.StatusCancelled)
	to = nil
	for _, e := range res.Effects {
		if e.Kind == EffectNotify {
			to = append(to, e.Notification.UserID)
		}
	}
	assert.ElementsMatch(t, []string{owner.UserID, driver.UserID}, to)
}

func TestCancelWithdrawsAcceptedProposal(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.CreateJob(ctx, models.Job{ID: "job-1", OwnerID: owner.UserID, Status: models.JobOpen, Price: 9000, RequiredSlots: 1}))
	require.NoError(t, store.CreateProposal(ctx, models.Proposal{ID: "p1", JobID: "job-1", DriverID: driver.UserID, Price: 9500, Status: models.ProposalPending}))
	_, err := store.Bind(ctx, storage.BindRequest{JobID: "job-1", DriverID: driver.UserID, Price: 9500, ProposalID: "p1", At: time.Now()})
	require.NoError(t, err)
	m := NewMachine(store, store, store, logging.Discard())

	res := advance(t, m, owner, models.StatusAccepted, models.StatusCancelled)
	var cleanup int
	for _, e := range res.Effects {
		if e.Kind == EffectProposalCleanup {
			cleanup++
		}
	}
	require.Equal(t, 1, cleanup)

	runner := &EffectRunner{Jobs: store, Timeline: store, Proposals: store, Logger: logging.Discard()}
	assert.Zero(t, runner.Run(ctx, res.Effects))
	p, err := store.GetProposal(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.ProposalCancelled, p.Status)
}
