package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	appErrors "github.com/unclebandit/mailqueue-backend/internal/errors"
	"github.com/unclebandit/mailqueue-backend/internal/model"
	"github.com/unclebandit/mailqueue-backend/internal/repository"
	"github.com/unclebandit/mailqueue-backend/internal/service"
)

type fixture struct {
	repo     *repository.Repository
	dialer   *fakeDialer
	notifier *recordingNotifier
	worker   *service.Worker
	svc      *service.CampaignService
}

func newFixture(t *testing.T, autoStart bool) *fixture {
	t.Helper()
	f := &fixture{repo: newRepo(t), dialer: newFakeDialer(), notifier: &recordingNotifier{}}
	wc, sc := testConfig()
	wc.AutoStart = autoStart
	wc.SecondsBetweenLoops = 3600
	log := zaptest.NewLogger(t)
	f.worker = service.NewWorker(wc, sc, f.repo, f.dialer, f.notifier, log)
	f.svc = service.NewCampaignService(f.repo, f.worker, f.notifier, wc, log)
	t.Cleanup(func() { f.worker.Stop() })
	return f
}

func (f *fixture) create(t *testing.T) *model.Campaign {
	t.Helper()
	c := &model.Campaign{Name: "Spring sale", Subject: "20% off", Sender: " shop@x.com ", Body: "<h1>Sale</h1><p>Today only</p>"}
	require.NoError(t, f.svc.CreateCampaign(context.Background(), c))
	return c
}

func TestCreateCampaign(t *testing.T) {
	f := newFixture(t, false)
	c := f.create(t)

	assert.NotZero(t, c.ID)
	assert.Equal(t, "shop@x.com", c.Sender)
	assert.Equal(t, model.CampaignRunning, c.State)
	assert.Equal(t, "Sale\nToday only", c.TextBody)
	assert.Equal(t, 1, f.notifier.count(c.ID))
}

func TestCreateCampaign_Validation(t *testing.T) {
	f := newFixture(t, false)
	cases := map[string]struct {
		campaign model.Campaign
		field    string
	}{
		"missing name":  {model.Campaign{Subject: "s", Sender: "a@x.com", Body: "b"}, "name"},
		"bad sender":    {model.Campaign{Name: "n", Subject: "s", Sender: "not-an-address", Body: "b"}, "sender"},
		"missing body":  {model.Campaign{Name: "n", Subject: "s", Sender: "a@x.com"}, "body"},
		"missing title": {model.Campaign{Name: "n", Sender: "a@x.com", Body: "b"}, "subject"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := f.svc.CreateCampaign(context.Background(), &tc.campaign)
			var verr *appErrors.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestUpdateCampaign(t *testing.T) {
	f := newFixture(t, false)
	c := f.create(t)
	ctx := context.Background()

	require.NoError(t, f.svc.UpdateCampaign(ctx, c.ID, model.CampaignPatch{Body: model.Ptr("<p>New body</p>")}))
	got, err := f.svc.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "New body", got.TextBody)
	assert.Equal(t, "20% off", got.Subject)

	var verr *appErrors.ValidationError
	assert.ErrorAs(t, f.svc.UpdateCampaign(ctx, c.ID, model.CampaignPatch{}), &verr)
	assert.ErrorAs(t, f.svc.UpdateCampaign(ctx, c.ID, model.CampaignPatch{Sender: model.Ptr("nope")}), &verr)
	assert.Equal(t, "sender", verr.Field)
	assert.ErrorAs(t, f.svc.UpdateCampaign(ctx, c.ID, model.CampaignPatch{Name: model.Ptr("  ")}), &verr)
	assert.ErrorAs(t, f.svc.UpdateCampaign(ctx, c.ID, model.CampaignPatch{State: model.Ptr(model.CampaignPaused)}), &verr)

	err = f.svc.UpdateCampaign(ctx, 999, model.CampaignPatch{Name: model.Ptr("x")})
	assert.True(t, appErrors.IsNotFound(err))
}

func TestAddAttempts(t *testing.T) {
	f := newFixture(t, false)
	c := f.create(t)
	ctx := context.Background()

	added, err := f.svc.AddAttempts(ctx, c.ID, []string{"a@y.com", " b@y.com"})
	require.NoError(t, err)
	require.Len(t, added, 2)
	assert.Equal(t, "b@y.com", added[1].Email)
	assert.Equal(t, model.StatusUnsent, added[0].Status)

	_, err = f.svc.AddAttempts(ctx, c.ID, []string{"c@y.com", "broken"})
	var verr *appErrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Message, "broken")

	list, err := f.svc.ListAttempts(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, list, 2, "nothing stored from a rejected batch")

	_, err = f.svc.AddAttempts(ctx, c.ID, nil)
	assert.ErrorAs(t, err, &verr)

	_, err = f.svc.AddAttempts(ctx, 999, []string{"a@y.com"})
	assert.True(t, appErrors.IsNotFound(err))

	_, err = f.svc.ListAttempts(ctx, 999)
	assert.True(t, appErrors.IsNotFound(err))
	assert.False(t, f.worker.Running(), "auto start disabled")
}

func TestAddAttempts_AutoStartsWorker(t *testing.T) {
	f := newFixture(t, true)
	c := f.create(t)

	_, err := f.svc.AddAttempts(context.Background(), c.ID, []string{"a@y.com"})
	require.NoError(t, err)
	assert.True(t, f.svc.QueueStatus().Running)
}

func TestTogglePause_PausesAndResetsAttempts(t *testing.T) {
	f := newFixture(t, false)
	c := f.create(t)
	ctx := context.Background()
	_, err := f.svc.AddAttempts(ctx, c.ID, []string{"a@y.com", "b@y.com", "c@y.com"})
	require.NoError(t, err)

	f.dialer.sendErr = assert.AnError
	_, err = f.worker.Tick(ctx)
	require.NoError(t, err)
	f.dialer.sendErr = nil

	state, err := f.svc.TogglePause(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignPaused, state)
	for _, a := range attemptsByEmail(t, f.repo, c.ID) {
		assert.Equal(t, model.StatusPaused, a.Status)
		assert.Equal(t, 1, a.Attempts, "pausing keeps history")
	}

	found, err := f.worker.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, found, "paused attempts are not eligible")

	state, err = f.svc.TogglePause(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignRunning, state)
	for _, a := range attemptsByEmail(t, f.repo, c.ID) {
		assert.Equal(t, model.StatusUnsent, a.Status)
		assert.Zero(t, a.Attempts)
		assert.Nil(t, a.Result)
		assert.Nil(t, a.MessageID)
		assert.Equal(t, appErrors.CodeNone, a.ErrorCode)
	}

	_, err = f.svc.TogglePause(ctx, 999)
	assert.True(t, appErrors.IsNotFound(err))
}

func TestTogglePause_ResumeAutoStarts(t *testing.T) {
	f := newFixture(t, true)
	c := f.create(t)
	ctx := context.Background()
	_, err := f.svc.TogglePause(ctx, c.ID)
	require.NoError(t, err)
	_, err = f.svc.AddAttempts(ctx, c.ID, []string{"a@y.com"})
	require.NoError(t, err)
	f.svc.StopQueue()

	_, err = f.worker.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, model.StatusPaused, attemptsByEmail(t, f.repo, c.ID)["a@y.com"].Status)

	_, err = f.svc.TogglePause(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, f.worker.Running())
}

func TestRemoveAttemptAndCampaign(t *testing.T) {
	f := newFixture(t, false)
	c := f.create(t)
	ctx := context.Background()
	added, err := f.svc.AddAttempts(ctx, c.ID, []string{"a@y.com", "b@y.com"})
	require.NoError(t, err)

	email, err := f.svc.RemoveAttempt(ctx, added[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "a@y.com", email)

	_, err = f.svc.RemoveAttempt(ctx, added[0].ID)
	assert.True(t, appErrors.IsNotFound(err))

	require.NoError(t, f.svc.RemoveCampaign(ctx, c.ID))
	_, err = f.svc.GetCampaign(ctx, c.ID)
	assert.True(t, appErrors.IsNotFound(err))

	all, err := f.svc.ListAllAttempts(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.GreaterOrEqual(t, f.notifier.lists, 2)
}

func TestGetCampaign_AttemptsNewestFirst(t *testing.T) {
	f := newFixture(t, false)
	c := f.create(t)
	ctx := context.Background()
	added, err := f.svc.AddAttempts(ctx, c.ID, []string{"old@y.com", "new@y.com"})
	require.NoError(t, err)
	require.NoError(t, f.repo.UpdateAttempt(ctx, added[0].ID, model.AttemptPatch{
		LastAttempt: model.Ptr(time.Now().Add(time.Hour)),
	}))

	got, err := f.svc.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, got.EmailAttempts, 2)
	assert.Equal(t, "old@y.com", got.EmailAttempts[0].Email)

	list, err := f.svc.ListCampaigns(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].EmailCount)
}

func TestQueueControl(t *testing.T) {
	f := newFixture(t, false)
	assert.True(t, f.svc.StartQueue())
	assert.False(t, f.svc.StartQueue())
	assert.Equal(t, service.Status{Running: true, MaxAttempts: 3, SecondsBetweenLoops: 3600}, f.svc.QueueStatus())
	assert.True(t, f.svc.StopQueue())
	assert.False(t, f.svc.StopQueue())
}
