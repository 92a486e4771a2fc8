package tracker_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/xerrors"

	"cdr.dev/slog/sloggers/slogtest"

	"github.com/forgelink/forgelink/tracker"
	"github.com/forgelink/forgelink/usage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testNow = time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type fakeSettings struct {
	mu     sync.Mutex
	values map[string]bool
	writes int
}

func newFakeSettings(enabled bool) *fakeSettings {
	return &fakeSettings{values: map[string]bool{tracker.SettingMetricsEnabled: enabled}}
}

func (s *fakeSettings) GetBool(key string, defaultValue bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value, ok := s.values[key]; ok {
		return value
	}
	return defaultValue
}

func (s *fakeSettings) SetBool(key string, value bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	s.writes++
}

func (s *fakeSettings) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// fakeClient records every PostUsage attempt and fails while err is set.
type fakeClient struct {
	mu    sync.Mutex
	err   error
	calls [][]usage.Entry
}

func (c *fakeClient) PostUsage(_ context.Context, reports []usage.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.calls = append(c.calls, reports)
	return nil
}

func (c *fakeClient) setError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *fakeClient) sent() [][]usage.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func testOptions(t *testing.T, s tracker.Settings, c tracker.Client, clock quartz.Clock) (tracker.Options, *tracker.StoreFile) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "usage.json")
	log := slogtest.Make(t, nil)
	options := tracker.Options{
		Logger:       log,
		Settings:     s,
		Client:       c,
		Clock:        clock,
		StorePath:    path,
		InstallID:    "install-1",
		AppVersion:   "v1.4.0",
		UnityVersion: "2022.3.10f1",
		Lang:         "en",
		CurrentLang:  "en-US",
	}
	return options, tracker.NewStoreFile(path, "install-1", log)
}

// seedReport writes a store containing one report with the given startup
// count on the UTC day of at.
func seedReport(t *testing.T, sf *tracker.StoreFile, at time.Time, startups int) {
	t.Helper()
	ctx := testContext(t)
	store := sf.Load(ctx)
	entry := store.Model.EntryFor(at, usage.Context{AppVersion: "v1.4.0"})
	entry.Measures.NumberOfStartups = startups
	sf.Save(ctx, store)
}

func TestTrackerIncrement(t *testing.T) {
	t.Parallel()

	t.Run("SameDay", func(t *testing.T) {
		t.Parallel()
		ctx := testContext(t)
		mClock := quartz.NewMock(t)
		mClock.Set(testNow).MustWait(ctx)
		options, sf := testOptions(t, newFakeSettings(false), nil, mClock)
		tr := tracker.New(options)
		defer tr.Close()

		tr.IncrementStartups()
		tr.IncrementStartups()
		tr.IncrementCommits()
		tr.IncrementFetches()
		tr.IncrementPushes()
		tr.IncrementProjectsInitialized()
		tr.IncrementLocalBranchCreations()
		tr.IncrementLocalBranchDeletions()
		tr.IncrementLocalBranchCheckouts()
		tr.IncrementRemoteBranchCheckouts()
		tr.IncrementPulls()
		tr.IncrementPulls()
		tr.IncrementPulls()
		tr.IncrementAuthentications()

		store := sf.Load(ctx)
		require.Len(t, store.Model.Reports, 1, "one day of activity must produce exactly one bucket")
		entry := store.Model.Reports[0]
		assert.True(t, usage.Day(testNow).Equal(entry.Dimensions.Date))
		assert.Equal(t, "install-1", entry.Dimensions.Guid)
		assert.Equal(t, "v1.4.0", entry.Dimensions.AppVersion)
		assert.Equal(t, "2022.3.10f1", entry.Dimensions.UnityVersion)
		assert.Equal(t, usage.Measures{
			NumberOfStartups:      2,
			Commits:               1,
			Fetches:               1,
			Pushes:                1,
			ProjectsInitialized:   1,
			LocalBranchCreations:  1,
			LocalBranchDeletions:  1,
			LocalBranchCheckouts:  1,
			RemoteBranchCheckouts: 1,
			Pulls:                 3,
			Authentications:       1,
		}, entry.Measures)
	})

	t.Run("SeparateDays", func(t *testing.T) {
		t.Parallel()
		ctx := testContext(t)
		mClock := quartz.NewMock(t)
		mClock.Set(testNow).MustWait(ctx)
		options, sf := testOptions(t, newFakeSettings(false), nil, mClock)
		tr := tracker.New(options)
		defer tr.Close()

		tr.IncrementCommits()
		tr.IncrementCommits()
		mClock.Advance(24 * time.Hour).MustWait(ctx)
		tr.IncrementCommits()

		store := sf.Load(ctx)
		require.Len(t, store.Model.Reports, 2)
		assert.Equal(t, 2, store.Model.Reports[0].Measures.Commits)
		assert.Equal(t, 1, store.Model.Reports[1].Measures.Commits)
		assert.False(t, store.Model.Reports[0].Dimensions.Date.Equal(store.Model.Reports[1].Dimensions.Date))
	})

	t.Run("CountsWhileDisabled", func(t *testing.T) {
		t.Parallel()
		ctx := testContext(t)
		mClock := quartz.NewMock(t)
		mClock.Set(testNow).MustWait(ctx)
		options, sf := testOptions(t, newFakeSettings(false), nil, mClock)
		tr := tracker.New(options)
		defer tr.Close()

		// Opting out stops uploads, not local counting.
		tr.IncrementAuthentications()
		store := sf.Load(ctx)
		require.Len(t, store.Model.Reports, 1)
		assert.Equal(t, 1, store.Model.Reports[0].Measures.Authentications)
	})
}

func TestTrackerFlush(t *testing.T) {
	t.Parallel()

	t.Run("Success", func(t *testing.T) {
		t.Parallel()
		ctx := testContext(t)
		mClock := quartz.NewMock(t)
		mClock.Set(testNow).MustWait(ctx)
		client := &fakeClient{}
		options, sf := testOptions(t, newFakeSettings(true), client, mClock)
		seedReport(t, sf, testNow.AddDate(0, 0, -1), 4)
		seedReport(t, sf, testNow, 1)
		tr := tracker.New(options)
		defer tr.Close()

		tr.Flush(ctx)

		sent := client.sent()
		require.Len(t, sent, 1)
		require.Len(t, sent[0], 1, "today's bucket must not be sent")
		assert.True(t, usage.Day(testNow.AddDate(0, 0, -1)).Equal(sent[0][0].Dimensions.Date))
		assert.Equal(t, 4, sent[0][0].Measures.NumberOfStartups)

		store := sf.Load(ctx)
		require.Len(t, store.Model.Reports, 1, "sent reports must be purged")
		assert.True(t, usage.Day(testNow).Equal(store.Model.Reports[0].Dimensions.Date))
		assert.True(t, testNow.Equal(store.LastUpdated))

		// A second flush on the same day performs no transport call.
		tr.Flush(ctx)
		assert.Len(t, client.sent(), 1)
	})

	t.Run("TransportFailureKeepsReports", func(t *testing.T) {
		t.Parallel()
		ctx := testContext(t)
		mClock := quartz.NewMock(t)
		mClock.Set(testNow).MustWait(ctx)
		client := &fakeClient{}
		client.setError(xerrors.New("metrics service unavailable"))
		options, sf := testOptions(t, newFakeSettings(true), client, mClock)
		seedReport(t, sf, testNow.AddDate(0, 0, -2), 2)
		seedReport(t, sf, testNow.AddDate(0, 0, -1), 3)
		tr := tracker.New(options)
		defer tr.Close()

		tr.Flush(ctx)
		store := sf.Load(ctx)
		assert.Len(t, store.Model.Reports, 2, "failed uploads must not lose data")
		assert.True(t, store.LastUpdated.IsZero())

		// The next attempt with a healthy transport sends the same reports.
		client.setError(nil)
		tr.Flush(ctx)
		sent := client.sent()
		require.Len(t, sent, 1)
		assert.Len(t, sent[0], 2)
		store = sf.Load(ctx)
		assert.Empty(t, store.Model.Reports)
		assert.True(t, testNow.Equal(store.LastUpdated))
	})

	t.Run("NothingToSend", func(t *testing.T) {
		t.Parallel()
		ctx := testContext(t)
		mClock := quartz.NewMock(t)
		mClock.Set(testNow).MustWait(ctx)
		client := &fakeClient{}
		options, sf := testOptions(t, newFakeSettings(true), client, mClock)
		seedReport(t, sf, testNow, 1)
		tr := tracker.New(options)
		defer tr.Close()

		tr.Flush(ctx)
		assert.Empty(t, client.sent())
		store := sf.Load(ctx)
		assert.True(t, store.LastUpdated.IsZero(), "an empty flush is not a successful flush")
		assert.Len(t, store.Model.Reports, 1)
	})

	t.Run("DisabledAbortsBeforeSend", func(t *testing.T) {
		t.Parallel()
		ctx := testContext(t)
		mClock := quartz.NewMock(t)
		mClock.Set(testNow).MustWait(ctx)
		client := &fakeClient{}
		options, sf := testOptions(t, newFakeSettings(false), client, mClock)
		seedReport(t, sf, testNow.AddDate(0, 0, -1), 4)
		tr := tracker.New(options)
		defer tr.Close()

		tr.Flush(ctx)
		assert.Empty(t, client.sent())
		store := sf.Load(ctx)
		assert.Len(t, store.Model.Reports, 1)
		assert.True(t, store.LastUpdated.IsZero())
	})

	t.Run("NoClient", func(t *testing.T) {
		t.Parallel()
		ctx := testContext(t)
		mClock := quartz.NewMock(t)
		mClock.Set(testNow).MustWait(ctx)
		options, sf := testOptions(t, newFakeSettings(true), nil, mClock)
		seedReport(t, sf, testNow.AddDate(0, 0, -1), 4)
		tr := tracker.New(options)
		defer tr.Close()

		tr.Flush(ctx)
		store := sf.Load(ctx)
		assert.Len(t, store.Model.Reports, 1)
		assert.True(t, store.LastUpdated.IsZero())
	})
}

func TestTrackerSchedule(t *testing.T) {
	t.Parallel()

	t.Run("InitialDelay", func(t *testing.T) {
		t.Parallel()
		ctx := testContext(t)
		mClock := quartz.NewMock(t)
		mClock.Set(testNow).MustWait(ctx)
		client := &fakeClient{}
		options, sf := testOptions(t, newFakeSettings(true), client, mClock)
		seedReport(t, sf, testNow.AddDate(0, 0, -1), 4)

		trap := mClock.Trap().AfterFunc()
		defer trap.Close()
		var tr *tracker.Tracker
		done := make(chan struct{})
		go func() {
			defer close(done)
			tr = tracker.New(options)
		}()
		call := trap.MustWait(ctx)
		call.MustRelease(ctx)
		assert.Equal(t, 3*time.Minute, call.Duration, "the first flush must not race application startup")
		<-done
		defer tr.Close()

		mClock.Advance(3 * time.Minute).MustWait(ctx)
		require.Len(t, client.sent(), 1)

		// The scheduler is one-shot: nothing re-arms it after a flush.
		mClock.Advance(24 * time.Hour).MustWait(ctx)
		assert.Len(t, client.sent(), 1)
	})

	t.Run("OptInArmsShortDelay", func(t *testing.T) {
		t.Parallel()
		ctx := testContext(t)
		mClock := quartz.NewMock(t)
		mClock.Set(testNow).MustWait(ctx)
		client := &fakeClient{}
		settings := newFakeSettings(false)
		options, sf := testOptions(t, settings, client, mClock)
		seedReport(t, sf, testNow.AddDate(0, 0, -1), 4)
		tr := tracker.New(options)
		defer tr.Close()

		trap := mClock.Trap().AfterFunc()
		defer trap.Close()
		done := make(chan struct{})
		go func() {
			defer close(done)
			tr.SetEnabled(true)
		}()
		call := trap.MustWait(ctx)
		call.MustRelease(ctx)
		assert.Equal(t, 30*time.Second, call.Duration, "opting in should flush soon")
		<-done
		require.Equal(t, 1, settings.writeCount())

		// Re-enabling is a no-op: no setting write, no new timer.
		tr.SetEnabled(true)
		assert.Equal(t, 1, settings.writeCount())

		mClock.Advance(30 * time.Second).MustWait(ctx)
		assert.Len(t, client.sent(), 1)
	})

	t.Run("DisableCancelsPending", func(t *testing.T) {
		t.Parallel()
		ctx := testContext(t)
		mClock := quartz.NewMock(t)
		mClock.Set(testNow).MustWait(ctx)
		client := &fakeClient{}
		settings := newFakeSettings(true)
		options, sf := testOptions(t, settings, client, mClock)
		seedReport(t, sf, testNow.AddDate(0, 0, -1), 4)
		tr := tracker.New(options)
		defer tr.Close()

		tr.SetEnabled(false)
		require.Equal(t, 1, settings.writeCount())

		mClock.Advance(24 * time.Hour).MustWait(ctx)
		assert.Empty(t, client.sent())
		store := sf.Load(ctx)
		assert.Len(t, store.Model.Reports, 1)
	})

	t.Run("DisableTwiceIsNoop", func(t *testing.T) {
		t.Parallel()
		ctx := testContext(t)
		mClock := quartz.NewMock(t)
		mClock.Set(testNow).MustWait(ctx)
		settings := newFakeSettings(false)
		options, _ := testOptions(t, settings, nil, mClock)
		tr := tracker.New(options)
		defer tr.Close()

		tr.SetEnabled(false)
		assert.Zero(t, settings.writeCount())
	})
}
