// Package tracker records counts of discrete Forgelink actions into a
// durable local store and periodically flushes unsent daily aggregates to
// the metrics service. All failure modes degrade to "try again later" or
// "start from empty"; nothing here ever surfaces an error to the editor.
package tracker

import (
	"context"
	"sync"
	"time"

	"cdr.dev/slog"
	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/forgelink/forgelink/usage"
)

// SettingMetricsEnabled is the settings key backing the Enabled property.
const SettingMetricsEnabled = "metrics.enabled"

const (
	// firstFlushDelay spaces the first flush attempt away from editor
	// startup so launching the application never races a network call.
	firstFlushDelay = 3 * time.Minute
	// optInFlushDelay is used when the user just enabled reporting and a
	// flush should be attempted soon.
	optInFlushDelay = 30 * time.Second
)

// Settings stores user preferences for the host application. Only the
// metrics-enabled flag is consulted here.
type Settings interface {
	GetBool(key string, defaultValue bool) bool
	SetBool(key string, value bool)
}

// Client posts usage reports to the metrics service. Implementations must
// return an error for any submission that was not accepted; the reports are
// then retained locally and resent on a later flush.
type Client interface {
	PostUsage(ctx context.Context, reports []usage.Entry) error
}

// Options configures a Tracker.
type Options struct {
	Logger   slog.Logger
	Settings Settings
	// Client may be nil, in which case flushes log and do nothing.
	Client Client
	// Clock defaults to the real clock.
	Clock quartz.Clock

	// StorePath is the location of the persisted usage store.
	StorePath string
	// InstallID is the stable opaque identifier of this installation.
	// A random one is generated when empty.
	InstallID string

	AppVersion   string
	UnityVersion string
	// Lang is the editor UI language; CurrentLang the user-preferred one.
	// Both default to the detected host locale.
	Lang        string
	CurrentLang string
}

// Tracker is the usage-metrics accumulator. Every counter increment is a
// full load-mutate-save cycle against the store file, serialized by one
// mutex, so each recorded action is durable on its own.
type Tracker struct {
	log      slog.Logger
	settings Settings
	client   Client
	clock    quartz.Clock
	store    *StoreFile
	env      usage.Context

	mu sync.Mutex
	// timer is non-nil exactly while a flush is armed. It is cleared the
	// moment it fires, so the scheduler is one-shot: only construction and
	// an explicit opt-in re-arm it.
	timer *quartz.Timer
}

// New returns a tracker and, if reporting is enabled, arms the initial
// delayed flush.
func New(options Options) *Tracker {
	if options.Clock == nil {
		options.Clock = quartz.NewReal()
	}
	if options.InstallID == "" {
		options.InstallID = uuid.NewString()
	}
	locale := DetectLocale()
	if options.Lang == "" {
		options.Lang = locale
	}
	if options.CurrentLang == "" {
		options.CurrentLang = locale
	}

	t := &Tracker{
		log:      options.Logger,
		settings: options.Settings,
		client:   options.Client,
		clock:    options.Clock,
		store:    NewStoreFile(options.StorePath, options.InstallID, options.Logger),
		env: usage.Context{
			AppVersion:   options.AppVersion,
			UnityVersion: options.UnityVersion,
			Lang:         options.Lang,
			CurrentLang:  options.CurrentLang,
		},
	}
	if t.Enabled() {
		t.mu.Lock()
		t.armLocked(firstFlushDelay)
		t.mu.Unlock()
	}
	return t
}

// Enabled reports whether usage reporting is turned on. The flag is
// persisted in settings and defaults to true.
func (t *Tracker) Enabled() bool {
	return t.settings.GetBool(SettingMetricsEnabled, true)
}

// SetEnabled persists the reporting preference. Enabling arms a short-delay
// flush; disabling cancels any pending flush. Setting the current value is
// a no-op.
func (t *Tracker) SetEnabled(enabled bool) {
	if t.Enabled() == enabled {
		return
	}
	t.settings.SetBool(SettingMetricsEnabled, enabled)

	t.mu.Lock()
	defer t.mu.Unlock()
	if enabled {
		t.armLocked(optInFlushDelay)
		return
	}
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Close cancels any pending flush. A flush already in progress runs to
// completion on its own.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Tracker) armLocked(delay time.Duration) {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = t.clock.AfterFunc(delay, t.onTimer)
}

func (t *Tracker) onTimer() {
	t.mu.Lock()
	t.timer = nil
	t.mu.Unlock()
	t.Flush(context.Background())
}

// Flush attempts to upload every report dated strictly before the current
// UTC day, purging them locally only when the metrics service accepted
// them. At most one successful flush happens per calendar day. Flush never
// returns an error: transport failures are logged and the reports are kept
// for the next attempt.
func (t *Tracker) Flush(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	store := t.store.Load(ctx)
	if t.client == nil {
		t.log.Debug(ctx, "no metrics client configured, skipping flush")
		return
	}
	now := t.clock.Now()
	if usage.SameDay(store.LastUpdated, now) {
		t.log.Debug(ctx, "usage already flushed today", slog.F("last_updated", store.LastUpdated))
		return
	}

	// The cutoff is computed once and reused for removal below, so a bucket
	// created between selection and removal can never be dropped unsent.
	cutoff := usage.Day(now)
	reports := store.Model.ReportsBefore(cutoff)
	if len(reports) == 0 {
		t.log.Debug(ctx, "no usage reports to flush")
		return
	}
	if !t.Enabled() {
		return
	}

	if err := t.client.PostUsage(ctx, reports); err != nil {
		t.log.Warn(ctx, "post usage reports",
			slog.F("count", len(reports)),
			slog.Error(err),
		)
		return
	}
	store.Model.RemoveReportsBefore(cutoff)
	store.LastUpdated = now
	t.store.Save(ctx, store)
	t.log.Debug(ctx, "flushed usage reports", slog.F("count", len(reports)))
}

// IncrementStartups records one editor startup.
func (t *Tracker) IncrementStartups() {
	t.increment(func(m *usage.Measures) { m.NumberOfStartups++ })
}

// IncrementCommits records one commit.
func (t *Tracker) IncrementCommits() {
	t.increment(func(m *usage.Measures) { m.Commits++ })
}

// IncrementFetches records one fetch.
func (t *Tracker) IncrementFetches() {
	t.increment(func(m *usage.Measures) { m.Fetches++ })
}

// IncrementPushes records one push.
func (t *Tracker) IncrementPushes() {
	t.increment(func(m *usage.Measures) { m.Pushes++ })
}

// IncrementProjectsInitialized records one repository initialization.
func (t *Tracker) IncrementProjectsInitialized() {
	t.increment(func(m *usage.Measures) { m.ProjectsInitialized++ })
}

// IncrementLocalBranchCreations records one local branch creation.
func (t *Tracker) IncrementLocalBranchCreations() {
	t.increment(func(m *usage.Measures) { m.LocalBranchCreations++ })
}

// IncrementLocalBranchDeletions records one local branch deletion.
func (t *Tracker) IncrementLocalBranchDeletions() {
	t.increment(func(m *usage.Measures) { m.LocalBranchDeletions++ })
}

// IncrementLocalBranchCheckouts records one checkout of a local branch.
func (t *Tracker) IncrementLocalBranchCheckouts() {
	t.increment(func(m *usage.Measures) { m.LocalBranchCheckouts++ })
}

// IncrementRemoteBranchCheckouts records one checkout of a remote branch.
func (t *Tracker) IncrementRemoteBranchCheckouts() {
	t.increment(func(m *usage.Measures) { m.RemoteBranchCheckouts++ })
}

// IncrementPulls records one pull.
func (t *Tracker) IncrementPulls() {
	t.increment(func(m *usage.Measures) { m.Pulls++ })
}

// IncrementAuthentications records one completed authentication.
func (t *Tracker) IncrementAuthentications() {
	t.increment(func(m *usage.Measures) { m.Authentications++ })
}

// increment applies bump to today's bucket inside one load-mutate-save
// cycle. Each call means the event happened once more; nothing about it is
// idempotent.
func (t *Tracker) increment(bump func(*usage.Measures)) {
	ctx := context.Background()
	t.mu.Lock()
	defer t.mu.Unlock()

	store := t.store.Load(ctx)
	entry := store.Model.EntryFor(t.clock.Now(), t.env)
	bump(&entry.Measures)
	t.store.Save(ctx, store)
}
