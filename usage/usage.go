// Package usage contains the daily usage aggregation model for Forgelink
// metrics. Discrete user actions are counted into one bucket per UTC
// calendar day; buckets older than the current day are eligible for upload
// to the metrics service and are purged locally once accepted.
package usage

import "time"

// Dimensions identify one daily usage bucket. Date is always UTC midnight
// of the calendar day the bucket aggregates.
type Dimensions struct {
	Guid         string    `json:"Guid"`
	AppVersion   string    `json:"AppVersion"`
	UnityVersion string    `json:"UnityVersion"`
	Lang         string    `json:"Lang"`
	CurrentLang  string    `json:"CurrentLang"`
	Date         time.Time `json:"Date"`
}

// Measures are the counters aggregated for one day. Counters only ever
// increase; they reset implicitly when the day's bucket is purged after a
// successful upload.
type Measures struct {
	NumberOfStartups      int `json:"NumberOfStartups"`
	Commits               int `json:"Commits"`
	Fetches               int `json:"Fetches"`
	Pushes                int `json:"Pushes"`
	ProjectsInitialized   int `json:"ProjectsInitialized"`
	LocalBranchCreations  int `json:"LocalBranchCreations"`
	LocalBranchDeletions  int `json:"LocalBranchDeletions"`
	LocalBranchCheckouts  int `json:"LocalBranchCheckouts"`
	RemoteBranchCheckouts int `json:"RemoteBranchCheckouts"`
	Pulls                 int `json:"Pulls"`
	Authentications       int `json:"Authentications"`
}

// Entry is one day's aggregated usage: the bucket's identity plus its
// counters.
type Entry struct {
	Dimensions Dimensions `json:"Dimensions"`
	Measures   Measures   `json:"Measures"`
}

// Model holds the installation identifier and every not-yet-uploaded daily
// report. At most one report exists per distinct date.
type Model struct {
	Guid    string  `json:"Guid"`
	Reports []Entry `json:"Reports"`
}

// Store is the unit of persistence. It is loaded wholesale, mutated in
// memory and saved wholesale. LastUpdated records the instant of the last
// successful flush; the zero time means never.
type Store struct {
	Model       Model     `json:"Model"`
	LastUpdated time.Time `json:"LastUpdated"`
}

// Context carries the environment attached to newly created daily buckets.
type Context struct {
	AppVersion   string
	UnityVersion string
	Lang         string
	CurrentLang  string
}

// NewStore returns an empty store for the given installation identifier.
func NewStore(guid string) *Store {
	return &Store{
		Model: Model{
			Guid:    guid,
			Reports: []Entry{},
		},
	}
}

// Day truncates t to UTC midnight of its calendar day.
func Day(t time.Time) time.Time {
	year, month, day := t.UTC().Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// SameDay reports whether a and b fall on the same UTC calendar day.
func SameDay(a, b time.Time) bool {
	return Day(a).Equal(Day(b))
}

// EntryFor returns the report for now's UTC calendar day, creating it with
// zeroed measures if it does not exist yet. The search-before-create order
// is what enforces the one-bucket-per-day invariant.
func (m *Model) EntryFor(now time.Time, env Context) *Entry {
	day := Day(now)
	for i := range m.Reports {
		if m.Reports[i].Dimensions.Date.Equal(day) {
			return &m.Reports[i]
		}
	}
	m.Reports = append(m.Reports, Entry{
		Dimensions: Dimensions{
			Guid:         m.Guid,
			AppVersion:   env.AppVersion,
			UnityVersion: env.UnityVersion,
			Lang:         env.Lang,
			CurrentLang:  env.CurrentLang,
			Date:         day,
		},
	})
	return &m.Reports[len(m.Reports)-1]
}

// ReportsBefore returns every report dated strictly before cutoff's UTC
// calendar day. Passing the current time excludes today's still-accumulating
// bucket.
func (m *Model) ReportsBefore(cutoff time.Time) []Entry {
	day := Day(cutoff)
	var reports []Entry
	for _, report := range m.Reports {
		if report.Dimensions.Date.Before(day) {
			reports = append(reports, report)
		}
	}
	return reports
}

// RemoveReportsBefore deletes exactly the reports that ReportsBefore would
// return for the same cutoff. Callers must compute the cutoff once and use
// it for both calls.
func (m *Model) RemoveReportsBefore(cutoff time.Time) {
	day := Day(cutoff)
	kept := m.Reports[:0]
	for _, report := range m.Reports {
		if !report.Dimensions.Date.Before(day) {
			kept = append(kept, report)
		}
	}
	m.Reports = kept
}
