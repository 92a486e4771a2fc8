package usage

import (
	"encoding/json"
	"time"

	"golang.org/x/xerrors"
)

// ErrMissingReports is returned when a document is detected as the legacy
// layout but the reports array it must contain is absent.
var ErrMissingReports = xerrors.New("legacy usage store has no reports array")

// legacyDateFormats are accepted when parsing the date string of a legacy
// flat report, most specific first.
var legacyDateFormats = []string{
	time.RFC3339,
	"2006-01-02 15:04:05 -07:00",
	"2006-01-02",
}

// legacyStore mirrors the old on-disk layout, where each report was a flat
// record instead of nested dimensions and measures.
type legacyStore struct {
	Model       *legacyModel `json:"Model"`
	LastUpdated time.Time    `json:"LastUpdated"`
}

type legacyModel struct {
	Guid    string         `json:"Guid"`
	Reports []legacyReport `json:"Reports"`
}

type legacyReport struct {
	Guid             string `json:"Guid"`
	AppVersion       string `json:"AppVersion"`
	UnityVersion     string `json:"UnityVersion"`
	Lang             string `json:"Lang"`
	Date             string `json:"Date"`
	NumberOfStartups int    `json:"NumberOfStartups"`
}

// DecodeStore parses a persisted usage store. The legacy layout carried no
// version tag, so it is detected structurally: a strict decode that leaves
// any report without a date means the document predates the nested layout
// and every report is rebuilt from a second, permissive parse. migrated
// reports whether that happened; callers should persist the store right away
// so the document is not re-migrated on every load.
func DecodeStore(data []byte) (store *Store, migrated bool, err error) {
	store = &Store{}
	if err := json.Unmarshal(data, store); err != nil {
		return nil, false, xerrors.Errorf("parse usage store: %w", err)
	}
	if !needsMigration(store) {
		return store, false, nil
	}
	store, err = migrateLegacy(data)
	if err != nil {
		return nil, false, err
	}
	return store, true, nil
}

// Encode serializes the store in the current layout.
func (s *Store) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, xerrors.Errorf("encode usage store: %w", err)
	}
	return append(data, '\n'), nil
}

// needsMigration reports whether any report lacks a populated date, the
// sentinel that identifies the legacy flat layout.
func needsMigration(s *Store) bool {
	for _, report := range s.Model.Reports {
		if report.Dimensions.Date.IsZero() {
			return true
		}
	}
	return false
}

// migrateLegacy rebuilds a store from a legacy document. Every report is
// treated as legacy-shaped, not just the ones that tripped the sentinel.
// Only the startup counter existed in the old format; all other measures
// start at zero.
func migrateLegacy(data []byte) (*Store, error) {
	var doc legacyStore
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, xerrors.Errorf("parse legacy usage store: %w", err)
	}
	if doc.Model == nil || doc.Model.Reports == nil {
		return nil, ErrMissingReports
	}

	store := NewStore(doc.Model.Guid)
	store.LastUpdated = doc.LastUpdated
	for _, report := range doc.Model.Reports {
		date, err := parseLegacyDate(report.Date)
		if err != nil {
			return nil, err
		}
		store.Model.Reports = append(store.Model.Reports, Entry{
			Dimensions: Dimensions{
				Guid:         report.Guid,
				AppVersion:   report.AppVersion,
				UnityVersion: report.UnityVersion,
				Lang:         report.Lang,
				Date:         date,
			},
			Measures: Measures{
				NumberOfStartups: report.NumberOfStartups,
			},
		})
	}
	return store, nil
}

// parseLegacyDate converts a legacy report's date string to UTC midnight of
// its calendar day.
func parseLegacyDate(value string) (time.Time, error) {
	for _, format := range legacyDateFormats {
		parsed, err := time.Parse(format, value)
		if err == nil {
			return Day(parsed), nil
		}
	}
	return time.Time{}, xerrors.Errorf("parse legacy report date %q", value)
}
