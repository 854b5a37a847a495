package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies
// migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	// Serialized access keeps concurrent upserts from tripping SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS vulns (
			cve_id TEXT PRIMARY KEY,
			title TEXT,
			description TEXT,
			cvss_base REAL,
			cvss_vector TEXT,
			severity TEXT,
			published TIMESTAMP,
			last_modified TIMESTAMP,
			vendor TEXT,
			product TEXT,
			source_list TEXT,
			notes TEXT,
			advisory_url TEXT,
			plain_summary TEXT,
			safe_action TEXT,
			updated_at TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS tags (
			cve_id TEXT PRIMARY KEY REFERENCES vulns(cve_id),
			kev_flag INTEGER NOT NULL DEFAULT 0,
			ics_flag INTEGER NOT NULL DEFAULT 0,
			medical_flag INTEGER NOT NULL DEFAULT 0,
			bio_keyword_flag INTEGER NOT NULL DEFAULT 0,
			recent_flag INTEGER NOT NULL DEFAULT 0,
			cvss_high_flag INTEGER NOT NULL DEFAULT 0,
			score INTEGER NOT NULL DEFAULT 0,
			source_count INTEGER NOT NULL DEFAULT 0,
			confidence TEXT NOT NULL DEFAULT 'low',
			conflict_flag INTEGER NOT NULL DEFAULT 0,
			categories TEXT,
			notes TEXT,
			last_seen TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS digest_preferences (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL DEFAULT '',
			channel_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT 'default',
			medical_flag INTEGER,
			ics_flag INTEGER,
			bio_keyword_flag INTEGER,
			kev_flag INTEGER,
			min_cvss REAL,
			min_score INTEGER,
			limit_count INTEGER NOT NULL DEFAULT 10,
			delivery_time TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			updated_at TIMESTAMP,
			UNIQUE (user_id, channel_id, name)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_vulns_updated_at ON vulns(updated_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tags_score ON tags(score);`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get returns the stored record and tag set for a CVE id, or ErrNotFound.
func (s *SQLiteStore) Get(cveID string) (*Vulnerability, *TagSet, error) {
	row := s.db.QueryRow(`SELECT `+vulnColumns+`, `+tagColumns+`
		FROM vulns v LEFT JOIN tags t ON v.cve_id = t.cve_id
		WHERE v.cve_id = ?`, cveID)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	rec := entry.Vulnerability
	tags := entry.Tags
	return &rec, &tags, nil
}

// Upsert inserts the record and tag set, updates every field when anything
// changed, or only bumps tags.last_seen when nothing did. Callers must hold
// the per-identifier critical section for read-merge-write correctness.
func (s *SQLiteStore) Upsert(rec *Vulnerability, tags *TagSet) (UpsertOutcome, error) {
	existing, existingTags, getErr := s.Get(rec.CVEID)
	if getErr != nil && getErr != ErrNotFound {
		return "", fmt.Errorf("failed to read existing record: %w", getErr)
	}

	now := time.Now().UTC()
	tx, err := s.db.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	outcome := OutcomeInserted
	if getErr == nil {
		if recordEqual(existing, rec) && existingTags != nil && tagsEqual(existingTags, tags) {
			// Touch last_seen so digest bookkeeping knows the feed still
			// reports this record, without moving updated_at.
			if _, err := tx.Exec(`UPDATE tags SET last_seen = ? WHERE cve_id = ?`, now, rec.CVEID); err != nil {
				return "", err
			}
			if err := tx.Commit(); err != nil {
				return "", err
			}
			return OutcomeUnchanged, nil
		}
		outcome = OutcomeUpdated
		if _, err := tx.Exec(`DELETE FROM vulns WHERE cve_id = ?`, rec.CVEID); err != nil {
			return "", err
		}
		if _, err := tx.Exec(`DELETE FROM tags WHERE cve_id = ?`, rec.CVEID); err != nil {
			return "", err
		}
	}

	if _, err := tx.Exec(`INSERT INTO vulns (`+vulnColumnNames+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.CVEID, rec.Title, rec.Description, nullFloat(rec.CVSSBase), rec.CVSSVector, rec.Severity,
		nullTime(rec.Published), nullTime(rec.LastModified), rec.Vendor, rec.Product,
		marshalStrings(rec.Sources), marshalStrings(rec.Notes),
		rec.AdvisoryURL, rec.PlainSummary, rec.SafeAction, now); err != nil {
		return "", fmt.Errorf("failed to write record: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO tags (`+tagColumnNames+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		tags.CVEID, boolInt(tags.KnownExploited), boolInt(tags.ICS), boolInt(tags.Medical),
		boolInt(tags.BioKeyword), boolInt(tags.Recent), boolInt(tags.HighSeverity),
		tags.Score, tags.SourceCount, string(tags.Confidence), boolInt(tags.Conflict),
		marshalStrings(tags.Categories), tags.Notes, now); err != nil {
		return "", fmt.Errorf("failed to write tags: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return outcome, nil
}

// Query returns entries matching the filters ordered by relevance score
// descending, CVSS descending, CVE id ascending.
func (s *SQLiteStore) Query(f QueryFilters, limit, offset int) ([]Entry, error) {
	where, args := buildFilter(f, "?")
	q := `SELECT ` + vulnColumns + `, ` + tagColumns + `
		FROM vulns v JOIN tags t ON v.cve_id = t.cve_id`
	if where != "" {
		q += " WHERE " + where
	}
	q += ` ORDER BY t.score DESC, v.cvss_base DESC, v.cve_id ASC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Stats summarizes the corpus.
func (s *SQLiteStore) Stats() (Stats, error) {
	var st Stats
	var last sql.NullTime
	err := s.db.QueryRow(`SELECT COUNT(*),
		COALESCE(SUM(t.kev_flag), 0),
		COALESCE(SUM(t.cvss_high_flag), 0),
		COALESCE(SUM(t.conflict_flag), 0),
		MAX(v.updated_at)
		FROM vulns v JOIN tags t ON v.cve_id = t.cve_id`).
		Scan(&st.Total, &st.KnownExploited, &st.HighSeverity, &st.Conflicts, &last)
	if err != nil {
		return Stats{}, err
	}
	if last.Valid {
		st.LastUpdated = last.Time.UTC()
	}
	return st, nil
}

// GetPreference fetches one preference row, or ErrNotFound.
func (s *SQLiteStore) GetPreference(userID, channelID, name string) (*DigestPreference, error) {
	row := s.db.QueryRow(`SELECT `+prefColumns+` FROM digest_preferences
		WHERE user_id = ? AND channel_id = ? AND name = ?`, userID, channelID, name)
	p, err := scanPreference(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// SetPreference inserts or replaces a preference for its
// (subscriber, name) key.
func (s *SQLiteStore) SetPreference(p *DigestPreference) error {
	_, err := s.db.Exec(`INSERT INTO digest_preferences
		(user_id, channel_id, name, medical_flag, ics_flag, bio_keyword_flag, kev_flag,
		 min_cvss, min_score, limit_count, delivery_time, enabled, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (user_id, channel_id, name) DO UPDATE SET
			medical_flag = excluded.medical_flag,
			ics_flag = excluded.ics_flag,
			bio_keyword_flag = excluded.bio_keyword_flag,
			kev_flag = excluded.kev_flag,
			min_cvss = excluded.min_cvss,
			min_score = excluded.min_score,
			limit_count = excluded.limit_count,
			delivery_time = excluded.delivery_time,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`,
		p.UserID, p.ChannelID, p.Name,
		nullBool(p.Medical), nullBool(p.ICS), nullBool(p.BioKeyword), nullBool(p.KnownExploited),
		nullFloat(p.MinCVSS), nullInt(p.MinScore), p.Limit, p.DeliveryTime,
		boolInt(p.Enabled), time.Now().UTC())
	return err
}

// ListEnabledPreferences returns every enabled preference row.
func (s *SQLiteStore) ListEnabledPreferences() ([]DigestPreference, error) {
	return s.listPreferences(`SELECT ` + prefColumns + ` FROM digest_preferences WHERE enabled = 1 ORDER BY id`)
}

// ListEnabledPreferencesDueAt returns enabled preferences whose delivery
// time names the given hour. Preferences without a delivery time follow the
// default schedule and are not returned here.
func (s *SQLiteStore) ListEnabledPreferencesDueAt(hour int) ([]DigestPreference, error) {
	return s.listPreferences(`SELECT `+prefColumns+` FROM digest_preferences
		WHERE enabled = 1 AND delivery_time = ? ORDER BY id`, fmt.Sprintf("%02d:00", hour))
}

func (s *SQLiteStore) listPreferences(q string, args ...any) ([]DigestPreference, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DigestPreference
	for rows.Next() {
		p, err := scanPreference(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// Shared column lists and scan helpers. The postgres store reuses these so
// both backends stay byte-compatible in what they persist.

const vulnColumnNames = `cve_id, title, description, cvss_base, cvss_vector, severity,
	published, last_modified, vendor, product, source_list, notes,
	advisory_url, plain_summary, safe_action, updated_at`

const tagColumnNames = `cve_id, kev_flag, ics_flag, medical_flag, bio_keyword_flag,
	recent_flag, cvss_high_flag, score, source_count, confidence, conflict_flag,
	categories, notes, last_seen`

const vulnColumns = `v.cve_id, v.title, v.description, v.cvss_base, v.cvss_vector, v.severity,
	v.published, v.last_modified, v.vendor, v.product, v.source_list, v.notes,
	v.advisory_url, v.plain_summary, v.safe_action, v.updated_at`

const tagColumns = `t.kev_flag, t.ics_flag, t.medical_flag, t.bio_keyword_flag,
	t.recent_flag, t.cvss_high_flag, t.score, t.source_count, t.confidence, t.conflict_flag,
	t.categories, t.notes, t.last_seen`

const prefColumns = `id, user_id, channel_id, name, medical_flag, ics_flag, bio_keyword_flag,
	kev_flag, min_cvss, min_score, limit_count, delivery_time, enabled, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	var cvss sql.NullFloat64
	var published, lastModified, updatedAt, lastSeen sql.NullTime
	var sources, recNotes, categories sql.NullString
	var kev, ics, medical, bio, recent, high, conflict sql.NullInt64
	var score, sourceCount sql.NullInt64
	var confidence, tagNotes sql.NullString

	err := row.Scan(
		&e.CVEID, &e.Title, &e.Description, &cvss, &e.CVSSVector, &e.Severity,
		&published, &lastModified, &e.Vendor, &e.Product, &sources, &recNotes,
		&e.AdvisoryURL, &e.PlainSummary, &e.SafeAction, &updatedAt,
		&kev, &ics, &medical, &bio, &recent, &high, &score, &sourceCount,
		&confidence, &conflict, &categories, &tagNotes, &lastSeen)
	if err != nil {
		return Entry{}, err
	}

	if cvss.Valid {
		v := cvss.Float64
		e.CVSSBase = &v
	}
	e.Published = timeOrZero(published)
	e.LastModified = timeOrZero(lastModified)
	e.UpdatedAt = timeOrZero(updatedAt)
	e.Sources = unmarshalStrings(sources.String)
	e.Notes = unmarshalStrings(recNotes.String)

	e.Tags = TagSet{
		CVEID:          e.CVEID,
		KnownExploited: kev.Int64 != 0,
		ICS:            ics.Int64 != 0,
		Medical:        medical.Int64 != 0,
		BioKeyword:     bio.Int64 != 0,
		Recent:         recent.Int64 != 0,
		HighSeverity:   high.Int64 != 0,
		Score:          int(score.Int64),
		SourceCount:    int(sourceCount.Int64),
		Confidence:     Confidence(confidence.String),
		Conflict:       conflict.Int64 != 0,
		Categories:     unmarshalStrings(categories.String),
		Notes:          tagNotes.String,
		LastSeen:       timeOrZero(lastSeen),
	}
	return e, nil
}

func scanPreference(row rowScanner) (*DigestPreference, error) {
	var p DigestPreference
	var medical, ics, bio, kev sql.NullInt64
	var minCVSS sql.NullFloat64
	var minScore sql.NullInt64
	var enabled int
	var updatedAt sql.NullTime

	err := row.Scan(&p.ID, &p.UserID, &p.ChannelID, &p.Name,
		&medical, &ics, &bio, &kev, &minCVSS, &minScore,
		&p.Limit, &p.DeliveryTime, &enabled, &updatedAt)
	if err != nil {
		return nil, err
	}

	p.Medical = boolPtr(medical)
	p.ICS = boolPtr(ics)
	p.BioKeyword = boolPtr(bio)
	p.KnownExploited = boolPtr(kev)
	if minCVSS.Valid {
		v := minCVSS.Float64
		p.MinCVSS = &v
	}
	if minScore.Valid {
		v := int(minScore.Int64)
		p.MinScore = &v
	}
	p.Enabled = enabled != 0
	p.UpdatedAt = timeOrZero(updatedAt)
	return &p, nil
}

// buildFilter renders QueryFilters as a WHERE fragment. placeholder is "?"
// for sqlite and "$" for postgres positional parameters.
func buildFilter(f QueryFilters, placeholder string) (string, []any) {
	var conds []string
	var args []any
	next := func() string {
		args = append(args, nil) // reserve slot; value set by add
		if placeholder == "?" {
			return "?"
		}
		return fmt.Sprintf("$%d", len(args))
	}
	add := func(cond string, val any) {
		ph := next()
		args[len(args)-1] = val
		conds = append(conds, strings.Replace(cond, "{}", ph, 1))
	}

	if f.Medical != nil {
		add("t.medical_flag = {}", boolInt(*f.Medical))
	}
	if f.ICS != nil {
		add("t.ics_flag = {}", boolInt(*f.ICS))
	}
	if f.BioKeyword != nil {
		add("t.bio_keyword_flag = {}", boolInt(*f.BioKeyword))
	}
	if f.KnownExploited != nil {
		add("t.kev_flag = {}", boolInt(*f.KnownExploited))
	}
	if f.MinCVSS != nil {
		add("v.cvss_base >= {}", *f.MinCVSS)
	}
	if f.MinScore != nil {
		add("t.score >= {}", *f.MinScore)
	}
	if !f.Since.IsZero() {
		add("v.updated_at >= {}", f.Since.UTC())
	}
	if f.Search != "" {
		like := "%" + f.Search + "%"
		var phs [4]string
		for i := range phs {
			ph := next()
			args[len(args)-1] = like
			phs[i] = ph
		}
		conds = append(conds, fmt.Sprintf(
			"(v.cve_id LIKE %s OR v.vendor LIKE %s OR v.product LIKE %s OR v.title LIKE %s)",
			phs[0], phs[1], phs[2], phs[3]))
	}
	return strings.Join(conds, " AND "), args
}

func marshalStrings(vals []string) any {
	if len(vals) == 0 {
		return nil
	}
	data, _ := json.Marshal(vals)
	return string(data)
}

func unmarshalStrings(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func boolPtr(v sql.NullInt64) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Int64 != 0
	return &b
}

func nullBool(b *bool) any {
	if b == nil {
		return nil
	}
	return boolInt(*b)
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func timeOrZero(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}
