package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects with the given DSN and applies migrations.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS vulns (
			cve_id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			cvss_base DOUBLE PRECISION,
			cvss_vector TEXT NOT NULL DEFAULT '',
			severity TEXT NOT NULL DEFAULT '',
			published TIMESTAMPTZ,
			last_modified TIMESTAMPTZ,
			vendor TEXT NOT NULL DEFAULT '',
			product TEXT NOT NULL DEFAULT '',
			source_list TEXT,
			notes TEXT,
			advisory_url TEXT NOT NULL DEFAULT '',
			plain_summary TEXT NOT NULL DEFAULT '',
			safe_action TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ
		);`,
		`CREATE TABLE IF NOT EXISTS tags (
			cve_id TEXT PRIMARY KEY REFERENCES vulns(cve_id) ON DELETE CASCADE,
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
			notes TEXT NOT NULL DEFAULT '',
			last_seen TIMESTAMPTZ
		);`,
		`CREATE TABLE IF NOT EXISTS digest_preferences (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			channel_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT 'default',
			medical_flag INTEGER,
			ics_flag INTEGER,
			bio_keyword_flag INTEGER,
			kev_flag INTEGER,
			min_cvss DOUBLE PRECISION,
			min_score INTEGER,
			limit_count INTEGER NOT NULL DEFAULT 10,
			delivery_time TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			updated_at TIMESTAMPTZ,
			UNIQUE (user_id, channel_id, name)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_vulns_updated_at ON vulns(updated_at);`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Get(cveID string) (*Vulnerability, *TagSet, error) {
	row := s.db.QueryRow(`SELECT `+vulnColumns+`, `+tagColumns+`
		FROM vulns v LEFT JOIN tags t ON v.cve_id = t.cve_id
		WHERE v.cve_id = $1`, cveID)
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

func (s *PostgresStore) Upsert(rec *Vulnerability, tags *TagSet) (UpsertOutcome, error) {
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
			if _, err := tx.Exec(`UPDATE tags SET last_seen = $1 WHERE cve_id = $2`, now, rec.CVEID); err != nil {
				return "", err
			}
			if err := tx.Commit(); err != nil {
				return "", err
			}
			return OutcomeUnchanged, nil
		}
		outcome = OutcomeUpdated
		if _, err := tx.Exec(`DELETE FROM vulns WHERE cve_id = $1`, rec.CVEID); err != nil {
			return "", err
		}
	}

	if _, err := tx.Exec(`INSERT INTO vulns (`+vulnColumnNames+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		rec.CVEID, rec.Title, rec.Description, nullFloat(rec.CVSSBase), rec.CVSSVector, rec.Severity,
		nullTime(rec.Published), nullTime(rec.LastModified), rec.Vendor, rec.Product,
		marshalStrings(rec.Sources), marshalStrings(rec.Notes),
		rec.AdvisoryURL, rec.PlainSummary, rec.SafeAction, now); err != nil {
		return "", fmt.Errorf("failed to write record: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO tags (`+tagColumnNames+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
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

func (s *PostgresStore) Query(f QueryFilters, limit, offset int) ([]Entry, error) {
	where, args := buildFilter(f, "$")
	q := `SELECT ` + vulnColumns + `, ` + tagColumns + `
		FROM vulns v JOIN tags t ON v.cve_id = t.cve_id`
	if where != "" {
		q += " WHERE " + where
	}
	q += fmt.Sprintf(` ORDER BY t.score DESC, v.cvss_base DESC NULLS LAST, v.cve_id ASC LIMIT $%d OFFSET $%d`,
		len(args)+1, len(args)+2)
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

func (s *PostgresStore) Stats() (Stats, error) {
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

func (s *PostgresStore) GetPreference(userID, channelID, name string) (*DigestPreference, error) {
	row := s.db.QueryRow(`SELECT `+prefColumns+` FROM digest_preferences
		WHERE user_id = $1 AND channel_id = $2 AND name = $3`, userID, channelID, name)
	p, err := scanPreference(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) SetPreference(p *DigestPreference) error {
	_, err := s.db.Exec(`INSERT INTO digest_preferences
		(user_id, channel_id, name, medical_flag, ics_flag, bio_keyword_flag, kev_flag,
		 min_cvss, min_score, limit_count, delivery_time, enabled, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (user_id, channel_id, name) DO UPDATE SET
			medical_flag = EXCLUDED.medical_flag,
			ics_flag = EXCLUDED.ics_flag,
			bio_keyword_flag = EXCLUDED.bio_keyword_flag,
			kev_flag = EXCLUDED.kev_flag,
			min_cvss = EXCLUDED.min_cvss,
			min_score = EXCLUDED.min_score,
			limit_count = EXCLUDED.limit_count,
			delivery_time = EXCLUDED.delivery_time,
			enabled = EXCLUDED.enabled,
			updated_at = EXCLUDED.updated_at`,
		p.UserID, p.ChannelID, p.Name,
		nullBool(p.Medical), nullBool(p.ICS), nullBool(p.BioKeyword), nullBool(p.KnownExploited),
		nullFloat(p.MinCVSS), nullInt(p.MinScore), p.Limit, p.DeliveryTime,
		boolInt(p.Enabled), time.Now().UTC())
	return err
}

func (s *PostgresStore) ListEnabledPreferences() ([]DigestPreference, error) {
	return s.listPreferences(`SELECT ` + prefColumns + ` FROM digest_preferences WHERE enabled = 1 ORDER BY id`)
}

func (s *PostgresStore) ListEnabledPreferencesDueAt(hour int) ([]DigestPreference, error) {
	return s.listPreferences(`SELECT `+prefColumns+` FROM digest_preferences
		WHERE enabled = 1 AND delivery_time = $1 ORDER BY id`, fmt.Sprintf("%02d:00", hour))
}

func (s *PostgresStore) listPreferences(q string, args ...any) ([]DigestPreference, error) {
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
