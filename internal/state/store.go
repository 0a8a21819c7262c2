package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cloakgate/gateway/internal/config"
	"github.com/cloakgate/gateway/internal/model"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Store wraps the primary store's single SQLite connection and provides
// transactional CRUD for Offers and BlacklistEntries, a batch writer for
// CloakDecisions, and a status-update surface for Pages.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

func newStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func isSQLiteUniqueConstraint(err error) bool {
	var sqlErr *sqlite.Error
	if !errors.As(err, &sqlErr) {
		return false
	}
	return sqlErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

// --- system_config ---

// GetSystemConfig loads the hot-updatable runtime config and its version.
// Returns a nil config and version 0 if no row has ever been saved.
func (s *Store) GetSystemConfig() (*config.RuntimeConfig, int, error) {
	row := s.db.QueryRow("SELECT config_json, version FROM system_config WHERE id = 1")
	var configJSON string
	var version int
	if err := row.Scan(&configJSON, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("scan system_config: %w", err)
	}
	cfg := &config.RuntimeConfig{}
	if err := json.Unmarshal([]byte(configJSON), cfg); err != nil {
		return nil, 0, fmt.Errorf("unmarshal system_config: %w", err)
	}
	return cfg, version, nil
}

// SaveSystemConfig persists the runtime config under the given version.
func (s *Store) SaveSystemConfig(cfg *config.RuntimeConfig, version int, updatedAtNs int64) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal system_config: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO system_config (id, config_json, version, updated_at_ns)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			config_json   = excluded.config_json,
			version       = excluded.version,
			updated_at_ns = excluded.updated_at_ns
	`, string(data), version, updatedAtNs)
	return err
}

// --- offers ---

func encodeCountries(cs []string) (string, error) {
	if cs == nil {
		cs = []string{}
	}
	b, err := json.Marshal(cs)
	return string(b), err
}

func decodeCountries(raw string) ([]string, error) {
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

func scanOffer(scan func(dest ...any) error) (*model.Offer, error) {
	var o model.Offer
	var customDomain sql.NullString
	var countriesJSON string
	if err := scan(&o.ID, &o.TenantID, &o.Subdomain, &customDomain, &o.CustomDomainState,
		&o.CloakEnabled, &countriesJSON, &o.Lifecycle, &o.SoftDeleted, &o.UpdatedAtNs); err != nil {
		return nil, err
	}
	o.CustomDomain = customDomain.String
	countries, err := decodeCountries(countriesJSON)
	if err != nil {
		return nil, fmt.Errorf("decode offer %d target_countries_json: %w", o.ID, err)
	}
	o.TargetCountries = countries
	return &o, nil
}

const offerSelectColumns = `id, tenant_id, subdomain, custom_domain, custom_domain_state,
	cloak_enabled, target_countries_json, lifecycle, soft_deleted, updated_at_ns`

// GetOfferByID returns one offer by id.
func (s *Store) GetOfferByID(id int64) (*model.Offer, error) {
	row := s.db.QueryRow(`SELECT `+offerSelectColumns+` FROM offers WHERE id = ?`, id)
	o, err := scanOffer(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

// GetOfferBySubdomain returns one offer by its immutable subdomain.
func (s *Store) GetOfferBySubdomain(subdomain string) (*model.Offer, error) {
	row := s.db.QueryRow(`SELECT `+offerSelectColumns+` FROM offers WHERE subdomain = ?`, subdomain)
	o, err := scanOffer(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

// GetOfferByDomain returns the offer whose verified, non-deleted custom
// domain matches domain.
func (s *Store) GetOfferByDomain(domain string) (*model.Offer, error) {
	row := s.db.QueryRow(`SELECT `+offerSelectColumns+` FROM offers
		WHERE custom_domain = ? AND custom_domain_state = 'verified' AND soft_deleted = 0`, domain)
	o, err := scanOffer(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

// UpsertOffer inserts or updates an offer by id. Subdomain collisions
// surface as ErrConflict (subdomain is immutable after creation; callers
// enforce that at the API boundary, this only guards storage uniqueness).
func (s *Store) UpsertOffer(o model.Offer) error {
	countriesJSON, err := encodeCountries(o.TargetCountries)
	if err != nil {
		return fmt.Errorf("encode offer %d target_countries: %w", o.ID, err)
	}

	var customDomain sql.NullString
	if o.CustomDomain != "" {
		customDomain = sql.NullString{String: o.CustomDomain, Valid: true}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO offers (id, tenant_id, subdomain, custom_domain, custom_domain_state,
			cloak_enabled, target_countries_json, lifecycle, soft_deleted, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id             = excluded.tenant_id,
			custom_domain         = excluded.custom_domain,
			custom_domain_state   = excluded.custom_domain_state,
			cloak_enabled         = excluded.cloak_enabled,
			target_countries_json = excluded.target_countries_json,
			lifecycle             = excluded.lifecycle,
			soft_deleted          = excluded.soft_deleted,
			updated_at_ns         = excluded.updated_at_ns
	`, o.ID, o.TenantID, o.Subdomain, customDomain, o.CustomDomainState,
		o.CloakEnabled, countriesJSON, o.Lifecycle, o.SoftDeleted, o.UpdatedAtNs)
	if err != nil {
		if isSQLiteUniqueConstraint(err) {
			return fmt.Errorf("%w: subdomain or custom domain already in use", ErrConflict)
		}
		return err
	}
	return nil
}

// --- blacklist_entries ---

func scanBlacklistEntry(scan func(dest ...any) error) (*model.BlacklistEntry, error) {
	var e model.BlacklistEntry
	if err := scan(&e.ID, &e.Kind, &e.Scope, &e.TenantID, &e.IP, &e.CIDR, &e.UAPattern,
		&e.UAPatternType, &e.ASN, &e.ISPName, &e.Country, &e.Region, &e.GeoBlockType,
		&e.Active, &e.ExpiresAtNs, &e.Reason, &e.Source); err != nil {
		return nil, err
	}
	return &e, nil
}

const blacklistSelectColumns = `id, kind, scope, tenant_id, ip, cidr, ua_pattern, ua_pattern_type,
	asn, isp_name, country, region, geo_block_type, active, expires_at_ns, reason, source`

// ListActiveBlacklistEntries returns every active, non-expired entry for a
// given kind across both global and tenant scope. Used by the blacklist
// store's RebuildCache to repopulate the shared cache from scratch.
func (s *Store) ListActiveBlacklistEntries(kind model.BlacklistKind, nowNs int64) ([]model.BlacklistEntry, error) {
	rows, err := s.db.Query(`SELECT `+blacklistSelectColumns+` FROM blacklist_entries
		WHERE kind = ? AND active = 1 AND (expires_at_ns = 0 OR expires_at_ns > ?)`, kind, nowNs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.BlacklistEntry
	for rows.Next() {
		e, err := scanBlacklistEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// UpsertBlacklistEntry inserts or updates an entry by id.
func (s *Store) UpsertBlacklistEntry(e model.BlacklistEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO blacklist_entries (id, kind, scope, tenant_id, ip, cidr, ua_pattern,
			ua_pattern_type, asn, isp_name, country, region, geo_block_type, active,
			expires_at_ns, reason, source)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			kind            = excluded.kind,
			scope           = excluded.scope,
			tenant_id       = excluded.tenant_id,
			ip              = excluded.ip,
			cidr            = excluded.cidr,
			ua_pattern      = excluded.ua_pattern,
			ua_pattern_type = excluded.ua_pattern_type,
			asn             = excluded.asn,
			isp_name        = excluded.isp_name,
			country         = excluded.country,
			region          = excluded.region,
			geo_block_type  = excluded.geo_block_type,
			active          = excluded.active,
			expires_at_ns   = excluded.expires_at_ns,
			reason          = excluded.reason,
			source          = excluded.source
	`, e.ID, e.Kind, e.Scope, e.TenantID, e.IP, e.CIDR, e.UAPattern, e.UAPatternType,
		e.ASN, e.ISPName, e.Country, e.Region, e.GeoBlockType, e.Active,
		e.ExpiresAtNs, e.Reason, e.Source)
	return err
}

// DeleteBlacklistEntry removes an entry by id.
func (s *Store) DeleteBlacklistEntry(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec("DELETE FROM blacklist_entries WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- cloak_decisions ---

// InsertDecisionsBatch writes a batch of CloakDecisions in one transaction,
// using INSERT OR IGNORE so a redelivered item (at-least-once queue
// semantics, spec §4.6) is a no-op rather than an error. Returns the number
// of rows actually inserted.
func (s *Store) InsertDecisionsBatch(decisions []model.CloakDecision) (int, error) {
	if len(decisions) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("decisions batch: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO cloak_decisions (
		id, offer_id, tenant_id, decision, score, blocked_at, reason, evidence_json,
		processing_time_ms, fp_ip, fp_user_agent, fp_referer, fp_url, fp_host, created_at_ns
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return 0, fmt.Errorf("decisions batch: prepare: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for i := range decisions {
		d := &decisions[i]
		evidenceJSON, err := json.Marshal(d.Evidence)
		if err != nil {
			return 0, fmt.Errorf("decisions batch: marshal evidence for %s: %w", d.ID, err)
		}
		res, err := stmt.Exec(d.ID, d.OfferID, d.TenantID, d.Decision, d.Score, d.BlockedAt,
			d.Reason, string(evidenceJSON), d.ProcessingTimeMs, d.Fingerprint.IP,
			d.Fingerprint.UserAgent, d.Fingerprint.Referer, d.Fingerprint.URL,
			d.Fingerprint.Host, d.CreatedAt.UnixNano())
		if err != nil {
			return 0, fmt.Errorf("decisions batch: insert %s: %w", d.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("decisions batch: commit: %w", err)
	}
	return inserted, nil
}

// --- pages ---

// UpsertPage inserts or updates a page's generation status.
func (s *Store) UpsertPage(p model.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO pages (id, offer_id, variant, status, error, updated_at_ns)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(id, variant) DO UPDATE SET
			status        = excluded.status,
			error         = excluded.error,
			updated_at_ns = excluded.updated_at_ns
	`, p.ID, p.OfferID, p.Variant, p.Status, p.Error, p.UpdatedAtNs)
	return err
}

// GetPage returns one page by (id, variant).
func (s *Store) GetPage(id int64, variant model.PageVariant) (*model.Page, error) {
	row := s.db.QueryRow(`SELECT id, offer_id, variant, status, error, updated_at_ns
		FROM pages WHERE id = ? AND variant = ?`, id, variant)
	var p model.Page
	if err := row.Scan(&p.ID, &p.OfferID, &p.Variant, &p.Status, &p.Error, &p.UpdatedAtNs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}
