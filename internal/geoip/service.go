// Package geoip provides hot-reloadable MaxMind GeoIP database readers and
// a cache-fronted IP intelligence resolver (C1).
package geoip

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang"
	"github.com/robfig/cron/v3"

	"github.com/cloakgate/gateway/internal/netutil"
)

// GeoReader abstracts a single MaxMind database reader, decoding records of
// type T. The second return value reports whether a record was found.
type GeoReader[T any] interface {
	Lookup(ip netip.Addr) (T, bool)
	Close() error
}

// OpenFunc opens a database file and returns a GeoReader.
type OpenFunc[T any] func(path string) (GeoReader[T], error)

type mmdbReader[T any] struct {
	reader *maxminddb.Reader
}

func (m *mmdbReader[T]) Lookup(ip netip.Addr) (T, bool) {
	var zero T
	if m == nil || m.reader == nil || !ip.IsValid() {
		return zero, false
	}
	ip = ip.Unmap()
	var record T
	_, found, err := m.reader.LookupNetwork(net.IP(ip.AsSlice()), &record)
	if err != nil || !found {
		return zero, false
	}
	return record, true
}

func (m *mmdbReader[T]) Close() error {
	if m == nil || m.reader == nil {
		return nil
	}
	return m.reader.Close()
}

// MMDBOpen opens a MaxMind-compatible mmdb database decoding into T.
func MMDBOpen[T any](path string) (GeoReader[T], error) {
	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, err
	}
	return &mmdbReader[T]{reader: reader}, nil
}

// noOpReader is a placeholder reader used for tests and for databases that
// are not configured (Anonymous-IP is optional per spec §4.1).
type noOpReader[T any] struct{}

func (noOpReader[T]) Lookup(_ netip.Addr) (T, bool) {
	var zero T
	return zero, false
}
func (noOpReader[T]) Close() error { return nil }

// NoOpOpen is a placeholder OpenFunc that never finds a record.
func NoOpOpen[T any](_ string) (GeoReader[T], error) { return noOpReader[T]{}, nil }

// ServiceConfig configures a single hot-reloadable database Service.
type ServiceConfig[T any] struct {
	CacheDir       string       // directory the database file lives in
	DBFilename     string       // e.g. "GeoLite2-City.mmdb"
	DownloadURL    string       // direct URL to fetch a fresh copy, empty disables updates
	SHA256URL      string       // URL to a "<hex>  <filename>" sha256sum file, mandatory if DownloadURL is set
	UpdateSchedule string       // cron expression, default "0 7 * * *"
	OpenDB         OpenFunc[T]
	Downloader     netutil.Downloader
}

// Service provides GeoIP lookup for one on-disk database with hot-reloading
// via RWMutex and a cron-scheduled refresh-and-verify cycle.
type Service[T any] struct {
	mu     sync.RWMutex
	reader GeoReader[T]

	cacheDir    string
	dbFilename  string
	downloadURL string
	sha256URL   string
	openDB      OpenFunc[T]
	downloader  netutil.Downloader
	cron        *cron.Cron
	cronEntryID cron.EntryID
	updateMu    sync.Mutex
	lifeCtx     context.Context
	lifeCancel  context.CancelFunc
}

func (s *Service[T]) isStopped() bool {
	if s.lifeCtx == nil {
		return false
	}
	select {
	case <-s.lifeCtx.Done():
		return true
	default:
		return false
	}
}

// NewService creates a new single-database Service.
func NewService[T any](cfg ServiceConfig[T]) *Service[T] {
	if cfg.UpdateSchedule == "" {
		cfg.UpdateSchedule = "0 7 * * *"
	}
	c := cron.New()
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	s := &Service[T]{
		cacheDir:    cfg.CacheDir,
		dbFilename:  cfg.DBFilename,
		downloadURL: cfg.DownloadURL,
		sha256URL:   cfg.SHA256URL,
		openDB:      cfg.OpenDB,
		downloader:  cfg.Downloader,
		cron:        c,
		lifeCtx:     lifeCtx,
		lifeCancel:  lifeCancel,
	}

	entryID, err := c.AddFunc(cfg.UpdateSchedule, func() {
		if err := s.UpdateNow(); err != nil {
			log.Printf("[geoip] scheduled update of %s failed: %v", s.dbFilename, err)
		}
	})
	if err != nil {
		log.Printf("[geoip] invalid cron expression %q: %v", cfg.UpdateSchedule, err)
	} else {
		s.cronEntryID = entryID
	}

	return s
}

// Start loads the initial database (if present), checks for staleness
// against the cron schedule, and starts the cron scheduler. A Service with
// no configured DBFilename is a no-op (the database is absent by design —
// spec §4.1 degrades missing databases to "unknown" fields rather than
// failing).
func (s *Service[T]) Start() error {
	if s.dbFilename == "" {
		s.cron.Start()
		return nil
	}

	dbPath := filepath.Join(s.cacheDir, s.dbFilename)
	info, err := os.Stat(dbPath)
	switch {
	case err == nil:
		if err := s.reloadReader(dbPath); err != nil {
			log.Printf("[geoip] failed to load initial db %s: %v", s.dbFilename, err)
		}
		if s.isStale(info.ModTime()) {
			log.Printf("[geoip] %s is stale, triggering background update", s.dbFilename)
			go func() {
				if err := s.UpdateNow(); err != nil {
					log.Printf("[geoip] startup update of %s failed: %v", s.dbFilename, err)
				}
			}()
		}
	case os.IsNotExist(err):
		if s.downloadURL != "" {
			log.Printf("[geoip] no local %s found, triggering background download", s.dbFilename)
			go func() {
				if err := s.UpdateNow(); err != nil {
					log.Printf("[geoip] initial download of %s failed: %v", s.dbFilename, err)
				}
			}()
		}
	default:
		return fmt.Errorf("geoip: stat db %s: %w", dbPath, err)
	}
	s.cron.Start()
	return nil
}

// isStale returns true if the file's mtime is older than 2x the gap between
// two consecutive cron firings (tolerates jitter), falling back to 32 days
// if the schedule cannot be determined.
func (s *Service[T]) isStale(modTime time.Time) bool {
	entry := s.cron.Entry(s.cronEntryID)
	if entry.ID == 0 || entry.Schedule == nil {
		return time.Since(modTime) > 32*24*time.Hour
	}
	now := time.Now()
	next := entry.Schedule.Next(now)
	nextNext := entry.Schedule.Next(next)
	interval := nextNext.Sub(next)
	if interval <= 0 {
		interval = 32 * 24 * time.Hour
	}
	return time.Since(modTime) > 2*interval
}

// Stop stops the cron scheduler and closes the reader.
func (s *Service[T]) Stop() {
	if s.lifeCancel != nil {
		s.lifeCancel()
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}

	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	s.mu.Lock()
	r := s.reader
	s.reader = nil
	s.mu.Unlock()
	if r != nil {
		r.Close()
	}
}

// Lookup returns the decoded record for ip, and whether one was found.
func (s *Service[T]) Lookup(ip netip.Addr) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var zero T
	if s.reader == nil {
		return zero, false
	}
	return s.reader.Lookup(ip)
}

// UpdateNow downloads a fresh copy of the database, verifies its SHA256,
// atomically replaces the local file, and hot-reloads the reader.
// Serialized via updateMu to prevent concurrent temp-file races.
func (s *Service[T]) UpdateNow() error {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	if s.isStopped() {
		return context.Canceled
	}
	if s.downloadURL == "" {
		return fmt.Errorf("geoip: no download URL configured for %s", s.dbFilename)
	}
	if s.downloader == nil {
		return fmt.Errorf("geoip: no downloader configured")
	}
	if s.sha256URL == "" {
		return fmt.Errorf("geoip: no sha256 URL configured for %s; refusing to replace without verification", s.dbFilename)
	}

	ctx := s.lifeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dbData, err := s.downloader.Download(ctx, s.downloadURL)
	if err != nil {
		return fmt.Errorf("geoip: download %s: %w", s.dbFilename, err)
	}

	tmpFile, err := os.CreateTemp(s.cacheDir, s.dbFilename+".tmp.*")
	if err != nil {
		return fmt.Errorf("geoip: create temp: %w", err)
	}
	tmpPath := tmpFile.Name()
	if _, err := tmpFile.Write(dbData); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("geoip: write temp: %w", err)
	}
	tmpFile.Close()
	defer os.Remove(tmpPath) // no-op once renamed

	sha256Body, err := s.downloader.Download(ctx, s.sha256URL)
	if err != nil {
		return fmt.Errorf("geoip: download sha256: %w", err)
	}
	expectedHash := parseSHA256Sum(string(sha256Body))
	if expectedHash == "" {
		return fmt.Errorf("geoip: could not parse sha256sum from %q", string(sha256Body))
	}
	if err := VerifySHA256(tmpPath, expectedHash); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	dbPath := filepath.Join(s.cacheDir, s.dbFilename)
	if err := os.Rename(tmpPath, dbPath); err != nil {
		return fmt.Errorf("geoip: atomic replace: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return s.reloadReader(dbPath)
}

// reloadReader atomically replaces the current reader with a new one.
// RLock holders finish before the old reader is closed.
func (s *Service[T]) reloadReader(path string) error {
	if s.openDB == nil {
		return fmt.Errorf("geoip: no OpenDB function configured for %s", s.dbFilename)
	}
	newReader, err := s.openDB(path)
	if err != nil {
		return fmt.Errorf("geoip: open %s: %w", path, err)
	}
	s.mu.Lock()
	old := s.reader
	s.reader = newReader
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// VerifySHA256 checks that the file at path has the expected SHA256 hash.
func VerifySHA256(path, expectedHex string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	got := sha256.Sum256(data)
	gotHex := hex.EncodeToString(got[:])
	if gotHex != expectedHex {
		return fmt.Errorf("geoip: sha256 mismatch: got %s, want %s", gotHex, expectedHex)
	}
	return nil
}

// LastUpdated returns the modification time of the database file.
func (s *Service[T]) LastUpdated() time.Time {
	if s.dbFilename == "" {
		return time.Time{}
	}
	dbPath := filepath.Join(s.cacheDir, s.dbFilename)
	info, err := os.Stat(dbPath)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// NextScheduledUpdate returns the next cron-scheduled update time.
func (s *Service[T]) NextScheduledUpdate() time.Time {
	if s.cron == nil {
		return time.Time{}
	}
	entry := s.cron.Entry(s.cronEntryID)
	return entry.Next
}

func parseSHA256Sum(s string) string {
	parts := strings.Fields(strings.TrimSpace(s))
	if len(parts) >= 1 && len(parts[0]) == 64 {
		return strings.ToLower(parts[0])
	}
	return ""
}
