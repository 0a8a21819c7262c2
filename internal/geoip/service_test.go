package geoip

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type mockReader struct {
	record CityRecord
	found  bool
	closed bool
	mu     sync.Mutex
}

func (m *mockReader) Lookup(_ netip.Addr) (CityRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record, m.found
}

func (m *mockReader) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockReader) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func withCountry(code string) *mockReader {
	r := &mockReader{found: true}
	r.record.Country.ISOCode = code
	return r
}

func TestService_Lookup_NilReader(t *testing.T) {
	s := &Service[CityRecord]{}
	if _, ok := s.Lookup(netip.MustParseAddr("1.2.3.4")); ok {
		t.Fatal("expected no record from nil reader")
	}
}

func TestNewService_Defaults(t *testing.T) {
	s := NewService(ServiceConfig[CityRecord]{
		CacheDir: t.TempDir(),
		OpenDB:   NoOpOpen[CityRecord],
	})
	defer s.Stop()

	entry := s.cron.Entry(s.cronEntryID)
	if entry.ID == 0 || entry.Schedule == nil {
		t.Fatal("default cron entry is not configured")
	}

	base := time.Date(2026, 1, 2, 6, 30, 0, 0, time.Local)
	next := entry.Schedule.Next(base)
	want := time.Date(2026, 1, 2, 7, 0, 0, 0, time.Local)
	if !next.Equal(want) {
		t.Fatalf("next schedule = %v, want %v", next, want)
	}
}

func TestService_ReloadReader(t *testing.T) {
	old := withCountry("us")
	s := &Service[CityRecord]{reader: old}

	newReader := withCountry("jp")
	s.openDB = func(path string) (GeoReader[CityRecord], error) { return newReader, nil }

	if err := s.reloadReader("/fake/path"); err != nil {
		t.Fatal(err)
	}

	got, ok := s.Lookup(netip.Addr{})
	if !ok || got.Country.ISOCode != "jp" {
		t.Fatalf("expected jp, got %+v (ok=%v)", got, ok)
	}
	if !old.isClosed() {
		t.Fatal("old reader should be closed")
	}
}

func TestService_Stop_ClosesReader(t *testing.T) {
	r := withCountry("cn")
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	s := &Service[CityRecord]{
		reader:     r,
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
	}
	s.Stop()

	if !r.isClosed() {
		t.Fatal("reader should be closed after stop")
	}
	if _, ok := s.Lookup(netip.Addr{}); ok {
		t.Fatal("expected no record after stop")
	}
}

func TestService_ConcurrentLookupDuringReload(t *testing.T) {
	initial := withCountry("us")
	s := &Service[CityRecord]{reader: initial}
	s.openDB = func(path string) (GeoReader[CityRecord], error) {
		return withCountry("jp"), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, ok := s.Lookup(netip.MustParseAddr("1.2.3.4"))
			if !ok || (got.Country.ISOCode != "us" && got.Country.ISOCode != "jp") {
				t.Errorf("unexpected record: %+v (ok=%v)", got, ok)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.reloadReader("/fake")
	}()
	wg.Wait()
}

func TestVerifySHA256_Success(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.dat")
	data := []byte("hello world")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(data)
	if err := VerifySHA256(path, hex.EncodeToString(sum[:])); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestVerifySHA256_Failure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.dat")
	if err := os.WriteFile(path, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := VerifySHA256(path, strings64zero()); err == nil {
		t.Fatal("expected SHA256 mismatch error")
	}
}

type mockDownloader struct {
	mu        sync.Mutex
	responses map[string][]byte
}

func (d *mockDownloader) Download(_ context.Context, url string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	body, ok := d.responses[url]
	if !ok {
		return nil, errNotFound(url)
	}
	return body, nil
}

func TestUpdateNow_DownloadVerifyReload(t *testing.T) {
	dir := t.TempDir()
	dbContent := []byte("fake-geoip-database-content")
	sum := sha256.Sum256(dbContent)
	sumLine := hex.EncodeToString(sum[:]) + "  GeoLite2-City.mmdb\n"

	dl := &mockDownloader{responses: map[string][]byte{
		"https://example.com/city.mmdb":     dbContent,
		"https://example.com/city.mmdb.sha": []byte(sumLine),
	}}

	var reloaded bool
	s := &Service[CityRecord]{
		cacheDir:    dir,
		dbFilename:  "GeoLite2-City.mmdb",
		downloadURL: "https://example.com/city.mmdb",
		sha256URL:   "https://example.com/city.mmdb.sha",
		downloader:  dl,
		openDB: func(path string) (GeoReader[CityRecord], error) {
			reloaded = true
			return withCountry("us"), nil
		},
	}

	if err := s.UpdateNow(); err != nil {
		t.Fatalf("UpdateNow: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "GeoLite2-City.mmdb"))
	if err != nil {
		t.Fatalf("read db: %v", err)
	}
	if string(data) != string(dbContent) {
		t.Fatal("database content mismatch")
	}
	if !reloaded {
		t.Fatal("reader was not reloaded after download")
	}
	got, ok := s.Lookup(netip.MustParseAddr("1.2.3.4"))
	if !ok || got.Country.ISOCode != "us" {
		t.Fatalf("expected us, got %+v (ok=%v)", got, ok)
	}
}

func TestUpdateNow_SHA256Mismatch_NoReplace(t *testing.T) {
	dir := t.TempDir()
	origContent := []byte("original-db")
	dbPath := filepath.Join(dir, "GeoLite2-City.mmdb")
	if err := os.WriteFile(dbPath, origContent, 0644); err != nil {
		t.Fatal(err)
	}

	dl := &mockDownloader{responses: map[string][]byte{
		"https://example.com/city.mmdb":     []byte("new-db-content"),
		"https://example.com/city.mmdb.sha": []byte(strings64zero() + "  GeoLite2-City.mmdb\n"),
	}}

	s := &Service[CityRecord]{
		cacheDir:    dir,
		dbFilename:  "GeoLite2-City.mmdb",
		downloadURL: "https://example.com/city.mmdb",
		sha256URL:   "https://example.com/city.mmdb.sha",
		downloader:  dl,
		openDB: func(path string) (GeoReader[CityRecord], error) {
			t.Fatal("OpenDB should not be called on SHA256 mismatch")
			return nil, nil
		},
	}

	if err := s.UpdateNow(); err == nil {
		t.Fatal("expected error on SHA256 mismatch")
	}

	data, err := os.ReadFile(dbPath)
	if err != nil {
		t.Fatalf("read db: %v", err)
	}
	if string(data) != string(origContent) {
		t.Fatal("original database was corrupted despite SHA256 mismatch")
	}
}

func TestUpdateNow_NoDownloadURL(t *testing.T) {
	s := &Service[CityRecord]{cacheDir: t.TempDir(), dbFilename: "city.mmdb"}
	if err := s.UpdateNow(); err == nil {
		t.Fatal("expected error when no download URL configured")
	}
}

func TestStart_MissingDatabaseDegradesGracefully(t *testing.T) {
	s := NewService(ServiceConfig[AnonymousRecord]{
		CacheDir: t.TempDir(),
		OpenDB:   NoOpOpen[AnonymousRecord],
	})
	defer s.Stop()

	if err := s.Start(); err != nil {
		t.Fatalf("Start should not fail when database is absent: %v", err)
	}
	if _, ok := s.Lookup(netip.MustParseAddr("1.2.3.4")); ok {
		t.Fatal("expected no record for absent database")
	}
}

// --- local helpers ---

func strings64zero() string {
	b := make([]byte, 64)
	for i := range b {
		b[i] = '0'
	}
	return string(b)
}

type errNotFound string

func (e errNotFound) Error() string { return "mock: not found: " + string(e) }
