package devicedb

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devices.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestUpsertThenGet(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().Truncate(time.Millisecond)

	dev, err := db.Upsert("00158D00012A3B4C", 0x16C5, now)
	if err != nil {
		t.Fatal(err)
	}
	if dev.JoinedAt != now {
		t.Errorf("JoinedAt = %v, want %v", dev.JoinedAt, now)
	}

	got, err := db.Get("00158D00012A3B4C")
	if err != nil {
		t.Fatal(err)
	}
	if got.ShortAddr != 0x16C5 {
		t.Errorf("ShortAddr = 0x%04X, want 0x16C5", got.ShortAddr)
	}
}

func TestUpsertPreservesJoinedAtAndName(t *testing.T) {
	db := newTestDB(t)
	first := time.Now().Truncate(time.Millisecond)

	if _, err := db.Upsert("AABB", 0x0001, first); err != nil {
		t.Fatal(err)
	}
	if err := db.Rename("AABB", "Living Room Sensor"); err != nil {
		t.Fatal(err)
	}

	later := first.Add(time.Hour)
	dev, err := db.Upsert("AABB", 0x0002, later)
	if err != nil {
		t.Fatal(err)
	}
	if !dev.JoinedAt.Equal(first) {
		t.Errorf("JoinedAt = %v, want unchanged %v", dev.JoinedAt, first)
	}
	if dev.FriendlyName != "Living Room Sensor" {
		t.Errorf("FriendlyName = %q, want preserved", dev.FriendlyName)
	}
	if dev.ShortAddr != 0x0002 {
		t.Errorf("ShortAddr = 0x%04X, want 0x0002", dev.ShortAddr)
	}
}

func TestIEEEForShortAddrTracksRejoin(t *testing.T) {
	db := newTestDB(t)
	now := time.Now()

	if _, err := db.Upsert("CCDD", 0x1111, now); err != nil {
		t.Fatal(err)
	}
	ieee, err := db.IEEEForShortAddr(0x1111)
	if err != nil || ieee != "CCDD" {
		t.Fatalf("IEEEForShortAddr = %q, %v", ieee, err)
	}

	// Device rejoins at a new short address; the old one must no longer resolve.
	if _, err := db.Upsert("CCDD", 0x2222, now); err != nil {
		t.Fatal(err)
	}
	if _, err := db.IEEEForShortAddr(0x1111); !errors.Is(err, ErrNotFound) {
		t.Errorf("old short addr still resolves: err = %v", err)
	}
	ieee, err = db.IEEEForShortAddr(0x2222)
	if err != nil || ieee != "CCDD" {
		t.Fatalf("IEEEForShortAddr(new) = %q, %v", ieee, err)
	}
}

func TestRenameUnknownDeviceFails(t *testing.T) {
	db := newTestDB(t)
	if err := db.Rename("nope", "name"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteRemovesShortAddrIndex(t *testing.T) {
	db := newTestDB(t)
	now := time.Now()
	if _, err := db.Upsert("EEFF", 0x3333, now); err != nil {
		t.Fatal(err)
	}
	if err := db.Delete("EEFF"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Get("EEFF"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete: err = %v, want ErrNotFound", err)
	}
	if _, err := db.IEEEForShortAddr(0x3333); !errors.Is(err, ErrNotFound) {
		t.Errorf("IEEEForShortAddr after delete: err = %v, want ErrNotFound", err)
	}
}

func TestListReturnsAllDevices(t *testing.T) {
	db := newTestDB(t)
	now := time.Now()
	for i, ieee := range []string{"D1", "D2", "D3"} {
		if _, err := db.Upsert(ieee, uint16(i+1), now); err != nil {
			t.Fatal(err)
		}
	}
	list, err := db.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("len = %d, want 3", len(list))
	}
}
