// Package devicedb persists the coordinator's view of which devices have
// joined the network: their IEEE address, current short address, and an
// optional user-assigned name. It deliberately tracks nothing else — mtz's
// decoder has no channel for manufacturer/model identification, so unlike a
// full Zigbee stack's device registry this one never tries to catalog them.
package devicedb

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned when a lookup finds no matching record.
var ErrNotFound = errors.New("devicedb: not found")

var (
	bucketDevices = []byte("devices")
	bucketByShort = []byte("by_short_addr")
)

// Device is one joined device's identity record.
type Device struct {
	IEEE         string    `json:"ieee"`
	ShortAddr    uint16    `json:"short_addr"`
	FriendlyName string    `json:"friendly_name"`
	JoinedAt     time.Time `json:"joined_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// DB is a BoltDB-backed device identity store, keyed by IEEE address with a
// short-address reverse index for fast lookup on incoming AF/ZDO traffic.
type DB struct {
	db *bolt.DB
}

// Open opens or creates the identity database at path.
func Open(path string) (*DB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("devicedb: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDevices, bucketByShort} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("devicedb: create buckets: %w", err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error { return d.db.Close() }

// Upsert records that ieee has joined (or rejoined) at shortAddr, preserving
// any existing friendly name and JoinedAt. Call this from the device
// announcement and state-change handlers.
func (d *DB) Upsert(ieee string, shortAddr uint16, now time.Time) (Device, error) {
	var dev Device
	err := d.db.Update(func(tx *bolt.Tx) error {
		devices := tx.Bucket(bucketDevices)
		byShort := tx.Bucket(bucketByShort)

		if data := devices.Get([]byte(ieee)); data != nil {
			if err := json.Unmarshal(data, &dev); err != nil {
				return err
			}
			if dev.ShortAddr != shortAddr {
				byShort.Delete(shortAddrKey(dev.ShortAddr))
			}
		} else {
			dev = Device{IEEE: ieee, JoinedAt: now}
		}
		dev.ShortAddr = shortAddr
		dev.LastSeen = now

		data, err := json.Marshal(dev)
		if err != nil {
			return err
		}
		if err := devices.Put([]byte(ieee), data); err != nil {
			return err
		}
		return byShort.Put(shortAddrKey(shortAddr), []byte(ieee))
	})
	return dev, err
}

// Touch updates LastSeen for an already-known device without changing its
// short address, e.g. on an ordinary attribute report.
func (d *DB) Touch(ieee string, now time.Time) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		devices := tx.Bucket(bucketDevices)
		data := devices.Get([]byte(ieee))
		if data == nil {
			return fmt.Errorf("devicedb: touch %s: %w", ieee, ErrNotFound)
		}
		var dev Device
		if err := json.Unmarshal(data, &dev); err != nil {
			return err
		}
		dev.LastSeen = now
		out, err := json.Marshal(dev)
		if err != nil {
			return err
		}
		return devices.Put([]byte(ieee), out)
	})
}

// Rename sets a device's friendly name. This is the user feature the
// original firmware exposed as renameDevice.
func (d *DB) Rename(ieee, name string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		devices := tx.Bucket(bucketDevices)
		data := devices.Get([]byte(ieee))
		if data == nil {
			return fmt.Errorf("devicedb: rename %s: %w", ieee, ErrNotFound)
		}
		var dev Device
		if err := json.Unmarshal(data, &dev); err != nil {
			return err
		}
		dev.FriendlyName = name
		out, err := json.Marshal(dev)
		if err != nil {
			return err
		}
		return devices.Put([]byte(ieee), out)
	})
}

// Get looks up a device by IEEE address.
func (d *DB) Get(ieee string) (Device, error) {
	var dev Device
	err := d.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDevices).Get([]byte(ieee))
		if data == nil {
			return fmt.Errorf("devicedb: get %s: %w", ieee, ErrNotFound)
		}
		return json.Unmarshal(data, &dev)
	})
	return dev, err
}

// IEEEForShortAddr resolves a short address to the IEEE address that most
// recently claimed it. Short addresses are reassigned on rejoin, so callers
// should treat this as a best-effort hint, not a permanent mapping.
func (d *DB) IEEEForShortAddr(shortAddr uint16) (string, error) {
	var ieee string
	err := d.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketByShort).Get(shortAddrKey(shortAddr))
		if data == nil {
			return fmt.Errorf("devicedb: short addr 0x%04X: %w", shortAddr, ErrNotFound)
		}
		ieee = string(data)
		return nil
	})
	return ieee, err
}

// Delete removes a device and its short-address index entry.
func (d *DB) Delete(ieee string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		devices := tx.Bucket(bucketDevices)
		data := devices.Get([]byte(ieee))
		if data != nil {
			var dev Device
			if err := json.Unmarshal(data, &dev); err == nil {
				tx.Bucket(bucketByShort).Delete(shortAddrKey(dev.ShortAddr))
			}
		}
		return devices.Delete([]byte(ieee))
	})
}

// List returns every known device, in no particular order.
func (d *DB) List() ([]Device, error) {
	var devices []Device
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		devices = make([]Device, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var dev Device
			if err := json.Unmarshal(v, &dev); err != nil {
				return err
			}
			devices = append(devices, dev)
			return nil
		})
	})
	return devices, err
}

func shortAddrKey(addr uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, addr)
	return b
}
