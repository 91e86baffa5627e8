// Package recorder persists sensor readings as a per-device, per-kind
// time series, generalizing the original firmware's flat append-only log
// (one line per reading, "<value>, <timestamp>") into a queryable store.
package recorder

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketReadings = []byte("readings")

// Kind names the measurement a Sample belongs to, matching the mtz.Reading
// types a caller will actually hand this package.
type Kind string

const (
	KindTemperature Kind = "temperature"
	KindHumidity    Kind = "humidity"
	KindBattery     Kind = "battery"
	KindActivePower Kind = "active_power"
)

// Sample is one timestamped measurement for a single device.
type Sample struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// Recorder is a BoltDB-backed append-only time series store, one bucket per
// device/kind pair, keyed by the sample's timestamp so range queries are a
// plain ordered-key scan.
type Recorder struct {
	db *bolt.DB
}

// Open opens or creates the recorder database at path.
func Open(path string) (*Recorder, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("recorder: open: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketReadings)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("recorder: create bucket: %w", err)
	}
	return &Recorder{db: db}, nil
}

func (r *Recorder) Close() error { return r.db.Close() }

// Append records one reading for a device. Equivalent to the original
// firmware's saveTemperatureReading/saveHumidityReading, but keyed so a
// later Query can select a device and time range instead of scanning a
// whole flat file.
func (r *Recorder) Append(ieee string, kind Kind, value float64, at time.Time) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		series, err := tx.Bucket(bucketReadings).CreateBucketIfNotExists(seriesKey(ieee, kind))
		if err != nil {
			return err
		}
		data, err := json.Marshal(Sample{Time: at, Value: value})
		if err != nil {
			return err
		}
		// bbolt iterates keys in byte order, so a big-endian unix-nano key
		// keeps samples ordered by time without a secondary index. Nanosecond
		// collisions within one series overwrite rather than duplicate.
		return series.Put(timeKey(at), data)
	})
}

// Query returns every sample for ieee/kind with Time >= since, oldest first.
func (r *Recorder) Query(ieee string, kind Kind, since time.Time) ([]Sample, error) {
	var samples []Sample
	err := r.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketReadings)
		series := root.Bucket(seriesKey(ieee, kind))
		if series == nil {
			return nil
		}
		c := series.Cursor()
		// A since before the Unix epoch (the zero time included) has no
		// valid big-endian key, so the scan starts at the first sample.
		k, v := c.First()
		if !since.Before(time.Unix(0, 0)) {
			k, v = c.Seek(timeKey(since))
		}
		for ; k != nil; k, v = c.Next() {
			var s Sample
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			samples = append(samples, s)
		}
		return nil
	})
	return samples, err
}

// Latest returns the most recent sample for ieee/kind, if any.
func (r *Recorder) Latest(ieee string, kind Kind) (Sample, bool, error) {
	var sample Sample
	found := false
	err := r.db.View(func(tx *bolt.Tx) error {
		series := tx.Bucket(bucketReadings).Bucket(seriesKey(ieee, kind))
		if series == nil {
			return nil
		}
		k, v := series.Cursor().Last()
		if k == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &sample)
	})
	return sample, found, err
}

func seriesKey(ieee string, kind Kind) []byte {
	return []byte(ieee + "/" + string(kind))
}

func timeKey(t time.Time) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(t.UnixNano()))
	return b
}
