package device

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDevices = []byte("devices")
	bucketSerials = []byte("serials")
)

// errBoltConflict aborts a bolt transaction on a serial clash.
var errBoltConflict = errors.New("serial conflict")

// BoltRepository implements Repository on a bbolt file. Devices are stored
// as JSON under big-endian IDs from the bucket sequence. The serials bucket
// maps the SHA-256 of each serial to its ID and is updated in the same
// transaction, which keeps serials unique. Hashing keeps index keys under
// the bbolt key size limit for serials of any length; the stored device is
// compared exactly on lookup.
type BoltRepository struct {
	db *bolt.DB
}

// OpenBoltRepository opens or creates the bolt file at path.
func OpenBoltRepository(path string) (*BoltRepository, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDevices, bucketSerials} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltRepository{db: db}, nil
}

// Close closes the bolt file.
func (r *BoltRepository) Close() error {
	return r.db.Close()
}

// Path returns the bolt file path.
func (r *BoltRepository) Path() string {
	return r.db.Path()
}

func idKey(id int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id)) //nolint:gosec // IDs come from NextSequence and are positive
	return k
}

func serialKey(serial string) []byte {
	sum := sha256.Sum256([]byte(serial))
	return sum[:]
}

// lookupSerial returns the device indexed under serial, or nil.
func lookupSerial(tx *bolt.Tx, serial string) (*Device, error) {
	raw := tx.Bucket(bucketSerials).Get(serialKey(serial))
	if raw == nil {
		return nil, nil
	}
	d, err := getDevice(tx.Bucket(bucketDevices), int64(binary.BigEndian.Uint64(raw))) //nolint:gosec // stored from positive IDs
	if err != nil {
		return nil, err
	}
	if d.Serial != serial {
		return nil, fmt.Errorf("serial index collision for device %d", d.ID)
	}
	return d, nil
}

func getDevice(b *bolt.Bucket, id int64) (*Device, error) {
	data := b.Get(idKey(id))
	if data == nil {
		return nil, ErrDeviceNotFound
	}
	var d Device
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decoding device %d: %w", id, err)
	}
	return &d, nil
}

func putDevice(b *bolt.Bucket, d *Device) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return b.Put(idKey(d.ID), data)
}

// GetByID retrieves a device by ID.
func (r *BoltRepository) GetByID(ctx context.Context, id int64) (*Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var d *Device
	err := r.db.View(func(tx *bolt.Tx) error {
		var err error
		d, err = getDevice(tx.Bucket(bucketDevices), id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// GetBySerial retrieves a device through the serial index.
func (r *BoltRepository) GetBySerial(ctx context.Context, serial string) (*Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var d *Device
	err := r.db.View(func(tx *bolt.Tx) error {
		var err error
		d, err = lookupSerial(tx, serial)
		if err == nil && d == nil {
			return ErrDeviceNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// List returns all devices. Keys are big-endian IDs, so cursor order is ID order.
func (r *BoltRepository) List(ctx context.Context) ([]Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	devices := []Device{}
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).ForEach(func(_, v []byte) error {
			var d Device
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			devices = append(devices, d)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	return devices, nil
}

// Create stores a new device under the next sequence ID.
func (r *BoltRepository) Create(ctx context.Context, device *Device) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateSerial(device.Serial); err != nil {
		return err
	}

	stored := *device
	err := r.db.Update(func(tx *bolt.Tx) error {
		holder, err := lookupSerial(tx, stored.Serial)
		if err != nil {
			return err
		}
		if holder != nil {
			return errBoltConflict
		}

		devices := tx.Bucket(bucketDevices)
		seq, err := devices.NextSequence()
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		stored.ID = int64(seq) //nolint:gosec // sequence fits in int64
		stored.CreatedAt = now
		stored.UpdatedAt = now

		if err := putDevice(devices, &stored); err != nil {
			return err
		}
		return tx.Bucket(bucketSerials).Put(serialKey(stored.Serial), idKey(stored.ID))
	})
	if err != nil {
		if errors.Is(err, errBoltConflict) {
			return ErrSerialConflict
		}
		return fmt.Errorf("inserting device: %w", err)
	}

	*device = stored
	return nil
}

// Update replaces the serial of an existing device, moving its index entry.
func (r *BoltRepository) Update(ctx context.Context, device *Device) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateSerial(device.Serial); err != nil {
		return err
	}

	var updated *Device
	err := r.db.Update(func(tx *bolt.Tx) error {
		devices := tx.Bucket(bucketDevices)
		serials := tx.Bucket(bucketSerials)

		existing, err := getDevice(devices, device.ID)
		if err != nil {
			return err
		}

		if existing.Serial != device.Serial {
			holder, err := lookupSerial(tx, device.Serial)
			if err != nil {
				return err
			}
			if holder != nil {
				return errBoltConflict
			}
			if err := serials.Delete(serialKey(existing.Serial)); err != nil {
				return err
			}
			if err := serials.Put(serialKey(device.Serial), idKey(existing.ID)); err != nil {
				return err
			}
		}

		existing.Serial = device.Serial
		existing.UpdatedAt = time.Now().UTC()
		updated = existing
		return putDevice(devices, existing)
	})
	switch {
	case errors.Is(err, ErrDeviceNotFound):
		return ErrDeviceNotFound
	case errors.Is(err, errBoltConflict):
		return ErrSerialConflict
	case err != nil:
		return fmt.Errorf("updating device: %w", err)
	}

	*device = *updated
	return nil
}

// Delete removes a device and its serial index entry if present.
func (r *BoltRepository) Delete(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := r.db.Update(func(tx *bolt.Tx) error {
		devices := tx.Bucket(bucketDevices)
		existing, err := getDevice(devices, id)
		if errors.Is(err, ErrDeviceNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketSerials).Delete(serialKey(existing.Serial)); err != nil {
			return err
		}
		return devices.Delete(idKey(id))
	})
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	return nil
}
