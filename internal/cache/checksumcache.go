package cache

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var checksumBucket = []byte("blocksums")

// ChecksumCache persists computed rsync block-checksum sets across process
// restarts, keyed by (contentHash, blockSize), so an unchanged cached file
// never needs its blocks rehashed. It supplements Store rather than
// replacing it: the JSON metadata sidecar remains the source of truth for
// what is cached; this index is a pure derived-data optimization and is
// safe to drop and rebuild at any time.
type ChecksumCache struct {
	db *bolt.DB
}

// BlockSumEntry mirrors rsync.BlockSum without importing the rsync package,
// keeping cache free of a dependency on the sync-path internals.
type BlockSumEntry struct {
	Rolling uint32
	Strong  uint64
}

// OpenChecksumCache opens (creating if absent) a bolt-backed index at path.
func OpenChecksumCache(path string) (*ChecksumCache, error) {
	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, errors.Wrap(err, "cache: open checksum index")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(checksumBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "cache: init checksum bucket")
	}
	return &ChecksumCache{db: db}, nil
}

// Close releases the underlying bolt database.
func (c *ChecksumCache) Close() error {
	return c.db.Close()
}

func checksumKey(contentHash uint64, blockSize int) []byte {
	key := make([]byte, 12)
	binary.LittleEndian.PutUint64(key[:8], contentHash)
	binary.LittleEndian.PutUint32(key[8:], uint32(blockSize))
	return key
}

// Get returns a previously stored block-sum set, if present.
func (c *ChecksumCache) Get(contentHash uint64, blockSize int) ([]BlockSumEntry, bool) {
	var out []BlockSumEntry
	var found bool
	_ = c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(checksumBucket)
		v := b.Get(checksumKey(contentHash, blockSize))
		if v == nil {
			return nil
		}
		dec := gob.NewDecoder(bytes.NewReader(v))
		if err := dec.Decode(&out); err != nil {
			return nil
		}
		found = true
		return nil
	})
	return out, found
}

// Put stores a block-sum set for later reuse.
func (c *ChecksumCache) Put(contentHash uint64, blockSize int, sums []BlockSumEntry) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(sums); err != nil {
		return errors.Wrap(err, "cache: encode block sums")
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(checksumBucket)
		return b.Put(checksumKey(contentHash, blockSize), buf.Bytes())
	})
}
