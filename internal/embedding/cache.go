package embedding

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const cacheBucket = "embeddings"

// Cache stores vectors on disk keyed by model and text hash, so re-runs
// and --force rebuilds do not pay for the same text twice.
type Cache struct {
	db *bolt.DB
}

// OpenCache opens (or creates) the cache file at path.
func OpenCache(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open embedding cache %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(cacheBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize embedding cache: %w", err)
	}
	return &Cache{db: db}, nil
}

func cacheKey(model, text string) []byte {
	sum := sha256.Sum256([]byte(text))
	key := make([]byte, 0, len(model)+1+len(sum))
	key = append(key, model...)
	key = append(key, 0)
	return append(key, sum[:]...)
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}

// Get returns the cached vectors for the texts that have one.
func (c *Cache) Get(model string, texts []string) (map[string][]float32, error) {
	found := make(map[string][]float32)
	err := c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(cacheBucket))
		if bucket == nil {
			return bolt.ErrBucketNotFound
		}
		for _, t := range texts {
			// bolt memory is only valid inside the transaction; decode copies
			if data := bucket.Get(cacheKey(model, t)); len(data) > 0 {
				found[t] = decodeVector(data)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("embedding cache read failed: %w", err)
	}
	return found, nil
}

// Put stores vectors keyed by their text.
func (c *Cache) Put(model string, vectors map[string][]float32) error {
	if len(vectors) == 0 {
		return nil
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(cacheBucket))
		if err != nil {
			return err
		}
		for t, v := range vectors {
			if err := bucket.Put(cacheKey(model, t), encodeVector(v)); err != nil {
				return fmt.Errorf("embedding cache write failed: %w", err)
			}
		}
		return nil
	})
}

// Len returns the number of cached vectors across all models.
func (c *Cache) Len() (int, error) {
	n := 0
	err := c.db.View(func(tx *bolt.Tx) error {
		if bucket := tx.Bucket([]byte(cacheBucket)); bucket != nil {
			n = bucket.Stats().KeyN
		}
		return nil
	})
	return n, err
}

// Close closes the cache file
func (c *Cache) Close() error {
	return c.db.Close()
}
