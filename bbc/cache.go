// Package bbc implements the block buffer cache: a bounded, LRU-evicting,
// refcounted cache of fixed-size disk blocks sitting in front of a
// disk.BlockDevice. See the package-level algorithm notes on (*Cache).get
// for the three-phase acquisition protocol.
package bbc

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"kcore/disk"
	"kcore/internal/corelog"
	"kcore/internal/sleeplock"
	"kcore/internal/spinlock"
	"kcore/ticks"
)

const (
	// DefaultNBuf is the default buffer pool size.
	DefaultNBuf = 30
	// DefaultNBufMapBucket is the default hash table modulus. Kept prime so
	// sequential blocknos don't pile into a handful of buckets.
	DefaultNBufMapBucket = 13
	// DefaultBlockSize is the default fixed block size in bytes.
	DefaultBlockSize = 1024
)

// Config tunes a Cache's dimensions. Zero-valued fields fall back to the
// package defaults.
type Config struct {
	NBuf      int
	NBuckets  int
	BlockSize int
}

func (cfg Config) withDefaults() Config {
	if cfg.NBuf == 0 {
		cfg.NBuf = DefaultNBuf
	}
	if cfg.NBuckets == 0 {
		cfg.NBuckets = DefaultNBufMapBucket
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	return cfg
}

// bufSlot is one pool entry. Chains are threaded through next (an index
// into Cache.slots, -1 for "end of chain") rather than raw pointers, so the
// whole pool is a single contiguous slice.
type bufSlot struct {
	dev     uint32
	blockno uint64
	valid   bool
	refcnt  int
	lastUse uint64
	data    []byte
	content *sleeplock.Lock
	next    int
}

// Cache is the block buffer cache: NBuf buffers, sharded across NBuckets
// hash chains each guarded by its own spinlock, plus one eviction spinlock
// that serializes cross-bucket rehashing.
type Cache struct {
	dev       disk.BlockDevice
	blockSize int
	nbuf      int
	nbuckets  int
	ticks     *ticks.Counter

	buckets    []*spinlock.Lock
	bucketHead []int

	evict *spinlock.Lock
	slots []bufSlot
}

// New creates a Cache backed by dev, with all buffers initially chained
// into bucket 0 at refcnt 0.
func New(dev disk.BlockDevice, cfg Config) *Cache {
	cfg = cfg.withDefaults()

	c := &Cache{
		dev:        dev,
		blockSize:  cfg.BlockSize,
		nbuf:       cfg.NBuf,
		nbuckets:   cfg.NBuckets,
		ticks:      ticks.NewCounter(),
		buckets:    make([]*spinlock.Lock, cfg.NBuckets),
		bucketHead: make([]int, cfg.NBuckets),
		evict:      spinlock.New("bcache.eviction"),
		slots:      make([]bufSlot, cfg.NBuf),
	}
	for i := range c.buckets {
		c.buckets[i] = spinlock.New(fmt.Sprintf("bcache.bufmap[%d]", i))
		c.bucketHead[i] = -1
	}
	for i := range c.slots {
		c.slots[i] = bufSlot{
			data:    make([]byte, cfg.BlockSize),
			content: sleeplock.New(fmt.Sprintf("buffer[%d]", i)),
			next:    -1,
		}
		c.linkInBucket(0, i)
	}
	return c
}

// Ticks exposes the cache's tick source so an external scheduler/test can
// advance it; lastUse only needs a monotonically increasing value, not wall
// clock time.
func (c *Cache) Ticks() *ticks.Counter { return c.ticks }

func (c *Cache) bucket(blockno uint64) int {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], blockno)
	return int(xxhash.Sum64(b[:]) % uint64(c.nbuckets))
}

// findInBucket walks bucket's chain looking for (dev, blockno). Caller must
// hold buckets[bucket].
func (c *Cache) findInBucket(bucket int, dev uint32, blockno uint64) (int, bool) {
	for idx := c.bucketHead[bucket]; idx != -1; idx = c.slots[idx].next {
		if c.slots[idx].dev == dev && c.slots[idx].blockno == blockno {
			return idx, true
		}
	}
	return -1, false
}

// linkInBucket pushes idx onto the front of bucket's chain. Caller must
// hold buckets[bucket].
func (c *Cache) linkInBucket(bucket, idx int) {
	c.slots[idx].next = c.bucketHead[bucket]
	c.bucketHead[bucket] = idx
}

// unlinkFromBucket removes target from bucket's chain. Caller must hold
// buckets[bucket].
func (c *Cache) unlinkFromBucket(bucket, target int) {
	if c.bucketHead[bucket] == target {
		c.bucketHead[bucket] = c.slots[target].next
		c.slots[target].next = -1
		return
	}
	prev := c.bucketHead[bucket]
	for prev != -1 && c.slots[prev].next != target {
		prev = c.slots[prev].next
	}
	if prev == -1 {
		corelog.Fatal("kcore.bbc.unlink_missing", corelog.Int("bucket", bucket), corelog.Int("target", target))
		return
	}
	c.slots[prev].next = c.slots[target].next
	c.slots[target].next = -1
}

// get locates or installs the buffer for (dev, blockno), in three phases:
//
// Phase 1 (fast lookup): take only bucket_lock[key], walk the chain, bump
// refcnt on a hit.
//
// Phase 2 (serialize misses): release the bucket lock, take the eviction
// lock, then re-check the bucket by re-acquiring bucket_lock[key] for a
// second scan. Two goroutines racing to install the same missing block must
// not be allowed to evict two separate victims for it; re-checking under
// the eviction lock closes that window.
//
// Phase 3 (select and rehash a victim): scan every bucket in index order,
// holding at most two bucket locks at once (the best candidate's and the one
// being scanned), looking for the globally least-recently-used
// unreferenced buffer; unlink it, relink it under bucket[key], stamp its new
// identity, and mark it invalid.
func (c *Cache) get(ctx context.Context, dev uint32, blockno uint64) (int, error) {
	key := c.bucket(blockno)

	c.buckets[key].Lock()
	if idx, ok := c.findInBucket(key, dev, blockno); ok {
		c.slots[idx].refcnt++
		c.buckets[key].Unlock()
		c.slots[idx].content.Acquire()
		return idx, nil
	}
	c.buckets[key].Unlock()

	c.evict.Lock()
	c.buckets[key].Lock()
	if idx, ok := c.findInBucket(key, dev, blockno); ok {
		c.slots[idx].refcnt++
		c.buckets[key].Unlock()
		c.evict.Unlock()
		c.slots[idx].content.Acquire()
		return idx, nil
	}
	c.buckets[key].Unlock()

	victim, err := c.selectVictim()
	if err != nil {
		c.evict.Unlock()
		corelog.Fatal("kcore.bbc.no_buffers")
		return 0, fmt.Errorf("bbc: no buffers available for eviction")
	}

	c.buckets[key].Lock()
	c.linkInBucket(key, victim)
	c.slots[victim].dev = dev
	c.slots[victim].blockno = blockno
	c.slots[victim].valid = false
	c.slots[victim].refcnt = 1
	c.buckets[key].Unlock()

	c.evict.Unlock()
	c.slots[victim].content.Acquire()
	return victim, nil
}

// selectVictim scans every bucket for the buffer with the smallest lastUse
// among those with refcnt == 0, and returns it unlinked from its bucket.
// Buckets are locked in index order; the best candidate's bucket stays locked
// while the next bucket is locked and scanned, so at most two bucket locks are
// held at once. The caller must hold the eviction lock.
func (c *Cache) selectVictim() (int, error) {
	bestBucket := -1
	bestIdx := -1
	var bestLastUse uint64

	for i := 0; i < c.nbuckets; i++ {
		c.buckets[i].Lock()

		found := -1
		var foundLastUse uint64
		for idx := c.bucketHead[i]; idx != -1; idx = c.slots[idx].next {
			if c.slots[idx].refcnt == 0 {
				if found == -1 || c.slots[idx].lastUse < foundLastUse {
					found = idx
					foundLastUse = c.slots[idx].lastUse
				}
			}
		}

		if found == -1 {
			c.buckets[i].Unlock()
			continue
		}

		if bestBucket == -1 || foundLastUse < bestLastUse {
			if bestBucket != -1 {
				c.buckets[bestBucket].Unlock()
			}
			bestBucket = i
			bestIdx = found
			bestLastUse = foundLastUse
		} else {
			c.buckets[i].Unlock()
		}
	}

	if bestBucket == -1 {
		return -1, fmt.Errorf("bbc: no evictable buffer")
	}

	c.unlinkFromBucket(bestBucket, bestIdx)
	c.buckets[bestBucket].Unlock()
	return bestIdx, nil
}

// Read returns a buffer holding block (dev, blockno), with its content lock
// held and valid == true. A miss issues exactly one synchronous disk read.
func (c *Cache) Read(ctx context.Context, dev uint32, blockno uint64) (*Buffer, error) {
	idx, err := c.get(ctx, dev, blockno)
	if err != nil {
		return nil, err
	}
	if !c.slots[idx].valid {
		if err := c.dev.ReadBlock(ctx, dev, blockno, c.slots[idx].data); err != nil {
			corelog.Fatal("kcore.bbc.disk_io_failed", corelog.Err(err))
			return nil, err
		}
		c.slots[idx].valid = true
	}
	return &Buffer{cache: c, idx: idx}, nil
}

// Release drops b's content lock and decrements its refcnt. If the refcnt
// reaches 0, lastUse is stamped with the current tick so a later eviction
// scan can consider it. b must not be used again after Release.
func (c *Cache) Release(b *Buffer) {
	idx := b.idx
	if !c.slots[idx].content.Holding() {
		corelog.Fatal("kcore.bbc.release_without_lock", corelog.Int("buffer", idx))
		return
	}
	c.slots[idx].content.Release()

	key := c.bucket(c.slots[idx].blockno)
	c.buckets[key].Lock()
	c.slots[idx].refcnt--
	rc := c.slots[idx].refcnt
	if rc == 0 {
		c.slots[idx].lastUse = c.ticks.Advance()
	}
	c.buckets[key].Unlock()

	if rc < 0 {
		corelog.Warn("release of buffer already at refcnt 0", corelog.Int("buffer", idx), corelog.Int("refcnt", rc))
		corelog.Fatal("kcore.bbc.negative_refcount", corelog.Int("buffer", idx), corelog.Int("refcnt", rc))
	}
}

// Pin increments b's refcnt without touching the content lock, keeping it
// resident across Release/Read cycles. Used by callers (e.g. a WAL layer)
// that need a buffer to survive being released elsewhere.
func (c *Cache) Pin(b *Buffer) {
	idx := b.idx
	key := c.bucket(c.slots[idx].blockno)
	c.buckets[key].Lock()
	c.slots[idx].refcnt++
	c.buckets[key].Unlock()
}

// Unpin is Pin's inverse.
func (c *Cache) Unpin(b *Buffer) {
	idx := b.idx
	key := c.bucket(c.slots[idx].blockno)
	c.buckets[key].Lock()
	c.slots[idx].refcnt--
	rc := c.slots[idx].refcnt
	c.buckets[key].Unlock()

	if rc < 0 {
		corelog.Warn("unpin of buffer already at refcnt 0", corelog.Int("buffer", idx), corelog.Int("refcnt", rc))
		corelog.Fatal("kcore.bbc.negative_refcount", corelog.Int("buffer", idx), corelog.Int("refcnt", rc))
	}
}

// NumBuffers and NumBuckets report the pool's dimensions, useful for
// demos and tests.
func (c *Cache) NumBuffers() int { return c.nbuf }
func (c *Cache) NumBuckets() int { return c.nbuckets }
