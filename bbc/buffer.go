package bbc

import (
	"context"

	"kcore/internal/corelog"
)

// Buffer is a handle to one cached block, returned with its content lock
// held. Do not use a Buffer after calling (*Cache).Release on it.
type Buffer struct {
	cache *Cache
	idx   int
}

// Dev returns the device the buffer is currently mapped to.
func (b *Buffer) Dev() uint32 { return b.cache.slots[b.idx].dev }

// BlockNo returns the block number the buffer is currently mapped to.
func (b *Buffer) BlockNo() uint64 { return b.cache.slots[b.idx].blockno }

// Valid reports whether the buffer's data reflects the disk contents.
func (b *Buffer) Valid() bool { return b.cache.slots[b.idx].valid }

// Data returns the buffer's block-sized payload. The caller must hold the
// buffer's content lock (true of any Buffer obtained from Read and not yet
// Released), and must not retain the slice past Release.
func (b *Buffer) Data() []byte { return b.cache.slots[b.idx].data }

// Write persists the buffer's current contents to disk. The caller must
// hold the content lock; writing without it is a programmer error and is
// fatal.
func (b *Buffer) Write(ctx context.Context) error {
	slot := &b.cache.slots[b.idx]
	if !slot.content.Holding() {
		corelog.Fatal("kcore.bbc.write_without_lock", corelog.Int("buffer", b.idx))
		return nil
	}
	return b.cache.dev.WriteBlock(ctx, slot.dev, slot.blockno, slot.data)
}

// identity is used only by tests to confirm two Buffer handles refer to the
// same underlying pool slot.
func (b *Buffer) identity() int { return b.idx }
