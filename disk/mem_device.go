package disk

import (
	"context"
	"fmt"
	"sync"
)

// MemDevice is an in-memory BlockDevice, used by BBC/PPA tests that want
// deterministic, fast I/O without touching the filesystem. Reads of
// never-written blocks return a zeroed block, mirroring a freshly
// preallocated file.
type MemDevice struct {
	blockSize int

	mu     sync.Mutex
	blocks map[uint64]map[uint64][]byte // dev -> blockno -> data

	reads, writes int
}

func NewMemDevice(blockSize int) *MemDevice {
	return &MemDevice{
		blockSize: blockSize,
		blocks:    make(map[uint64]map[uint64][]byte),
	}
}

func (d *MemDevice) BlockSize() int { return d.blockSize }

func (d *MemDevice) ReadBlock(ctx context.Context, dev uint32, blockno uint64, data []byte) error {
	if len(data) != d.blockSize {
		return fmt.Errorf("disk: read buffer size %d does not match block size %d", len(data), d.blockSize)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.reads++
	if blk, ok := d.blocks[uint64(dev)][blockno]; ok {
		copy(data, blk)
		return nil
	}
	for i := range data {
		data[i] = 0
	}
	return nil
}

func (d *MemDevice) WriteBlock(ctx context.Context, dev uint32, blockno uint64, data []byte) error {
	if len(data) != d.blockSize {
		return fmt.Errorf("disk: write buffer size %d does not match block size %d", len(data), d.blockSize)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.writes++
	if d.blocks[uint64(dev)] == nil {
		d.blocks[uint64(dev)] = make(map[uint64][]byte)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	d.blocks[uint64(dev)][blockno] = cp
	return nil
}

func (d *MemDevice) Reads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads
}

func (d *MemDevice) Writes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes
}
