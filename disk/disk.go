// Package disk is the core's only consumed collaborator below BBC: a
// synchronous block device. Calls may block, so callers must never hold a
// spinlock while calling into it.
package disk

import "context"

// BlockDevice performs synchronous, whole-block reads and writes. dev
// distinguishes independent block address spaces (e.g. separate backing
// files); blockno addresses a fixed-size block within dev.
type BlockDevice interface {
	// ReadBlock fills data (len(data) == the device's block size) with the
	// contents of block blockno on dev.
	ReadBlock(ctx context.Context, dev uint32, blockno uint64, data []byte) error

	// WriteBlock persists data to block blockno on dev.
	WriteBlock(ctx context.Context, dev uint32, blockno uint64, data []byte) error

	// BlockSize returns the fixed block size this device serves.
	BlockSize() int
}
