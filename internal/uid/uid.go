package uid

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var ErrClosed = errors.New("uid client closed")

// Client hands out ids that are unique across every gateway sharing the
// same backend.
type Client interface {
	LoadNextID(ctx context.Context) (uint64, error)
	Close() error
}

// LocalClient counts up from a seed. Ids are only unique within the process.
type LocalClient struct {
	next atomic.Uint64
}

func NewLocalClient(seed uint64) *LocalClient {
	c := &LocalClient{}
	if seed == 0 {
		seed = 1
	}
	c.next.Store(seed)
	return c
}

func (c *LocalClient) LoadNextID(context.Context) (uint64, error) {
	return c.next.Add(1) - 1, nil
}

func (c *LocalClient) Close() error { return nil }

// Reserver reserves a contiguous block of ids [start, start+size) from a
// shared backend.
type Reserver interface {
	Reserve(ctx context.Context, size uint64) (uint64, error)
	Close() error
}

// BlockClient serves ids out of blocks reserved from a Reserver so the
// backend is hit once per block instead of once per id.
type BlockClient struct {
	reserver  Reserver
	blockSize uint64

	mu     sync.Mutex
	next   uint64
	end    uint64
	closed bool
}

func NewBlockClient(reserver Reserver, blockSize uint64) *BlockClient {
	if blockSize == 0 {
		blockSize = 100
	}
	return &BlockClient{reserver: reserver, blockSize: blockSize}
}

func (c *BlockClient) LoadNextID(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	if c.next == c.end {
		start, err := c.reserver.Reserve(ctx, c.blockSize)
		if err != nil {
			return 0, fmt.Errorf("reserve uid block: %w", err)
		}
		c.next = start
		c.end = start + c.blockSize
	}
	id := c.next
	c.next++
	return id, nil
}

func (c *BlockClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.reserver.Close()
}
