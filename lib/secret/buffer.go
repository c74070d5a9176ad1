// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds sensitive data (guest passwords, hypervisor
// session tickets) in memory that the Go runtime never manages.
//
// A Buffer is backed by an anonymous mmap region locked into physical
// RAM (mlock, so it cannot be swapped to disk) and excluded from core
// dumps (MADV_DONTDUMP). Close zeroes, unlocks, and unmaps the region.
// Because the memory lives outside the Go heap, the garbage collector
// cannot copy or relocate it, so zeroing on Close actually destroys the
// only durable copy.
package secret

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Buffer holds sensitive bytes in mmap-backed memory. It must not be
// copied. Accessing a Buffer after Close panics.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	closed bool
}

// New allocates a protected buffer of the given size. The caller must
// Close it when the secret is no longer needed.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret: buffer size must be positive, got %d", size)
	}

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap: %w", err)
	}
	if err := unix.Mlock(data); err != nil {
		unix.Munmap(data)
		return nil, fmt.Errorf("secret: mlock: %w", err)
	}
	if err := unix.Madvise(data, unix.MADV_DONTDUMP); err != nil {
		unix.Munlock(data)
		unix.Munmap(data)
		return nil, fmt.Errorf("secret: madvise(MADV_DONTDUMP): %w", err)
	}

	return &Buffer{data: data}, nil
}

// NewFromBytes copies source into a protected buffer and zeroes the
// caller's slice, so the original no longer holds the secret.
func NewFromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("secret: cannot create buffer from empty source")
	}
	buffer, err := New(len(source))
	if err != nil {
		return nil, err
	}
	copy(buffer.data, source)
	for i := range source {
		source[i] = 0
	}
	return buffer, nil
}

// Bytes returns the secret data. The slice points directly into the
// mmap region; do not retain it past the Buffer's lifetime.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic("secret: read from closed buffer")
	}
	return b.data
}

// String returns the secret as a string. The string is a heap copy, so
// use it only at API boundaries that demand strings (HTTP form values,
// JSON fields) where the copy is request-scoped. Prefer Bytes.
func (b *Buffer) String() string {
	return string(b.Bytes())
}

// Len returns the buffer length. Panics after Close.
func (b *Buffer) Len() int {
	return len(b.Bytes())
}

// Close zeroes the secret, unlocks the memory, and unmaps it.
// Idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	for i := range b.data {
		b.data[i] = 0
	}
	if err := unix.Munlock(b.data); err != nil {
		return fmt.Errorf("secret: munlock: %w", err)
	}
	if err := unix.Munmap(b.data); err != nil {
		return fmt.Errorf("secret: munmap: %w", err)
	}
	b.data = nil
	b.closed = true
	return nil
}
