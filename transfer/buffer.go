// Copyright 2024 The Armored Netboot authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transfer

import (
	"errors"
	"fmt"
)

// DefaultLimit bounds the size of a downloaded image.
const DefaultLimit = 512 << 20

// ErrImageTooLarge is returned when an image exceeds the buffer limit.
var ErrImageTooLarge = errors.New("image size limit exceeded")

// Buffer is the single growable image buffer of a boot attempt.
//
// It is filled by Client.Fetch and afterwards only read. Its capacity is
// unknown up front and grows as chunks arrive.
type Buffer struct {
	// Limit is the maximum number of bytes the buffer accepts, zero selects
	// DefaultLimit.
	Limit int

	buf []byte
}

// NewBuffer returns an empty buffer with an initial capacity hint.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{buf: make([]byte, 0, capacity)}
}

func (b *Buffer) limit() int {
	if b.Limit > 0 {
		return b.Limit
	}
	return DefaultLimit
}

// Append adds a chunk to the end of the buffer.
func (b *Buffer) Append(p []byte) error {
	if len(b.buf)+len(p) > b.limit() {
		return fmt.Errorf("%w (%d bytes)", ErrImageTooLarge, b.limit())
	}
	b.buf = append(b.buf, p...)
	return nil
}

// Bytes returns the buffer contents, the slice aliases the buffer.
func (b *Buffer) Bytes() []byte {
	return b.buf
}

// Len returns the number of bytes held.
func (b *Buffer) Len() int {
	return len(b.buf)
}

// Reset discards the contents, keeping the allocated memory.
func (b *Buffer) Reset() {
	clear(b.buf)
	b.buf = b.buf[:0]
}
