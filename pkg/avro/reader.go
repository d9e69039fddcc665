/*
Copyright The Divolte Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package avro

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Block is one decoded container block: the number of rows it holds and
// their concatenated encoded bytes.
type Block struct {
	NumRows int64
	Data    []byte
}

// Container is the decoded form of an object container file.
type Container struct {
	Meta   map[string][]byte
	Blocks []Block
}

// Schema returns the schema JSON recorded in the container metadata.
func (c *Container) Schema() string {
	return string(c.Meta[schemaKey])
}

// NumRows returns the total number of rows across all blocks.
func (c *Container) NumRows() int64 {
	var n int64
	for _, b := range c.Blocks {
		n += b.NumRows
	}
	return n
}

// ReadContainer decodes an entire object container file. Only the null codec
// is supported, matching what Writer produces.
func ReadContainer(r io.Reader) (*Container, error) {
	br := bufio.NewReader(r)

	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, fmt.Errorf("failed to read magic: %w", err)
	}
	if !bytes.Equal(magic, Magic) {
		return nil, fmt.Errorf("not an object container file")
	}

	meta, err := readMetaMap(br)
	if err != nil {
		return nil, fmt.Errorf("failed to read container metadata: %w", err)
	}
	if codec, ok := meta[codecKey]; ok && string(codec) != nullCodec {
		return nil, fmt.Errorf("unsupported codec %q", codec)
	}

	var syncMarker [SyncMarkerSize]byte
	if _, err := io.ReadFull(br, syncMarker[:]); err != nil {
		return nil, fmt.Errorf("failed to read sync marker: %w", err)
	}

	c := &Container{Meta: meta}
	for {
		numRows, err := binary.ReadVarint(br)
		if errors.Is(err, io.EOF) {
			return c, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read block row count: %w", err)
		}
		size, err := binary.ReadVarint(br)
		if err != nil {
			return nil, fmt.Errorf("failed to read block size: %w", err)
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(br, data); err != nil {
			return nil, fmt.Errorf("failed to read block data: %w", err)
		}
		var marker [SyncMarkerSize]byte
		if _, err := io.ReadFull(br, marker[:]); err != nil {
			return nil, fmt.Errorf("failed to read block sync marker: %w", err)
		}
		if marker != syncMarker {
			return nil, fmt.Errorf("sync marker mismatch, file corrupt")
		}
		c.Blocks = append(c.Blocks, Block{NumRows: numRows, Data: data})
	}
}

func readMetaMap(br *bufio.Reader) (map[string][]byte, error) {
	meta := map[string][]byte{}
	for {
		count, err := binary.ReadVarint(br)
		if err != nil {
			return nil, err
		}
		if count == 0 {
			return meta, nil
		}
		if count < 0 {
			// a negative count precedes a byte size we do not need
			count = -count
			if _, err := binary.ReadVarint(br); err != nil {
				return nil, err
			}
		}
		for i := int64(0); i < count; i++ {
			key, err := readBytes(br)
			if err != nil {
				return nil, err
			}
			value, err := readBytes(br)
			if err != nil {
				return nil, err
			}
			meta[string(key)] = value
		}
	}
}

func readBytes(br *bufio.Reader) ([]byte, error) {
	size, err := binary.ReadVarint(br)
	if err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, fmt.Errorf("negative length %d", size)
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(br, b); err != nil {
		return nil, err
	}
	return b, nil
}
