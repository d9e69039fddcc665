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

// Package avro implements a writer for the Avro object container file
// format, restricted to what the sinks need: rows arrive pre-encoded, the
// codec is always null, and block boundaries are written only on an explicit
// Sync call. Avro's long encoding is the zigzag varint from encoding/binary.
package avro

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
)

// Magic is the four-byte preamble of every container file.
var Magic = []byte{'O', 'b', 'j', 1}

const (
	// SyncMarkerSize is the size of the marker separating blocks.
	SyncMarkerSize = 16

	schemaKey = "avro.schema"
	codecKey  = "avro.codec"
	nullCodec = "null"
)

// Writer writes an object container file to an underlying stream. The
// underlying stream is not owned by the Writer; closing it is the caller's
// concern. Appended rows are buffered until Sync writes them out as one
// block, so nothing reaches the stream between sync points.
type Writer struct {
	w          io.Writer
	syncMarker [SyncMarkerSize]byte
	block      bytes.Buffer
	blockCount int64
}

// NewWriter writes the container header (schema, codec, sync marker) to w
// and returns a Writer appending to it.
func NewWriter(w io.Writer, schemaJSON string) (*Writer, error) {
	fw := &Writer{w: w}
	if _, err := rand.Read(fw.syncMarker[:]); err != nil {
		return nil, fmt.Errorf("failed to generate sync marker: %w", err)
	}

	var header []byte
	header = append(header, Magic...)
	// file metadata map: one block of two entries, then the end marker
	header = binary.AppendVarint(header, 2)
	header = appendBytes(header, []byte(schemaKey))
	header = appendBytes(header, []byte(schemaJSON))
	header = appendBytes(header, []byte(codecKey))
	header = appendBytes(header, []byte(nullCodec))
	header = binary.AppendVarint(header, 0)
	header = append(header, fw.syncMarker[:]...)

	if err := fw.writeFull(header); err != nil {
		return nil, fmt.Errorf("failed to write container header: %w", err)
	}
	return fw, nil
}

// AppendEncoded appends one pre-encoded row to the pending block. The row is
// not validated against the schema.
func (fw *Writer) AppendEncoded(row []byte) error {
	fw.block.Write(row)
	fw.blockCount++
	return nil
}

// Sync writes the pending rows as a block followed by the sync marker, so
// downstream readers observe a block boundary at this point. A Sync with no
// pending rows is a no-op; Avro does not allow empty blocks.
func (fw *Writer) Sync() error {
	if fw.blockCount == 0 {
		return nil
	}
	var buf []byte
	buf = binary.AppendVarint(buf, fw.blockCount)
	buf = binary.AppendVarint(buf, int64(fw.block.Len()))
	buf = append(buf, fw.block.Bytes()...)
	buf = append(buf, fw.syncMarker[:]...)

	if err := fw.writeFull(buf); err != nil {
		return fmt.Errorf("failed to write block: %w", err)
	}
	fw.block.Reset()
	fw.blockCount = 0
	return nil
}

// Close flushes any pending rows as a final block. The underlying stream is
// left open.
func (fw *Writer) Close() error {
	return fw.Sync()
}

// PendingRows returns the number of rows appended since the last block
// boundary.
func (fw *Writer) PendingRows() int64 {
	return fw.blockCount
}

func (fw *Writer) writeFull(b []byte) error {
	wrote, err := fw.w.Write(b)
	if err != nil {
		return err
	}
	if wrote != len(b) {
		return fmt.Errorf("expected to write %d, but wrote only %d", len(b), wrote)
	}
	return nil
}

// appendBytes appends an Avro bytes/string value: a zigzag varint length
// followed by the raw bytes.
func appendBytes(dst []byte, b []byte) []byte {
	dst = binary.AppendVarint(dst, int64(len(b)))
	return append(dst, b...)
}
