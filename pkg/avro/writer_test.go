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
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

const testSchema = `{"type":"record","name":"event","fields":[{"name":"payload","type":"bytes"}]}`

func TestWriterHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, testSchema)
	assert.NoError(t, err)
	assert.NoError(t, w.Close())

	assert.True(t, bytes.HasPrefix(buf.Bytes(), Magic))

	c, err := ReadContainer(&buf)
	assert.NoError(t, err)
	assert.Equal(t, testSchema, c.Schema())
	assert.Equal(t, nullCodec, string(c.Meta[codecKey]))
	assert.Empty(t, c.Blocks)
}

func TestBlocksOnlyAtExplicitSyncPoints(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, testSchema)
	assert.NoError(t, err)
	headerLen := buf.Len()

	assert.NoError(t, w.AppendEncoded([]byte{0x01, 0x02}))
	assert.NoError(t, w.AppendEncoded([]byte{0x03}))
	// nothing reaches the stream until the explicit sync
	assert.Equal(t, headerLen, buf.Len())
	assert.Equal(t, int64(2), w.PendingRows())

	assert.NoError(t, w.Sync())
	assert.Equal(t, int64(0), w.PendingRows())

	assert.NoError(t, w.AppendEncoded([]byte{0x04, 0x05, 0x06}))
	assert.NoError(t, w.Close())

	c, err := ReadContainer(&buf)
	assert.NoError(t, err)
	assert.Len(t, c.Blocks, 2)
	assert.Equal(t, int64(2), c.Blocks[0].NumRows)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, c.Blocks[0].Data)
	assert.Equal(t, int64(1), c.Blocks[1].NumRows)
	assert.Equal(t, []byte{0x04, 0x05, 0x06}, c.Blocks[1].Data)
	assert.Equal(t, int64(3), c.NumRows())
}

func TestSyncWithoutPendingRowsWritesNothing(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, testSchema)
	assert.NoError(t, err)
	headerLen := buf.Len()

	assert.NoError(t, w.Sync())
	assert.NoError(t, w.Sync())
	assert.Equal(t, headerLen, buf.Len())
}
