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

// Package record holds the buffered record type handed from the mapping
// pipeline to the sinks.
package record

import (
	"github.com/divolte/divolte-go/pkg/ident"
)

// AvroRecordBuffer carries one fully mapped event: its event time, the
// session identifier it belongs to, and the record already encoded in Avro
// binary form. Sinks treat the encoded bytes as opaque; constructing a buffer
// implies the bytes are a valid row under the governing schema.
type AvroRecordBuffer struct {
	eventTime int64
	sessionID ident.DivolteIdentifier
	buf       []byte
}

// NewAvroRecordBuffer wraps a pre-encoded record.
func NewAvroRecordBuffer(eventTime int64, sessionID ident.DivolteIdentifier, encoded []byte) *AvroRecordBuffer {
	return &AvroRecordBuffer{
		eventTime: eventTime,
		sessionID: sessionID,
		buf:       encoded,
	}
}

// EventTime returns the event timestamp in milliseconds since the epoch.
func (b *AvroRecordBuffer) EventTime() int64 {
	return b.eventTime
}

// SessionID returns the session identifier of the event.
func (b *AvroRecordBuffer) SessionID() ident.DivolteIdentifier {
	return b.sessionID
}

// Bytes returns the encoded record. Callers must not mutate it.
func (b *AvroRecordBuffer) Bytes() []byte {
	return b.buf
}
