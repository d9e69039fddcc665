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

package hdfs

import (
	"os"

	"github.com/divolte/divolte-go/pkg/record"
)

// OperationResult reports the outcome of a strategy operation to the
// flusher. Results are advisory telemetry; the strategy manages its own
// alive/broken state internally.
type OperationResult int

const (
	// Success indicates the operation completed against the remote file
	// system.
	Success OperationResult = iota
	// Failure indicates a remote failure; the strategy has torn down its
	// open files and will attempt reconnection on subsequent heartbeats.
	Failure
)

func (r OperationResult) String() string {
	if r == Success {
		return "SUCCESS"
	}
	return "FAILURE"
}

// CreateAndSyncStrategy decides when to create, sync, rotate and close files
// on the remote file system. Implementations are not safe for concurrent
// use: exactly one goroutine drives Setup, Append, Heartbeat and Cleanup.
//
// The driver calls Setup exactly once before anything else, Append for every
// dequeued record, Heartbeat whenever the queue is empty or a periodic tick
// fires, and Cleanup exactly once at shutdown. Append while the strategy is
// broken is a programming error and panics.
type CreateAndSyncStrategy interface {
	Setup() OperationResult
	Append(*record.AvroRecordBuffer) OperationResult
	Heartbeat() OperationResult
	Cleanup()
}

// findLocalHostName resolves the local host name for use in file names,
// falling back to the literal localhost.
func findLocalHostName() string {
	name, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return name
}
