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
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"

	"github.com/divolte/divolte-go/pkg/record"
)

// scriptedStrategy records the driver protocol and returns scripted
// results. It is mutex guarded because the flusher goroutine calls it while
// tests inspect it.
type scriptedStrategy struct {
	mu sync.Mutex

	setupResult     OperationResult
	appendResult    OperationResult
	heartbeatResult OperationResult

	setups     int
	appends    []*record.AvroRecordBuffer
	heartbeats int
	cleanups   int
}

func (s *scriptedStrategy) Setup() OperationResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setups++
	return s.setupResult
}

func (s *scriptedStrategy) Append(r *record.AvroRecordBuffer) OperationResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appends = append(s.appends, r)
	return s.appendResult
}

func (s *scriptedStrategy) Heartbeat() OperationResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats++
	return s.heartbeatResult
}

func (s *scriptedStrategy) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanups++
}

func (s *scriptedStrategy) appendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.appends)
}

func (s *scriptedStrategy) setAppendResult(r OperationResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendResult = r
}

func TestFlusherDrivesProtocol(t *testing.T) {
	defer goleak.VerifyNone(t)

	strategy := &scriptedStrategy{}
	f := NewFlusher(context.Background(), strategy,
		WithQueueCapacity(16),
		WithHeartbeatInterval(5*time.Millisecond))
	f.Start()

	assert.True(t, f.Enqueue(buf(0, 0)))
	assert.True(t, f.Enqueue(buf(500, 500)))

	// wait for at least one idle heartbeat
	time.Sleep(20 * time.Millisecond)
	f.Stop()

	assert.Equal(t, 1, strategy.setups)
	assert.Len(t, strategy.appends, 2)
	assert.GreaterOrEqual(t, strategy.heartbeats, 1)
	assert.Equal(t, 1, strategy.cleanups)
}

func TestFlusherStopsAppendingWhileBroken(t *testing.T) {
	defer goleak.VerifyNone(t)

	strategy := &scriptedStrategy{appendResult: Failure, heartbeatResult: Failure}
	// a long heartbeat interval keeps the ticker out of this test
	f := NewFlusher(context.Background(), strategy,
		WithQueueCapacity(16),
		WithHeartbeatInterval(time.Hour))
	f.Start()

	assert.True(t, f.Enqueue(buf(0, 0)))
	assert.True(t, f.Enqueue(buf(500, 500)))
	assert.True(t, f.Enqueue(buf(900, 900)))
	f.Stop()

	// only the first record reached the strategy; the rest were shed
	assert.Len(t, strategy.appends, 1)
	assert.Equal(t, 1, strategy.cleanups)
}

func TestFlusherResumesAfterRecovery(t *testing.T) {
	defer goleak.VerifyNone(t)

	strategy := &scriptedStrategy{appendResult: Failure, heartbeatResult: Success}
	f := NewFlusher(context.Background(), strategy,
		WithQueueCapacity(16),
		WithHeartbeatInterval(5*time.Millisecond))
	f.Start()

	assert.True(t, f.Enqueue(buf(0, 0)))
	assert.Eventually(t, func() bool { return strategy.appendCount() == 1 }, time.Second, time.Millisecond)

	// a heartbeat reports recovery, appends resume
	strategy.setAppendResult(Success)
	time.Sleep(20 * time.Millisecond)
	assert.True(t, f.Enqueue(buf(500, 500)))
	f.Stop()

	assert.Len(t, strategy.appends, 2)
}

func TestFlusherDrainsQueueOnStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	strategy := &scriptedStrategy{heartbeatResult: Success}
	f := NewFlusher(context.Background(), strategy,
		WithQueueCapacity(64),
		WithHeartbeatInterval(time.Hour))
	f.Start()

	for i := 0; i < 10; i++ {
		assert.True(t, f.Enqueue(buf(int64(i), int64(i))))
	}
	f.Stop()

	assert.Len(t, strategy.appends, 10)
	assert.Equal(t, 1, strategy.cleanups)
}

func TestEnqueueDropsWhenQueueFull(t *testing.T) {
	strategy := &scriptedStrategy{}
	f := NewFlusher(context.Background(), strategy, WithQueueCapacity(1))
	// never started: the queue fills up

	assert.True(t, f.Enqueue(buf(0, 0)))
	assert.False(t, f.Enqueue(buf(1, 1)))
}
