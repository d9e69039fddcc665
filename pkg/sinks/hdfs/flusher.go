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
	"time"

	"go.uber.org/zap"

	"github.com/divolte/divolte-go/pkg/record"
	"github.com/divolte/divolte-go/pkg/shared/logging"
)

const (
	defaultQueueCapacity     = 4096
	defaultHeartbeatInterval = time.Second
)

// Flusher drives a CreateAndSyncStrategy from a single goroutine: it calls
// Setup once, Append for every dequeued record, Heartbeat on every tick of
// the heartbeat interval, and Cleanup once on Stop. The
// strategy's results are tracked so that no Append reaches a broken
// strategy; records dequeued during an outage are dropped and counted.
type Flusher struct {
	strategy          CreateAndSyncStrategy
	queue             chan *record.AvroRecordBuffer
	heartbeatInterval time.Duration

	strategyAlive bool

	stopCh chan struct{}
	doneCh chan struct{}

	logger *zap.SugaredLogger
}

// FlusherOption customizes a Flusher.
type FlusherOption func(*Flusher)

// WithQueueCapacity sets the capacity of the record queue.
func WithQueueCapacity(n int) FlusherOption {
	return func(f *Flusher) {
		f.queue = make(chan *record.AvroRecordBuffer, n)
	}
}

// WithHeartbeatInterval sets how often the strategy receives a heartbeat in
// absence of records.
func WithHeartbeatInterval(d time.Duration) FlusherOption {
	return func(f *Flusher) {
		f.heartbeatInterval = d
	}
}

// NewFlusher returns a stopped Flusher for the given strategy.
func NewFlusher(ctx context.Context, strategy CreateAndSyncStrategy, opts ...FlusherOption) *Flusher {
	f := &Flusher{
		strategy:          strategy,
		queue:             make(chan *record.AvroRecordBuffer, defaultQueueCapacity),
		heartbeatInterval: defaultHeartbeatInterval,
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
		logger:            logging.FromContext(ctx).Named("hdfs-flusher"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Enqueue hands a record to the flusher without blocking the producer. It
// returns false when the queue is full; the record is then dropped and
// counted.
func (f *Flusher) Enqueue(r *record.AvroRecordBuffer) bool {
	select {
	case f.queue <- r:
		return true
	default:
		hdfsSinkDroppedCount.Inc()
		return false
	}
}

// Start launches the flusher goroutine.
func (f *Flusher) Start() {
	go f.run()
}

// Stop stops the flusher after flushing the records already queued, and
// waits for the strategy cleanup to finish.
func (f *Flusher) Stop() {
	close(f.stopCh)
	<-f.doneCh
}

func (f *Flusher) run() {
	defer close(f.doneCh)

	f.strategyAlive = f.strategy.Setup() == Success
	defer f.strategy.Cleanup()

	ticker := time.NewTicker(f.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			f.drain()
			return
		case r := <-f.queue:
			f.deliver(r)
		case <-ticker.C:
			f.heartbeat()
		}
	}
}

// drain delivers the records still queued at shutdown, without waiting for
// new ones.
func (f *Flusher) drain() {
	for {
		select {
		case r := <-f.queue:
			f.deliver(r)
		default:
			return
		}
	}
}

func (f *Flusher) deliver(r *record.AvroRecordBuffer) {
	if !f.strategyAlive {
		// the strategy forbids appends while broken; shed until a
		// heartbeat reconnects
		hdfsSinkDroppedCount.Inc()
		return
	}
	if f.strategy.Append(r) == Failure {
		f.strategyAlive = false
		f.logger.Warnw("HDFS flush failed, dropping records until the connection recovers.")
	}
}

func (f *Flusher) heartbeat() {
	wasAlive := f.strategyAlive
	f.strategyAlive = f.strategy.Heartbeat() == Success
	if !wasAlive && f.strategyAlive {
		f.logger.Infow("HDFS connection recovered, resuming appends.")
	}
}
