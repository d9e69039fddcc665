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
	"fmt"
	"path"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/divolte/divolte-go/pkg/avro"
	"github.com/divolte/divolte-go/pkg/record"
	"github.com/divolte/divolte-go/pkg/shared/logging"
)

/*
The general idea of this file strategy is to provide a best effort to put
events that belong to the same session in the same file.

The session binning file strategy assigns events to files as such:
- each timestamp is assigned to a round, defined as timestamp_in_millis / session_timeout_in_millis
- we open a file for a round as time passes
- all events for a session are stored in the file with the round marked by the session start time
- a file for a round is kept open for at least three times the session duration *in absence of failures*
- during this entire process, we use the event timestamp for events that come off the queue as a logical clock signal
  - only in the case of an empty queue, we use the actual system time as clock signal (receiving heartbeats means an empty queue)
- when a file for a round is closed, but events that should be in that file still arrive, they are stored in the oldest open file
  - this happens for exceptionally long sessions

The above mechanics allow for the following guarantee: if a file is properly
opened, used for flushing and closed without intermediate failures, all
sessions that start within that file and last less than the session timeout
duration, will be fully contained in that file.

In case of failure, we close all open files. This means that files that were
closed as a result of such a failure *DO NOT* provide above guarantee.
*/

const (
	hdfsReconnectDelayMillis         = 15000
	fileTimeToLiveInSessionDurations = 3
)

// instanceCounter disambiguates sinks within one process only; the host name
// in the file name covers distinct processes.
var instanceCounter = atomic.NewInt32(0)

type sessionBinningFileStrategy struct {
	instanceNumber int32
	hostString     string

	fs          FileSystem
	replication int16
	schemaJSON  string

	sessionTimeoutMillis int64

	openFiles        map[int64]*roundFile
	fileDir          string
	syncEveryMillis  int64
	syncEveryRecords int

	isHdfsAlive    bool
	failedRound    int64
	hasFailedRound bool
	lastFixAttempt int64
	timeSignal     int64

	now    func() time.Time
	logger *zap.SugaredLogger
}

// SessionBinningOption customizes the session binning strategy.
type SessionBinningOption func(*sessionBinningFileStrategy)

// WithSessionTimeout sets the session length, which is also the round width.
func WithSessionTimeout(d time.Duration) SessionBinningOption {
	return func(s *sessionBinningFileStrategy) {
		s.sessionTimeoutMillis = d.Milliseconds()
	}
}

// WithFileDir sets the destination directory on the remote file system.
func WithFileDir(dir string) SessionBinningOption {
	return func(s *sessionBinningFileStrategy) {
		s.fileDir = dir
	}
}

// WithSyncFileAfterDuration sets the sync-age threshold.
func WithSyncFileAfterDuration(d time.Duration) SessionBinningOption {
	return func(s *sessionBinningFileStrategy) {
		s.syncEveryMillis = d.Milliseconds()
	}
}

// WithSyncFileAfterRecords sets the sync-count threshold.
func WithSyncFileAfterRecords(n int) SessionBinningOption {
	return func(s *sessionBinningFileStrategy) {
		s.syncEveryRecords = n
	}
}

// WithReplication sets the replication factor passed to file creation.
func WithReplication(replication int16) SessionBinningOption {
	return func(s *sessionBinningFileStrategy) {
		s.replication = replication
	}
}

// WithClock overrides the wall clock source.
func WithClock(now func() time.Time) SessionBinningOption {
	return func(s *sessionBinningFileStrategy) {
		s.now = now
	}
}

// NewSessionBinningFileStrategy returns a strategy that bins events into one
// file per session-timeout-sized round, writing records encoded under the
// given schema.
func NewSessionBinningFileStrategy(ctx context.Context, fs FileSystem, schemaJSON string, opts ...SessionBinningOption) CreateAndSyncStrategy {
	s := &sessionBinningFileStrategy{
		instanceNumber:       instanceCounter.Inc(),
		hostString:           findLocalHostName(),
		fs:                   fs,
		replication:          defaultHdfsReplication,
		schemaJSON:           schemaJSON,
		sessionTimeoutMillis: defaultSessionTimeout.Milliseconds(),
		openFiles:            make(map[int64]*roundFile, 10),
		fileDir:              defaultFileDir,
		syncEveryMillis:      defaultSyncFileAfterDuration.Milliseconds(),
		syncEveryRecords:     defaultSyncFileAfterRecords,
		now:                  time.Now,
		logger:               logging.FromContext(ctx).Named("session-binning"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Setup assumes the connection works: no file can be opened before receiving
// any events, because the events are used as a clock signal.
func (s *sessionBinningFileStrategy) Setup() OperationResult {
	s.isHdfsAlive = true
	s.hasFailedRound = false
	s.lastFixAttempt = 0
	return Success
}

func (s *sessionBinningFileStrategy) Heartbeat() OperationResult {
	if !s.isHdfsAlive {
		// queue may or may not be empty, just attempt a reconnect
		return s.possiblyFixHdfsConnection()
	}

	// queue is empty, so logical time == current system time
	s.timeSignal = s.now().UnixMilli()

	// iterate over a snapshot: the sync policy may close files and remove
	// entries from the map
	for _, f := range s.distinctOpenFiles() {
		if err := s.possiblySyncAndOrClose(f); err != nil {
			s.logger.Warnw("Failed to sync HDFS file.", zap.Error(err))
			s.failedRound = f.round
			s.hasFailedRound = true
			s.hdfsDied()
			return Failure
		}
	}
	return Success
}

func (s *sessionBinningFileStrategy) Append(r *record.AvroRecordBuffer) OperationResult {
	if !s.isHdfsAlive {
		panic("append attempt while HDFS connection is not alive")
	}

	s.timeSignal = r.EventTime()
	return s.writeRecord(r)
}

func (s *sessionBinningFileStrategy) writeRecord(r *record.AvroRecordBuffer) OperationResult {
	if err := s.appendAndSync(r); err != nil {
		s.logger.Warnw("Error while flushing event to HDFS.", zap.Error(err))
		s.failedRound = r.SessionID().Timestamp / s.sessionTimeoutMillis
		s.hasFailedRound = true
		s.hdfsDied()
		return Failure
	}
	hdfsSinkWriteCount.Inc()
	return Success
}

func (s *sessionBinningFileStrategy) appendAndSync(r *record.AvroRecordBuffer) error {
	file, err := s.fileForSessionStartTime(r.SessionID().Timestamp)
	if err != nil {
		return err
	}
	if err := file.writer.AppendEncoded(r.Bytes()); err != nil {
		return err
	}
	file.recordsSinceLastSync++
	return s.possiblySyncAndOrClose(file)
}

// Cleanup closes every distinct open file, logging and swallowing individual
// failures.
func (s *sessionBinningFileStrategy) Cleanup() {
	for _, f := range s.distinctOpenFiles() {
		if err := f.close(); err != nil {
			s.logger.Warnw("Failed to properly close HDFS file.", "path", f.path, zap.Error(err))
		}
		hdfsSinkFileCloseCount.Inc()
	}
	clear(s.openFiles)
}

func (s *sessionBinningFileStrategy) possiblySyncAndOrClose(file *roundFile) error {
	now := s.now().UnixMilli()

	switch {
	case file.recordsSinceLastSync >= s.syncEveryRecords,
		now-file.lastSyncTime >= s.syncEveryMillis && file.recordsSinceLastSync > 0:
		s.logger.Debugw("Syncing HDFS file.", "path", file.path)

		// force the Avro file to write a block, then force a sync on the
		// underlying stream
		if err := file.writer.Sync(); err != nil {
			return err
		}
		if err := file.stream.Hsync(); err != nil {
			return err
		}
		hdfsSinkSyncCount.Inc()

		file.recordsSinceLastSync = 0
		file.lastSyncTime = now

		s.possiblyCloseAndCleanup(file)
	case file.recordsSinceLastSync == 0:
		// an idle file must not accumulate stale sync age
		file.lastSyncTime = now
		s.possiblyCloseAndCleanup(file)
	}
	return nil
}

func (s *sessionBinningFileStrategy) possiblyCloseAndCleanup(file *roundFile) {
	if file.round >= s.oldestAllowedRound() {
		return
	}
	s.logger.Debugw("Closing HDFS file.", "path", file.path)
	if err := file.close(); err != nil {
		s.logger.Warnw("Failed to cleanly close HDFS file.", "path", file.path, zap.Error(err))
	}
	hdfsSinkFileCloseCount.Inc()

	// remove the file itself and any aliases pointing at it
	for round, open := range s.openFiles {
		if open == file {
			delete(s.openFiles, round)
		}
	}
}

func (s *sessionBinningFileStrategy) possiblyFixHdfsConnection() OperationResult {
	if s.isHdfsAlive {
		panic("HDFS connection repair attempt while not broken")
	}

	now := s.now().UnixMilli()
	if now-s.lastFixAttempt < hdfsReconnectDelayMillis {
		return Failure
	}

	hdfsSinkReconnectCount.Inc()
	file, err := s.newRoundFile(s.failedRound * s.sessionTimeoutMillis)
	if err != nil {
		s.logger.Warnw("Could not reconnect to HDFS after failure.")
		s.lastFixAttempt = now
		return Failure
	}
	s.openFiles[s.failedRound] = file
	s.logger.Infow("Recovered HDFS connection.")
	s.isHdfsAlive = true
	s.hasFailedRound = false
	s.lastFixAttempt = 0
	return Success
}

// hdfsDied abandons everything: all open files are closed best effort and
// the strategy goes into a periodic reconnect cycle, re-creating a file for
// the round that caused the failure. Other files will be re-created as
// records for specific rounds arrive.
func (s *sessionBinningFileStrategy) hdfsDied() {
	s.isHdfsAlive = false
	s.lastFixAttempt = s.now().UnixMilli()
	for _, f := range s.distinctOpenFiles() {
		_ = f.close()
	}
	clear(s.openFiles)
	hdfsSinkFailureCount.Inc()

	s.logger.Warnw("HDFS failure. Closing all files and going into connect retry cycle.")
}

// fileForSessionStartTime resolves the file a session-start timestamp maps
// to: the open file for its round, else the oldest open file that is not
// older than the requested round, else a newly created file.
func (s *sessionBinningFileStrategy) fileForSessionStartTime(sessionStartTime int64) (*roundFile, error) {
	requestedRound := sessionStartTime / s.sessionTimeoutMillis
	if file, ok := s.openFiles[requestedRound]; ok {
		return file, nil
	}

	var file *roundFile
	for _, open := range s.openFiles {
		if open.round >= requestedRound && (file == nil || open.round < file.round) {
			file = open
		}
	}
	if file == nil {
		var err error
		if file, err = s.newRoundFile(sessionStartTime); err != nil {
			return nil, err
		}
	}
	s.openFiles[requestedRound] = file
	return file, nil
}

func (s *sessionBinningFileStrategy) oldestAllowedRound() int64 {
	return s.timeSignal/s.sessionTimeoutMillis - (fileTimeToLiveInSessionDurations - 1)
}

func (s *sessionBinningFileStrategy) distinctOpenFiles() []*roundFile {
	seen := make(map[*roundFile]struct{}, len(s.openFiles))
	files := make([]*roundFile, 0, len(s.openFiles))
	for _, f := range s.openFiles {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		files = append(files, f)
	}
	return files
}

// roundFile is one open output file together with its sync bookkeeping. The
// openFiles map may alias several rounds to the same roundFile.
type roundFile struct {
	round  int64
	path   string
	stream SyncableWriteStream
	writer *avro.Writer

	lastSyncTime         int64
	recordsSinceLastSync int
}

func (f *roundFile) close() error {
	return multierr.Append(f.writer.Close(), f.stream.Close())
}

func (s *sessionBinningFileStrategy) newRoundFile(timeMillis int64) (*roundFile, error) {
	requestedRound := timeMillis / s.sessionTimeoutMillis
	// never reopen rounds older than the TTL allows; arbitrarily old events
	// are clamped into the oldest still-permissible round
	round := max(requestedRound, s.oldestAllowedRound())

	creationTime := s.now()
	filePath := path.Join(s.fileDir,
		fmt.Sprintf("%s-divolte-tracking-%s-%s-%d.avro",
			s.hostString, // differentiates when deploying multiple collector instances
			s.roundString(round*s.sessionTimeoutMillis),
			creationTime.Format("15.04.05.000"), // after failures, a file for a round can be created multiple times
			s.instanceNumber))                   // different sinks in one process cannot try to create the exact same file

	stream, err := s.fs.Create(filePath, s.replication)
	if err != nil {
		s.logger.Warnw("Failed HDFS file creation.", "path", filePath)
		return nil, err
	}

	writer, err := avro.NewWriter(stream, s.schemaJSON)
	if err == nil {
		// sync the file on open to make sure the connection actually works:
		// HDFS allows file creation even with no datanodes available
		err = stream.Hsync()
	}
	if err != nil {
		s.logger.Warnw("Failed HDFS file creation.", "path", filePath)
		// we may have created the file, but failed to sync, so we attempt a delete
		_ = stream.Close()
		_ = s.fs.Delete(filePath)
		return nil, err
	}
	hdfsSinkFileOpenCount.Inc()
	s.logger.Debugw("Created new HDFS file.", "path", filePath)

	return &roundFile{
		round:                round,
		path:                 filePath,
		stream:               stream,
		writer:               writer,
		lastSyncTime:         creationTime.UnixMilli(),
		recordsSinceLastSync: 0,
	}, nil
}

// roundString renders the round tag of the file name: the round start date
// plus the 0-padded number of session length intervals since midnight on
// that day, in the system time zone. On days with a DST transition the
// number of intervals per day is not equal for all days; the tag is still
// computed by integer division.
func (s *sessionBinningFileStrategy) roundString(roundStartTime int64) string {
	t := time.UnixMilli(roundStartTime)
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return fmt.Sprintf("%s-%02d",
		t.Format("20060102"),
		(roundStartTime-midnight.UnixMilli())/s.sessionTimeoutMillis)
}
