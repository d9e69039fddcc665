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

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/divolte/divolte-go/pkg/avro"
	"github.com/divolte/divolte-go/pkg/record"
	"github.com/divolte/divolte-go/pkg/shared/logging"
)

// simpleRollingFileStrategy keeps exactly one file open at a time and rolls
// it by wall-clock duration. Files are written under a working directory
// with an in-flight suffix and renamed into the publish directory when
// complete, so downstream consumers only ever see finished files. Unlike the
// session binning strategy it makes no attempt to co-locate sessions.
type simpleRollingFileStrategy struct {
	instanceNumber int32
	hostString     string

	fs          FileSystem
	replication int16
	schemaJSON  string

	rollEveryMillis  int64
	syncEveryMillis  int64
	syncEveryRecords int
	workingDir       string
	publishDir       string

	current *rollingFile

	isHdfsAlive    bool
	lastFixAttempt int64

	now    func() time.Time
	logger *zap.SugaredLogger
}

const inflightExtension = ".partial"

type rollingFile struct {
	workingPath string
	publishPath string
	stream      SyncableWriteStream
	writer      *avro.Writer

	openTime             int64
	lastSyncTime         int64
	recordsSinceLastSync int
	totalRecords         int64
}

// SimpleRollingOption customizes the simple rolling strategy.
type SimpleRollingOption func(*simpleRollingFileStrategy)

// WithRollEvery sets the wall-clock duration after which the current file is
// published and a new one opened.
func WithRollEvery(d time.Duration) SimpleRollingOption {
	return func(s *simpleRollingFileStrategy) {
		s.rollEveryMillis = d.Milliseconds()
	}
}

// WithWorkingDir sets the directory holding in-flight files.
func WithWorkingDir(dir string) SimpleRollingOption {
	return func(s *simpleRollingFileStrategy) {
		s.workingDir = dir
	}
}

// WithPublishDir sets the directory completed files are renamed into.
func WithPublishDir(dir string) SimpleRollingOption {
	return func(s *simpleRollingFileStrategy) {
		s.publishDir = dir
	}
}

// WithRollingSyncFileAfterDuration sets the sync-age threshold.
func WithRollingSyncFileAfterDuration(d time.Duration) SimpleRollingOption {
	return func(s *simpleRollingFileStrategy) {
		s.syncEveryMillis = d.Milliseconds()
	}
}

// WithRollingSyncFileAfterRecords sets the sync-count threshold.
func WithRollingSyncFileAfterRecords(n int) SimpleRollingOption {
	return func(s *simpleRollingFileStrategy) {
		s.syncEveryRecords = n
	}
}

// WithRollingReplication sets the replication factor passed to file creation.
func WithRollingReplication(replication int16) SimpleRollingOption {
	return func(s *simpleRollingFileStrategy) {
		s.replication = replication
	}
}

// WithRollingClock overrides the wall clock source.
func WithRollingClock(now func() time.Time) SimpleRollingOption {
	return func(s *simpleRollingFileStrategy) {
		s.now = now
	}
}

// NewSimpleRollingFileStrategy returns a strategy that rolls one output file
// by duration, publishing completed files by rename.
func NewSimpleRollingFileStrategy(ctx context.Context, fs FileSystem, schemaJSON string, opts ...SimpleRollingOption) CreateAndSyncStrategy {
	s := &simpleRollingFileStrategy{
		instanceNumber:   instanceCounter.Inc(),
		hostString:       findLocalHostName(),
		fs:               fs,
		replication:      defaultHdfsReplication,
		schemaJSON:       schemaJSON,
		rollEveryMillis:  defaultRollEvery.Milliseconds(),
		syncEveryMillis:  defaultSyncFileAfterDuration.Milliseconds(),
		syncEveryRecords: defaultSyncFileAfterRecords,
		workingDir:       defaultWorkingDir,
		publishDir:       defaultPublishDir,
		now:              time.Now,
		logger:           logging.FromContext(ctx).Named("simple-rolling"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *simpleRollingFileStrategy) Setup() OperationResult {
	file, err := s.newRollingFile()
	if err != nil {
		s.logger.Warnw("Failed to create initial HDFS file.", zap.Error(err))
		s.hdfsDied()
		return Failure
	}
	s.current = file
	s.isHdfsAlive = true
	s.lastFixAttempt = 0
	return Success
}

func (s *simpleRollingFileStrategy) Append(r *record.AvroRecordBuffer) OperationResult {
	if !s.isHdfsAlive {
		panic("append attempt while HDFS connection is not alive")
	}

	if err := s.appendAndSync(r); err != nil {
		s.logger.Warnw("Error while flushing event to HDFS.", zap.Error(err))
		s.hdfsDied()
		return Failure
	}
	hdfsSinkWriteCount.Inc()
	return Success
}

func (s *simpleRollingFileStrategy) appendAndSync(r *record.AvroRecordBuffer) error {
	if err := s.current.writer.AppendEncoded(r.Bytes()); err != nil {
		return err
	}
	s.current.recordsSinceLastSync++
	s.current.totalRecords++
	return s.possiblySyncAndOrRoll()
}

func (s *simpleRollingFileStrategy) Heartbeat() OperationResult {
	if !s.isHdfsAlive {
		return s.possiblyFixHdfsConnection()
	}
	if err := s.possiblySyncAndOrRoll(); err != nil {
		s.logger.Warnw("Failed to sync HDFS file.", zap.Error(err))
		s.hdfsDied()
		return Failure
	}
	return Success
}

func (s *simpleRollingFileStrategy) Cleanup() {
	if s.current == nil {
		return
	}
	if err := s.closeAndPublish(s.current); err != nil {
		s.logger.Warnw("Failed to properly close HDFS file.", "path", s.current.workingPath, zap.Error(err))
	}
	s.current = nil
}

func (s *simpleRollingFileStrategy) possiblySyncAndOrRoll() error {
	file := s.current
	now := s.now().UnixMilli()

	switch {
	case file.recordsSinceLastSync >= s.syncEveryRecords,
		now-file.lastSyncTime >= s.syncEveryMillis && file.recordsSinceLastSync > 0:
		s.logger.Debugw("Syncing HDFS file.", "path", file.workingPath)
		if err := file.writer.Sync(); err != nil {
			return err
		}
		if err := file.stream.Hsync(); err != nil {
			return err
		}
		hdfsSinkSyncCount.Inc()
		file.recordsSinceLastSync = 0
		file.lastSyncTime = now
	case file.recordsSinceLastSync == 0:
		file.lastSyncTime = now
	}

	if now-file.openTime < s.rollEveryMillis {
		return nil
	}

	// roll: publish the current file and open its successor
	if err := s.closeAndPublish(file); err != nil {
		return err
	}
	next, err := s.newRollingFile()
	if err != nil {
		s.current = nil
		return err
	}
	s.current = next
	return nil
}

// closeAndPublish finishes the working file and renames it into the publish
// directory. Files that never received a record are deleted instead.
func (s *simpleRollingFileStrategy) closeAndPublish(file *rollingFile) error {
	if err := multierr.Append(file.writer.Close(), file.stream.Close()); err != nil {
		return err
	}
	hdfsSinkFileCloseCount.Inc()
	if file.totalRecords == 0 {
		s.logger.Debugw("Discarding empty HDFS file.", "path", file.workingPath)
		return s.fs.Delete(file.workingPath)
	}
	s.logger.Debugw("Publishing HDFS file.", "path", file.publishPath)
	return s.fs.Rename(file.workingPath, file.publishPath)
}

func (s *simpleRollingFileStrategy) possiblyFixHdfsConnection() OperationResult {
	if s.isHdfsAlive {
		panic("HDFS connection repair attempt while not broken")
	}

	now := s.now().UnixMilli()
	if now-s.lastFixAttempt < hdfsReconnectDelayMillis {
		return Failure
	}

	hdfsSinkReconnectCount.Inc()
	file, err := s.newRollingFile()
	if err != nil {
		s.logger.Warnw("Could not reconnect to HDFS after failure.")
		s.lastFixAttempt = now
		return Failure
	}
	s.current = file
	s.logger.Infow("Recovered HDFS connection.")
	s.isHdfsAlive = true
	s.lastFixAttempt = 0
	return Success
}

func (s *simpleRollingFileStrategy) hdfsDied() {
	s.isHdfsAlive = false
	s.lastFixAttempt = s.now().UnixMilli()
	if s.current != nil {
		_ = multierr.Append(s.current.writer.Close(), s.current.stream.Close())
		s.current = nil
	}
	hdfsSinkFailureCount.Inc()
	s.logger.Warnw("HDFS failure. Closing file and going into connect retry cycle.")
}

func (s *simpleRollingFileStrategy) newRollingFile() (*rollingFile, error) {
	creationTime := s.now()
	name := fmt.Sprintf("%s-divolte-tracking-%s-%d.avro",
		creationTime.Format("20060102-15.04.05.000"),
		s.hostString,
		s.instanceNumber)
	workingPath := path.Join(s.workingDir, name+inflightExtension)
	publishPath := path.Join(s.publishDir, name)

	stream, err := s.fs.Create(workingPath, s.replication)
	if err != nil {
		s.logger.Warnw("Failed HDFS file creation.", "path", workingPath)
		return nil, err
	}
	writer, err := avro.NewWriter(stream, s.schemaJSON)
	if err == nil {
		err = stream.Hsync()
	}
	if err != nil {
		s.logger.Warnw("Failed HDFS file creation.", "path", workingPath)
		_ = stream.Close()
		_ = s.fs.Delete(workingPath)
		return nil, err
	}
	hdfsSinkFileOpenCount.Inc()
	s.logger.Debugw("Created new HDFS file.", "path", workingPath)

	nowMillis := creationTime.UnixMilli()
	return &rollingFile{
		workingPath:  workingPath,
		publishPath:  publishPath,
		stream:       stream,
		writer:       writer,
		openTime:     nowMillis,
		lastSyncTime: nowMillis,
	}, nil
}
