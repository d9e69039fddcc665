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

package commands

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/divolte/divolte-go/pkg/config"
	"github.com/divolte/divolte-go/pkg/ident"
	"github.com/divolte/divolte-go/pkg/record"
	"github.com/divolte/divolte-go/pkg/shared/logging"
	"github.com/divolte/divolte-go/pkg/sinks/hdfs"
)

// recordEnvelope is the stdin wire form of one mapped record: a JSON line
// carrying the event time, the session id in its string form, and the
// Avro-encoded record as base64.
type recordEnvelope struct {
	EventTime int64  `json:"event_time"`
	SessionID string `json:"session_id"`
	Record    []byte `json:"record"`
}

func NewFlusherCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "flusher",
		Short: "Start the HDFS flusher, reading mapped records from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.NewLogger().Named("flusher")
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx = logging.WithLogger(ctx, log)

			global, err := config.LoadConfig(configDir, func(err error) {
				log.Errorw("Failed to reload configuration.", "error", err)
			})
			if err != nil {
				return err
			}
			conf := global.Get()
			if !conf.HdfsFlusher.Enabled {
				return fmt.Errorf("the HDFS flusher is disabled in the configuration")
			}

			schema, err := os.ReadFile(conf.SchemaPath)
			if err != nil {
				return fmt.Errorf("failed to read record schema: %w", err)
			}

			fs := hdfs.NewLocalFileSystem()
			var strategy hdfs.CreateAndSyncStrategy
			switch conf.HdfsFlusher.Strategy {
			case config.StrategySessionBinning:
				strategy = hdfs.NewSessionBinningFileStrategy(ctx, fs, string(schema),
					hdfs.WithSessionTimeout(conf.SessionTimeout),
					hdfs.WithFileDir(conf.HdfsFlusher.SessionBinning.Dir),
					hdfs.WithSyncFileAfterDuration(conf.HdfsFlusher.SessionBinning.SyncFileAfterDuration),
					hdfs.WithSyncFileAfterRecords(conf.HdfsFlusher.SessionBinning.SyncFileAfterRecords),
					hdfs.WithReplication(int16(conf.HdfsFlusher.Replication)))
			case config.StrategySimpleRolling:
				strategy = hdfs.NewSimpleRollingFileStrategy(ctx, fs, string(schema),
					hdfs.WithRollEvery(conf.HdfsFlusher.SimpleRolling.RollEvery),
					hdfs.WithWorkingDir(conf.HdfsFlusher.SimpleRolling.WorkingDir),
					hdfs.WithPublishDir(conf.HdfsFlusher.SimpleRolling.PublishDir),
					hdfs.WithRollingSyncFileAfterDuration(conf.HdfsFlusher.SimpleRolling.SyncFileAfterDuration),
					hdfs.WithRollingSyncFileAfterRecords(conf.HdfsFlusher.SimpleRolling.SyncFileAfterRecords),
					hdfs.WithRollingReplication(int16(conf.HdfsFlusher.Replication)))
			default:
				return fmt.Errorf("unknown file strategy %q", conf.HdfsFlusher.Strategy)
			}

			flusher := hdfs.NewFlusher(ctx, strategy,
				hdfs.WithQueueCapacity(conf.HdfsFlusher.QueueCapacity),
				hdfs.WithHeartbeatInterval(conf.HdfsFlusher.HeartbeatInterval))
			flusher.Start()
			defer flusher.Stop()

			log.Infow("Started HDFS flusher.", "strategy", conf.HdfsFlusher.Strategy)

			scanner := bufio.NewScanner(os.Stdin)
			scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
			for scanner.Scan() {
				if ctx.Err() != nil {
					break
				}
				var env recordEnvelope
				if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
					log.Warnw("Skipping malformed record envelope.", "error", err)
					continue
				}
				session, ok := ident.TryParse(env.SessionID)
				if !ok {
					log.Warnw("Skipping record with malformed session id.", "session_id", env.SessionID)
					continue
				}
				flusher.Enqueue(record.NewAvroRecordBuffer(env.EventTime, session, env.Record))
			}
			return scanner.Err()
		},
	}
	command.Flags().StringVar(&configDir, "config", "/etc/divolte", "Directory containing divolte.yaml")
	return command
}
