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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	g, err := LoadConfig(t.TempDir(), nil)
	require.NoError(t, err)

	c := g.Get()
	assert.Equal(t, 30*time.Minute, c.SessionTimeout)
	assert.True(t, c.HdfsFlusher.Enabled)
	assert.Equal(t, StrategySessionBinning, c.HdfsFlusher.Strategy)
	assert.Equal(t, 3, c.HdfsFlusher.Replication)
	assert.Equal(t, "/divolte", c.HdfsFlusher.SessionBinning.Dir)
	assert.Equal(t, 30*time.Second, c.HdfsFlusher.SessionBinning.SyncFileAfterDuration)
	assert.Equal(t, 1000, c.HdfsFlusher.SessionBinning.SyncFileAfterRecords)
	assert.Equal(t, time.Hour, c.HdfsFlusher.SimpleRolling.RollEvery)
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	content := `
session_timeout: 20m
schema_path: /tmp/schema.avsc
hdfs_flusher:
  strategy: simple_rolling
  replication: 1
  session_binning:
    dir: /data/divolte
    sync_file_after_duration: 5s
    sync_file_after_records: 100
  simple_rolling:
    roll_every: 15m
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "divolte.yaml"), []byte(content), 0644))

	g, err := LoadConfig(dir, func(err error) { t.Errorf("unexpected reload error: %v", err) })
	require.NoError(t, err)

	c := g.Get()
	assert.Equal(t, 20*time.Minute, c.SessionTimeout)
	assert.Equal(t, "/tmp/schema.avsc", c.SchemaPath)
	assert.Equal(t, StrategySimpleRolling, c.HdfsFlusher.Strategy)
	assert.Equal(t, 1, c.HdfsFlusher.Replication)
	assert.Equal(t, "/data/divolte", c.HdfsFlusher.SessionBinning.Dir)
	assert.Equal(t, 5*time.Second, c.HdfsFlusher.SessionBinning.SyncFileAfterDuration)
	assert.Equal(t, 100, c.HdfsFlusher.SessionBinning.SyncFileAfterRecords)
	assert.Equal(t, 15*time.Minute, c.HdfsFlusher.SimpleRolling.RollEvery)
	// untouched keys keep their defaults
	assert.Equal(t, 4096, c.HdfsFlusher.QueueCapacity)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("DIVOLTE_SESSION_TIMEOUT", "45m")
	t.Setenv("DIVOLTE_HDFS_FLUSHER_SESSION_BINNING_SYNC_FILE_AFTER_RECORDS", "7")

	g, err := LoadConfig(t.TempDir(), nil)
	require.NoError(t, err)

	c := g.Get()
	assert.Equal(t, 45*time.Minute, c.SessionTimeout)
	assert.Equal(t, 7, c.HdfsFlusher.SessionBinning.SyncFileAfterRecords)
}

func TestLoadConfigRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "divolte.yaml"), []byte("{not yaml"), 0644))

	_, err := LoadConfig(dir, nil)
	assert.Error(t, err)
}
