package hdfs

import "time"

const (
	defaultSessionTimeout        = 30 * time.Minute
	defaultSyncFileAfterDuration = 30 * time.Second
	defaultSyncFileAfterRecords  = 1000
	defaultFileDir               = "/divolte"
	defaultHdfsReplication       = int16(3)

	defaultRollEvery  = time.Hour
	defaultWorkingDir = "/divolte/working"
	defaultPublishDir = "/divolte/published"
)
