package hdfs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// hdfsSinkWriteCount is used to indicate the number of records written to the sink
var hdfsSinkWriteCount = promauto.NewCounter(prometheus.CounterOpts{
	Subsystem: "hdfs_sink",
	Name:      "write_total",
	Help:      "Total number of records appended to HDFS files",
})

// hdfsSinkSyncCount is used to indicate the number of block+durable syncs performed
var hdfsSinkSyncCount = promauto.NewCounter(prometheus.CounterOpts{
	Subsystem: "hdfs_sink",
	Name:      "sync_total",
	Help:      "Total number of explicit block and durable syncs",
})

// hdfsSinkFileOpenCount is used to indicate the number of files opened on HDFS
var hdfsSinkFileOpenCount = promauto.NewCounter(prometheus.CounterOpts{
	Subsystem: "hdfs_sink",
	Name:      "file_open_total",
	Help:      "Total number of HDFS files created",
})

// hdfsSinkFileCloseCount is used to indicate the number of files closed on rotation, roll or
// cleanup; files abandoned by a failure teardown are not counted
var hdfsSinkFileCloseCount = promauto.NewCounter(prometheus.CounterOpts{
	Subsystem: "hdfs_sink",
	Name:      "file_close_total",
	Help:      "Total number of HDFS files closed",
})

// hdfsSinkFailureCount is used to indicate the number of remote failures observed
var hdfsSinkFailureCount = promauto.NewCounter(prometheus.CounterOpts{
	Subsystem: "hdfs_sink",
	Name:      "remote_failure_total",
	Help:      "Total number of HDFS failures that caused a teardown",
})

// hdfsSinkReconnectCount is used to indicate the number of reconnect attempts
var hdfsSinkReconnectCount = promauto.NewCounter(prometheus.CounterOpts{
	Subsystem: "hdfs_sink",
	Name:      "reconnect_attempt_total",
	Help:      "Total number of reconnect attempts after an HDFS failure",
})

// hdfsSinkDroppedCount is used to indicate the number of records dropped by the flusher
var hdfsSinkDroppedCount = promauto.NewCounter(prometheus.CounterOpts{
	Subsystem: "hdfs_sink",
	Name:      "dropped_total",
	Help:      "Total number of records dropped because the queue was full or the sink was broken",
})
