package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ServersOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dvr_feed_servers_online",
		Help: "Current number of feed servers with a live registration",
	})

	CamerasOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dvr_feed_cameras_online",
		Help: "Current number of cameras attached to a live feed server",
	})

	ScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dvr_feed_scans_total",
		Help: "Total number of peer polls, by kind (check/status) and result",
	}, []string{"kind", "result"})

	TransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dvr_transfer_total",
		Help: "Total number of completed transfers, by result",
	}, []string{"result"})

	TransferBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dvr_transfer_bytes_total",
		Help: "Total bytes pulled into the archive",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dvr_transfer_queue_depth",
		Help: "Number of transfers waiting or in progress",
	})

	ArchiveUsedPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dvr_store_used_percent",
		Help: "Used percentage of the archive filesystem",
	})

	CleanupDeletesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dvr_store_cleanup_deletes_total",
		Help: "Total number of day directories deleted to free disk space",
	})
)
