package uploads

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	uploadsFinalizedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chronosync_uploads_finalized_total",
		Help: "Uploads promoted to permanent storage by path",
	}, []string{"path"})

	uploadsAbortedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chronosync_uploads_aborted_total",
		Help: "Uploads discarded before commit by reason",
	}, []string{"reason"})

	chunksReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chronosync_upload_chunks_received_total",
		Help: "Distinct chunks written to temp artifacts",
	})

	tempFilesSweptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chronosync_upload_temp_files_swept_total",
		Help: "Stale temp artifacts removed by the sweeper",
	})
)
