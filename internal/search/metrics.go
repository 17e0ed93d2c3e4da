package search

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	indexVersionGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chronosync_search_index_version",
		Help: "Current version of the live search index",
	})

	indexDocumentsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chronosync_search_index_documents",
		Help: "Documents held per search shard",
	}, []string{"shard"})
)

func observeIndex(version uint64, recent, historical int) {
	indexVersionGauge.Set(float64(version))
	indexDocumentsGauge.WithLabelValues("recent").Set(float64(recent))
	indexDocumentsGauge.WithLabelValues("historical").Set(float64(historical))
}
