package index

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IndexChunks is the chunk count of each partition's active index.
	IndexChunks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "knowledged",
			Subsystem: "index",
			Name:      "chunks",
			Help:      "Number of chunks in the active index of each partition",
		},
		[]string{"partition"},
	)

	// IndexDocuments is the document count of each partition's active index.
	IndexDocuments = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "knowledged",
			Subsystem: "index",
			Name:      "documents",
			Help:      "Number of documents in the active index of each partition",
		},
		[]string{"partition"},
	)
)

func observePublished(partition string, idx *Index) {
	if idx == nil {
		observeRemoved(partition)
		return
	}
	IndexChunks.WithLabelValues(partition).Set(float64(idx.manifest.Chunks))
	IndexDocuments.WithLabelValues(partition).Set(float64(idx.manifest.Documents))
}

func observeRemoved(partition string) {
	IndexChunks.DeleteLabelValues(partition)
	IndexDocuments.DeleteLabelValues(partition)
}
