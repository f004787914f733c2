package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pharmrag"

var (
	EmbeddingRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "embedding",
		Name:      "requests_total",
		Help:      "Embedding calls by selected strategy and result",
	}, []string{"strategy", "result"})

	EmbeddingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "embedding",
		Name:      "duration_seconds",
		Help:      "Embedding call latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"strategy"})

	EmbeddingInitAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "embedding",
		Name:      "init_attempts_total",
		Help:      "Embedding strategy initialisation attempts",
	}, []string{"strategy", "result"})

	EmbeddingCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "embedding",
		Name:      "cache_lookups_total",
		Help:      "Embedding cache lookups by layer and result",
	}, []string{"layer", "result"})

	DocumentsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "documents_total",
		Help:      "Documents ingested by extension and result",
	}, []string{"format", "result"})

	ChunksIngested = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "chunks_total",
		Help:      "Chunks written to the vector store",
	})

	Retrievals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "retrieval",
		Name:      "requests_total",
		Help:      "Context retrievals by result (hit, empty, error)",
	}, []string{"result"})

	RetrievedChunks = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "retrieval",
		Name:      "chunks",
		Help:      "Chunks placed into an assembled context",
		Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
	})

	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "job",
		Name:      "runs_total",
		Help:      "Scheduled job runs by job and result (ok, error, skipped)",
	}, []string{"job", "result"})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
