package replica

import (
	"reflect"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fzone"

type serverMetrics struct {
	HeadRequests prometheus.Counter
	BlobRequests prometheus.Counter
	BlobNotFound prometheus.Counter
	BytesServed  prometheus.Counter
	Failed       prometheus.Counter
}

func newServerMetrics() serverMetrics {
	subsystem := "server"

	return serverMetrics{
		HeadRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "head_requests",
			Help:      "Total channel-head requests served.",
		}),
		BlobRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "blob_requests",
			Help:      "Total blob requests served.",
		}),
		BlobNotFound: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "blob_not_found",
			Help:      "Blob requests answered with an empty stream.",
		}),
		BytesServed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_served",
			Help:      "Total object bytes streamed to peers.",
		}),
		Failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "failed_requests",
			Help:      "Requests aborted without a complete response.",
		}),
	}
}

type pullerMetrics struct {
	Passes            prometheus.Counter
	FailedPasses      prometheus.Counter
	HeadsReceived     prometheus.Counter
	BlobsFetched      prometheus.Counter
	BytesFetched      prometheus.Counter
	IntegrityFailures prometheus.Counter
}

func newPullerMetrics() pullerMetrics {
	subsystem := "puller"

	return pullerMetrics{
		Passes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "passes",
			Help:      "Total synchronization passes started.",
		}),
		FailedPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "failed_passes",
			Help:      "Synchronization passes aborted by an error.",
		}),
		HeadsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "heads_received",
			Help:      "Channel heads returned by peers.",
		}),
		BlobsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "blobs_fetched",
			Help:      "Objects fetched, verified and indexed.",
		}),
		BytesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_fetched",
			Help:      "Total object bytes received.",
		}),
		IntegrityFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "integrity_failures",
			Help:      "Fetched objects whose bytes did not match the requested hash.",
		}),
	}
}

// collectorsFromFields returns every exported prometheus.Collector field
// of the metrics struct v.
func collectorsFromFields(v any) []prometheus.Collector {
	val := reflect.Indirect(reflect.ValueOf(v))
	var cs []prometheus.Collector
	for i := 0; i < val.NumField(); i++ {
		if !val.Field(i).CanInterface() {
			continue
		}
		if c, ok := val.Field(i).Interface().(prometheus.Collector); ok {
			cs = append(cs, c)
		}
	}
	return cs
}
