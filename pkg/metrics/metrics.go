package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesPublished tracks messages successfully republished to the broker,
	// labelled by bridge so multi-bridge deployments can be told apart
	MessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pgbridge_messages_published_total",
		Help: "Total number of notifications republished to RabbitMQ",
	}, []string{"bridge"})

	// MessagesDiscarded counts dropped notifications. reason is either
	// invalid_payload (no routing key separator) or publish_failed
	MessagesDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pgbridge_messages_discarded_total",
		Help: "Total number of notifications discarded without publishing",
	}, []string{"bridge", "reason"})

	// DrainBatchSize observes how many notifications each drain cycle returned
	DrainBatchSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pgbridge_drain_batch_size",
		Help:    "Number of notifications collected per drain cycle",
		Buckets: []float64{1, 2, 5, 10, 50, 100},
	}, []string{"bridge"})

	// BridgeUp provides a binary 0/1 signal per bridge
	// 1 = polling, 0 = terminated (startup failure or lost connection)
	BridgeUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pgbridge_bridge_up",
		Help: "Whether the bridge loop is running (1) or has terminated (0)",
	}, []string{"bridge"})
)
