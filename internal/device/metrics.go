package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tensorAllocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_tensor_allocations_total",
		Help: "Total number of tensors allocated, by device",
	}, []string{"device"})

	poolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_tensor_pool_hits_total",
		Help: "Total number of successful tensor pool retrievals",
	})

	poolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_tensor_pool_misses_total",
		Help: "Total number of tensor pool misses (allocations)",
	})

	relocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_tensor_relocations_total",
		Help: "Total number of tensors copied onto a backend, by source and target device",
	}, []string{"from", "to"})
)
