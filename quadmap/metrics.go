package quadmap

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	nameLabel  = "name"
	stateLabel = "state"
)

var (
	spatialMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quadmap_spatial_members",
		Help: "The number of objects in a spatial index.",
	}, []string{nameLabel})

	regionQuads = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quadmap_region_quads",
		Help: "The number of coverage quads by state.",
	}, []string{nameLabel, stateLabel})

	regionMissingPieces = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quadmap_region_missing_pieces",
		Help: "The number of pieces claimed for download.",
	}, []string{nameLabel})

	regionDiscards = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quadmap_region_discards",
		Help: "The number of times old coverage was discarded.",
	}, []string{nameLabel})
)

func instrumentSpatialMembers(name string, count int) {
	spatialMembers.
		With(prometheus.Labels{nameLabel: name}).
		Set(float64(count))
}

func instrumentRegionQuads(name string, nodes, busy, downloaded int) {
	regionQuads.
		With(prometheus.Labels{nameLabel: name, stateLabel: "all"}).
		Set(float64(nodes))

	regionQuads.
		With(prometheus.Labels{nameLabel: name, stateLabel: "busy"}).
		Set(float64(busy))

	regionQuads.
		With(prometheus.Labels{nameLabel: name, stateLabel: "downloaded"}).
		Set(float64(downloaded))
}

func instrumentMissingPieces(name string, count int) {
	regionMissingPieces.
		With(prometheus.Labels{nameLabel: name}).
		Add(float64(count))
}

func instrumentDiscard(name string) {
	regionDiscards.
		With(prometheus.Labels{nameLabel: name}).
		Inc()
}
