package models

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	sourceLabel = "source"
)

var (
	objectCountTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quadmap_object_count_total",
		Help: "The total number of map objects created.",
	}, []string{sourceLabel})
)

func instrumentCountObject(source string) {
	objectCountTotal.
		With(prometheus.Labels{sourceLabel: source}).
		Inc()
}
