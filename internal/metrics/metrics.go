// Package metrics holds the process-wide Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ArchiveDownloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bloomcast_archive_downloads_total",
		Help: "Files successfully downloaded from the remote archive.",
	})

	ArchiveRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bloomcast_archive_retries_total",
		Help: "Transient archive failures that triggered a retry.",
	})

	MembersPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bloomcast_forecast_members_persisted_total",
		Help: "Ensemble members assembled and written to disk.",
	})

	MembersSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bloomcast_forecast_members_skipped_total",
		Help: "Forecast initializations skipped during acquisition.",
	}, []string{"reason"})

	ObservationDaysAdded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bloomcast_observation_days_added_total",
		Help: "New observation days appended to the season series.",
	})

	ObservationDaysRevised = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bloomcast_observation_days_revised_total",
		Help: "Observation days replaced with a higher revision status.",
	})
)
