/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRoomsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matchbox_rooms_created_total",
		Help: "Rooms created by hosts.",
	})

	metricRoomsJoined = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matchbox_rooms_joined_total",
		Help: "Rooms successfully joined by guests.",
	})

	metricRoomsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matchbox_rooms_swept_total",
		Help: "Abandoned rooms removed by the sweeper.",
	})

	metricSyncTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matchbox_sync_ticks_total",
		Help: "Game state updates relayed between participants.",
	})
)
