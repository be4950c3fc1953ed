package ws

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	roomsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "canvas_relay_rooms_open",
		Help: "Number of rooms currently held in memory.",
	})
	clientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "canvas_relay_clients_connected",
		Help: "Number of websocket clients currently connected.",
	})
	updatesRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canvas_relay_updates_total",
		Help: "Number of document updates applied and rebroadcast.",
	})
	presenceRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canvas_relay_presence_total",
		Help: "Number of presence messages rebroadcast.",
	})
)
