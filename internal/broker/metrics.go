package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_peer_requests_total",
		Help: "Peer requests received, by kind.",
	}, []string{"kind"})

	promptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_prompt_decisions_total",
		Help: "Authorization prompt outcomes.",
	}, []string{"decision"})

	peersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wallet_peers",
		Help: "Peers currently tracked by the session broker.",
	})
)
