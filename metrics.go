package torrent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	piecesVerifiedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kestrel",
		Name:      "pieces_verified_total",
		Help:      "Pieces that passed their hash check and were persisted.",
	})
	piecesCorruptMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kestrel",
		Name:      "pieces_corrupt_total",
		Help:      "Pieces that failed their hash check.",
	})
	bytesMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel",
		Name:      "peer_data_bytes_total",
		Help:      "Torrent data exchanged with peers.",
	}, []string{"direction"})
	bytesDownloadedMetric = bytesMetric.WithLabelValues("down")
	bytesUploadedMetric   = bytesMetric.WithLabelValues("up")
	connsMetric           = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kestrel",
		Name:      "peer_conns",
		Help:      "Peer connections by state.",
	}, []string{"state"})
	bannedPeersMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kestrel",
		Name:      "peers_banned_total",
		Help:      "Peer addresses banned for contributing to corrupt pieces.",
	})
)
