package lavapool

import "github.com/prometheus/client_golang/prometheus"

// PoolCollector exposes per-node pool statistics as prometheus metrics.
// Register it with a prometheus.Registerer:
//
//	prometheus.MustRegister(lavapool.NewPoolCollector(cluster))
type PoolCollector struct {
	cluster *Cluster

	healthy     *prometheus.Desc
	players     *prometheus.Desc
	playing     *prometheus.Desc
	systemLoad  *prometheus.Desc
	processLoad *prometheus.Desc
	penalty     *prometheus.Desc
	sessions    *prometheus.Desc
}

func NewPoolCollector(cluster *Cluster) *PoolCollector {
	nodeLabels := []string{"node"}
	return &PoolCollector{
		cluster: cluster,
		healthy: prometheus.NewDesc("lavapool_node_healthy",
			"Whether the node is eligible for session assignment.", nodeLabels, nil),
		players: prometheus.NewDesc("lavapool_node_players",
			"Players connected to the node.", nodeLabels, nil),
		playing: prometheus.NewDesc("lavapool_node_playing_players",
			"Players currently playing a track on the node.", nodeLabels, nil),
		systemLoad: prometheus.NewDesc("lavapool_node_system_cpu_load",
			"System CPU load reported by the node.", nodeLabels, nil),
		processLoad: prometheus.NewDesc("lavapool_node_process_cpu_load",
			"Node process CPU load.", nodeLabels, nil),
		penalty: prometheus.NewDesc("lavapool_node_penalty",
			"Balancer penalty score; lower is more eligible.", nodeLabels, nil),
		sessions: prometheus.NewDesc("lavapool_sessions",
			"Sessions managed by the cluster.", nil, nil),
	}
}

func (pc *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- pc.healthy
	ch <- pc.players
	ch <- pc.playing
	ch <- pc.systemLoad
	ch <- pc.processLoad
	ch <- pc.penalty
	ch <- pc.sessions
}

func (pc *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	c := pc.cluster
	c.mu.Lock()
	type snapshot struct {
		name    string
		healthy bool
		stats   *Stats
	}
	nodes := make([]snapshot, 0, len(c.nodes))
	for _, n := range c.nodes {
		nodes = append(nodes, snapshot{name: n.cfg.Name, healthy: n.healthy, stats: n.stats})
	}
	sessions := len(c.players)
	c.mu.Unlock()

	ch <- prometheus.MustNewConstMetric(pc.sessions, prometheus.GaugeValue, float64(sessions))
	for _, n := range nodes {
		healthy := 0.0
		if n.healthy {
			healthy = 1.0
		}
		ch <- prometheus.MustNewConstMetric(pc.healthy, prometheus.GaugeValue, healthy, n.name)
		ch <- prometheus.MustNewConstMetric(pc.penalty, prometheus.GaugeValue, c.balancer.Score(n.stats), n.name)
		if n.stats == nil {
			continue
		}
		ch <- prometheus.MustNewConstMetric(pc.players, prometheus.GaugeValue, float64(n.stats.Players), n.name)
		ch <- prometheus.MustNewConstMetric(pc.playing, prometheus.GaugeValue, float64(n.stats.PlayingPlayers), n.name)
		ch <- prometheus.MustNewConstMetric(pc.systemLoad, prometheus.GaugeValue, n.stats.CPU.SystemLoad, n.name)
		ch <- prometheus.MustNewConstMetric(pc.processLoad, prometheus.GaugeValue, n.stats.CPU.ProcessLoad, n.name)
	}
}
