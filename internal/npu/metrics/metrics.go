// Package metrics exposes a Prometheus collector reporting live TCP_INFO
// for every PCB socket netmux owns, with a Describe/Collect/Add/Remove
// shape labeling each gauge by CLA port.
package metrics

import (
	"fmt"
	"net"
	"sync"

	"github.com/higebu/netfd"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dtcyber-emu/nhp/pkg/tcpinfo"
)

type metricInfo struct {
	desc     *prometheus.Desc
	supplier func(info *tcpinfo.Info, claPort string) prometheus.Metric
}

type connEntry struct {
	fd      int
	claPort string
}

// ConnCollector reports TCP_INFO-derived gauges for every tracked PCB
// socket, labeled by CLA port.
type ConnCollector struct {
	mu     sync.Mutex
	conns  map[net.Conn]connEntry
	infos  []metricInfo
	logger func(error)
}

// NewConnCollector constructs a collector. errorLoggingCallback receives
// errors encountered while refreshing a tracked connection's TCP_INFO; the
// connection is then dropped from future collection.
func NewConnCollector(errorLoggingCallback func(error)) *ConnCollector {
	c := &ConnCollector{
		conns:  make(map[net.Conn]connEntry),
		logger: errorLoggingCallback,
	}
	c.addMetrics()
	return c
}

func (c *ConnCollector) addMetrics() {
	labels := []string{"cla_port"}
	c.infos = []metricInfo{
		{
			desc: prometheus.NewDesc("nhp_pcb_rtt_seconds", "smoothed round-trip time of a PCB socket", labels, nil),
			supplier: func(info *tcpinfo.Info, claPort string) prometheus.Metric {
				return prometheus.MustNewConstMetric(prometheus.NewDesc("nhp_pcb_rtt_seconds", "smoothed round-trip time of a PCB socket", labels, nil), prometheus.GaugeValue, info.RTT.Seconds(), claPort)
			},
		},
		{
			desc: prometheus.NewDesc("nhp_pcb_retransmit_timeout_seconds", "retransmission timeout of a PCB socket", labels, nil),
			supplier: func(info *tcpinfo.Info, claPort string) prometheus.Metric {
				return prometheus.MustNewConstMetric(prometheus.NewDesc("nhp_pcb_retransmit_timeout_seconds", "retransmission timeout of a PCB socket", labels, nil), prometheus.GaugeValue, info.RTO.Seconds(), claPort)
			},
		},
		{
			desc: prometheus.NewDesc("nhp_pcb_send_window_segments", "sender congestion window of a PCB socket, in segments", labels, nil),
			supplier: func(info *tcpinfo.Info, claPort string) prometheus.Metric {
				return prometheus.MustNewConstMetric(prometheus.NewDesc("nhp_pcb_send_window_segments", "sender congestion window of a PCB socket, in segments", labels, nil), prometheus.GaugeValue, float64(info.SenderWindowSegs), claPort)
			},
		},
	}
}

// Describe implements prometheus.Collector.
func (c *ConnCollector) Describe(descs chan<- *prometheus.Desc) {
	for _, info := range c.infos {
		descs <- info.desc
	}
}

// Collect implements prometheus.Collector.
func (c *ConnCollector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for conn, entry := range c.conns {
		if !tcpinfo.Supported() {
			continue
		}
		sysInfo, err := tcpinfo.GetTCPInfo(uintptr(entry.fd))
		if err != nil {
			c.logger(fmt.Errorf("metrics: tcpinfo for cla_port=%s: %w (dropping)", entry.claPort, err))
			delete(c.conns, conn)
			continue
		}
		info := sysInfo.ToInfo()
		for _, m := range c.infos {
			metrics <- m.supplier(info, entry.claPort)
		}
	}
}

// Add registers conn under claPort for collection.
func (c *ConnCollector) Add(conn net.Conn, claPort int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[conn] = connEntry{fd: netfd.GetFdFromConn(conn), claPort: fmt.Sprintf("%d", claPort)}
}

// Remove stops collecting for conn.
func (c *ConnCollector) Remove(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conns, conn)
}

var _ prometheus.Collector = (*ConnCollector)(nil)
