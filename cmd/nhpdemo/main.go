// Command nhpdemo runs a standalone NHP front-end emulator: it accepts
// Telnet connections on one configured CLA-port range (no HASP or NJE
// range is registered), dispatches
// their traffic through the wired protocol stack, and exposes Prometheus
// metrics over HTTP in a collector-registration-then-serve shape.
package main

import (
	"flag"
	"net"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/dtcyber-emu/nhp/internal/npu/app"
	"github.com/dtcyber-emu/nhp/internal/npu/bip"
	"github.com/dtcyber-emu/nhp/internal/npu/bufpool"
	"github.com/dtcyber-emu/nhp/internal/npu/netmux"
	"github.com/dtcyber-emu/nhp/internal/npu/npu"
	"github.com/dtcyber-emu/nhp/internal/npu/platform"
	"github.com/dtcyber-emu/nhp/internal/npu/svm"
)

var (
	telnetPort  = flag.Int("telnet-port", 2000, "TCP port accepting Telnet terminal connections")
	telnetPorts = flag.Int("telnet-cla-ports", 32, "number of CLA ports to allocate to the Telnet listener")
	metricsAddr = flag.String("metrics-addr", ":18080", "address to serve /metrics on")
	poolSize    = flag.Int("pool-size", 256, "downline/upline buffer pool size")
)

// nullPeer stands in for the channel-transport collaborator,
// out of scope for this module: it never has downline work staged.
type nullPeer struct{}

func (nullPeer) RequestDownlineBlock() *bufpool.Buffer  { return nil }
func (nullPeer) DeliverUplineBlock(buf *bufpool.Buffer) {}

func main() {
	flag.Parse()
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if features, err := platform.Detect(); err != nil {
		logrus.Warnf("nhpdemo: kernel feature detection failed, degrading: %v", err)
	} else {
		logrus.Infof("nhpdemo: kernel %+v, extended tcpinfo=%v bbr=%v",
			features.Version, features.SupportsExtendedTCPInfo, features.SupportsBBRInfo)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "nhp"
	}

	sys := app.New(app.Config{
		PoolSize: *poolSize,
		Nodes:    bip.Nodes{CouplerNode: 1, CDCNetNode: 2},
		Status:   svm.NPUStatus{CCPVersion: 1, CCPLevel: 0, NodeName: hostname},
		NodeName: hostname,
		LipNode:  1,
	}, nullPeer{})

	if res := sys.Mux.RegisterConnType(*telnetPort, 1, *telnetPorts, npu.ConnTelnet, ""); res != netmux.RegOk {
		logrus.Fatalf("nhpdemo: registering telnet listener: result=%d", res)
	}

	listeners, err := sys.Mux.Listeners()
	if err != nil {
		logrus.Fatalf("nhpdemo: starting listeners: %v", err)
	}

	report := func(c *netmux.TrackedConn, event netmux.SockEvent) {
		switch event {
		case netmux.EventOpen:
			sys.Metrics.Add(c, 0)
		case netmux.EventClose:
			sys.Metrics.Remove(c)
		}
	}

	for _, ln := range listeners {
		go acceptLoop(sys, ln, report)
	}

	prometheus.MustRegister(sys.Metrics)
	http.Handle("/metrics", promhttp.Handler())
	logrus.Infof("nhpdemo: serving metrics on %s", *metricsAddr)
	logrus.Fatal(http.ListenAndServe(*metricsAddr, nil))
}

func acceptLoop(sys *app.System, ln net.Listener, report netmux.ReportFn) {
	var ncb *npu.NCB
	for _, n := range sys.Mux.NCBs() {
		if n.Listener == ln {
			ncb = n
		}
	}
	if ncb == nil {
		logrus.Errorf("nhpdemo: no NCB owns listener %v", ln.Addr())
		return
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			logrus.Errorf("nhpdemo: accept on %v: %v", ln.Addr(), err)
			return
		}
		pcb := sys.Mux.Accept(ncb, conn, report)
		if pcb == nil {
			logrus.Warnf("nhpdemo: no free CLA port for %v, rejecting", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}
		sys.Dispatch.Preset(pcb)
		if out := sys.Dispatch.Connect(pcb); len(out) > 0 {
			if _, werr := pcb.Conn.Write(out); werr != nil {
				logrus.Debugf("nhpdemo: write notify-connect output on CLA port %d: %v", pcb.CLAPort, werr)
			}
		}
		go serveConn(sys, pcb)
	}
}

func serveConn(sys *app.System, pcb *npu.PCB) {
	buf := make([]byte, 512)
	for {
		n, err := pcb.Conn.Read(buf)
		if n > 0 {
			tcb := sys.Core.TCBForPCB(pcb)
			if reply := sys.Dispatch.Recv(sys.TIP, pcb, tcb, buf[:n]); len(reply) > 0 {
				if _, werr := pcb.Conn.Write(reply); werr != nil {
					logrus.Debugf("nhpdemo: write reply on CLA port %d: %v", pcb.CLAPort, werr)
				}
			}
		}
		if err != nil {
			pcb.Close()
			return
		}
	}
}
