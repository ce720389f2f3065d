// Package monitoring serves the state of running nodes over HTTP.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"
	"go.uber.org/zap"

	"github.com/sarchlab/ports/monitoring/web"
	"github.com/sarchlab/ports/naming"
	"github.com/sarchlab/ports/ports"
)

// Monitor turns a process hosting nodes into a server that reports ports,
// queues and resource usage.
type Monitor struct {
	portNumber      int
	openBrowser     bool
	profileDuration time.Duration
	logger          *zap.Logger

	registry *prometheus.Registry
	metrics  *MetricsHook

	lock  sync.Mutex
	nodes []*ports.Node

	server *http.Server
}

// NewMonitor creates a new Monitor.
func NewMonitor() *Monitor {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Monitor{
		profileDuration: time.Second,
		logger:          zap.NewNop(),
		registry:        registry,
		metrics:         NewMetricsHook(registry),
	}
}

// WithPortNumber sets the port number of the monitor. Zero picks a free
// port.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber != 0 && portNumber < 1000 {
		m.logger.Warn("monitor port number not allowed, using a random port",
			zap.Int("port", portNumber))

		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// WithLogger sets the logger.
func (m *Monitor) WithLogger(logger *zap.Logger) *Monitor {
	m.logger = logger
	return m
}

// WithOpenBrowser makes StartServer open the monitor page in a browser.
func (m *Monitor) WithOpenBrowser(open bool) *Monitor {
	m.openBrowser = open
	return m
}

// Registry returns the registry that backs the /metrics endpoint.
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterNode adds a node to be monitored and starts counting its
// messages.
func (m *Monitor) RegisterNode(node *ports.Node) {
	m.lock.Lock()
	defer m.lock.Unlock()

	for _, n := range m.nodes {
		if n.Name() == node.Name() {
			panic("node " + node.Name().String() + " is already monitored")
		}
	}

	m.nodes = append(m.nodes, node)
	m.metrics.CollectNode(node)
}

// StartServer starts serving and returns the local address of the
// monitor.
func (m *Monitor) StartServer() (string, error) {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(m.portNumber))
	if err != nil {
		return "", err
	}

	m.server = &http.Server{
		Handler:           m.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	addr := "localhost:" + strconv.Itoa(listener.Addr().(*net.TCPAddr).Port)
	url := "http://" + addr

	m.logger.Info("monitoring ports", zap.String("url", url))

	go func() {
		err := m.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("monitor server stopped", zap.Error(err))
		}
	}()

	if m.openBrowser {
		if err := browser.OpenURL(url); err != nil {
			m.logger.Warn("cannot open browser", zap.Error(err))
		}
	}

	return addr, nil
}

// Stop shuts the server down.
func (m *Monitor) Stop(ctx context.Context) error {
	if m.server == nil {
		return nil
	}

	return m.server.Shutdown(ctx)
}

func (m *Monitor) router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/nodes", m.listNodes)
	r.HandleFunc("/api/node/{node}/ports", m.listPorts)
	r.HandleFunc("/api/port/{node}/{port}", m.portDetails)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	r.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	r.PathPrefix("/").Handler(http.FileServer(web.GetAssets()))

	return r
}

type nodeRsp struct {
	Name               ports.NodeName `json:"name"`
	NumPorts           int            `json:"num_ports"`
	CanShutdownCleanly bool           `json:"can_shutdown_cleanly"`
}

func (m *Monitor) listNodes(w http.ResponseWriter, _ *http.Request) {
	m.lock.Lock()
	nodes := make([]*ports.Node, len(m.nodes))
	copy(nodes, m.nodes)
	m.lock.Unlock()

	rsp := make([]nodeRsp, 0, len(nodes))
	for _, n := range nodes {
		rsp = append(rsp, nodeRsp{
			Name:               n.Name(),
			NumPorts:           n.PortCount(),
			CanShutdownCleanly: n.CanShutdownCleanly(true),
		})
	}

	m.writeJSON(w, rsp)
}

func (m *Monitor) listPorts(w http.ResponseWriter, r *http.Request) {
	node := m.findNodeOr404(w, mux.Vars(r)["node"])
	if node == nil {
		return
	}

	m.writeJSON(w, node.Ports())
}

// portDetails serializes a port snapshot with goseth. The optional field
// query parameter selects a dot-separated path inside the snapshot.
func (m *Monitor) portDetails(w http.ResponseWriter, r *http.Request) {
	node := m.findNodeOr404(w, mux.Vars(r)["node"])
	if node == nil {
		return
	}

	name, err := naming.Parse(mux.Vars(r)["port"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	info, err := node.PortInfo(ports.MakePortName(name))
	if errors.Is(err, ports.ErrPortUnknown) {
		http.Error(w, "port not found", http.StatusNotFound)
		return
	}

	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(&info)
	serializer.SetMaxDepth(2)

	if field := r.URL.Query().Get("field"); field != "" {
		err = serializer.SetEntryPoint(strings.Split(field, "."))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	var buf bytes.Buffer
	if err := serializer.Serialize(&buf); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	m.write(w, buf.Bytes())
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	memory, err := proc.MemoryInfo()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	m.writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memory.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	if err := pprof.StartCPUProfile(buf); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	time.Sleep(m.profileDuration)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	m.writeJSON(w, prof)
}

func (m *Monitor) findNodeOr404(w http.ResponseWriter, name string) *ports.Node {
	m.lock.Lock()
	defer m.lock.Unlock()

	for _, n := range m.nodes {
		if n.Name().String() == name {
			return n
		}
	}

	http.Error(w, "node not found", http.StatusNotFound)

	return nil
}

func (m *Monitor) writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	m.write(w, b)
}

func (m *Monitor) write(w http.ResponseWriter, b []byte) {
	if _, err := w.Write(b); err != nil {
		m.logger.Debug("writing monitor response", zap.Error(err))
	}
}
