// Package metrics holds the Prometheus collectors of the bridge and the HTTP
// endpoint exposing them.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stomp_bridge"

var (
	FramesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "received_total",
			Help:      "Frames parsed from clients by command",
		},
		[]string{"command"},
	)

	FramesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "sent_total",
			Help:      "Frames written to clients by command",
		},
		[]string{"command"},
	)

	ErrorFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "errors_total",
			Help:      "ERROR frames sent, by whether they closed the connection",
		},
		[]string{"fatal"},
	)

	ParseErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "parse_errors_total",
			Help:      "Malformed frames received",
		},
	)

	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "active",
			Help:      "Open client connections",
		},
	)

	ActiveSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subscriptions",
			Name:      "active",
			Help:      "Open subscriptions across all connections",
		},
	)

	Transactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transactions",
			Name:      "finished_total",
			Help:      "Finished transactions by outcome",
		},
		[]string{"outcome"},
	)
)

var registry = prometheus.NewRegistry()

func init() {
	registry.MustRegister(
		FramesReceived,
		FramesSent,
		ErrorFrames,
		ParseErrors,
		ActiveConnections,
		ActiveSubscriptions,
		Transactions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

func Registry() *prometheus.Registry {
	return registry
}

// RecordError counts an ERROR frame.
func RecordError(fatal bool) {
	ErrorFrames.WithLabelValues(strconv.FormatBool(fatal)).Inc()
}

// Observer feeds bridge events into the collectors.
type Observer struct{}

func (Observer) SubscriptionOpened() {
	ActiveSubscriptions.Inc()
}

func (Observer) SubscriptionClosed() {
	ActiveSubscriptions.Dec()
}

func (Observer) TransactionFinished(outcome string) {
	Transactions.WithLabelValues(outcome).Inc()
}

// Server serves the registry over HTTP.
type Server struct {
	server *http.Server
}

func NewServer(host string, port int, path string) *Server {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return &Server{
		server: &http.Server{
			Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Serve blocks until the server is shut down.
func (s *Server) Serve(ln net.Listener) error {
	logger.InfoF("Metrics endpoint listen on %s", ln.Addr().String())
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Invoke shuts the server down; it is registered with the cleaner.
func (s *Server) Invoke(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
