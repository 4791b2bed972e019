package rpc

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/metric"
)

const (
	headerContentType = "Content-Type"
	applicationJson   = "application/json"

	metricsScopeRESTAPI = "rest_api"

	DefaultMaxBodyBytes           int64 = 1 << 20
	DefaultBatchItemLimit         int   = 100
	DefaultBatchResponseSizeLimit int   = int(DefaultMaxBodyBytes)
)

var allowedCORSHeaders = []string{"Accept", "Accept-Language", "Content-Language", "Origin", headerContentType}

type (
	// Registrar registers new HTTP handlers for given router.
	Registrar interface {
		Register(r *mux.Router)
	}

	// RegistrarFunc type is an adapter to allow the use of ordinary function as Registrar.
	RegistrarFunc func(r *mux.Router)

	Observability interface {
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		// MetricsHandler returns nil when metrics are not exported to Prometheus.
		MetricsHandler() http.Handler
		Logger() *slog.Logger
	}

	API struct {
		Namespace string
		Service   any
	}

	// ServerConfiguration is the configuration of the HTTP server of the node.
	ServerConfiguration struct {
		// Address is the TCP address to listen on, "host:port". Server is not started when empty.
		Address string

		ReadTimeout       time.Duration
		ReadHeaderTimeout time.Duration
		WriteTimeout      time.Duration
		IdleTimeout       time.Duration

		// MaxBodyBytes limits the size of the request body.
		MaxBodyBytes int64

		// BatchItemLimit is the maximum number of requests in a JSON-RPC batch.
		BatchItemLimit int

		// BatchResponseSizeLimit is the maximum number of response bytes across all requests in a batch.
		BatchResponseSizeLimit int

		// APIs are served as JSON-RPC services on the "/rpc" path.
		APIs []API
	}
)

func (c *ServerConfiguration) IsAddressEmpty() bool {
	return strings.TrimSpace(c.Address) == ""
}

/*
NewHTTPServer returns server which serves
  - REST endpoints of the registrars under "/api/v1";
  - JSON-RPC services of the configuration on "/rpc" (HTTP and WebSocket);
  - Prometheus metrics on "/metrics" when metrics are exported to Prometheus.
*/
func NewHTTPServer(conf *ServerConfiguration, obs Observability, registrars ...Registrar) (*http.Server, error) {
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(http.NotFound)

	restRouter := router.PathPrefix("/api/v1").Subrouter()
	restRouter.Use(
		handlers.CORS(handlers.AllowedHeaders(allowedCORSHeaders)),
		instrumentHTTP(obs.Meter(metricsScopeRESTAPI), obs.Logger()))
	for _, registrar := range registrars {
		registrar.Register(restRouter)
	}

	if len(conf.APIs) != 0 {
		rpcServer := rpc.NewServer()
		rpcServer.SetBatchLimits(conf.BatchItemLimit, conf.BatchResponseSizeLimit)
		for _, api := range conf.APIs {
			if err := rpcServer.RegisterName(api.Namespace, api.Service); err != nil {
				return nil, fmt.Errorf("registering %q API: %w", api.Namespace, err)
			}
		}
		router.Handle("/rpc", rpcServer.WebsocketHandler([]string{"*"})).Headers(
			"Connection", "Upgrade",
			"Upgrade", "websocket",
		)
		rpcRouter := router.PathPrefix("/rpc").Subrouter()
		rpcRouter.Handle("", rpcServer)
		rpcRouter.Use(handlers.CORS(handlers.AllowedHeaders(allowedCORSHeaders)))
	}

	if h := obs.MetricsHandler(); h != nil {
		router.Handle("/metrics", h).Methods(http.MethodGet)
	}

	maxBody := conf.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &http.Server{
		Addr:              conf.Address,
		ReadTimeout:       conf.ReadTimeout,
		ReadHeaderTimeout: conf.ReadHeaderTimeout,
		WriteTimeout:      conf.WriteTimeout,
		IdleTimeout:       conf.IdleTimeout,
		Handler:           handlers.CompressHandler(http.MaxBytesHandler(router, maxBody)),
	}, nil
}

func (f RegistrarFunc) Register(r *mux.Router) {
	f(r)
}
