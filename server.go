package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/percona/percona-mongosync/config"
	"github.com/percona/percona-mongosync/errors"
	"github.com/percona/percona-mongosync/log"
	"github.com/percona/percona-mongosync/metrics"
	"github.com/percona/percona-mongosync/msync"
	"github.com/percona/percona-mongosync/util"
)

// Server exposes the status and the metrics of a running replication.
type Server struct {
	manager *msync.Manager

	// promRegistry is the Prometheus registry for metrics.
	promRegistry *prometheus.Registry
}

// NewServer creates a server for m.
func NewServer(m *msync.Manager) *Server {
	promRegistry := prometheus.NewRegistry()
	metrics.Init(promRegistry)

	return &Server{manager: m, promRegistry: promRegistry}
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/status", s.HandleStatus)
	mux.Handle("/metrics", s.HandleMetrics())

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			log.New("http").Trace(r.Method + " " + r.URL.String())
		} else {
			log.New("http").Info(r.Method + " " + r.URL.String())
		}
		mux.ServeHTTP(w, r)
	})
}

// HandleStatus handles the /status endpoint.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w,
			http.StatusText(http.StatusMethodNotAllowed),
			http.StatusMethodNotAllowed)

		return
	}

	if r.ContentLength > MaxRequestSize {
		http.Error(w,
			http.StatusText(http.StatusRequestEntityTooLarge),
			http.StatusRequestEntityTooLarge)

		return
	}

	status := s.manager.Status()

	writeResponse(w, statusResponse{
		Ok:     status.Error == "",
		Status: status,
	})
}

func (s *Server) HandleMetrics() http.Handler {
	return promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{})
}

// serve runs the HTTP server on localhost until ctx is done.
func serve(ctx context.Context, port int, handler http.Handler) {
	addr := fmt.Sprintf("localhost:%d", port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: handler,

		ReadTimeout:       ServerReadTimeout,
		ReadHeaderTimeout: ServerReadHeaderTimeout,
		WriteTimeout:      ServerResponseTimeout,
	}

	go func() {
		<-ctx.Done()

		err := util.CtxWithTimeout(context.WithoutCancel(ctx), config.DisconnectTimeout, httpServer.Shutdown)
		if err != nil {
			log.New("server").Error(err, "Close server")
		}
	}()

	go func() {
		log.Ctx(ctx).Info("Starting HTTP server at http://" + addr)

		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.New("server").Error(err, "HTTP server")
		}
	}()
}

// writeResponse writes the response as JSON to the ResponseWriter.
func writeResponse[T any](w http.ResponseWriter, resp T) {
	w.Header().Set("Content-Type", "application/json")

	err := json.NewEncoder(w).Encode(resp)
	if err != nil {
		http.Error(w,
			http.StatusText(http.StatusInternalServerError),
			http.StatusInternalServerError)
	}
}

// statusResponse represents the response body for the /status endpoint.
type statusResponse struct {
	// Ok is false when the replication has failed.
	Ok bool `json:"ok"`

	*msync.Status
}

// Client queries the HTTP server of a running replication.
type Client struct {
	port int
}

func NewClient(port int) Client {
	return Client{port: port}
}

// Status prints the replication status.
func (c Client) Status(ctx context.Context) error {
	return doClientRequest[statusResponse](ctx, c.port, http.MethodGet, "status", nil)
}

func doClientRequest[T any](ctx context.Context, port int, method, path string, body any) error {
	url := fmt.Sprintf("http://localhost:%d/%s", port, path)

	bodyData := []byte("")
	if body != nil {
		var err error
		bodyData, err = json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(bodyData))
	if err != nil {
		return errors.Wrap(err, "build request")
	}

	log.Ctx(ctx).Debugf("%s /%s %s", method, path, string(bodyData))

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "request")
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return errors.Errorf("%s /%s: %s", method, path, res.Status)
	}

	var resp T

	err = json.NewDecoder(res.Body).Decode(&resp)
	if err != nil {
		return errors.Wrap(err, "decode response")
	}

	j := json.NewEncoder(os.Stdout)
	j.SetIndent("", "  ")
	err = j.Encode(resp)

	return errors.Wrap(err, "print response")
}
