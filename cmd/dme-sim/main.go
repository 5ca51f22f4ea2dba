// dme-sim runs the discovery simulator: the REST calls used to register
// and find cloudlets and the edge events stream, on a single port.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/memoryless"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/edgexr/edge-events/dmetest"
	"github.com/edgexr/edge-events/logging"
	"github.com/edgexr/edge-events/model"
)

var (
	// Flags that can be passed in on the command line
	addr             = flag.String("addr", ":38001", "The address and port to listen on")
	certFile         = flag.String("cert", "", "The file with server certificates in PEM format.")
	keyFile          = flag.String("key", "", "The file with server key in PEM format.")
	cloudletsFile    = flag.String("cloudlets", "", "YAML file listing the simulated cloudlets")
	maxStreams       = flag.Int64("max-streams", 0, "Maximum number of concurrent edge events streams, 0 for no limit")
	maxClientStreams = flag.Int64("max-streams-per-client", 0, "Maximum number of concurrent edge events streams from one client address, 0 for no limit")
	streamRetryAfter = flag.Duration("stream-retry-after", 30*time.Second, "Retry-After hint sent with rejected edge events streams")
	latencyRequests  = flag.Duration("latency-request-interval", 0, "Mean interval between latency requests pushed to every stream, 0 to disable")
	logLevel         = flag.String("log-level", "info", "Log level")
	cookieKey        flagx.FileBytes
	defaultCloudlets = []dmetest.Cloudlet{
		{
			Name:     "local",
			Location: model.CloudletLocation{Latitude: 37.44, Longitude: -122.14},
			Fqdn:     "localhost",
			Ports:    []model.AppPort{{Proto: model.ProtoTCP, InternalPort: 38001, PublicPort: 38001}},
		},
	}

	// A metric to use to signal that the server is in lame duck mode.
	lameDuck = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edgeevents_dmesim_lame_duck",
		Help: "Indicates when the simulator is in lame duck",
	})

	// Context for the whole program.
	ctx, cancel = context.WithCancel(context.Background())
)

func init() {
	flag.Var(&cookieKey, "cookie.key", "File with the key signing session and edge events cookies; random when empty")
}

func catchSigterm() {
	// Disable lame duck status.
	lameDuck.Set(0)

	// Register channel to receive SIGTERM events.
	c := make(chan os.Signal, 1)
	defer close(c)
	signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)

	// Wait until we receive a SIGTERM or the context is canceled.
	select {
	case <-c:
		fmt.Println("Received SIGTERM")
	case <-ctx.Done():
		fmt.Println("Canceled")
	}
	// Set lame duck status. This will remain set until exit.
	lameDuck.Set(1)
	// When we receive a second SIGTERM, cancel the context and shut everything
	// down. This should cause main() to exit cleanly.
	select {
	case <-c:
		fmt.Println("Received SIGTERM")
		cancel()
	case <-ctx.Done():
		fmt.Println("Canceled")
	}
}

// httpServer creates a new *http.Server with an explicit read header
// timeout. Write timeouts would cut the long lived event streams.
func httpServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// pushLatencyRequests asks every stream for latency samples until ctx ends.
func pushLatencyRequests(ctx context.Context, srv *dmetest.Server, mean time.Duration) {
	t, err := memoryless.NewTicker(ctx, memoryless.Config{Min: mean / 10, Expected: mean, Max: 4 * mean})
	rtx.Must(err, "Bad latency request interval %v", mean)
	defer t.Stop()
	for range t.C {
		n := srv.Push("", &model.ServerEdgeEvent{EventType: model.ServerLatencyRequest})
		logging.Logger.Debugf("dme-sim: latency request pushed to %d streams", n)
	}
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not get args from env")
	rtx.Must(logging.SetLevel(*logLevel), "Bad log level %q", *logLevel)

	promSrv := prometheusx.MustServeMetrics()
	defer promSrv.Close()
	go catchSigterm()

	cloudlets := defaultCloudlets
	if *cloudletsFile != "" {
		var err error
		cloudlets, err = dmetest.LoadCloudlets(*cloudletsFile)
		rtx.Must(err, "Could not load cloudlets")
	}
	var key []byte
	if len(cookieKey) > 0 {
		key = []byte(cookieKey)
	}
	sim, err := dmetest.New(key, cloudlets...)
	rtx.Must(err, "Could not create the simulator")
	sim.Streams.Max = *maxStreams
	sim.Streams.MaxPerClient = *maxClientStreams
	sim.Streams.RetryAfter = *streamRetryAfter
	defer sim.Close()
	if *latencyRequests > 0 {
		go pushLatencyRequests(ctx, sim, *latencyRequests)
	}

	srv := httpServer(*addr, sim.Handler())
	go func() {
		logging.Logger.Infof("dme-sim: listening on %s with %d cloudlets", *addr, len(cloudlets))
		var err error
		if *certFile != "" && *keyFile != "" {
			err = srv.ListenAndServeTLS(*certFile, *keyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != http.ErrServerClosed {
			rtx.Must(err, "Could not start the simulator")
		}
	}()
	defer srv.Close()

	<-ctx.Done()
}
