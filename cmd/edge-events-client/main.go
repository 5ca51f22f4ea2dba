// edge-events-client registers an application with the discovery service,
// finds the cloudlet to use and keeps an edge events connection to it until
// SIGTERM. Every outcome of a search for a new cloudlet is logged.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/edgexr/edge-events/config"
	"github.com/edgexr/edge-events/edgeevents"
	"github.com/edgexr/edge-events/finder"
	"github.com/edgexr/edge-events/logging"
	"github.com/edgexr/edge-events/matchingengine"
	"github.com/edgexr/edge-events/model"
	"github.com/edgexr/edge-events/netprobe"
	"github.com/edgexr/edge-events/platformx"
	"github.com/edgexr/edge-events/redis"
	"github.com/edgexr/edge-events/session"
	"github.com/edgexr/edge-events/transport"
)

var (
	dmeURL        = flag.String("dme", "http://localhost:38001", "URL of the discovery service")
	orgName       = flag.String("org", "", "Organization of the application")
	appName       = flag.String("app", "", "Name of the application")
	appVers       = flag.String("vers", "", "Version of the application")
	uniqueID      = flag.String("unique-id", "", "Device id; random when empty")
	carrier       = flag.String("carrier", "", "Carrier name")
	latitude      = flag.Float64("lat", 0, "Latitude of the device")
	longitude     = flag.Float64("lon", 0, "Longitude of the device")
	performance   = flag.Bool("performance", false, "Pick the cloudlet with the lowest measured latency instead of the nearest")
	configFile    = flag.String("config", "", "YAML edge events configuration; defaults when empty")
	redisAddr     = flag.String("redis", "", "Address of a redis server persisting the session; none when empty")
	iface         = flag.String("interface", "", "Local interface the latency probes are bound to")
	skipTLSVerify = flag.Bool("skip-tls-verify", false, "Skip TLS verify")
	raw           = flag.Bool("raw", false, "Log every server event instead of acting on them")
	logLevel      = flag.String("log-level", "info", "Log level")
)

func handleNewCloudlet(status edgeevents.Status, ev *edgeevents.NewCloudletEvent) {
	entry := logging.Logger.WithFields(log.Fields{
		"status":  status,
		"trigger": ev.Trigger,
	})
	if ev.NewCloudlet != nil {
		entry = entry.WithField("fqdn", ev.NewCloudlet.Fqdn)
	}
	if ev.Err != nil {
		entry.WithError(ev.Err).Warn("edge-events-client: new cloudlet search failed")
		return
	}
	entry.Info("edge-events-client: moved to a new cloudlet")
}

func handleServerEvent(ev *model.ServerEdgeEvent) {
	logging.Logger.WithField("event", ev.EventType).Info("edge-events-client: server event")
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not get args from env")
	rtx.Must(logging.SetLevel(*logLevel), "Bad log level %q", *logLevel)
	platformx.WarnIfNotFullySupported(*iface)

	promSrv := prometheusx.MustServeMetrics()
	defer promSrv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		logging.Logger.Warn("edge-events-client: got interrupt signal")
		cancel()
	}()

	cfg := config.Default()
	if *configFile != "" {
		var err error
		cfg, err = config.Load(*configFile)
		rtx.Must(err, "Could not load %s", *configFile)
	}
	loc := &model.Location{Latitude: *latitude, Longitude: *longitude}
	rtx.Must(model.ValidateLocation(loc), "Bad location")

	prober := netprobe.New()
	opts := matchingengine.Options{
		URL:                   *dmeURL,
		Identity:              matchingengine.Identity{OrgName: *orgName, AppName: *appName, AppVers: *appVers},
		UniqueID:              *uniqueID,
		CarrierName:           *carrier,
		Prober:                prober,
		InsecureSkipTLSVerify: *skipTLSVerify,
		Location: edgeevents.LocationFunc(func(context.Context) (*model.Location, error) {
			return loc, nil
		}),
	}
	if *redisAddr != "" {
		rc := redis.NewClient(*redisAddr)
		defer rc.Close()
		opts.Store = rc
	}
	engine, err := matchingengine.New(opts)
	rtx.Must(err, "Could not create the matching engine")
	engine.Finder().LocalInterface = *iface

	restored := false
	if opts.Store != nil {
		err = engine.Restore(ctx)
		switch {
		case err == nil:
			restored = engine.Session().Endpoint() != nil
		case errors.Is(err, session.ErrNotFound):
		default:
			logging.Logger.WithError(err).Warn("edge-events-client: could not restore the session")
		}
	}
	if !restored {
		_, err = engine.RegisterClient(ctx)
		rtx.Must(err, "Could not register")
		mode := finder.ModeFirst
		if *performance {
			mode = finder.ModePerformance
		}
		reply, err := engine.FindCloudlet(ctx, loc, mode)
		rtx.Must(err, "Could not find a cloudlet")
		logging.Logger.WithField("fqdn", reply.Fqdn).Info("edge-events-client: cloudlet found")
	}

	if *raw {
		_, err = engine.StartRawEdgeEvents(ctx, handleServerEvent)
	} else {
		_, err = engine.StartEdgeEvents(ctx, cfg, handleNewCloudlet)
	}
	var rejected *transport.RejectedError
	if errors.As(err, &rejected) {
		logging.Logger.WithFields(log.Fields{
			"reason":      rejected.Reason,
			"retry_after": rejected.RetryAfter,
		}).Error("edge-events-client: the server refused the edge events stream")
	}
	rtx.Must(err, "Could not start edge events")

	<-ctx.Done()
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if err := engine.Close(closeCtx); err != nil {
		logging.Logger.WithError(err).Warn("edge-events-client: close failed")
	}
}
