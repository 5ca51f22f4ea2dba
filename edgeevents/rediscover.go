package edgeevents

import (
	"errors"

	"github.com/apex/log"

	"github.com/edgexr/edge-events/finder"
	"github.com/edgexr/edge-events/logging"
	"github.com/edgexr/edge-events/metrics"
	"github.com/edgexr/edge-events/model"
)

// errNoFinder is reported when a search is needed but no Finder was given.
var errNoFinder = errors.New("edgeevents: no finder configured")

func (c *Connection) triggerRediscovery(lt *lifetime, trigger model.FindCloudletEventTrigger, pushed *model.FindCloudletReply) {
	lt.bg.Add(1)
	go func() {
		defer lt.bg.Done()
		c.rediscover(lt, trigger, pushed.Clone())
	}()
}

func (c *Connection) rediscoveryFailed(lt *lifetime, trigger model.FindCloudletEventTrigger, result string, reply *model.FindCloudletReply, err error) {
	metrics.Rediscovery.WithLabelValues(string(trigger), result).Inc()
	logging.Logger.WithError(err).WithField("trigger", trigger).Warn("edgeevents: new cloudlet search failed")
	c.notify(lt, StatusFail, &NewCloudletEvent{Trigger: trigger, NewCloudlet: reply, Err: err})
}

// rediscover looks for a better cloudlet and migrates to it. A pushed
// endpoint is used as is, without asking the discovery service. The search
// is abandoned once lt ended.
func (c *Connection) rediscover(lt *lifetime, trigger model.FindCloudletEventTrigger, pushed *model.FindCloudletReply) {
	c.rediscoverMu.Lock()
	defer c.rediscoverMu.Unlock()
	if lt.ended() {
		return
	}
	ctx := lt.ctx
	// Find updates the session, so the current endpoint is read first.
	current := c.Endpoint()
	reply := pushed
	if reply == nil {
		loc, err := c.location(ctx)
		if err != nil {
			c.rediscoveryFailed(lt, trigger, "no-location", nil, err)
			return
		}
		if c.opts.Finder == nil {
			c.rediscoveryFailed(lt, trigger, "error", nil, errNoFinder)
			return
		}
		reply, err = c.opts.Finder.Find(ctx, finder.Request{
			Location:    loc,
			CarrierName: c.opts.CarrierName,
			Mode:        finder.ModePerformance,
		})
		if err != nil {
			c.rediscoveryFailed(lt, trigger, "error", nil, err)
			return
		}
	}
	if lt.ended() {
		return
	}
	if reply.SameHost(current) {
		c.rediscoveryFailed(lt, trigger, "current-is-best", reply.Clone(), ErrCurrentCloudletIsBest)
		return
	}
	if pushed != nil {
		if pushed.EdgeEventsCookie == "" {
			pushed.EdgeEventsCookie = c.opts.Session.EdgeEventsCookie()
		}
		c.opts.Session.SetDiscovery(pushed)
	}
	logging.Logger.WithFields(log.Fields{
		"trigger": trigger,
		"fqdn":    reply.Fqdn,
	}).Info("edgeevents: new cloudlet found")
	if c.cfg.AutoMigrate {
		if err := c.restartWithin(ctx, lt); err != nil {
			c.rediscoveryFailed(lt, trigger, "restart-failed", reply.Clone(), err)
			return
		}
	}
	metrics.Rediscovery.WithLabelValues(string(trigger), "ok").Inc()
	c.notify(lt, StatusSuccess, &NewCloudletEvent{Trigger: trigger, NewCloudlet: reply.Clone()})
}
