/*
Package caristo keeps a reverse-proxy configuration directory in sync with a
fleet of independently deployed sites.

Every site directory under the fleet root exposes a current link to an
immutable release holding a proxy configuration fragment and a private
environment file. caristo watches the fleet, namespaces each site's
variables, and regenerates one output tree with a directory per site plus one
merged environment file. An external reload command runs afterward.

# Basic Usage

Wire a notifier, a collector and a materializer into a Pipeline:

	root := "/srv/sites"
	reload := caristo.NewReloader("caddy reload --config /etc/caddy/Caddyfile")
	defer reload.Close()

	p := caristo.New(
	    caristo.NewFSNotifier(root),
	    collector.NewOS(root),
	    blueprint.NewOSMaterializer(),
	    "/etc/caddy/sites",
	    reload.Callback(),
	)

	if err := p.Start(ctx); err != nil {
	    // The first cycle failed; the pipeline keeps watching.
	}
	defer p.Close()

# Cycles

A cycle moves the pipeline from Idle through Scanning and Applying back to
Idle. Notifications are throttled: the first one after a quiet interval
starts a scan at once, later ones inside the interval are folded into one
scan at its end. A notification arriving while a cycle runs schedules exactly
one follow-up cycle.

Errors never stop the pipeline. The failing stage is recorded and available
via LastError and ErrorHistory.

# Observability

The package does not log. Every lifecycle step emits a capitan signal with
typed fields (see signals.go and fields.go):

	capitan.Hook(caristo.PipelineCycleFailed, func(_ context.Context, e *capitan.Event) {
	    stage, _ := caristo.KeyStage.From(e)
	    msg, _ := caristo.KeyError.From(e)
	    log.Printf("%s failed: %s", stage, msg)
	})

A MetricsProvider receives state changes and cycle outcomes.

# Testing

Use a ChannelNotifier in place of the filesystem and a fake clock to drive
the throttle deterministically:

	events := make(chan caristo.Event)
	clock := clockz.NewFakeClock()
	p := caristo.New(caristo.NewChannelNotifier(events), source, m, "/out", nil).
	    Clock(clock)

Package fleettest builds fleets on disk.
*/
package caristo
