package caristo

import "github.com/zoobzio/capitan"

// Pipeline lifecycle signals.
var (
	// PipelineStarted is emitted when a Pipeline begins watching.
	PipelineStarted = capitan.NewSignal(
		"caristo.pipeline.started",
		"Pipeline watching started",
	)

	// PipelineStopped is emitted when a Pipeline stops watching.
	PipelineStopped = capitan.NewSignal(
		"caristo.pipeline.stopped",
		"Pipeline watching stopped",
	)

	// PipelineStateChanged is emitted when a Pipeline transitions between states.
	PipelineStateChanged = capitan.NewSignal(
		"caristo.pipeline.state.changed",
		"Pipeline state transition",
	)
)

// Cycle signals.
var (
	// PipelineNotificationReceived is emitted for every notification, coalesced or not.
	PipelineNotificationReceived = capitan.NewSignal(
		"caristo.pipeline.notification.received",
		"Change notification received",
	)

	// PipelineCycleSucceeded is emitted when the output tree was regenerated.
	PipelineCycleSucceeded = capitan.NewSignal(
		"caristo.pipeline.cycle.succeeded",
		"Output regenerated",
	)

	// PipelineCycleFailed is emitted when a scan or apply step fails.
	PipelineCycleFailed = capitan.NewSignal(
		"caristo.pipeline.cycle.failed",
		"Cycle failed",
	)

	// PipelineCycleSkipped is emitted when an empty fleet was already applied.
	PipelineCycleSkipped = capitan.NewSignal(
		"caristo.pipeline.cycle.skipped",
		"Fleet still empty, output untouched",
	)

	// PipelineKeyCollision is emitted before a failed cycle when two sites
	// produce the same namespaced environment key.
	PipelineKeyCollision = capitan.NewSignal(
		"caristo.pipeline.key.collision",
		"Two sites share a namespaced environment key",
	)

	// PipelineCallbackFailed is emitted when the post-update callback fails.
	PipelineCallbackFailed = capitan.NewSignal(
		"caristo.pipeline.callback.failed",
		"Post-update callback failed",
	)
)

// Notifier signals.
var (
	// NotifierRefreshFailed is emitted when the watch set could not be rebuilt.
	NotifierRefreshFailed = capitan.NewSignal(
		"caristo.notifier.refresh.failed",
		"Watch set refresh failed",
	)

	// NotifierError is emitted for errors reported by the filesystem watcher.
	NotifierError = capitan.NewSignal(
		"caristo.notifier.error",
		"Filesystem watcher error",
	)
)

// Reload command signals.
var (
	// ReloadSucceeded is emitted when the reload command exits zero.
	ReloadSucceeded = capitan.NewSignal(
		"caristo.reload.succeeded",
		"Reload command finished",
	)

	// ReloadFailed is emitted when the reload command cannot run or exits non-zero.
	ReloadFailed = capitan.NewSignal(
		"caristo.reload.failed",
		"Reload command failed",
	)

	// ReloadDeferred is emitted when a reload is pushed to the end of the throttle window.
	ReloadDeferred = capitan.NewSignal(
		"caristo.reload.deferred",
		"Reload deferred by throttle",
	)
)
