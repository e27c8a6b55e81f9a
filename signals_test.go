package caristo

import "testing"

func TestSignalNames(t *testing.T) {
	cases := map[string]string{
		"caristo.pipeline.started":               PipelineStarted.Name(),
		"caristo.pipeline.stopped":               PipelineStopped.Name(),
		"caristo.pipeline.state.changed":         PipelineStateChanged.Name(),
		"caristo.pipeline.notification.received": PipelineNotificationReceived.Name(),
		"caristo.pipeline.cycle.succeeded":       PipelineCycleSucceeded.Name(),
		"caristo.pipeline.cycle.failed":          PipelineCycleFailed.Name(),
		"caristo.pipeline.cycle.skipped":         PipelineCycleSkipped.Name(),
		"caristo.pipeline.callback.failed":       PipelineCallbackFailed.Name(),
		"caristo.pipeline.key.collision":         PipelineKeyCollision.Name(),
		"caristo.notifier.refresh.failed":        NotifierRefreshFailed.Name(),
		"caristo.notifier.error":                 NotifierError.Name(),
		"caristo.reload.succeeded":               ReloadSucceeded.Name(),
		"caristo.reload.failed":                  ReloadFailed.Name(),
		"caristo.reload.deferred":                ReloadDeferred.Name(),
	}
	for want, got := range cases {
		if got != want {
			t.Errorf("expected name %q, got %q", want, got)
		}
	}
}
