package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zoobzio/capitan"

	"github.com/zoobzio/caristo"
)

// newLogger creates the process logger writing to w at level.
func newLogger(w io.Writer, level string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	log := logrus.New()
	log.SetOutput(w)
	log.SetLevel(lvl)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.DateTime,
	})
	return log, nil
}

// extractor copies one typed field of an event into logrus fields.
type extractor func(e *capitan.Event, fields logrus.Fields)

func field[T any](name string, from func(*capitan.Event) (T, bool)) extractor {
	return func(e *capitan.Event, fields logrus.Fields) {
		if v, ok := from(e); ok {
			fields[name] = v
		}
	}
}

var (
	errorField    = field("error", caristo.KeyError.From)
	stageField    = field("stage", caristo.KeyStage.From)
	commandField  = field("command", caristo.KeyCommand.From)
	durationField = field("duration", caristo.KeyDuration.From)
	stdoutField   = field("stdout", caristo.KeyStdout.From)
	stderrField   = field("stderr", caristo.KeyStderr.From)
)

// logTo returns a capitan handler writing the event to log at level.
func logTo(log *logrus.Logger, signal string, level logrus.Level, message string, extractors ...extractor) func(context.Context, *capitan.Event) {
	return func(_ context.Context, e *capitan.Event) {
		if !log.IsLevelEnabled(level) {
			return
		}
		fields := logrus.Fields{"signal": signal}
		for _, extract := range extractors {
			extract(e, fields)
		}
		log.WithFields(fields).Log(level, message)
	}
}

// hookLogger forwards every caristo signal to log.
func hookLogger(log *logrus.Logger) {
	capitan.Hook(caristo.PipelineStarted, logTo(log, caristo.PipelineStarted.Name(),
		logrus.InfoLevel, "watching fleet",
		field("output", caristo.KeyOutput.From),
		field("throttle", caristo.KeyThrottle.From),
	))
	capitan.Hook(caristo.PipelineStopped, logTo(log, caristo.PipelineStopped.Name(),
		logrus.InfoLevel, "stopped watching",
		field("state", caristo.KeyState.From),
	))
	capitan.Hook(caristo.PipelineStateChanged, logTo(log, caristo.PipelineStateChanged.Name(),
		logrus.DebugLevel, "state changed",
		field("from", caristo.KeyOldState.From),
		field("to", caristo.KeyNewState.From),
	))
	capitan.Hook(caristo.PipelineNotificationReceived, logTo(log, caristo.PipelineNotificationReceived.Name(),
		logrus.DebugLevel, "change observed",
		field("path", caristo.KeyPath.From),
		field("op", caristo.KeyOp.From),
	))
	capitan.Hook(caristo.PipelineCycleSucceeded, logTo(log, caristo.PipelineCycleSucceeded.Name(),
		logrus.InfoLevel, "output regenerated",
		field("events", caristo.KeyEvents.From),
		field("sites", caristo.KeySites.From),
		field("variables", caristo.KeyVariables.From),
		field("created", caristo.KeyCreated.From),
		field("replaced", caristo.KeyReplaced.From),
		field("removed", caristo.KeyRemoved.From),
		field("unchanged", caristo.KeyUnchanged.From),
		durationField,
	))
	capitan.Hook(caristo.PipelineCycleFailed, logTo(log, caristo.PipelineCycleFailed.Name(),
		logrus.ErrorLevel, "cycle failed",
		stageField, errorField,
	))
	capitan.Hook(caristo.PipelineKeyCollision, logTo(log, caristo.PipelineKeyCollision.Name(),
		logrus.ErrorLevel, "environment key collision, rename one of the sites",
		field("key", caristo.KeyEnvKey.From),
		field("site", caristo.KeySite.From),
		field("owner", caristo.KeyOwner.From),
	))
	capitan.Hook(caristo.PipelineCycleSkipped, logTo(log, caristo.PipelineCycleSkipped.Name(),
		logrus.DebugLevel, "fleet still empty",
		field("events", caristo.KeyEvents.From),
	))
	capitan.Hook(caristo.PipelineCallbackFailed, logTo(log, caristo.PipelineCallbackFailed.Name(),
		logrus.ErrorLevel, "callback failed",
		errorField,
	))
	capitan.Hook(caristo.NotifierRefreshFailed, logTo(log, caristo.NotifierRefreshFailed.Name(),
		logrus.WarnLevel, "watch refresh failed",
		errorField,
	))
	capitan.Hook(caristo.NotifierError, logTo(log, caristo.NotifierError.Name(),
		logrus.WarnLevel, "watcher error",
		field("root", caristo.KeyRoot.From),
		errorField,
	))
	capitan.Hook(caristo.ReloadSucceeded, logTo(log, caristo.ReloadSucceeded.Name(),
		logrus.InfoLevel, "reload command finished",
		commandField, stdoutField, stderrField, durationField,
	))
	capitan.Hook(caristo.ReloadFailed, logTo(log, caristo.ReloadFailed.Name(),
		logrus.ErrorLevel, "reload command failed",
		commandField,
		field("exit_code", caristo.KeyExitCode.From),
		stdoutField, stderrField, errorField,
	))
	capitan.Hook(caristo.ReloadDeferred, logTo(log, caristo.ReloadDeferred.Name(),
		logrus.DebugLevel, "reload deferred",
		commandField,
		field("delay", caristo.KeyDelay.From),
	))
}
