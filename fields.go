package caristo

import "github.com/zoobzio/capitan"

// Field keys for Pipeline events.
var (
	// KeyState is the current state of the Pipeline.
	KeyState = capitan.NewStringKey("state")

	// KeyOldState is the previous state before a transition.
	KeyOldState = capitan.NewStringKey("old_state")

	// KeyNewState is the new state after a transition.
	KeyNewState = capitan.NewStringKey("new_state")

	// KeyError is the error message when an operation fails.
	KeyError = capitan.NewStringKey("error")

	// KeyStage is the failing step of a cycle: "scan", "apply" or "callback".
	KeyStage = capitan.NewStringKey("stage")

	// KeyThrottle is the configured throttle interval.
	KeyThrottle = capitan.NewDurationKey("throttle")

	// KeyDuration is how long a cycle or command took.
	KeyDuration = capitan.NewDurationKey("duration")

	// KeyRoot is the watched fleet root.
	KeyRoot = capitan.NewStringKey("root")

	// KeyOutput is the output root.
	KeyOutput = capitan.NewStringKey("output")

	// KeyPath is the path reported by a notification.
	KeyPath = capitan.NewStringKey("path")

	// KeyOp is the filesystem operation reported by a notification.
	KeyOp = capitan.NewStringKey("op")

	// KeyEvents is the number of notifications coalesced into a cycle.
	KeyEvents = capitan.NewIntKey("events")

	// KeySites is the number of sites found by a scan.
	KeySites = capitan.NewIntKey("sites")

	// KeySite is the site a notification or failure concerns.
	KeySite = capitan.NewStringKey("site")

	// KeyOwner is the site that first claimed a colliding environment key.
	KeyOwner = capitan.NewStringKey("owner")

	// KeyEnvKey is a namespaced environment key.
	KeyEnvKey = capitan.NewStringKey("env_key")

	// KeyVariables is the number of variables in the merged environment.
	KeyVariables = capitan.NewIntKey("variables")

	// KeyCreated is the number of created output entries.
	KeyCreated = capitan.NewIntKey("created")

	// KeyReplaced is the number of replaced output entries.
	KeyReplaced = capitan.NewIntKey("replaced")

	// KeyRemoved is the number of removed output entries.
	KeyRemoved = capitan.NewIntKey("removed")

	// KeyUnchanged is the number of output entries left as they were.
	KeyUnchanged = capitan.NewIntKey("unchanged")

	// KeyCommand is the reload command line.
	KeyCommand = capitan.NewStringKey("command")

	// KeyStdout is the captured standard output of the reload command.
	KeyStdout = capitan.NewStringKey("stdout")

	// KeyStderr is the captured standard error of the reload command.
	KeyStderr = capitan.NewStringKey("stderr")

	// KeyExitCode is the exit status of the reload command, -1 if it did not run.
	KeyExitCode = capitan.NewIntKey("exit_code")

	// KeyDelay is how long a deferred reload waits.
	KeyDelay = capitan.NewDurationKey("delay")
)
