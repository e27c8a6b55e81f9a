// Package fleettest builds fleet directories on disk for tests.
//
// A fleet is a root holding one directory per site, each with a current link
// into a releases directory:
//
//	<root>/<site>/current -> releases/<release>
//	<root>/<site>/releases/<release>/docker/caddy/Caddyfile
//	<root>/<site>/releases/<release>/.env
//	<root>/<site>/releases/<release>/release
package fleettest

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zoobzio/caristo/blueprint"
)

// Default fixture content for a release.
const (
	DefaultFragment = "example.test {\n\ttls {$MAIL}\n}\n"
	DefaultEnv      = "MAIL=a@x.test\n"
)

const releaseLayout = "20060102150405.000"

// ReleaseName formats at as a release directory name (YYYYMMDDHHmmssSSS).
func ReleaseName(at time.Time) string {
	return strings.Replace(at.Format(releaseLayout), ".", "", 1)
}

// Release is one immutable release of a site.
type Release struct {
	Name     string
	Fragment string
	Env      string
	// OmitEnv leaves the environment file out of the release.
	OmitEnv bool
}

// NewRelease creates a release named after the current time shifted by shift.
// Distinct shifts give distinct, ordered release names.
func NewRelease(shift time.Duration, fragment, env string) Release {
	return Release{
		Name:     ReleaseName(time.Now().Add(shift)),
		Fragment: fragment,
		Env:      env,
	}
}

// Node describes the release directory.
func (r Release) Node() *blueprint.Node {
	n := blueprint.Dir()
	if !r.OmitEnv {
		n.Child(".env", blueprint.File([]byte(r.Env)))
	}
	return n.
		Child("docker", blueprint.Dir().
			Child("caddy", blueprint.Dir().
				Child("Caddyfile", blueprint.File([]byte(r.Fragment))))).
		Child("release", blueprint.File([]byte(r.Name)))
}

// Site describes a site directory whose current link points at the first
// release. A clearing site drops releases that are not listed.
func Site(clear bool, releases ...Release) *blueprint.Node {
	site := blueprint.Dir()
	if clear {
		site.Clear()
	}
	if len(releases) > 0 {
		site.Child("current", blueprint.Link(filepath.Join("releases", releases[0].Name)))
	}
	for _, r := range releases {
		site = blueprint.Merge(site, blueprint.Dir().
			Child("releases", blueprint.Dir().Child(r.Name, r.Node())))
	}
	return site
}

// Fleet is a fleet root on the host filesystem.
type Fleet struct {
	Root string
	m    *blueprint.Materializer
}

// New creates an empty fleet in a temporary directory removed with the test.
func New(t testing.TB) *Fleet {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("resolve fleet root: %v", err)
	}
	return &Fleet{Root: root, m: blueprint.NewOSMaterializer()}
}

// Path joins elem onto the fleet root.
func (f *Fleet) Path(elem ...string) string {
	return filepath.Join(append([]string{f.Root}, elem...)...)
}

// Apply materializes n at the fleet root. Existing sites not named in n are
// left alone unless n clears.
func (f *Fleet) Apply(t testing.TB, n *blueprint.Node) blueprint.Stats {
	t.Helper()
	stats, err := f.m.Materialize(f.Root, n)
	if err != nil {
		t.Fatalf("apply fleet blueprint: %v", err)
	}
	return stats
}

// Deploy writes the releases of site and points current at the first one.
func (f *Fleet) Deploy(t testing.TB, site string, clear bool, releases ...Release) {
	t.Helper()
	if len(releases) == 0 {
		t.Fatalf("deploy %s: no releases", site)
	}
	f.Apply(t, blueprint.Dir().Child(site, Site(clear, releases...)))
}

// Point moves the current link of site to release.
func (f *Fleet) Point(t testing.TB, site, release string) {
	t.Helper()
	f.Apply(t, blueprint.Dir().Child(site, blueprint.Dir().
		Child("current", blueprint.Link(filepath.Join("releases", release)))))
}

// Unlink removes the current link of site, keeping its releases.
func (f *Fleet) Unlink(t testing.TB, site string) {
	t.Helper()
	f.Apply(t, blueprint.Dir().Child(site, blueprint.Dir().Child("current", blueprint.Absent())))
}

// Remove deletes the whole site directory.
func (f *Fleet) Remove(t testing.TB, site string) {
	t.Helper()
	f.Apply(t, blueprint.Dir().Child(site, blueprint.Absent()))
}

// WaitFor polls a condition until it returns true or timeout is reached.
// Returns true if the condition was met, false if timeout occurred.
func WaitFor(t testing.TB, timeout time.Duration, condition func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return condition()
}
