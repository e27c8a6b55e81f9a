// Package collector discovers the active sites of a fleet and derives the
// merged proxy configuration from their current releases.
package collector

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/samber/oops"
	"golang.org/x/sync/errgroup"

	"github.com/zoobzio/caristo/blueprint"
)

// DefaultConcurrency bounds how many sites are read at once.
const DefaultConcurrency = 8

// Layout names the files the collector reads and writes, relative to a
// site's current release and to the output root.
type Layout struct {
	// Current is the release pointer inside each site directory.
	Current string
	// Fragment is the proxy fragment path inside a release.
	Fragment string
	// Env is the environment file path inside a release.
	Env string
	// OutputFragment is the fragment file name inside each output site directory.
	OutputFragment string
	// OutputEnv is the merged environment file name at the output root.
	OutputEnv string
}

// DefaultLayout matches releases holding docker/caddy/Caddyfile and .env.
var DefaultLayout = Layout{
	Current:        "current",
	Fragment:       filepath.Join("docker", "caddy", "Caddyfile"),
	Env:            ".env",
	OutputFragment: "Caddyfile",
	OutputEnv:      ".env",
}

// Site is the state of one site's current release, read fresh on every scan.
type Site struct {
	Name         string
	Prefix       string
	Dir          string
	Release      string
	FragmentPath string
	EnvPath      string

	// Fragment is the fragment as read from disk; Rewritten has variable
	// references replaced with their namespaced keys.
	Fragment  []byte
	Rewritten []byte

	Variables   []Variable
	EnvReadable bool
}

// Snapshot is the result of one scan.
type Snapshot struct {
	Sites       []Site
	Environment Environment

	// Tree describes the desired output directory. It clears the output root
	// and is nil when Skip is set.
	Tree *blueprint.Node

	// Skip is set when this scan and the previous one both found no sites;
	// the output is already in the empty state and must not be touched.
	Skip bool
}

// Collector scans a fleet root. A Collector remembers only whether the
// previous scan was empty.
type Collector struct {
	fs          billy.Filesystem
	root        string
	layout      Layout
	concurrency int

	mu        sync.Mutex
	lastEmpty bool
}

// New creates a Collector for the fleet at root, reading through fs.
func New(fs billy.Filesystem, root string) *Collector {
	return &Collector{
		fs:          fs,
		root:        filepath.Clean(root),
		layout:      DefaultLayout,
		concurrency: DefaultConcurrency,
	}
}

// NewOS creates a Collector for a fleet on the host filesystem.
func NewOS(root string) *Collector {
	return New(osfs.New(string(os.PathSeparator)), root)
}

// Layout overrides the default release layout. Must be called before Collect.
func (c *Collector) Layout(layout Layout) *Collector {
	c.layout = layout
	return c
}

// Concurrency sets how many sites are read in parallel. Must be called before
// Collect.
func (c *Collector) Concurrency(n int) *Collector {
	if n > 0 {
		c.concurrency = n
	}
	return c
}

// Root returns the fleet root.
func (c *Collector) Root() string { return c.root }

// Invalidate forgets the previous scan so the next empty scan is applied
// again. Call it when applying a snapshot failed.
func (c *Collector) Invalidate() {
	c.mu.Lock()
	c.lastEmpty = false
	c.mu.Unlock()
}

// Collect discovers every site whose current release holds a fragment and
// builds the merged output description. State is always re-derived from disk.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	fragments, err := c.discover()
	if err != nil {
		return nil, err
	}

	sites := make([]Site, len(fragments))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, fragment := range fragments {
		g.Go(func() error {
			site, err := c.readSite(gctx, fragment)
			if err != nil {
				return err
			}
			sites[i] = site
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	empty := len(sites) == 0
	c.mu.Lock()
	skip := empty && c.lastEmpty
	c.lastEmpty = empty
	c.mu.Unlock()
	if skip {
		return &Snapshot{Skip: true}, nil
	}

	env, err := Fold(sites)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Sites:       sites,
		Environment: env,
		Tree:        c.tree(sites, env),
	}, nil
}

// discover returns the fragment paths of all active sites in name order.
func (c *Collector) discover() ([]string, error) {
	pattern := filepath.Join(c.root, "*", c.layout.Current, c.layout.Fragment)
	matches, err := util.Glob(c.fs, pattern)
	if err != nil {
		return nil, oops.In("collector").With("pattern", pattern).Wrapf(err, "discover sites")
	}

	fragments := matches[:0]
	for _, match := range matches {
		if strings.HasPrefix(c.siteName(match), ".") {
			continue
		}
		fragments = append(fragments, match)
	}
	sort.Strings(fragments)
	return fragments, nil
}

func (c *Collector) siteName(fragment string) string {
	rel, err := filepath.Rel(c.root, fragment)
	if err != nil {
		return ""
	}
	name, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
	return name
}

func (c *Collector) readSite(ctx context.Context, fragmentPath string) (Site, error) {
	if err := ctx.Err(); err != nil {
		return Site{}, err
	}

	name := c.siteName(fragmentPath)
	dir := filepath.Join(c.root, name)
	site := Site{
		Name:         name,
		Prefix:       Prefix(name),
		Dir:          dir,
		FragmentPath: fragmentPath,
		EnvPath:      filepath.Join(dir, c.layout.Current, c.layout.Env),
	}
	if target, err := c.fs.Readlink(filepath.Join(dir, c.layout.Current)); err == nil {
		site.Release = target
	}

	fragment, err := util.ReadFile(c.fs, fragmentPath)
	if err != nil {
		return Site{}, oops.In("collector").With("site", name, "path", fragmentPath).Wrapf(err, "read fragment")
	}
	site.Fragment = fragment

	data, err := util.ReadFile(c.fs, site.EnvPath)
	if err != nil {
		// Sites without a readable environment are published as-is.
		site.Rewritten = append([]byte(nil), fragment...)
		return site, nil
	}
	vars, err := ParseEnv(data)
	if err != nil {
		return Site{}, oops.In("collector").With("site", name, "path", site.EnvPath).Wrapf(err, "read environment")
	}
	site.EnvReadable = true
	site.Variables = Namespace(site.Prefix, vars)
	site.Rewritten = Rewrite(fragment, site.Variables)
	return site, nil
}

func (c *Collector) tree(sites []Site, env Environment) *blueprint.Node {
	root := blueprint.Dir().Clear()
	for _, site := range sites {
		root.Child(site.Name, blueprint.Dir().
			Child(c.layout.OutputFragment, blueprint.File(site.Rewritten)))
	}
	return root.Child(c.layout.OutputEnv, blueprint.File(env.Render()))
}
