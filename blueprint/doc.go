// Package blueprint describes desired filesystem state declaratively and
// materializes it.
//
// A Node tree is built with Dir, File, Link and Absent (or parsed from the
// mini-notation with Parse), flattened with Expand into pre-order path-state
// entries, and applied by a Materializer using the minimal set of operations
// needed to reach the described state:
//
//	tree := blueprint.Dir().Clear().
//	    Child("site-a", blueprint.Dir().
//	        Child("Caddyfile", blueprint.File(fragment))).
//	    Child(".env", blueprint.File(env))
//
//	stats, err := blueprint.NewOSMaterializer().Materialize("/etc/caddy/sites", tree)
package blueprint
