package collector

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/samber/oops"
	"github.com/subosito/gotenv"
)

// ErrKeyCollision reports two sites producing the same namespaced key.
var ErrKeyCollision = errors.New("namespaced environment key collision")

// CollisionError names the two sites whose prefixes produced the same
// namespaced key. It matches ErrKeyCollision under errors.Is.
type CollisionError struct {
	Key   string
	Site  string
	Owner string
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("%s: %s defined by both %s and %s", ErrKeyCollision, e.Key, e.Owner, e.Site)
}

func (e *CollisionError) Unwrap() error { return ErrKeyCollision }

const bannerRule = "-------------------------"

var prefixReplacer = strings.NewReplacer(".", "_", "-", "_", " ", "_")

// Prefix derives the environment prefix for a site: the name upper-cased
// with every '.', '-' and space replaced by '_'.
func Prefix(site string) string {
	return prefixReplacer.Replace(strings.ToUpper(site))
}

// Variable is one environment variable of a site.
type Variable struct {
	Key        string
	Namespaced string
	Value      string
}

// ParseEnv parses key=value environment file content. Comments, blank lines
// and quoting follow dotenv conventions. Values are taken literally: "$NAME"
// is never expanded, neither from the file nor from the process environment.
func ParseEnv(data []byte) (map[string]string, error) {
	// gotenv expands $NAME in unquoted and double-quoted values, so dollars
	// are swapped for a rune absent from data and restored afterwards.
	mark := dollarMark(data)
	hidden := bytes.ReplaceAll(data, []byte("$"), []byte(string(mark)))

	env, err := gotenv.StrictParse(bytes.NewReader(hidden))
	if err != nil {
		return nil, oops.In("collector").Wrapf(err, "parse environment")
	}

	out := make(map[string]string, len(env))
	for key, value := range env {
		out[restoreDollars(key, mark)] = restoreDollars(value, mark)
	}
	return out, nil
}

// dollarMark returns the first private use rune that does not occur in data.
func dollarMark(data []byte) rune {
	mark := rune(0xE000)
	for bytes.ContainsRune(data, mark) {
		mark++
	}
	return mark
}

func restoreDollars(s string, mark rune) string {
	return strings.ReplaceAll(s, string(mark), "$")
}

// Namespace prefixes every key of vars with prefix. Variables are returned in
// key order.
func Namespace(prefix string, vars map[string]string) []Variable {
	out := make([]Variable, 0, len(vars))
	for key, value := range vars {
		if key == "" {
			continue
		}
		out = append(out, Variable{
			Key:        key,
			Namespaced: prefix + "_" + key,
			Value:      value,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Rewrite replaces every literal occurrence of each variable key in content
// with its namespaced key.
//
// The replacement is a single left-to-right pass trying longer keys first, so
// a key that is a prefix of another (MAIL and MAIL_FROM) never rewrites the
// longer one, and replaced text is never rewritten again.
func Rewrite(content []byte, vars []Variable) []byte {
	if len(vars) == 0 {
		return append([]byte(nil), content...)
	}
	ordered := append([]Variable(nil), vars...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if len(ordered[i].Key) != len(ordered[j].Key) {
			return len(ordered[i].Key) > len(ordered[j].Key)
		}
		return ordered[i].Key < ordered[j].Key
	})
	pairs := make([]string, 0, 2*len(ordered))
	for _, v := range ordered {
		if v.Key == "" {
			continue
		}
		pairs = append(pairs, v.Key, v.Namespaced)
	}
	return []byte(strings.NewReplacer(pairs...).Replace(string(content)))
}

// Section is the block of variables one site contributes to the merged
// environment, introduced by a provenance banner.
type Section struct {
	Site      string
	Prefix    string
	Source    string
	Variables []Variable
}

// Environment is the merged, namespaced environment of a fleet. Sections are
// kept in site-discovery order.
type Environment struct {
	Sections []Section
}

// Fold merges the variables of sites into one Environment. Sites whose
// environment file could not be read contribute nothing. Two sites producing
// the same namespaced key is an error.
func Fold(sites []Site) (Environment, error) {
	var env Environment
	owners := make(map[string]string)
	for _, site := range sites {
		if !site.EnvReadable {
			continue
		}
		for _, v := range site.Variables {
			if owner, ok := owners[v.Namespaced]; ok {
				return Environment{}, oops.In("collector").
					With("key", v.Namespaced, "site", site.Name, "owner", owner).
					Wrap(&CollisionError{Key: v.Namespaced, Site: site.Name, Owner: owner})
			}
			owners[v.Namespaced] = site.Name
		}
		env.Sections = append(env.Sections, Section{
			Site:      site.Name,
			Prefix:    site.Prefix,
			Source:    site.EnvPath,
			Variables: site.Variables,
		})
	}
	return env, nil
}

// Lookup returns the value of a namespaced key.
func (e Environment) Lookup(key string) (string, bool) {
	for _, section := range e.Sections {
		for _, v := range section.Variables {
			if v.Namespaced == key {
				return v.Value, true
			}
		}
	}
	return "", false
}

// Len returns the number of variables across all sections.
func (e Environment) Len() int {
	n := 0
	for _, section := range e.Sections {
		n += len(section.Variables)
	}
	return n
}

// Render produces the merged environment file.
func (e Environment) Render() []byte {
	var buf bytes.Buffer
	for i, section := range e.Sections {
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString("# " + bannerRule + " " + section.Prefix + " " + bannerRule + "\n")
		buf.WriteString("# file: " + section.Source + "\n")
		for _, v := range section.Variables {
			buf.WriteString(v.Namespaced + "=" + quote(v.Value) + "\n")
		}
	}
	return buf.Bytes()
}

func quote(value string) string {
	if strings.Contains(value, "$") && !strings.ContainsAny(value, "'\\\n\r") {
		// Single quotes keep dollars literal for dotenv readers that expand.
		return "'" + value + "'"
	}
	if !strings.ContainsAny(value, "\n\r\"'#\\\t") && strings.TrimSpace(value) == value {
		return value
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`)
	return `"` + r.Replace(value) + `"`
}
