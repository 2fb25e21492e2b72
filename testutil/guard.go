// Package testutil holds test helpers that keep package boundaries honest.
package testutil

import (
	"go/parser"
	"go/token"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

// ImportRule reports whether an import path is off limits.
type ImportRule func(path string) bool

// InternalPackage matches any path under an internal/ tree.
func InternalPackage(path string) bool {
	return strings.Contains(path, "/internal/") || strings.HasSuffix(path, "/internal")
}

// BackendClient matches the search engine and storage SDKs. Shared types
// must stay usable without them.
func BackendClient(path string) bool {
	for _, prefix := range []string{
		"github.com/olivere/elastic",
		"github.com/aws/aws-sdk-go-v2",
		"github.com/jackc/pgx",
		"modernc.org/sqlite",
	} {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Any combines rules.
func Any(rules ...ImportRule) ImportRule {
	return func(path string) bool {
		for _, r := range rules {
			if r(path) {
				return true
			}
		}
		return false
	}
}

// AssertNoDirectImports parses the non-test Go files of dir and fails when one
// of them imports a path matched by rule.
func AssertNoDirectImports(t testing.TB, dir string, rule ImportRule, reason string) {
	t.Helper()
	viols, err := directImports(dir, rule)
	if err != nil {
		t.Fatalf("scan %s: %v", dir, err)
	}
	if len(viols) > 0 {
		t.Fatalf("forbidden imports (%s):\n%s", reason, strings.Join(viols, "\n"))
	}
}

// AssertNoTransitiveDependency lists the dependency closure of pattern with
// `go list -deps` and fails when any package matches rule.
func AssertNoTransitiveDependency(t testing.TB, pattern string, rule ImportRule, reason string) {
	t.Helper()
	out, err := listDeps(pattern)
	if err != nil {
		t.Fatalf("go list -deps %s: %v\n%s", pattern, err, out)
	}
	var viols []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" && rule(line) {
			viols = append(viols, line)
		}
	}
	if len(viols) > 0 {
		t.Fatalf("forbidden dependencies (%s):\n%s", reason, strings.Join(viols, "\n"))
	}
}

var listDeps = func(pattern string) ([]byte, error) {
	return exec.Command("go", "list", "-deps", pattern).CombinedOutput()
}

func directImports(dir string, rule ImportRule) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	fset := token.NewFileSet()
	var viols []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		f, err := parser.ParseFile(fset, filepath.Join(dir, name), nil, parser.ImportsOnly)
		if err != nil {
			return nil, err
		}
		for _, imp := range f.Imports {
			if p := strings.Trim(imp.Path.Value, `"`); rule(p) {
				viols = append(viols, p+" ("+name+")")
			}
		}
	}
	sort.Strings(viols)
	return viols, nil
}
