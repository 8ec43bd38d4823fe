// Command gensyscalls walks internal/syscall's own source with go/ast,
// pulls out the Mach trap / BSD syscall / MDEP number constants, and
// emits a generated Go file mapping each number back to its name for
// diagnostic logging — grounded on the teacher's features.go, which
// also parsed Go source with go/ast to produce a generated report
// rather than hand-maintaining one.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/tools/imports"
)

// entry is one discovered `trapFoo = N` or `sysBar = N` constant.
type entry struct {
	Name   string
	Number int64
}

// scanConsts collects every untyped-integer constant declaration in src
// whose name starts with one of the recognized prefixes.
func scanConsts(src string) ([]entry, error) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, src, nil, parser.ParseComments)
	if err != nil {
		return nil, err
	}

	prefixes := []string{"trap", "sys", "mdep"}
	var entries []entry

	ast.Inspect(f, func(n ast.Node) bool {
		decl, ok := n.(*ast.GenDecl)
		if !ok || decl.Tok != token.CONST {
			return true
		}
		for _, spec := range decl.Specs {
			vs, ok := spec.(*ast.ValueSpec)
			if !ok || len(vs.Values) != len(vs.Names) {
				continue
			}
			for i, name := range vs.Names {
				if !hasAnyPrefix(name.Name, prefixes) {
					continue
				}
				lit, ok := vs.Values[i].(*ast.BasicLit)
				if !ok || lit.Kind != token.INT {
					continue
				}
				n, err := strconv.ParseInt(lit.Value, 0, 64)
				if err != nil {
					continue
				}
				entries = append(entries, entry{Name: name.Name, Number: n})
			}
		}
		return true
	})

	sort.Slice(entries, func(i, j int) bool { return entries[i].Number < entries[j].Number })
	return entries, nil
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) && len(s) > len(p) && s[len(p)] >= 'A' && s[len(p)] <= 'Z' {
			return true
		}
	}
	return false
}

// render produces the generated Go source naming every entry, with a
// title-cased doc comment per entry.
func render(pkg string, entries []entry) []byte {
	titler := cases.Title(language.English)

	var b bytes.Buffer
	fmt.Fprintf(&b, "// Code generated by gensyscalls. DO NOT EDIT.\n\n")
	fmt.Fprintf(&b, "package %s\n\n", pkg)
	fmt.Fprintf(&b, "// names maps a decoded trap/syscall number back to its symbol, for\n")
	fmt.Fprintf(&b, "// diagnostic logging of unrecognized or traced calls.\n")
	fmt.Fprintf(&b, "var names = map[int64]string{\n")
	for _, e := range entries {
		words := splitCamel(e.Name)
		doc := titler.String(strings.Join(words, " "))
		fmt.Fprintf(&b, "\t%d: %q, // %s\n", e.Number, e.Name, doc)
	}
	fmt.Fprintf(&b, "}\n")
	return b.Bytes()
}

func splitCamel(s string) []string {
	var words []string
	var cur strings.Builder
	for i, r := range s {
		if i > 0 && r >= 'A' && r <= 'Z' {
			words = append(words, cur.String())
			cur.Reset()
		}
		cur.WriteRune(r)
	}
	if cur.Len() > 0 {
		words = append(words, cur.String())
	}
	return words
}

func main() {
	in := flag.String("in", "internal/syscall/syscall.go", "source file to scan for trap/syscall constants")
	out := flag.String("out", "internal/syscall/names_generated.go", "output path")
	flag.Parse()

	src, err := os.ReadFile(*in)
	if err != nil {
		fmt.Fprintln(os.Stderr, "gensyscalls:", err)
		os.Exit(1)
	}

	entries, err := scanConsts(string(src))
	if err != nil {
		fmt.Fprintln(os.Stderr, "gensyscalls:", err)
		os.Exit(1)
	}

	generated := render("syscall", entries)
	formatted, err := imports.Process(*out, generated, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "gensyscalls: formatting:", err)
		os.Exit(1)
	}

	if err := os.WriteFile(*out, formatted, 0o644); err != nil {
		fmt.Fprintln(os.Stderr, "gensyscalls:", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "gensyscalls: wrote %d entries to %s\n", len(entries), *out)
}
