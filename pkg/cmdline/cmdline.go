// Package cmdline provides shell command canonicalization for rule
// matching and audit display.
//
// It parses command lines using mvdan.cc/sh/v3/syntax (the shfmt parser)
// so that insignificant whitespace never defeats an exact or prefix rule,
// while quoting and operators are preserved exactly. Input that does not
// parse as shell is matched verbatim after trimming.
package cmdline

import (
	"bytes"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Normalize returns the canonical single-line form of a shell command:
// words separated by single spaces, redirects and operators printed the
// way shfmt would. Multi-statement input keeps its separators. On parse
// error the trimmed input is returned unchanged.
func Normalize(input string) string {
	input = strings.TrimSpace(input)
	if input == "" {
		return ""
	}

	parser := syntax.NewParser(syntax.Variant(syntax.LangBash))
	prog, err := parser.Parse(strings.NewReader(input), "")
	if err != nil {
		return input
	}

	printer := syntax.NewPrinter(syntax.SpaceRedirects(false))
	var buf bytes.Buffer
	for i, stmt := range prog.Stmts {
		if i > 0 {
			buf.WriteString("; ")
		}
		var one bytes.Buffer
		if err := printer.Print(&one, stmt); err != nil {
			return input
		}
		line := strings.TrimRight(one.String(), "\n")
		// Statements that still span lines (heredocs etc.) are left as-is.
		if strings.Contains(line, "\n") {
			return input
		}
		buf.WriteString(line)
	}
	out := strings.TrimSpace(buf.String())
	if out == "" {
		return input
	}
	return out
}

// Program returns the first command word of the first statement, e.g.
// "systemctl" for "systemctl restart foo && true". Empty when the input
// has no call or does not parse.
func Program(input string) string {
	input = strings.TrimSpace(input)
	if input == "" {
		return ""
	}

	parser := syntax.NewParser(syntax.Variant(syntax.LangBash))
	prog, err := parser.Parse(strings.NewReader(input), "")
	if err != nil || len(prog.Stmts) == 0 {
		return ""
	}

	var name string
	syntax.Walk(prog.Stmts[0], func(node syntax.Node) bool {
		if name != "" {
			return false
		}
		call, ok := node.(*syntax.CallExpr)
		if !ok || len(call.Args) == 0 {
			return true
		}
		var buf bytes.Buffer
		if err := syntax.NewPrinter().Print(&buf, call.Args[0]); err != nil {
			return false
		}
		name = strings.TrimRight(buf.String(), "\n")
		return false
	})
	return name
}
