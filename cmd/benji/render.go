// cmd/benji/render.go
//
// The human-readable table vs. `-m` machine-readable JSON output split
// spec.md §6 describes ("A -m flag switches output to machine-readable
// JSON on stdout"). original_source/src/benji/formatrenderer.py drives
// structured-log coloring, not command output, so this has no direct
// original to translate; grounded instead on the teacher's own plain
// fmt.Fprintf table dumps in _examples/mmp-bk/cmd/rdso/main.go, just factored into a
// two-mode renderer since this repository needs the JSON form too.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
)

func renderJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderTable(headers []string, rows [][]string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(headers, "\t"))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
}

// emit renders v as JSON in machine mode, otherwise calls human to print
// the table form. Every command constructs both forms so the -m switch
// never needs a second round trip against the store.
func (a *App) emit(v interface{}, human func()) error {
	if a.Machine {
		return renderJSON(v)
	}
	human()
	return nil
}
