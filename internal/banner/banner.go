// Package banner prints the startup banner.
package banner

import (
	"fmt"
	"io"
	"os"
	"strings"
)

const logo = `
==============================================================
           _ _ _         _     _
  ___ __ _| | | |__  _ _(_)__| |__ _ ___
 / _/ _` + "`" + ` | | | '_ \| '_| / _` + "`" + ` / _` + "`" + ` / -_)
 \__\__,_|_|_|_.__/|_| |_\__,_\__, \___|
                              |___/
--------------------------------------------------------------`

const footer = `==============================================================`

// ConfigLine is one label/value row of the banner.
type ConfigLine struct {
	Label string
	Value string
}

// Print writes the banner to stdout.
func Print(serviceName string, config []ConfigLine) {
	Fprint(os.Stdout, serviceName, config)
}

// Fprint writes the banner with aligned configuration rows to w.
func Fprint(w io.Writer, serviceName string, config []ConfigLine) {
	fmt.Fprintln(w, logo)
	fmt.Fprintln(w, serviceName)

	width := 0
	for _, c := range config {
		width = max(width, len(c.Label))
	}
	for _, c := range config {
		fmt.Fprintf(w, "  %s%s : %s\n", c.Label, strings.Repeat(" ", width-len(c.Label)), c.Value)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Ready.")
	fmt.Fprintln(w, footer)
	fmt.Fprintln(w)
}
