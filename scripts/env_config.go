package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"text/tabwriter"

	"github.com/nodegst/playerd/service"

	"github.com/kelseyhightower/envconfig"
)

const usageFormat = "### Config Environment Overrides\n\n```\nKEY	TYPE\n{{range .}}{{usage_key .}}	{{usage_type .}}\n{{end}}PORT	Integer\n```\n"

// Writes the list of environment variables overriding config settings to the
// file given as argument, or to stdout when it's "-".
func main() {
	if len(os.Args) < 2 {
		log.Fatalf("unexpected number of arguments, need 1")
	}

	var out io.Writer = os.Stdout
	if os.Args[1] != "-" {
		outFile, err := os.OpenFile(os.Args[1], os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			log.Fatalf("failed to write file: %s", err.Error())
		}
		defer outFile.Close()
		out = outFile
	}

	tabs := tabwriter.NewWriter(out, 1, 0, 4, ' ', 0)
	if err := envconfig.Usagef("playerd", &service.Config{}, tabs, usageFormat); err != nil {
		log.Fatalf("failed to generate usage: %s", err.Error())
	}
	if err := tabs.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to flush output: %s\n", err.Error())
	}
}
