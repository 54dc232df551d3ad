// Command couchctl is a command-line client for a document-oriented,
// HTTP/JSON database: fetch documents, page views, run Mango queries, tail
// the change feed, and manage replication jobs.
package main

import (
	"fmt"
	"os"

	"couch.evalgo.org/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
