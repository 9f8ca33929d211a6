// grocery-sweep runs any supported retailer, grocery-sweep retailers lists
// them.
package main

import (
	"context"
	"os"

	"grocery-ingest/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background(), cli.NewSweepCommand()))
}
