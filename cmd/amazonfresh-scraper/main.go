package main

import (
	"context"
	"os"

	"grocery-ingest/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background(), cli.NewScraperCommand("amazonfresh")))
}
