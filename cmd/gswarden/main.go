package main

import (
	"github.com/hostforge/gswarden/internal/cli"
	"github.com/hostforge/gswarden/internal/metrics"
)

func main() {
	metrics.EmitBuildInfo()
	cli.Execute()
}
