// Command trailbot runs the position lifecycle engine and its maintenance
// commands.
package main

import (
	"os"

	"github.com/alanyoungcy/trailbot/cmd/trailbot/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
