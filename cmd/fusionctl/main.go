// Command fusionctl builds the sensor-fusion networks from a settings file
// and runs diagnostics on synthetic observations.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
