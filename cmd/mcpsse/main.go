// Command mcpsse serves the demo capabilities over SSE and provides a client to call them.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
