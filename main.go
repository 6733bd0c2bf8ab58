// ./main.go
package main

import (
	"github.com/formforge/autoapply/cmd"
	"github.com/formforge/autoapply/internal/observability"
)

// main is the entry point for the autoapply CLI application.
func main() {
	// Flush any buffered log output on exit.
	defer observability.Sync()
	cmd.Execute()
}
