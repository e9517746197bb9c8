// Command mask de-identifies PHI fields in a document collection per one
// run's worth of configuration: see internal/cli for the flag surface and
// exit-code contract.
package main

import (
	"os"

	"phimask.dev/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
