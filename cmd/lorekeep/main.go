// Command lorekeep processes tabletop session recordings into transcripts,
// narratives and a searchable campaign knowledge base, and serves the
// result over HTTP, chat and MCP.
package main

import (
	"os"

	"github.com/lorekeep/lorekeep/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
