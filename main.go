// Command archon runs the Archon core: knowledge ingestion and hybrid
// search, project and task management, and the MCP endpoint for coding
// assistants. See the cli package for the command tree and exit codes.
package main

import (
	"os"

	"github.com/archon-kb/archon/cli"
)

func main() {
	os.Exit(cli.Execute())
}
