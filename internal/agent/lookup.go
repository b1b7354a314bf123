package agent

import (
	"os"
	"path/filepath"
)

// RalphCommand resolves the ralph agent binary for a project root. The lookup
// is deterministic:
//
//  1. a bundled script at <root>/bin/ralph.mjs or <root>/bin/ralph.js,
//     executed through an explicit node interpreter so shebang and PATH
//     ambiguity never decide which runtime runs it;
//  2. a dependency-local binary at <root>/node_modules/.bin/ralph;
//  3. the bare name "ralph" resolved through the shell.
//
// The returned command and leading args are prepended to the agent
// sub-command (e.g. "prd", "plan", "build").
func RalphCommand(root string) (command string, args []string) {
	for _, name := range []string{"ralph.mjs", "ralph.js"} {
		bundled := filepath.Join(root, "bin", name)
		if fileExists(bundled) {
			return "node", []string{bundled}
		}
	}

	local := filepath.Join(root, "node_modules", ".bin", "ralph")
	if fileExists(local) {
		return local, nil
	}

	return "ralph", nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
