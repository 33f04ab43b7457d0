package verify

import (
	"os"
	"path/filepath"
)

// StageCommands holds the project-wide commands for each verification
// stage. Empty strings disable a stage.
type StageCommands struct {
	Lint      string
	Typecheck string
	Build     string
	Test      string
}

// DetectStack resolves project-wide verification commands by convention
// file, in a fixed priority order: a universal override file first, then
// per-ecosystem manifests. The first match wins.
func DetectStack(root string) StageCommands {
	exists := func(name string) bool {
		_, err := os.Stat(filepath.Join(root, name))
		return err == nil
	}

	switch {
	// Universal overrides take precedence over ecosystem detection.
	case exists("Justfile") || exists("justfile"):
		return StageCommands{
			Lint:  "just lint",
			Build: "just build",
			Test:  "just test",
		}
	case exists("Makefile"):
		return StageCommands{
			Lint:  "make lint",
			Build: "make build",
			Test:  "make test",
		}
	case exists("package.json"):
		return StageCommands{
			Lint:      "npm run lint --if-present",
			Typecheck: "npm run typecheck --if-present",
			Build:     "npm run build --if-present",
			Test:      "npm test --if-present",
		}
	case exists("go.mod"):
		return StageCommands{
			Lint:  "go vet ./...",
			Build: "go build ./...",
			Test:  "go test ./...",
		}
	case exists("Cargo.toml"):
		return StageCommands{
			Lint:  "cargo clippy --quiet",
			Build: "cargo build --quiet",
			Test:  "cargo test --quiet",
		}
	case exists("pyproject.toml"):
		return StageCommands{
			Lint: "ruff check .",
			Test: "pytest -q",
		}
	}
	return StageCommands{}
}
