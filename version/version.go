// Package version extracts build and dependency information embedded by the
// Go toolchain, surfaced by the version subcommand and the MCP serverInfo
// response.
package version

import (
	"runtime/debug"
	"sort"
)

const modulePath = "github.com/archon-kb/archon"

// DependencyInfo represents a module dependency and its version.
type DependencyInfo struct {
	Path    string `json:"path"`
	Version string `json:"version"`
	Replace string `json:"replace,omitempty"`
}

// BuildInfo contains build-time information.
type BuildInfo struct {
	GoVersion    string           `json:"go_version"`
	MainModule   string           `json:"main_module"`
	MainVersion  string           `json:"main_version"`
	Dependencies []DependencyInfo `json:"dependencies"`
}

// GetBuildInfo extracts module information embedded at build time.
func GetBuildInfo() *BuildInfo {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return &BuildInfo{
			GoVersion:    "unknown",
			MainModule:   modulePath,
			MainVersion:  "unknown",
			Dependencies: []DependencyInfo{},
		}
	}

	out := &BuildInfo{
		GoVersion:    info.GoVersion,
		MainModule:   info.Path,
		MainVersion:  info.Main.Version,
		Dependencies: make([]DependencyInfo, 0, len(info.Deps)),
	}
	for _, dep := range info.Deps {
		d := DependencyInfo{Path: dep.Path, Version: dep.Version}
		if dep.Replace != nil {
			d.Replace = dep.Replace.Path + "@" + dep.Replace.Version
		}
		out.Dependencies = append(out.Dependencies, d)
	}
	sort.Slice(out.Dependencies, func(i, j int) bool {
		return out.Dependencies[i].Path < out.Dependencies[j].Path
	})
	return out
}

// String returns the short version of the running binary. Development builds
// report "dev".
func String() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return "dev"
	}
	return info.Main.Version
}
