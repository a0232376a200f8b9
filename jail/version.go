package jail

import (
	_ "embed"
	"fmt"
	"runtime/debug"
	"strings"
)

//go:embed VERSION
var version string

var rendered string

func init() {
	rendered = render()
}

// Version returns a version string for jail and its dependencies
func Version() string {
	return rendered
}

func render() string {
	version = strings.TrimSpace(version)
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return version
	}
	revision := ""
	modified := false
	for _, setting := range bi.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			if setting.Value == "true" {
				modified = true
			}
		}
	}
	if modified {
		revision = revision + "*"
	}
	sb := strings.Builder{}
	sb.WriteString(fmt.Sprintf("%s (%s)\n", version, revision))
	sb.WriteString("go: " + bi.GoVersion)
	for _, dep := range bi.Deps {
		sb.WriteString(fmt.Sprintf("\n%s: %s", dep.Path, dep.Version))
	}
	return sb.String()
}
