package version

import (
	"fmt"
	"log"
	"strings"

	"github.com/LibreQoE/bufferbloat-test/theme"
)

var (
	Name        = "bufferbloat-test"
	Authors     = "LibreQoE and contributors"
	Description = "Bufferbloat measurement server"
	Version     = "v0.0.1"
	Commit      = "none"
	Date        = "nowish"
	User        = "local"
)

const (
	GithubHomeText  = "github.com/LibreQoE/bufferbloat-test"
	GithubHomeUri   = "https://github.com/LibreQoE/bufferbloat-test"
	GithubLatestUri = "https://github.com/LibreQoE/bufferbloat-test/releases/latest"
)

func PrintVersionInfo(extendedInfo bool, vlog *log.Logger) {
	githubUri := theme.Hyperlink(GithubHomeUri, GithubHomeText)
	latestUri := theme.Hyperlink(GithubLatestUri, Version)

	var b strings.Builder

	b.WriteString(theme.ColourSplash(`
╔──────────────────────────────────────────────────╗
│  ▄▄▄▄  ▄   ▄ ▄▄▄▄▄ ▄▄▄▄▄ ▄▄▄▄▄ ▄▄▄▄             │
│  ▓   ▓ ▓   ▓ ▓     ▓     ▓     ▓   ▓             │
│  ▓▓▓▓  ▓   ▓ ▓▓▓▓  ▓▓▓▓  ▓▓▓▓  ▓▓▓▓   bloat     │
│  ▓   ▓ ▓   ▓ ▓     ▓     ▓     ▓  ▓    test     │
│  ▀▀▀▀   ▀▀▀  ▀     ▀     ▀▀▀▀▀ ▀   ▀            │
╚──────────────────────────────────────────────────╝`))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("  %s %s\n", theme.ColourVersion(Version), theme.StyleUrl(githubUri)))

	if extendedInfo {
		b.WriteString(fmt.Sprintf("  commit: %s\n", Commit))
		b.WriteString(fmt.Sprintf("  built:  %s by %s\n", Date, User))
		b.WriteString(fmt.Sprintf("  latest: %s\n", latestUri))
	}

	vlog.Println(b.String())
}
