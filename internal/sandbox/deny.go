package sandbox

import (
	"strings"
)

// denyList contains substrings that must not appear in a command line.
// Used to block destructive commands before execution.
var denyList = []string{
	"rm -rf /",
	"chmod 777",
	"curl | sh",
	"wget | sh",
	"curl | bash",
	"wget | bash",
	"| sh",
	"| bash",
	"eval $(",
	"> /dev/sd",
	"mkfs.",
	"shutdown",
	"reboot",
	":(){ :|:& };:", // fork bomb
}

// denyBinaries are argv[0] values that must never run inside a session.
var denyBinaries = []string{
	"sudo",
	"su",
	"mount",
	"umount",
	"dd",
}

// BlockedCommand returns true if argv must not be executed. Matching is
// case-insensitive. Call this before executing any agent command.
func BlockedCommand(argv []string) bool {
	if len(argv) == 0 {
		return true
	}
	bin := strings.ToLower(strings.TrimSpace(argv[0]))
	for _, d := range denyBinaries {
		if bin == d {
			return true
		}
	}
	line := strings.ToLower(strings.Join(argv, " "))
	for _, deny := range denyList {
		if strings.Contains(line, strings.ToLower(deny)) {
			return true
		}
	}
	return false
}
