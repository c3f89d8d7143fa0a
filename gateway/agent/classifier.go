package agent

import "strings"

// startupFailureMarkers are phrases the agent is known to emit when a
// session fails to come up. The agent's diagnostic output is not a stable
// contract: classification is a heuristic and may miss new phrasings, which
// the startup grace period then catches via early process exit.
var startupFailureMarkers = []string{
	"err_ngrok",
	"failed to start tunnel",
	"failed to reconnect session",
	"authentication failed",
	"address already in use",
	"account is limited",
	"invalid traffic policy",
}

// classifyStartupLine reports whether a single line of the agent's
// diagnostic output indicates startup failure.
func classifyStartupLine(line string) bool {
	lower := strings.ToLower(line)
	for _, marker := range startupFailureMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
