package pm2

import (
	"regexp"
	"strconv"
)

var restartRegex = regexp.MustCompile(`Process (\d+) restarted because it exceeds --max-memory-restart`)

// ExtractRestartID returns the pm_id named in a max-memory-restart log line.
func ExtractRestartID(chunk string) (int64, bool) {
	match := restartRegex.FindStringSubmatch(chunk)
	if match == nil {
		return 0, false
	}

	id, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
