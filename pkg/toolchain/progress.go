package toolchain

import (
	"regexp"
	"strconv"
)

var stepRe = regexp.MustCompile(`(\[\D*(\d+)\D*\/\D*(\d+)\D*\])`)

// ProgressPercent derives a completion percentage from the step markers the
// build system prints ("[123/1500] ..."). The early configure and OS phases
// carry small fixed weights so the bar does not jump around between phases.
func ProgressPercent(log []byte) int {
	matches := stepRe.FindAllSubmatch(log, -1)
	if len(matches) == 0 {
		return 0
	}
	last := matches[len(matches)-1]
	completed, err := strconv.Atoi(string(last[2]))
	if err != nil {
		return 0
	}
	total, err := strconv.Atoi(string(last[3]))
	if err != nil || total == 0 {
		return 0
	}

	if total < 20 {
		return 1
	}
	if total < 200 {
		return completed*4/total + 1
	}
	return completed*95/total + 5
}
