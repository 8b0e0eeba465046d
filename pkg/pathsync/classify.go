package pathsync

import (
	"bufio"
	"io"
	"strings"
)

// Markers searched for in rsync output, strongest first.
var (
	exhaustionMarkers = []string{
		"No space left on device (28)",
		"Result too large (34)",
	}
	fatalMarker   = "rsync error:"
	warningMarker = "rsync:"
)

// Classify scans rsync output and returns the strongest outcome it finds:
// exhaustion beats fatal, fatal beats warning, warning beats clean. Lines of
// any length are inspected. A read error is returned together with the
// outcome seen so far.
func Classify(r io.Reader) (Outcome, error) {
	outcome := OutcomeClean

	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			for _, marker := range exhaustionMarkers {
				if strings.Contains(line, marker) {
					return OutcomeExhaustion, nil
				}
			}
			switch {
			case strings.Contains(line, fatalMarker):
				outcome = OutcomeFatal
			case strings.Contains(line, warningMarker) && outcome < OutcomeWarning:
				outcome = OutcomeWarning
			}
		}
		if err == io.EOF {
			return outcome, nil
		}
		if err != nil {
			return outcome, err
		}
	}
}

// exitVanished is rsync's exit code for source files that disappeared mid-transfer.
const exitVanished = 24

// combine merges the log classification with the process exit code (-1 when
// the process did not exit normally). A failed process whose output looks
// clean is still fatal, except for vanished source files.
func combine(logOutcome Outcome, exitCode int) Outcome {
	if logOutcome != OutcomeClean || exitCode == 0 {
		return logOutcome
	}
	if exitCode == exitVanished {
		return OutcomeWarning
	}
	return OutcomeFatal
}
