package owctester

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const cycleLinePrefix = "No of cycles:"

// LastCycleCount returns the resume count from the append-only cycle log:
// the last line matching "No of cycles: <n>". Malformed lines are skipped.
// A missing or unreadable file resumes at 1.
func LastCycleCount(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 1
	}
	defer f.Close()

	last := 1
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, cycleLinePrefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, cycleLinePrefix)))
		if err != nil {
			continue
		}
		last = n
	}
	return last
}

// appendCycleCount appends one completed-cycle line to the log.
func appendCycleCount(path string, count int) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "failed to open cycle log %s", path)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%s %d\n", cycleLinePrefix, count); err != nil {
		return errors.Wrap(err, "failed to append cycle count")
	}
	return nil
}
