package detector

import "strings"

// PatternDetector reports a job alive when any process command line matches one of Patterns.
type PatternDetector struct {
	Registry ProcessRegistry
	Patterns []string
}

func (d PatternDetector) Alive() (bool, error) {
	ps, err := d.Registry.FindMatching(d.Patterns)
	if err != nil {
		return false, err
	}
	return len(ps) > 0, nil
}

func (d PatternDetector) Describe() string { return "pattern:" + strings.Join(d.Patterns, "|") }
