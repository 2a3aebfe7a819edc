// Package classify maps captured job output to a failure class.
package classify

import (
	"regexp"
	"strings"
)

// Class is a failure classification tag.
type Class string

const (
	DimensionMismatch Class = "dimension_mismatch"
	P2PConnection     Class = "p2p_connection"
	MemoryExhausted   Class = "memory_exhausted"
	Generic           Class = "generic"
	Unknown           Class = "unknown"
)

// Classes lists every class in priority order, Unknown last.
var Classes = []Class{DimensionMismatch, P2PConnection, MemoryExhausted, Generic, Unknown}

// Signature recognizes one failure class.
type Signature struct {
	Class Class
	Match func(text string) bool
}

func containsAny(subs ...string) func(string) bool {
	return func(text string) bool {
		for _, s := range subs {
			if strings.Contains(text, s) {
				return true
			}
		}
		return false
	}
}

var (
	dimMismatchRe = regexp.MustCompile(`expected sequence of length \d+ at dim \d+`)
	oomRe         = regexp.MustCompile(`(?i)out of memory|\bOOM\b|MemoryError`)
	genericRe     = regexp.MustCompile(`(?i:\berror\b|exception|traceback)|\w+Error\b`)
)

// DefaultSignatures is evaluated top to bottom; the first match wins.
var DefaultSignatures = []Signature{
	{Class: DimensionMismatch, Match: dimMismatchRe.MatchString},
	{Class: P2PConnection, Match: containsAny("P2PDaemonError", "Daemon failed to start")},
	{Class: MemoryExhausted, Match: oomRe.MatchString},
	{Class: Generic, Match: genericRe.MatchString},
}

// Classifier applies an ordered signature list.
type Classifier struct {
	Signatures []Signature
}

// New returns a Classifier using DefaultSignatures.
func New() Classifier { return Classifier{Signatures: DefaultSignatures} }

// Classify returns the class of the first matching signature, or Unknown.
func (c Classifier) Classify(text string) Class {
	sigs := c.Signatures
	if sigs == nil {
		sigs = DefaultSignatures
	}
	for _, s := range sigs {
		if s.Match(text) {
			return s.Class
		}
	}
	return Unknown
}

// Classify classifies text with the default signatures.
func Classify(text string) Class { return New().Classify(text) }
