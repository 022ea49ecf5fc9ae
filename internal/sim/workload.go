// Package sim runs scripted workloads of sequence operations against an allocator, for
// exploring how the heap behaves under a pattern of appends, concatenations and frees.
package sim

import (
	"bytes"
	"io"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Op names one workload step
type Op string

const (
	// OpAppend appends Values, Text or the elements of the sequences in Sources to Target
	OpAppend Op = "append"
	// OpConcat sets Target to a new sequence concatenating Sources
	OpConcat Op = "concat"
	// OpSetLength changes the length of Target to Length, filling with Fill if it is set
	OpSetLength Op = "set-length"
	// OpMarkUnique and OpMarkAppendable set the flags of the block holding Target
	OpMarkUnique     Op = "mark-unique"
	OpMarkAppendable Op = "mark-appendable"
	// OpAlias sets Target to the elements of Sources[0] from Offset to Offset+Length, without
	// copying
	OpAlias Op = "alias"
	// OpFree frees the block holding Target and forgets every sequence pointing into it
	OpFree Op = "free"
	// OpPrint writes Target, or every sequence if Target is empty
	OpPrint Op = "print"
	// OpStats writes the allocator's statistics
	OpStats Op = "stats"
)

// Step is one operation of a workload
type Step struct {
	Op      Op        `yaml:"op"`
	Target  string    `yaml:"target,omitempty"`
	Sources []string  `yaml:"sources,omitempty"`
	Values  []float64 `yaml:"values,omitempty"`
	Text    string    `yaml:"text,omitempty"`
	Length  int       `yaml:"length,omitempty"`
	Offset  int       `yaml:"offset,omitempty"`
	Fill    *float64  `yaml:"fill,omitempty"`
	// Detailed lists every block and region in a stats step
	Detailed bool `yaml:"detailed,omitempty"`
	// Repeat runs the step this many times. Zero runs it once.
	Repeat int `yaml:"repeat,omitempty"`
}

// SequenceKind is what the elements of a sequence are
type SequenceKind string

const (
	KindNumeric SequenceKind = "numeric"
	KindUTF8    SequenceKind = "utf8"
	KindUTF16   SequenceKind = "utf16"
)

// Workload is a script of steps operating on named sequences
type Workload struct {
	// Element is the numeric type of numeric sequences, such as int32 or float64
	Element string `yaml:"element"`
	// Kinds declares sequences that are not numeric
	Kinds map[string]SequenceKind `yaml:"kinds,omitempty"`
	Steps []Step                  `yaml:"steps"`
}

// ParseWorkload decodes a yaml workload, rejecting unknown fields
func ParseWorkload(r io.Reader) (*Workload, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var workload Workload
	err := decoder.Decode(&workload)
	if err != nil {
		return nil, errors.Wrap(err, "could not parse workload")
	}

	if workload.Element == "" {
		workload.Element = "int32"
	}

	return &workload, workload.Validate()
}

// ParseWorkloadBytes decodes a yaml workload held in memory
func ParseWorkloadBytes(data []byte) (*Workload, error) {
	return ParseWorkload(bytes.NewReader(data))
}

var targetless = map[Op]bool{
	OpPrint: true,
	OpStats: true,
}

// Validate checks every step names an operation and has what that operation needs
func (w *Workload) Validate() error {
	_, err := codecFor(w.Element)
	if err != nil {
		return err
	}

	for name, kind := range w.Kinds {
		if kind != KindNumeric && kind != KindUTF8 && kind != KindUTF16 {
			return errors.Errorf("sequence %q has unknown kind %q", name, kind)
		}
	}

	for i, step := range w.Steps {
		if step.Target == "" && !targetless[step.Op] {
			return errors.Errorf("step %d: %s needs a target", i, step.Op)
		}
		if step.Repeat < 0 {
			return errors.Errorf("step %d: invalid repeat count %d", i, step.Repeat)
		}

		switch step.Op {
		case OpAppend, OpPrint, OpStats, OpMarkUnique, OpMarkAppendable, OpFree:
		case OpConcat:
			if len(step.Sources) == 0 {
				return errors.Errorf("step %d: concat needs sources", i)
			}
		case OpSetLength:
			if step.Length < 0 {
				return errors.Errorf("step %d: invalid length %d", i, step.Length)
			}
		case OpAlias:
			if len(step.Sources) != 1 {
				return errors.Errorf("step %d: alias needs exactly one source", i)
			}
			if step.Offset < 0 || step.Length < 0 {
				return errors.Errorf("step %d: invalid alias range", i)
			}
		default:
			return errors.Errorf("step %d: unknown operation %q", i, step.Op)
		}
	}

	return nil
}
