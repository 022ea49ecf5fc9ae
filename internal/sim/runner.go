package sim

import (
	"context"
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/substrate/alloc"
	"github.com/vkngwrapper/substrate/array"
	"github.com/vkngwrapper/substrate/directory"
	"github.com/vkngwrapper/substrate/internal/utils"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
	"golang.org/x/text/encoding/unicode"
)

type sequence struct {
	slice array.Slice
	kind  SequenceKind
}

// Runner executes workloads against one allocator. Sequences persist from one Run to the next.
type Runner struct {
	logger    *slog.Logger
	allocator *alloc.Allocator
	out       io.Writer

	sequences map[string]sequence
}

func NewRunner(logger *slog.Logger, allocator *alloc.Allocator, out io.Writer) *Runner {
	return &Runner{
		logger:    utils.LoggerOrDiscard(logger),
		allocator: allocator,
		out:       out,
		sequences: make(map[string]sequence),
	}
}

// Sequence returns the handle currently bound to name
func (r *Runner) Sequence(name string) (array.Slice, bool) {
	seq, ok := r.sequences[name]
	return seq.slice, ok
}

// Run executes every step of workload in order, stopping at the first failure or when ctx is
// done. The allocator is validated once the workload completes.
func (r *Runner) Run(ctx context.Context, workload *Workload) error {
	c, err := codecFor(workload.Element)
	if err != nil {
		return err
	}

	for i, step := range workload.Steps {
		repeat := step.Repeat
		if repeat == 0 {
			repeat = 1
		}

		for iteration := 0; iteration < repeat; iteration++ {
			if err := ctx.Err(); err != nil {
				return err
			}

			r.logger.Debug("Runner::Run",
				slog.Int("step", i),
				slog.Int("iteration", iteration),
				slog.String("op", string(step.Op)),
				slog.String("target", step.Target),
			)

			err = r.runStep(c, workload, step)
			if err != nil {
				return errors.Wrapf(err, "step %d (%s %s)", i, step.Op, step.Target)
			}
		}
	}

	return r.allocator.Validate()
}

func (r *Runner) kindOf(workload *Workload, name string) SequenceKind {
	if seq, ok := r.sequences[name]; ok {
		return seq.kind
	}
	if kind, ok := workload.Kinds[name]; ok {
		return kind
	}
	return KindNumeric
}

func typeInfo(c codec, kind SequenceKind) array.TypeInfo {
	switch kind {
	case KindUTF8:
		return array.UTF8
	case KindUTF16:
		return array.UTF16
	default:
		return c.typeInfo()
	}
}

func (r *Runner) sources(names []string, kind SequenceKind) ([]array.Slice, error) {
	handles := make([]array.Slice, 0, len(names))
	for _, name := range names {
		seq, ok := r.sequences[name]
		if !ok {
			return nil, errors.Errorf("unknown sequence %q", name)
		}
		if seq.kind != kind {
			return nil, errors.Errorf("sequence %q holds %s, not %s", name, seq.kind, kind)
		}
		handles = append(handles, seq.slice)
	}
	return handles, nil
}

func (r *Runner) runStep(c codec, workload *Workload, step Step) error {
	kind := r.kindOf(workload, step.Target)
	ti := typeInfo(c, kind)
	seq := r.sequences[step.Target].slice

	var err error
	switch step.Op {
	case OpAppend:
		seq, err = r.append(c, kind, ti, seq, step)
	case OpConcat:
		var sources []array.Slice
		sources, err = r.sources(step.Sources, kind)
		if err != nil {
			return err
		}
		seq, err = array.ConcatN(r.allocator, ti, sources...)
	case OpSetLength:
		var fill []byte
		if step.Fill != nil {
			fill = encodeFill(c, kind, *step.Fill)
		}
		seq, err = array.SetLengthInit(r.allocator, ti, seq, step.Length, fill)
	case OpAlias:
		source, ok := r.sequences[step.Sources[0]]
		if !ok {
			return errors.Errorf("unknown sequence %q", step.Sources[0])
		}
		if step.Offset+step.Length > source.slice.Len {
			return errors.Errorf("elements %d to %d are outside of %q, which has %d", step.Offset, step.Offset+step.Length, step.Sources[0], source.slice.Len)
		}
		kind = source.kind
		ti = typeInfo(c, kind)
		seq = array.Slice{
			Ptr: source.slice.Ptr + directory.Address(step.Offset*ti.Size),
			Len: step.Length,
		}
	case OpMarkUnique:
		err = array.MarkUnique(r.allocator, seq)
	case OpMarkAppendable:
		err = array.MarkAppendable(r.allocator, ti, seq)
	case OpFree:
		return r.free(step.Target)
	case OpPrint:
		return r.print(c, step.Target)
	case OpStats:
		_, err = fmt.Fprintln(r.out, r.allocator.BuildStatsString(step.Detailed))
		return err
	}
	if err != nil {
		return err
	}

	r.sequences[step.Target] = sequence{slice: seq, kind: kind}
	return nil
}

func (r *Runner) append(c codec, kind SequenceKind, ti array.TypeInfo, seq array.Slice, step Step) (array.Slice, error) {
	var err error

	if len(step.Values) > 0 {
		if kind != KindNumeric {
			return seq, errors.Errorf("cannot append numbers to %s text", kind)
		}
		seq, err = c.appendValues(r.allocator, seq, step.Values)
		if err != nil {
			return seq, err
		}
	}

	if step.Text != "" {
		appendRune := array.AppendRune
		switch kind {
		case KindUTF16:
			appendRune = array.AppendRuneUTF16
		case KindNumeric:
			return seq, errors.New("cannot append text to a numeric sequence")
		}

		for _, char := range step.Text {
			seq, err = appendRune(r.allocator, seq, char)
			if err != nil {
				return seq, err
			}
		}
	}

	sources, err := r.sources(step.Sources, kind)
	if err != nil {
		return seq, err
	}
	for _, source := range sources {
		seq, err = array.AppendSlice(r.allocator, ti, seq, source)
		if err != nil {
			return seq, err
		}
	}

	return seq, nil
}

func encodeFill(c codec, kind SequenceKind, value float64) []byte {
	switch kind {
	case KindUTF8:
		return numericCodec[uint8]{}.encode(value)
	case KindUTF16:
		return numericCodec[uint16]{}.encode(value)
	default:
		return c.encode(value)
	}
}

// free releases the block holding the named sequence. Every sequence into the block goes with it.
func (r *Runner) free(name string) error {
	seq, ok := r.sequences[name]
	if !ok {
		return errors.Errorf("unknown sequence %q", name)
	}

	// An empty sequence owns nothing, whatever block its address falls in
	if seq.slice.Len == 0 {
		delete(r.sequences, name)
		return nil
	}

	block, ok := r.allocator.Query(seq.slice.Ptr)
	if !ok {
		return errors.Wrapf(r.allocator.Free(seq.slice.Ptr), "sequence %q", name)
	}

	for other, otherSeq := range r.sequences {
		if block.Contains(otherSeq.slice.Ptr) {
			delete(r.sequences, other)
		}
	}
	delete(r.sequences, name)

	return r.allocator.Free(block.Address)
}

func (r *Runner) format(c codec, seq sequence) (string, error) {
	switch seq.kind {
	case KindUTF8:
		data, err := array.Bytes(r.allocator, array.UTF8, seq.slice)
		return fmt.Sprintf("%q", data), err
	case KindUTF16:
		data, err := array.Bytes(r.allocator, array.UTF16, seq.slice)
		if err != nil {
			return "", err
		}
		decoded, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder().Bytes(data)
		return fmt.Sprintf("%q", decoded), err
	default:
		values, err := c.values(r.allocator, seq.slice)
		return fmt.Sprint(values), err
	}
}

func (r *Runner) print(c codec, name string) error {
	names := []string{name}
	if name == "" {
		names = maps.Keys(r.sequences)
		slices.Sort(names)
	}

	for _, name := range names {
		seq, ok := r.sequences[name]
		if !ok {
			return errors.Errorf("unknown sequence %q", name)
		}

		formatted, err := r.format(c, seq)
		if err != nil {
			return err
		}

		state := "unallocated"
		if block, ok := r.allocator.Query(seq.slice.Ptr); ok && seq.slice.Len > 0 {
			state = block.Flags.String()
			if r.allocator.IsLingering(block.Address) {
				state += ", lingering"
			}
		}

		_, err = fmt.Fprintf(r.out, "%s = %s (ptr %s, len %d, %s)\n", name, formatted, seq.slice.Ptr, seq.slice.Len, state)
		if err != nil {
			return err
		}
	}
	return nil
}
