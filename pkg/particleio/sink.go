package particleio

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"strconv"
	"strings"

	sdkerrors "cosmossdk.io/errors"

	"github.com/oxygene76/coulombtree/internal/types"
	"github.com/oxygene76/coulombtree/pkg/physics/charge"
	"github.com/oxygene76/coulombtree/pkg/physics/vecmath"
)

// Output formats understood by NewSink.
const (
	FormatXYZ   = "xyz"
	FormatCSV   = "csv"
	FormatJSONL = "jsonl"
)

// ResultSink receives one force per particle, in input order.
type ResultSink interface {
	OnStart(total int) error
	OnResult(p charge.Particle, force vecmath.Vector3) error
	OnEnd() error
	Close() error
}

// NewSink creates a sink of the given format writing to w. Closing the sink
// closes w when it is an io.Closer other than os.Stdout.
func NewSink(format string, w io.Writer) (ResultSink, error) {
	switch strings.ToLower(format) {
	case FormatXYZ, "":
		return NewXYZWriter(w, "Ni"), nil
	case FormatCSV:
		return NewCSVWriter(w), nil
	case FormatJSONL:
		return NewJSONLWriter(w), nil
	default:
		return nil, sdkerrors.Wrapf(ErrUnknownFormat, "%q", format)
	}
}

// ValidateFormat reports whether NewSink accepts format.
func ValidateFormat(format string) error {
	switch strings.ToLower(format) {
	case FormatXYZ, FormatCSV, FormatJSONL, "":
		return nil
	default:
		return sdkerrors.Wrapf(ErrUnknownFormat, "%q", format)
	}
}

// CreateSink creates path and opens a sink of the given format on it. A
// path of "-" writes to standard output.
func CreateSink(format, path string) (ResultSink, error) {
	var w io.Writer = os.Stdout
	if path != "-" && path != "" {
		f, err := os.Create(path)
		if err != nil {
			return nil, err
		}
		w = f
	}
	sink, err := NewSink(format, w)
	if err != nil {
		closeWriter(w)
		return nil, err
	}
	return sink, nil
}

// WriteAll streams particles and their forces through sink and closes it.
func WriteAll(sink ResultSink, particles []charge.Particle, forces []vecmath.Vector3) (err error) {
	defer func() {
		if cerr := sink.Close(); err == nil {
			err = cerr
		}
	}()

	if err := sink.OnStart(len(particles)); err != nil {
		return err
	}
	for i, p := range particles {
		if err := sink.OnResult(p, forces[i]); err != nil {
			return err
		}
	}
	return sink.OnEnd()
}

func closeWriter(w io.Writer) error {
	if w == io.Writer(os.Stdout) {
		return nil
	}
	if c, ok := w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// XYZWriter writes the extended .xyz format: a count line, a comment line
// and then "x y z |F|" per particle, readable by common molecule viewers.
type XYZWriter struct {
	w       io.Writer
	bw      *bufio.Writer
	species string
}

func NewXYZWriter(w io.Writer, species string) *XYZWriter {
	return &XYZWriter{w: w, bw: bufio.NewWriter(w), species: species}
}

func (x *XYZWriter) OnStart(total int) error {
	_, err := x.bw.WriteString(strconv.Itoa(total) + "\n" + x.species + "\n")
	return err
}

func (x *XYZWriter) OnResult(p charge.Particle, force vecmath.Vector3) error {
	_, err := x.bw.WriteString(formatFloats(p.Position.X, p.Position.Y, p.Position.Z, force.Magnitude()) + "\n")
	return err
}

func (x *XYZWriter) OnEnd() error { return x.bw.Flush() }

func (x *XYZWriter) Close() error {
	if x.bw != nil {
		_ = x.bw.Flush()
	}
	return closeWriter(x.w)
}

// CSVWriter writes "x,y,z,F" rows.
type CSVWriter struct {
	w  io.Writer
	cw *csv.Writer
}

func NewCSVWriter(w io.Writer) *CSVWriter {
	return &CSVWriter{w: w, cw: csv.NewWriter(w)}
}

func (c *CSVWriter) OnStart(total int) error {
	return c.cw.Write([]string{"x", "y", "z", "F"})
}

func (c *CSVWriter) OnResult(p charge.Particle, force vecmath.Vector3) error {
	return c.cw.Write(strings.Fields(formatFloats(p.Position.X, p.Position.Y, p.Position.Z, force.Magnitude())))
}

func (c *CSVWriter) OnEnd() error {
	c.cw.Flush()
	return c.cw.Error()
}

func (c *CSVWriter) Close() error {
	c.cw.Flush()
	return closeWriter(c.w)
}

// JSONLWriter writes one types.ForceRecord per line.
type JSONLWriter struct {
	w  io.Writer
	bw *bufio.Writer
}

func NewJSONLWriter(w io.Writer) *JSONLWriter {
	return &JSONLWriter{w: w, bw: bufio.NewWriter(w)}
}

func (j *JSONLWriter) OnStart(total int) error { return nil }

func (j *JSONLWriter) OnResult(p charge.Particle, force vecmath.Vector3) error {
	b, err := json.Marshal(types.NewForceRecord(p, force))
	if err != nil {
		return err
	}
	if _, err := j.bw.Write(b); err != nil {
		return err
	}
	return j.bw.WriteByte('\n')
}

func (j *JSONLWriter) OnEnd() error { return j.bw.Flush() }

func (j *JSONLWriter) Close() error {
	if j.bw != nil {
		_ = j.bw.Flush()
	}
	return closeWriter(j.w)
}
