package particleio

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	sdkerrors "cosmossdk.io/errors"

	"github.com/oxygene76/coulombtree/pkg/physics/charge"
)

// Codespace is the error codespace for particle I/O errors.
const Codespace = "particleio"

var (
	// ErrMalformedLine is returned for an input line that is not "x y z [q]".
	ErrMalformedLine = sdkerrors.Register(Codespace, 2, "malformed particle line")
	// ErrUnknownFormat is returned for an unsupported output format.
	ErrUnknownFormat = sdkerrors.Register(Codespace, 3, "unknown output format")
)

// ReadParticles parses one particle per line: three coordinates and an
// optional charge, separated by whitespace or commas. Particles without a
// charge column get defaultCharge. Blank lines and lines starting with '#'
// are skipped.
func ReadParticles(r io.Reader, defaultCharge float64) ([]charge.Particle, error) {
	var particles []charge.Particle

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		p, err := parseParticle(text, defaultCharge)
		if err != nil {
			return nil, sdkerrors.Wrapf(err, "line %d", line)
		}
		particles = append(particles, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return particles, nil
}

// ReadFile reads particles from path.
func ReadFile(path string, defaultCharge float64) ([]charge.Particle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	particles, err := ReadParticles(f, defaultCharge)
	if err != nil {
		return nil, sdkerrors.Wrap(err, path)
	}
	return particles, nil
}

func parseParticle(text string, defaultCharge float64) (charge.Particle, error) {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	if len(fields) != 3 && len(fields) != 4 {
		return charge.Particle{}, sdkerrors.Wrapf(ErrMalformedLine, "expected 3 or 4 columns, got %d", len(fields))
	}

	values := make([]float64, len(fields))
	for i, field := range fields {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return charge.Particle{}, sdkerrors.Wrapf(ErrMalformedLine, "column %d: %q", i+1, field)
		}
		values[i] = v
	}

	q := defaultCharge
	if len(values) == 4 {
		q = values[3]
	}
	return charge.New(values[0], values[1], values[2], q), nil
}

// WriteParticles writes particles in the format ReadParticles accepts.
func WriteParticles(w io.Writer, particles []charge.Particle) error {
	bw := bufio.NewWriter(w)
	for _, p := range particles {
		if _, err := bw.WriteString(formatFloats(p.Position.X, p.Position.Y, p.Position.Z, p.Charge)); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func formatFloats(vs ...float64) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, " ")
}
