// Package pump drains a child's merged output stream, forwarding it unchanged
// to a live sink while feeding prompt detection and the readiness clock.
package pump

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/botpilot/botpilot/internal/prompt"
)

// ReadSize is the largest chunk read from the child at once.
const ReadSize = 4096

// Pump is the only writer of child output to the sink.
type Pump struct {
	source   io.Reader
	sink     io.Writer
	detector *prompt.Detector
	activity *Activity
	capture  *Capture
	logger   *log.Logger
}

// Option configures a Pump.
type Option func(*Pump)

func WithCapture(capture *Capture) Option {
	return func(p *Pump) {
		if capture != nil {
			p.capture = capture
		}
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(p *Pump) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New returns a pump reading source. A nil sink discards output and a nil
// detector disables prompt detection.
func New(source io.Reader, sink io.Writer, detector *prompt.Detector, activity *Activity, options ...Option) *Pump {
	if sink == nil {
		sink = io.Discard
	}
	if activity == nil {
		activity = NewActivity(nil)
	}
	p := &Pump{
		source:   source,
		sink:     sink,
		detector: detector,
		activity: activity,
		capture:  NewCapture(DefaultCaptureBytes),
		logger:   log.New(io.Discard),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(p)
	}
	return p
}

// Activity returns the readiness state updated by Run.
func (p *Pump) Activity() *Activity { return p.activity }

// Capture returns the retained output tail.
func (p *Pump) Capture() *Capture { return p.capture }

// Run reads until end of stream. Closing the source from another goroutine
// ends Run without error. A failing sink is dropped so the child never blocks
// on a full pipe; its error is returned once the stream ends.
func (p *Pump) Run(ctx context.Context) error {
	if p == nil || p.source == nil {
		return errors.New("pump source is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	dec := newDecoder()
	buf := make([]byte, ReadSize)
	var sinkErr error

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := p.source.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if sinkErr == nil {
				if _, err := p.sink.Write(chunk); err != nil {
					sinkErr = fmt.Errorf("write child output: %w", err)
					p.logger.Warn("output sink failed; continuing to drain child", "err", err)
				}
			}
			_, _ = p.capture.Write(chunk)
			p.observe(dec.decode(chunk, false))
		}
		if readErr != nil {
			p.observe(dec.decode(nil, true))
			if endOfStream(readErr) {
				return sinkErr
			}
			return fmt.Errorf("read child output: %w", readErr)
		}
	}
}

func (p *Pump) observe(text string) {
	if text == "" {
		return
	}
	matched := p.detector != nil && p.detector.Feed(text)
	if matched {
		p.logger.Debug("prompt detected", "match", p.detector.LastMatch())
	}
	p.activity.recordOutput(matched)
}

// endOfStream covers EOF, a source closed by its owner, and the EIO a PTY
// master returns once the child side has gone.
func endOfStream(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, syscall.EIO)
}

// decoder turns arbitrary bytes into text, replacing invalid sequences with
// U+FFFD and holding an incomplete trailing sequence until the next read.
type decoder struct {
	t     transform.Transformer
	carry []byte
	dst   []byte
}

func newDecoder() *decoder {
	return &decoder{
		t:   unicode.UTF8.NewDecoder(),
		dst: make([]byte, 2*ReadSize),
	}
}

func (d *decoder) decode(p []byte, atEOF bool) string {
	src := make([]byte, 0, len(d.carry)+len(p))
	src = append(append(src, d.carry...), p...)
	d.carry = d.carry[:0]

	var out strings.Builder
	for len(src) > 0 {
		nDst, nSrc, err := d.t.Transform(d.dst, src, atEOF)
		out.Write(d.dst[:nDst])
		src = src[nSrc:]
		if errors.Is(err, transform.ErrShortDst) && (nDst > 0 || nSrc > 0) {
			continue
		}
		if errors.Is(err, transform.ErrShortSrc) {
			d.carry = append(d.carry, src...)
		}
		break
	}
	return out.String()
}
