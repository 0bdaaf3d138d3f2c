package tailer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/SteelMorgan/logwatch/internal/domain"
	"github.com/SteelMorgan/logwatch/internal/offset"
	"github.com/SteelMorgan/logwatch/internal/rules"
	"github.com/SteelMorgan/logwatch/internal/sink"
)

const (
	readBufferSize = 64 * 1024
	// DefaultMaxLineBytes caps a single line; longer lines are truncated
	DefaultMaxLineBytes = 1024 * 1024
)

// Tailer reads newly appended lines of a single source and filters them.
// A Tailer is owned by one polling task; Consume is never run concurrently
// for the same source.
type Tailer struct {
	source  domain.Source
	rules   *rules.Set
	offsets *offset.Table
	sink    sink.Sink
	enc     encoding.Encoding
	maxLine int

	mu         sync.Mutex
	file       *os.File
	openedInfo os.FileInfo
	reader     *bufio.Reader
	closed     bool
}

// Option configures a Tailer
type Option func(*Tailer)

// WithEncoding sets the text encoding of the source file (UTF-8 by default)
func WithEncoding(enc encoding.Encoding) Option {
	return func(t *Tailer) {
		if enc != nil {
			t.enc = enc
		}
	}
}

// WithMaxLineBytes overrides DefaultMaxLineBytes
func WithMaxLineBytes(n int) Option {
	return func(t *Tailer) {
		if n > 0 {
			t.maxLine = n
		}
	}
}

// New compiles the source's rules and creates a Tailer.
// The file itself is opened lazily by the first Consume.
func New(src domain.Source, offsets *offset.Table, s sink.Sink, opts ...Option) (*Tailer, error) {
	set, err := rules.Compile(src.Rules)
	if err != nil {
		return nil, fmt.Errorf("source %q: %w", src.Symbol, err)
	}

	t := &Tailer{
		source:  src,
		rules:   set,
		offsets: offsets,
		sink:    s,
		enc:     unicode.UTF8,
		maxLine: DefaultMaxLineBytes,
		reader:  bufio.NewReaderSize(nil, readBufferSize),
	}
	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

// LookupEncoding resolves an encoding by its WHATWG or IANA name.
// An empty name means UTF-8.
func LookupEncoding(name string) (encoding.Encoding, error) {
	if name == "" {
		return unicode.UTF8, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidEncoding, name)
	}
	return enc, nil
}

// Symbol returns the symbol of the tailed source
func (t *Tailer) Symbol() string {
	return t.source.Symbol
}

// Source returns the tailed source
func (t *Tailer) Source() domain.Source {
	return t.source
}

// OpenedFile returns the file info captured when the file was opened,
// or nil if Consume never opened it
func (t *Tailer) OpenedFile() os.FileInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.openedInfo
}

// Consume reads every line appended since the stored offset, reports the
// matching ones to the sink and advances the offset to the end of the file.
// On error the offset is left unchanged so the next call retries.
func (t *Tailer) Consume(ctx context.Context) ([]domain.MatchedLine, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, domain.ErrClosed
	}

	if t.file == nil {
		if err := t.openFile(); err != nil {
			return nil, err
		}
	}

	stat, err := t.file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", t.source.Path, err)
	}
	size := stat.Size()

	start := t.offsets.Get(t.source.Symbol)
	if start > size {
		// File shrank since the last poll: truncated or replaced
		log.Info().
			Str("symbol", t.source.Symbol).
			Str("path", t.source.Path).
			Int64("offset", start).
			Int64("file_size", size).
			Msg("File shrank, reading from the beginning")
		start = 0
	}

	if _, err := t.file.Seek(start, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek %s to %d: %w", t.source.Path, start, err)
	}
	t.reader.Reset(transform.NewReader(t.file, t.enc.NewDecoder()))

	var matches []domain.MatchedLine
	lines := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		line, err := t.readLine()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", t.source.Path, err)
		}
		lines++

		if rule, ok := t.rules.Match(line); ok {
			matches = append(matches, domain.MatchedLine{
				Symbol:  t.source.Symbol,
				Line:    line,
				Pattern: rule.Text,
			})
		}
	}

	pos, err := t.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("failed to get current position of %s: %w", t.source.Path, err)
	}
	t.offsets.Set(ctx, t.source.Symbol, pos)

	log.Debug().
		Str("symbol", t.source.Symbol).
		Int64("from", start).
		Int64("to", pos).
		Int("lines", lines).
		Int("matched", len(matches)).
		Msg("Consumed new lines")

	for _, m := range matches {
		t.sink.OnLineMatched(m.Line, m.Pattern)
	}

	return matches, nil
}

// readLine returns the next decoded line without its terminator.
// A final line without a newline is returned as a complete line.
func (t *Tailer) readLine() (string, error) {
	var buf []byte
	truncated := false

	for {
		chunk, isPrefix, err := t.reader.ReadLine()
		if err != nil {
			if err == io.EOF && buf != nil {
				break
			}
			return "", err
		}

		if room := t.maxLine - len(buf); room > 0 {
			if len(chunk) > room {
				chunk = chunk[:room]
				truncated = true
			}
			buf = append(buf, chunk...)
		} else if len(chunk) > 0 {
			truncated = true
		}

		if !isPrefix {
			break
		}
		if buf == nil {
			buf = []byte{}
		}
	}

	if truncated {
		log.Warn().
			Str("symbol", t.source.Symbol).
			Int("max_line_bytes", t.maxLine).
			Msg("Line exceeds limit, truncated")
	}

	return string(buf), nil
}

// openFile opens the source file and remembers its identity
func (t *Tailer) openFile() error {
	file, err := os.Open(t.source.Path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat opened file: %w", err)
	}

	t.file = file
	t.openedInfo = info

	log.Debug().
		Str("symbol", t.source.Symbol).
		Str("file", t.source.Path).
		Msg("Opened log file")

	return nil
}

// Close releases the file handle and the decoding buffer.
// It is safe to call more than once.
func (t *Tailer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	t.reader = nil

	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	if err != nil {
		return fmt.Errorf("failed to close %s: %w", t.source.Path, err)
	}
	return nil
}
