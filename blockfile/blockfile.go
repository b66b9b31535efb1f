// Package blockfile reads and writes the engine's framed block files.
//
// Every file starts with a one-byte framing flag:
//
//	'0'  open journal: "[" followed by comma-terminated JSON records
//	'1'  finalized: a complete JSON array
//	'2'  finalized: DEFLATE-compressed bytes of the finalized JSON array
//
// The reader normalizes all three forms into the plain JSON array body.
// Journals are append-only; finalized files are written to a temp path and
// renamed into place.
package blockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/jemdb/jemdb/util"
)

// Framing flags. The flag is the first byte of every block file.
const (
	FlagJournal         = '0'
	FlagFinal           = '1'
	FlagFinalCompressed = '2'
)

var (
	// ErrBadFrame is returned for an unknown framing flag or an empty file.
	ErrBadFrame = errors.New("bad block file frame")
	// ErrTornJournal is returned when a journal tail is incomplete and
	// corruption-tolerant reading was not requested.
	ErrTornJournal = errors.New("torn journal tail")
)

// Read loads a block file and returns its normalized JSON array body.
//
// For journals a trailing comma is rewritten to a closing bracket. When
// allowCorrupted is set, a torn tail is truncated back to the last complete
// record instead of failing.
func Read(path string, allowCorrupted bool) ([]byte, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // engine-owned path
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrBadFrame, path)
	}

	body := raw[1:]
	switch raw[0] {
	case FlagFinal:
		return body, nil
	case FlagFinalCompressed:
		out, err := util.Inflate(body)
		if err != nil {
			return nil, fmt.Errorf("failed to inflate %s: %w", path, err)
		}
		return out, nil
	case FlagJournal:
		return closeJournal(path, body, allowCorrupted)
	default:
		return nil, fmt.Errorf("%w: %s starts with %q", ErrBadFrame, path, raw[0])
	}
}

// closeJournal turns an open journal body "[rec,rec," into a valid array.
func closeJournal(path string, body []byte, allowCorrupted bool) ([]byte, error) {
	if len(body) == 0 || body[0] != '[' {
		if !allowCorrupted {
			return nil, fmt.Errorf("%w: %s has no open bracket", ErrBadFrame, path)
		}
		return []byte("[]"), nil
	}
	if len(body) == 1 {
		return []byte("[]"), nil
	}

	if body[len(body)-1] == ',' {
		closed := append(append([]byte{}, body[:len(body)-1]...), ']')
		if json.Valid(closed) {
			return closed, nil
		}
		if !allowCorrupted {
			return nil, fmt.Errorf("%w: %s", ErrTornJournal, path)
		}
	} else if !allowCorrupted {
		return nil, fmt.Errorf("%w: %s", ErrTornJournal, path)
	}

	// Walk commas backwards until the prefix parses; the journal is then
	// truncated to its last complete record.
	for i := len(body) - 1; i > 0; i-- {
		if body[i] != ',' {
			continue
		}
		closed := append(append([]byte{}, body[:i]...), ']')
		if json.Valid(closed) {
			return closed, nil
		}
	}

	return []byte("[]"), nil
}

// WriteFinal writes a finalized block file via temp + rename. A compression
// level of 1..9 produces flag '2', level 0 produces flag '1'. It returns the
// on-disk byte length of the new file.
func WriteFinal(path string, body []byte, compression int) (int64, error) {
	return WriteFinalVia(path+".tmp", path, body, compression)
}

// WriteFinalVia is WriteFinal with an explicit temp path, for callers whose
// format names the intermediate file (summary dumps use "<name>.2").
func WriteFinalVia(tmp, path string, body []byte, compression int) (int64, error) {
	flag := byte(FlagFinal)
	out := body
	if compression > 0 {
		packed, err := util.Deflate(body, compression)
		if err != nil {
			return 0, err
		}
		flag = FlagFinalCompressed
		out = packed
	}

	framed := make([]byte, 0, len(out)+1)
	framed = append(framed, flag)
	framed = append(framed, out...)
	if err := os.WriteFile(tmp, framed, 0o600); err != nil {
		return 0, fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, fmt.Errorf("failed to finalize %s: %w", path, err)
	}

	return int64(len(framed)), nil
}

// Appender appends records to an open journal file, creating it with the
// "0[" header on first touch.
type Appender struct {
	f    *os.File
	path string
}

// OpenAppender opens (or creates) the journal at path for appending.
func OpenAppender(path string) (*Appender, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // engine-owned path
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to stat journal %s: %w", path, err)
	}
	if st.Size() == 0 {
		if _, err := f.Write([]byte{FlagJournal, '['}); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to write journal header: %w", err)
		}
	}

	return &Appender{f: f, path: path}, nil
}

// Append writes one JSON record followed by the record separator.
func (a *Appender) Append(record []byte) error {
	buf := make([]byte, 0, len(record)+1)
	buf = append(buf, record...)
	buf = append(buf, ',')
	if _, err := a.f.Write(buf); err != nil {
		return fmt.Errorf("failed to append to %s: %w", a.path, err)
	}
	return nil
}

// Size returns the current journal size in bytes.
func (a *Appender) Size() (int64, error) {
	st, err := a.f.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// Sync flushes the journal to stable storage.
func (a *Appender) Sync() error { return a.f.Sync() }

// Close closes the underlying file. The appender is unusable afterwards.
func (a *Appender) Close() error { return a.f.Close() }

// Path returns the journal path.
func (a *Appender) Path() string { return a.path }
