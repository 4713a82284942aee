package upstream

import (
	"bytes"
	"errors"
	"io"

	log "github.com/zrelay/zrelay/internal/logging"
)

// ErrStreamDone is returned by Next when the upstream sends its explicit
// terminal marker. It is distinct from io.EOF, which means the transport
// closed without one.
var ErrStreamDone = errors.New("upstream: stream done marker")

const (
	// DefaultMaxRecordSize bounds one buffered record: 1 MiB.
	DefaultMaxRecordSize = 1024 * 1024

	readChunkSize = 32 * 1024
)

var (
	dataTag    = []byte("data:")
	doneMarker = []byte("[DONE]")
)

// Scanner splits an upstream byte stream into decoded events. It owns a carry
// buffer, so records fragmented at arbitrary byte boundaries (including
// mid-rune) reassemble correctly: splitting only ever happens on newline.
//
// A record growing past maxRecord is discarded and reading resumes with the
// next fragment, keeping memory bounded on a misbehaving upstream.
type Scanner struct {
	r         io.Reader
	carry     []byte
	chunk     []byte
	maxRecord int
	eof       bool
	dropping  bool
	dropped   int
}

// NewScanner wraps r. maxRecord <= 0 selects DefaultMaxRecordSize.
func NewScanner(r io.Reader, maxRecord int) *Scanner {
	if maxRecord <= 0 {
		maxRecord = DefaultMaxRecordSize
	}
	return &Scanner{
		r:         r,
		chunk:     make([]byte, readChunkSize),
		maxRecord: maxRecord,
	}
}

// Next returns the next decoded event. It skips blank records, records
// without the data prefix, and undecodable payloads. Terminal conditions are
// ErrStreamDone (explicit marker) and io.EOF (transport closed); any other
// error came from the underlying reader.
func (s *Scanner) Next() (*Event, error) {
	for {
		line, err := s.nextLine()
		if err != nil {
			return nil, err
		}

		payload, ok := recordPayload(line)
		if !ok {
			continue
		}
		if bytes.Equal(payload, doneMarker) {
			return nil, ErrStreamDone
		}

		ev, decErr := DecodeEvent(payload)
		if decErr != nil {
			log.Debugf("upstream scanner: skipping undecodable record (%d bytes): %v", len(payload), decErr)
			continue
		}
		return ev, nil
	}
}

// recordPayload strips the data prefix and surrounding whitespace. Records
// not carrying the prefix are not event records.
func recordPayload(line []byte) ([]byte, bool) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, false
	}
	if !bytes.HasPrefix(trimmed, dataTag) {
		return nil, false
	}
	payload := bytes.TrimSpace(trimmed[len(dataTag):])
	if len(payload) == 0 {
		return nil, false
	}
	return payload, true
}

// nextLine accumulates reads until a newline is available. Oversized
// accumulations are dropped wholesale; the next complete record after the
// drop is also discarded since its head is gone.
func (s *Scanner) nextLine() ([]byte, error) {
	for {
		if i := bytes.IndexByte(s.carry, '\n'); i >= 0 {
			line := s.carry[:i]
			s.carry = s.carry[i+1:]
			if s.dropping || len(line) > s.maxRecord {
				// Tail of an oversized record; resume with the next one.
				s.dropping = false
				continue
			}
			return line, nil
		}

		if s.eof {
			if len(s.carry) > 0 && !s.dropping {
				line := s.carry
				s.carry = nil
				return line, nil
			}
			return nil, io.EOF
		}

		n, err := s.r.Read(s.chunk)
		if n > 0 {
			s.carry = append(s.carry, s.chunk[:n]...)
			// A single record (no newline yet) past the bound: discard it and
			// skip the rest of it as it streams in. Fully buffered records
			// behind a newline are drained normally and bounds-checked above.
			if len(s.carry) > s.maxRecord && bytes.IndexByte(s.carry, '\n') < 0 {
				s.dropped++
				log.Warnf("upstream scanner: record exceeded %d bytes, discarding (drop #%d)",
					s.maxRecord, s.dropped)
				s.carry = s.carry[:0]
				s.dropping = true
			}
		}
		if err == io.EOF {
			s.eof = true
			continue
		}
		if err != nil {
			return nil, err
		}
	}
}
