package client

import (
	"bufio"
	"io"
	"strings"
)

// Frame is one server-sent event
type Frame struct {
	Event string
	Data  string
}

// sseScanner reads server-sent events. Comment lines and unknown fields are
// ignored; multiple data lines are joined with newlines.
type sseScanner struct {
	reader  *bufio.Reader
	current Frame
	err     error
}

func newSSEScanner(r io.Reader) *sseScanner {
	return &sseScanner{reader: bufio.NewReaderSize(r, 64*1024)}
}

// Next advances to the next frame. It returns false at EOF or on error.
func (s *sseScanner) Next() bool {
	s.current = Frame{}

	var data []string
	var event string
	hasData := false

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && line == "" {
			if err == io.EOF && hasData {
				s.current = Frame{Event: event, Data: strings.Join(data, "\n")}
				s.err = io.EOF
				return true
			}
			s.err = err
			return false
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if hasData {
				s.current = Frame{Event: event, Data: strings.Join(data, "\n")}
				return true
			}
			event = ""
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, ok := strings.Cut(line, ":")
		if !ok {
			field, value = line, ""
		} else {
			value = strings.TrimPrefix(value, " ")
		}

		switch field {
		case "data":
			data = append(data, value)
			hasData = true
		case "event":
			event = value
		}
	}
}

// Frame returns the frame parsed by the last successful Next
func (s *sseScanner) Frame() Frame {
	return s.current
}

// Err returns the scan error, or nil on a clean EOF
func (s *sseScanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
