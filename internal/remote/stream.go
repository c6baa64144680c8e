package remote

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
)

// UpdateType is the discriminant of a job update stream event.
type UpdateType string

const (
	UpdateTypeUpdate   UpdateType = "update"
	UpdateTypeError    UpdateType = "error"
	UpdateTypeNotFound UpdateType = "notfound"
	UpdateTypeTimeout  UpdateType = "timeout"
	UpdateTypePing     UpdateType = "ping"
)

// Update is one decoded server-push event.
type Update struct {
	Type UpdateType `json:"type"`

	// Set on "update" events
	Completed       bool            `json:"completed,omitempty"`
	Running         bool            `json:"running,omitempty"`
	NewResultStream string          `json:"new_result_stream,omitempty"`
	StreamOffset    *int            `json:"stream_offset,omitempty"`
	OnlyResult      json.RawMessage `json:"only_result,omitempty"`

	// Set on "error" events
	Error string `json:"error,omitempty"`
}

// UpdateStream reads Server-Sent Events from a job update endpoint.
// It is not safe for concurrent Next calls.
type UpdateStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	closeOnce sync.Once
}

func newUpdateStream(body io.ReadCloser) *UpdateStream {
	scanner := bufio.NewScanner(body)
	// Result chunks can be large.
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &UpdateStream{body: body, scanner: scanner}
}

// NewUpdateStream wraps an arbitrary SSE body. Mostly useful in tests.
func NewUpdateStream(body io.ReadCloser) *UpdateStream {
	return newUpdateStream(body)
}

// Next blocks until the next event is available.
// It returns io.EOF when the server closes the stream.
func (s *UpdateStream) Next() (*Update, error) {
	var data []string
	for s.scanner.Scan() {
		line := s.scanner.Text()

		// Blank line terminates an event
		if line == "" {
			if len(data) == 0 {
				continue
			}
			return decodeUpdate(strings.Join(data, "\n"))
		}

		// Comment / keep-alive
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		if field == "data" {
			data = append(data, value)
		}
		// event:, id:, retry: are not used by the platform
	}

	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read update stream: %w", err)
	}
	if len(data) > 0 {
		return decodeUpdate(strings.Join(data, "\n"))
	}
	return nil, io.EOF
}

// Close releases the underlying connection. Safe to call more than once.
func (s *UpdateStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
	})
	return err
}

func decodeUpdate(payload string) (*Update, error) {
	var u Update
	if err := json.Unmarshal([]byte(payload), &u); err != nil {
		return nil, fmt.Errorf("failed to decode update %q: %w", payload, err)
	}
	u.Type = UpdateType(strings.ToLower(string(u.Type)))
	return &u, nil
}
