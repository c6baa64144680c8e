package bridge

import (
	"encoding/json"
	"errors"

	"github.com/windmill-labs/windmill-sub006/internal/dev/jobs"
	"github.com/windmill-labs/windmill-sub006/internal/dev/migrate"
)

// MessageType names a message on the socket.
type MessageType string

// Client to server.
const (
	TypeBackend           MessageType = "backend"
	TypeBackendAsync      MessageType = "backendAsync"
	TypeWaitJob           MessageType = "waitJob"
	TypeGetJob            MessageType = "getJob"
	TypeStreamJob         MessageType = "streamJob"
	TypeApplySQLMigration MessageType = "applySqlMigration"
	TypeSkipSQLMigration  MessageType = "skipSqlMigration"
)

// Server to client.
const (
	TypeBackendRes         MessageType = "backendRes"
	TypeBackendAsyncRes    MessageType = "backendAsyncRes"
	TypeStreamJobRes       MessageType = "streamJobRes"
	TypeStreamJobUpdate    MessageType = "streamJobUpdate"
	TypeSQLMigration       MessageType = "sqlMigration"
	TypeSQLMigrationResult MessageType = "sqlMigrationResult"
	TypeError              MessageType = "error"
)

// InboundTypes lists every request type a client may send.
var InboundTypes = []MessageType{
	TypeBackend,
	TypeBackendAsync,
	TypeWaitJob,
	TypeGetJob,
	TypeStreamJob,
	TypeApplySQLMigration,
	TypeSkipSQLMigration,
}

// Request is an inbound message. ReqID is echoed back verbatim, so clients
// may use strings or numbers.
type Request struct {
	Type       MessageType     `json:"type"`
	ReqID      json.RawMessage `json:"reqId,omitempty"`
	RunnableID string          `json:"runnable_id,omitempty"`
	V          json.RawMessage `json:"v,omitempty"`
	JobID      string          `json:"jobId,omitempty"`
	SQL        string          `json:"sql,omitempty"`
	Datatable  string          `json:"datatable,omitempty"`
	FileName   string          `json:"fileName,omitempty"`
}

// Message is an outbound message. Broadcasts carry no ReqID.
type Message struct {
	Type    MessageType     `json:"type"`
	ReqID   json.RawMessage `json:"reqId,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   bool            `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`

	// streamJobUpdate
	ResultStream *string `json:"result_stream,omitempty"`
	StreamOffset *int    `json:"stream_offset,omitempty"`

	// sqlMigration and sqlMigrationResult
	FileName  string `json:"fileName,omitempty"`
	SQL       string `json:"sql,omitempty"`
	Datatable string `json:"datatable,omitempty"`
	Success   *bool  `json:"success,omitempty"`
	Skipped   bool   `json:"skipped,omitempty"`
}

// reply builds a response correlated with req.
func reply(typ MessageType, req *Request, result json.RawMessage) Message {
	if result == nil {
		result = json.RawMessage("null")
	}
	return Message{Type: typ, ReqID: req.ReqID, Result: result}
}

// replyError builds a failed response correlated with req.
func replyError(typ MessageType, req *Request, err error) Message {
	return Message{Type: typ, ReqID: req.ReqID, Result: errorPayload(err), Error: true}
}

// errorPayload renders err for the client. Job failures keep the payload
// reported by the platform untouched.
func errorPayload(err error) json.RawMessage {
	var jobErr *jobs.JobError
	if errors.As(err, &jobErr) && len(jobErr.Payload) > 0 {
		return jobErr.Payload
	}
	data, _ := json.Marshal(map[string]string{"message": err.Error()})
	return data
}

func jsonString(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}

func presentationMessage(p migrate.Presentation) Message {
	return Message{
		Type:      TypeSQLMigration,
		FileName:  p.FileName,
		SQL:       p.SQL,
		Datatable: p.Datatable,
	}
}

func resultMessage(r migrate.Result) Message {
	success := r.Success
	return Message{
		Type:     TypeSQLMigrationResult,
		FileName: r.FileName,
		Success:  &success,
		Skipped:  r.Skipped,
		Message:  r.Message,
	}
}
