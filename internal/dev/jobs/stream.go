package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/windmill-labs/windmill-sub006/internal/remote"
)

// EventKind discriminates stream events.
type EventKind int

const (
	// EventPartial carries a new chunk of the result stream.
	EventPartial EventKind = iota
	// EventSuccess carries the final result.
	EventSuccess
	// EventFailure carries the reason the job or the stream failed.
	EventFailure
)

// String returns a human-readable representation of the kind.
func (k EventKind) String() string {
	switch k {
	case EventPartial:
		return "partial"
	case EventSuccess:
		return "success"
	case EventFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Event is one step of a streamed job.
type Event struct {
	Kind EventKind

	// Chunk and Offset are set on partial events. Offset is the byte
	// position of Chunk in the concatenated result stream; the upstream
	// stream_offset counts chunks, not bytes, and is not relayed.
	Chunk  string
	Offset int

	// Result is set on success
	Result json.RawMessage

	// Err is set on failure
	Err error
}

// Terminal reports whether no event follows this one.
func (e Event) Terminal() bool {
	return e.Kind != EventPartial
}

// Stream follows the job's update stream and calls emit for every event,
// in upstream order and from the calling goroutine. Exactly one terminal
// event is emitted; the stream is closed before Stream returns.
func (o *Orchestrator) Stream(ctx context.Context, jobID string, emit func(Event)) {
	if err := ValidateJobID(jobID); err != nil {
		emit(Event{Kind: EventFailure, Err: err})
		return
	}

	stream, err := o.api.StreamUpdates(ctx, jobID)
	if err != nil {
		emit(Event{Kind: EventFailure, Err: fmt.Errorf("failed to open update stream: %w", err)})
		return
	}
	defer stream.Close()

	emit(o.relay(ctx, jobID, stream, emit))
}

// relay emits partial events and returns the terminal one.
func (o *Orchestrator) relay(ctx context.Context, jobID string, stream *remote.UpdateStream, emit func(Event)) Event {
	offset := 0
	for {
		update, err := stream.Next()
		if err != nil {
			if ctx.Err() != nil {
				return Event{Kind: EventFailure, Err: ctx.Err()}
			}
			if errors.Is(err, io.EOF) {
				return Event{Kind: EventFailure, Err: ErrStreamClosed}
			}
			return Event{Kind: EventFailure, Err: fmt.Errorf("update stream failed: %w", err)}
		}

		switch update.Type {
		case remote.UpdateTypePing:
			continue
		case remote.UpdateTypeError:
			msg := update.Error
			if msg == "" {
				msg = "unknown stream error"
			}
			return Event{Kind: EventFailure, Err: errors.New(msg)}
		case remote.UpdateTypeNotFound:
			return Event{Kind: EventFailure, Err: fmt.Errorf("%w: %s", ErrJobNotFound, jobID)}
		case remote.UpdateTypeTimeout:
			return Event{Kind: EventFailure, Err: ErrStreamTimeout}
		case remote.UpdateTypeUpdate:
			if update.NewResultStream != "" {
				emit(Event{Kind: EventPartial, Chunk: update.NewResultStream, Offset: offset})
				offset += len(update.NewResultStream)
			}
			if update.Completed {
				return o.finalResult(ctx, jobID)
			}
		default:
			o.logger.Debug().Str("job", jobID).Str("type", string(update.Type)).Msg("Ignoring unknown update")
		}
	}
}

// finalResult fetches the outcome of a job the stream reported as completed.
func (o *Orchestrator) finalResult(ctx context.Context, jobID string) Event {
	res, err := o.api.GetResultMaybe(ctx, jobID)
	if err != nil {
		return Event{Kind: EventFailure, Err: fmt.Errorf("failed to fetch result: %w", err)}
	}
	if !res.Completed {
		// The stream can run ahead of the completed-job record.
		result, err := o.WaitForJob(ctx, jobID)
		if err != nil {
			return Event{Kind: EventFailure, Err: err}
		}
		return Event{Kind: EventSuccess, Result: result}
	}
	if !res.Success {
		if je := jobErrorFrom(jobID, res.Result); je != nil {
			return Event{Kind: EventFailure, Err: je}
		}
		return Event{Kind: EventFailure, Err: &JobError{JobID: jobID, Payload: res.Result}}
	}
	return Event{Kind: EventSuccess, Result: res.Result}
}
