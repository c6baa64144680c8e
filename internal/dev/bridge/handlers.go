package bridge

import (
	"fmt"

	"github.com/windmill-labs/windmill-sub006/internal/dev/jobs"
)

type handlerFunc func(s *Server, c *client, req *Request)

var handlers = map[MessageType]handlerFunc{
	TypeBackend:           (*Server).handleBackend,
	TypeBackendAsync:      (*Server).handleBackendAsync,
	TypeWaitJob:           (*Server).handleWaitJob,
	TypeGetJob:            (*Server).handleGetJob,
	TypeStreamJob:         (*Server).handleStreamJob,
	TypeApplySQLMigration: (*Server).handleApplySQLMigration,
	TypeSkipSQLMigration:  (*Server).handleSkipSQLMigration,
}

func init() {
	for _, typ := range InboundTypes {
		if _, ok := handlers[typ]; !ok {
			panic(fmt.Sprintf("bridge: no handler for message type %q", typ))
		}
	}
}

// dispatch routes a request to its handler. Unknown types get an error
// reply; the connection stays open.
func (s *Server) dispatch(c *client, req *Request) {
	h, ok := handlers[req.Type]
	if !ok {
		s.logger.Warn().Str("client", c.id).Str("type", string(req.Type)).Msg("Unknown message type")
		err := fmt.Errorf("unknown message type: %s", req.Type)
		msg := replyError(TypeError, req, err)
		msg.Message = err.Error()
		s.send(c, msg)
		return
	}
	h(s, c, req)
}

// backend runs a runnable and answers with its result.
func (s *Server) handleBackend(c *client, req *Request) {
	log := s.logger.With().Str("type", string(req.Type)).Str("runnable", req.RunnableID).Logger()
	log.Info().Msg("Running runnable")

	jobID, err := s.session.Execute(s.ctx, req.RunnableID, req.V)
	if err != nil {
		log.Error().Err(err).Msg("Failed to start job")
		s.send(c, replyError(TypeBackendRes, req, err))
		return
	}
	log.Debug().Str("job", jobID).Msg("Job started")

	s.respondWithResult(c, req, jobID)
}

// backendAsync answers with the job id at once and with the result later,
// both under the same reqId.
func (s *Server) handleBackendAsync(c *client, req *Request) {
	log := s.logger.With().Str("type", string(req.Type)).Str("runnable", req.RunnableID).Logger()
	log.Info().Msg("Running runnable async")

	jobID, err := s.session.Execute(s.ctx, req.RunnableID, req.V)
	if err != nil {
		log.Error().Err(err).Msg("Failed to start job")
		s.send(c, replyError(TypeBackendAsyncRes, req, err))
		return
	}
	log.Debug().Str("job", jobID).Msg("Job started")

	s.send(c, reply(TypeBackendAsyncRes, req, jsonString(jobID)))
	s.respondWithResult(c, req, jobID)
}

func (s *Server) handleWaitJob(c *client, req *Request) {
	s.logger.Info().Str("job", req.JobID).Msg("Waiting for job")
	s.respondWithResult(c, req, req.JobID)
}

func (s *Server) handleGetJob(c *client, req *Request) {
	s.logger.Info().Str("job", req.JobID).Msg("Getting job status")

	job, err := s.session.jobs.GetStatus(s.ctx, req.JobID)
	if err != nil {
		s.logger.Error().Err(err).Str("job", req.JobID).Msg("Failed to get job")
		s.send(c, replyError(TypeBackendRes, req, err))
		return
	}
	s.send(c, reply(TypeBackendRes, req, job))
}

func (s *Server) respondWithResult(c *client, req *Request, jobID string) {
	result, err := s.session.jobs.WaitForJob(s.ctx, jobID)
	if err != nil {
		s.logger.Error().Err(err).Str("job", jobID).Msg("Job failed")
		s.send(c, replyError(TypeBackendRes, req, err))
		return
	}
	s.send(c, reply(TypeBackendRes, req, result))
}

// streamJob relays partial results as streamJobUpdate and finishes with a
// single streamJobRes.
func (s *Server) handleStreamJob(c *client, req *Request) {
	s.logger.Info().Str("job", req.JobID).Msg("Streaming job")

	s.session.jobs.Stream(s.ctx, req.JobID, func(ev jobs.Event) {
		switch ev.Kind {
		case jobs.EventPartial:
			chunk, offset := ev.Chunk, ev.Offset
			s.send(c, Message{
				Type:         TypeStreamJobUpdate,
				ReqID:        req.ReqID,
				ResultStream: &chunk,
				StreamOffset: &offset,
			})
		case jobs.EventSuccess:
			s.send(c, reply(TypeStreamJobRes, req, ev.Result))
		case jobs.EventFailure:
			s.logger.Warn().Err(ev.Err).Str("job", req.JobID).Msg("Stream ended with failure")
			s.send(c, replyError(TypeStreamJobRes, req, ev.Err))
		}
	})
}

// applySqlMigration applies the active migration. Success is broadcast by
// the queue; a failure is reported to the requester alone.
func (s *Server) handleApplySQLMigration(c *client, req *Request) {
	err := s.session.queue.Apply(s.ctx, req.FileName, req.SQL, req.Datatable)
	if err == nil {
		return
	}
	s.logger.Warn().Err(err).Str("file", req.FileName).Msg("Migration not applied")

	success := false
	s.send(c, Message{
		Type:     TypeSQLMigrationResult,
		ReqID:    req.ReqID,
		FileName: req.FileName,
		Success:  &success,
		Message:  err.Error(),
		Result:   errorPayload(err),
		Error:    true,
	})
}

func (s *Server) handleSkipSQLMigration(c *client, req *Request) {
	if err := s.session.queue.Skip(s.ctx, req.FileName); err != nil {
		s.logger.Warn().Err(err).Str("file", req.FileName).Msg("Migration not skipped")
		msg := replyError(TypeError, req, err)
		msg.Message = err.Error()
		s.send(c, msg)
	}
}
