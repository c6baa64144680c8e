// Package jobs starts remote jobs for app runnables and follows them to
// completion, either by polling for the final result or by relaying the
// progressive result stream.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/windmill-labs/windmill-sub006/internal/dev/runnable"
	"github.com/windmill-labs/windmill-sub006/internal/remote"
)

// API is the subset of the remote client the orchestrator uses.
type API interface {
	ExecuteComponent(ctx context.Context, appPath string, req *remote.ExecuteComponentRequest) (string, error)
	RunPreview(ctx context.Context, req *remote.PreviewRequest) (string, error)
	GetResultMaybe(ctx context.Context, jobID string) (*remote.ResultMaybe, error)
	GetJob(ctx context.Context, jobID string) (json.RawMessage, error)
	StreamUpdates(ctx context.Context, jobID string) (*remote.UpdateStream, error)
}

// Config holds configuration for the orchestrator.
type Config struct {
	// AppPath scopes component executions (raw_app.yaml custom_path)
	AppPath string

	// Clock drives poll backoff; nil means the wall clock
	Clock Clock

	Logger zerolog.Logger
}

// Orchestrator manages job lifecycles against the remote platform.
// It is safe for concurrent use; each call blocks only its caller.
type Orchestrator struct {
	api     API
	appPath string
	clock   Clock
	logger  zerolog.Logger
}

// New creates an orchestrator.
func New(api API, config Config) *Orchestrator {
	clock := config.Clock
	if clock == nil {
		clock = RealClock()
	}
	appPath := config.AppPath
	if appPath == "" {
		appPath = runnable.DefaultAppPath
	}
	return &Orchestrator{
		api:     api,
		appPath: appPath,
		clock:   clock,
		logger:  config.Logger.With().Str("component", "jobs").Logger(),
	}
}

// AppPath returns the app path executions are scoped to.
func (o *Orchestrator) AppPath() string {
	return o.appPath
}

// Execute starts a job for the runnable and returns its id.
// Starting a job is never retried.
func (o *Orchestrator) Execute(ctx context.Context, runnableID string, r *runnable.Runnable, args json.RawMessage) (string, error) {
	req, err := runnable.BuildRequest(o.appPath, runnableID, r, args)
	if err != nil {
		return "", err
	}

	jobID, err := o.api.ExecuteComponent(ctx, o.appPath, req)
	if err != nil {
		return "", fmt.Errorf("failed to start job for %s: %w", runnableID, err)
	}

	o.logger.Debug().Str("runnable", runnableID).Str("job", jobID).Msg("Job started")
	return jobID, nil
}

// WaitForJob polls until the job completes and returns its result.
//
// The first check is immediate; later checks follow PollDelay. Transport
// errors are logged and polling continues, so only ctx bounds the wait.
// A failed job whose result carries an "error" member is returned as a
// *JobError holding that member; any other failed job resolves with its
// result.
func (o *Orchestrator) WaitForJob(ctx context.Context, jobID string) (json.RawMessage, error) {
	if err := ValidateJobID(jobID); err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		res, err := o.api.GetResultMaybe(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			o.logger.Warn().Err(err).Str("job", jobID).Msg("Error checking job")
		} else if res.Completed {
			if !res.Success {
				if je := jobErrorFrom(jobID, res.Result); je != nil {
					return nil, je
				}
			}
			return res.Result, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-o.clock.After(PollDelay(attempt)):
		}
	}
}

// GetStatus returns the current job record in a single fetch.
func (o *Orchestrator) GetStatus(ctx context.Context, jobID string) (json.RawMessage, error) {
	if err := ValidateJobID(jobID); err != nil {
		return nil, err
	}
	job, err := o.api.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	return job, nil
}

// ApplySQL runs sql against the named datatable and waits for the result.
func (o *Orchestrator) ApplySQL(ctx context.Context, datatable, sql string) (json.RawMessage, error) {
	if datatable == "" {
		return nil, ErrNoDatatable
	}

	jobID, err := o.api.RunPreview(ctx, &remote.PreviewRequest{
		Content:  sql,
		Language: "postgresql",
		Args:     map[string]any{"database": "datatable://" + datatable},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start migration job: %w", err)
	}

	o.logger.Debug().Str("datatable", datatable).Str("job", jobID).Msg("Migration job started")
	return o.WaitForJob(ctx, jobID)
}

// ValidateJobID checks that id is a UUID.
func ValidateJobID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidJobID, id)
	}
	return nil
}
