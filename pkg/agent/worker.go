package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/syntor/taskmesh/pkg/logging"
	"github.com/syntor/taskmesh/pkg/models"
	"github.com/syntor/taskmesh/pkg/resilience"
	"github.com/syntor/taskmesh/pkg/tools"
)

// WorkerConfig configures a Worker
type WorkerConfig struct {
	Name  string
	Role  string
	Tools []string

	// Fallback is tried when the invoker rejects the primary tool because
	// its circuit is open or it is rate limited.
	Fallback string

	Executor tools.Executor
	Invoker  Invoker
	Logger   logging.Logger
}

// Worker executes one assigned sub-task at a time through its tools
type Worker struct {
	*base

	tools    []string
	fallback string
	executor tools.Executor

	mu      sync.RWMutex
	invoker Invoker
}

// NewWorker creates a worker. Invoker defaults to a ResilientInvoker with
// default settings.
func NewWorker(cfg WorkerConfig) *Worker {
	inv := cfg.Invoker
	if inv == nil {
		inv = resilience.NewResilientInvoker(resilience.DefaultInvokerConfig())
	}
	return &Worker{
		base:     newBase(cfg.Name, cfg.Role, cfg.Logger),
		tools:    append([]string(nil), cfg.Tools...),
		fallback: cfg.Fallback,
		executor: cfg.Executor,
		invoker:  inv,
	}
}

func (w *Worker) kind() Kind { return KindWorker }

// Tools returns the tools assigned to the worker
func (w *Worker) Tools() []string {
	return append([]string(nil), w.tools...)
}

// SetInvoker replaces the invoker used for subsequent tool calls. The
// orchestrator uses it to apply per-run retry and circuit settings.
func (w *Worker) SetInvoker(inv Invoker) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.invoker = inv
}

// Invoker returns the invoker tool calls currently go through
func (w *Worker) Invoker() Invoker {
	return w.currentInvoker()
}

func (w *Worker) currentInvoker() Invoker {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.invoker
}

func (w *Worker) allowed(tool string) bool {
	for _, t := range w.tools {
		if t == tool {
			return true
		}
	}
	return tool != "" && tool == w.fallback
}

// Process runs the TASK in msg and returns a RESULT or ERROR reply
func (w *Worker) Process(ctx context.Context, msg models.Message) (models.Message, error) {
	if !msg.Is(models.MsgTask) {
		return models.Message{}, fmt.Errorf("%w: worker %s got %s", ErrUnexpectedMessage, w.name, msg.Type())
	}
	task, ok := msg.Task()
	if !ok {
		return models.Message{}, fmt.Errorf("%w: TASK without a task payload", ErrUnexpectedMessage)
	}

	if err := w.state.Begin(); err != nil {
		return models.Message{}, err
	}
	start := time.Now()

	tool := task.Tool
	if tool == "" && len(w.tools) > 0 {
		tool = w.tools[0]
	}
	if !w.allowed(tool) {
		err := tools.NewToolError(tools.ErrCodePermissionDenied, fmt.Sprintf("tool %q is not assigned to %s", tool, w.name))
		w.finish(start, err)
		return failure(msg, task.SubTaskID, string(resilience.ClassPermanent), err.Code, err.Message, 0), err
	}

	w.record(msg.RunID(), "invoke", task.SubTaskID+" "+tool)
	out, err := w.invoke(ctx, tool, task.Arguments)
	if err != nil && resilience.IsRejected(err) && w.fallback != "" && w.fallback != tool {
		w.logger.Info("Primary tool rejected, using fallback",
			logging.String("tool", tool),
			logging.String("fallback", w.fallback),
			logging.Err(err))
		w.record(msg.RunID(), "fallback", task.SubTaskID+" "+w.fallback)
		tool = w.fallback
		out, err = w.invoke(ctx, tool, task.Arguments)
	}

	if err != nil {
		attempts := attemptsOf(err)
		if attempts > 0 {
			w.compensate(ctx, tool, task.Arguments, err)
		}
		w.finish(start, err)
		return failure(msg, task.SubTaskID, string(resilience.Classify(err)), errorCode(err), err.Error(), attempts), err
	}

	w.finish(start, nil)
	return models.NewResultMessage(msg, models.ResultPayload{
		SubTaskID: task.SubTaskID,
		Output:    out.Value,
		Attempts:  out.Attempts,
		Duration:  time.Since(start),
	}), nil
}

func (w *Worker) invoke(ctx context.Context, tool string, args map[string]interface{}) (resilience.Invocation, error) {
	return w.currentInvoker().Invoke(ctx, tool, func(ctx context.Context) (interface{}, error) {
		if w.executor == nil {
			return nil, tools.NewToolError(tools.ErrCodeToolNotFound, "worker has no executor")
		}
		res, err := w.executor.Execute(ctx, tool, args)
		if err != nil {
			return nil, err
		}
		return res.Output, nil
	})
}

// compensate asks the executor to undo partial side effects of a call
// that reached the tool at least once.
func (w *Worker) compensate(ctx context.Context, tool string, args map[string]interface{}, cause error) {
	c, ok := w.executor.(tools.Compensating)
	if !ok {
		return
	}
	if err := c.Compensate(context.WithoutCancel(ctx), tool, args, cause); err != nil {
		w.logger.Warn("Compensation failed", logging.String("tool", tool), logging.Err(err))
	}
}

func attemptsOf(err error) int {
	var failed *resilience.OperationFailedError
	if errors.As(err, &failed) {
		return failed.Attempts
	}
	return 0
}

func errorCode(err error) string {
	var toolErr *tools.ToolError
	switch {
	case errors.As(err, &toolErr):
		return toolErr.Code
	case errors.Is(err, resilience.ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, resilience.ErrCircuitOpen):
		return CodeCircuitOpen
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCanceled
	}
	return CodeExecution
}
