// Package executor drives a routed message through its handler: policy
// gate, circuit breaker, transient retry, handler timeout, side-effect
// persistence and the execution audit record.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/almacen/mayordomo/internal/admin"
	"github.com/almacen/mayordomo/internal/audit"
	"github.com/almacen/mayordomo/internal/bus"
	"github.com/almacen/mayordomo/internal/fault"
	"github.com/almacen/mayordomo/internal/handlers"
	"github.com/almacen/mayordomo/internal/obs"
	"github.com/almacen/mayordomo/internal/policy"
	"github.com/almacen/mayordomo/internal/schedule"
	"github.com/almacen/mayordomo/internal/shared"
	"github.com/almacen/mayordomo/internal/store"
)

// Result is what one execution produced. Missing and NeedsApproval are
// terminal for this message; the pipeline turns them into pending state.
type Result struct {
	Handled       bool
	ActionSuccess bool
	ActionError   string
	Replies       []string

	// Missing is set when the parse lacked mandatory slots.
	Missing *handlers.MissingParams
	// NeedsPreview is set when the policy demands a confirmation first.
	NeedsPreview bool
	// ApprovalCode is set when the policy demanded a 4-digit approval.
	ApprovalCode string
}

// Options modify one execution. Confirmed skips the preview gate,
// Approved skips the approval gate; both are set by the pipeline after
// the user answered.
type Options struct {
	Confirmed bool
	Approved  bool
}

type Executor struct {
	registry *handlers.Registry
	policy   *policy.LivePolicy
	security *admin.Security
	store    *store.Store
	breakers *BreakerSet
	metrics  *obs.Registry
	bus      *bus.Bus
	logger   *slog.Logger

	profile       string
	timeout       time.Duration
	retryAttempts int
	retryBase     time.Duration
	now           func() time.Time
	sleep         func(context.Context, time.Duration) error
}

type Config struct {
	Registry        *handlers.Registry
	Policy          *policy.LivePolicy
	Security        *admin.Security
	Store           *store.Store
	Metrics         *obs.Registry
	Bus             *bus.Bus
	Logger          *slog.Logger
	SecurityProfile string
	Timeout         time.Duration
	RetryAttempts   int
	RetryBase       time.Duration
	BreakerSet      *BreakerSet
	Now             func() time.Time
}

func New(cfg Config) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 400 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BreakerSet == nil {
		cfg.BreakerSet = NewBreakerSet(3, time.Minute, cfg.Now)
	}
	if cfg.SecurityProfile == "" {
		cfg.SecurityProfile = policy.ProfileStandard
	}
	return &Executor{
		registry:      cfg.Registry,
		policy:        cfg.Policy,
		security:      cfg.Security,
		store:         cfg.Store,
		breakers:      cfg.BreakerSet,
		metrics:       cfg.Metrics,
		bus:           cfg.Bus,
		logger:        cfg.Logger,
		profile:       cfg.SecurityProfile,
		timeout:       cfg.Timeout,
		retryAttempts: cfg.RetryAttempts,
		retryBase:     cfg.RetryBase,
		now:           cfg.Now,
		sleep:         sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute runs the route's handler for the request.
func (e *Executor) Execute(ctx context.Context, route string, req handlers.Request, opts Options) (*Result, error) {
	started := e.now()
	res, err := e.execute(ctx, route, req, opts)
	e.auditResult(ctx, route, req, res, err, e.now().Sub(started))
	return res, err
}

func (e *Executor) execute(ctx context.Context, route string, req handlers.Request, opts Options) (*Result, error) {
	action, ok := e.registry.Lookup(route)
	if !ok {
		return &Result{Handled: false}, nil
	}

	input, missing, err := action.Parse(ctx, req)
	if err != nil {
		return e.resultFromError(route, err), nil
	}
	if missing != nil {
		return &Result{Handled: true, Missing: missing}, nil
	}

	capability := action.RequiredCapability()
	verdict := e.policy.Decide(capability, e.profile, e.security.PanicMode())
	switch verdict {
	case policy.Blocked:
		e.inc("executor.policy_blocked")
		audit.Record("policy.blocked", req.ChatID, req.UserID, shared.TraceID(ctx), map[string]any{
			"route": route, "capability": capability, "profile": e.profile,
		})
		return &Result{
			Handled:       true,
			ActionSuccess: false,
			ActionError:   "policy",
			Replies:       []string{fmt.Sprintf("La acción %s está bloqueada en el perfil de seguridad actual.", capability)},
		}, nil

	case policy.PreviewRequired:
		if !opts.Confirmed {
			e.inc("executor.preview_required")
			return &Result{
				Handled:      true,
				NeedsPreview: true,
				Replies:      []string{previewText(route, input)},
			}, nil
		}

	case policy.ApprovalRequired:
		if !opts.Approved {
			// CommandLine keeps the original text so the approval can be
			// replayed after the process restarts.
			commandLine := input.Params["command"]
			if commandLine == "" {
				commandLine = req.Text
			}
			code, err := e.security.RequestApproval(ctx, capability, req.ChatID, req.UserID, commandLine, route)
			if err != nil {
				return nil, err
			}
			e.inc("executor.approval_required")
			return &Result{
				Handled:      true,
				ApprovalCode: code,
				Replies: []string{fmt.Sprintf(
					"Esta acción necesita aprobación. Responde con el código %s para continuar (caduca en unos minutos).", code)},
			}, nil
		}
	}

	if !e.breakers.Allow(route) {
		e.inc("executor.circuit_open")
		return &Result{
			Handled:       true,
			ActionSuccess: false,
			ActionError:   "circuit-open",
			Replies:       []string{"Ese servicio ha fallado varias veces seguidas. Dame un minuto y vuelve a intentarlo."},
		}, nil
	}

	out, runErr := e.runWithRetry(ctx, route, action, input)
	if runErr != nil {
		// Only infrastructure failures trip the breaker. A rejected input
		// or a policy refusal says nothing about the backend's health.
		switch fault.KindOf(runErr) {
		case fault.KindValidation, fault.KindPolicy:
		default:
			e.breakers.Failure(route)
		}
		return e.resultFromError(route, runErr), nil
	}
	e.breakers.Success(route)

	if err := e.persistSideEffects(ctx, req, out); err != nil {
		e.logger.Error("side effect persistence failed", "route", route, "error", err)
		return e.resultFromError(route, err), nil
	}

	return &Result{
		Handled:       true,
		ActionSuccess: out.ActionSuccess,
		ActionError:   out.ActionError,
		Replies:       out.Replies,
	}, nil
}

// runWithRetry applies the handler timeout per attempt and full-jittered
// backoff between transient failures.
func (e *Executor) runWithRetry(ctx context.Context, route string, action handlers.HandlerAction, input *handlers.ActionInput) (*handlers.ActionOutput, error) {
	var lastErr error
	for attempt := 0; attempt < e.retryAttempts; attempt++ {
		if attempt > 0 {
			// Full jitter: uniform in [0, base * 2^attempt).
			backoff := time.Duration(rand.Float64() * float64(e.retryBase) * float64(int64(1)<<attempt))
			if err := e.sleep(ctx, backoff); err != nil {
				return nil, fault.Wrap(fault.KindTransient, err, "retry wait")
			}
			e.inc("executor.retries")
		}

		runCtx, cancel := context.WithTimeout(ctx, e.timeout)
		out, err := action.Run(runCtx, input)
		timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil && timedOut {
			err = fault.Transient("handler %s agotó el tiempo", route)
		}
		if err == nil {
			return out, nil
		}
		if timedOut && fault.KindOf(err) != fault.KindTransient {
			err = fault.Wrap(fault.KindTransient, err, "handler timeout")
		}
		lastErr = err
		if !fault.IsRetryable(err) || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (e *Executor) persistSideEffects(ctx context.Context, req handlers.Request, out *handlers.ActionOutput) error {
	if out.IndexedList != nil {
		if err := e.store.UpsertIndexedList(ctx, req.ChatID, out.IndexedList.Kind, out.IndexedList.ItemsJSON); err != nil {
			return err
		}
	}
	for _, t := range out.ScheduledTasks {
		payload := t.DeliveryPayload
		if t.DeliveryKind == store.DeliveryNatural {
			// A task created during a reinjected execution inherits the
			// current depth so the scheduler can bound recursion.
			payload = schedule.EncodeNaturalPayload(shared.ReinjectDepth(ctx))
		}
		id, err := e.store.CreateTask(ctx, store.ScheduledTask{
			ID:              t.ID,
			ChatID:          req.ChatID,
			UserID:          req.UserID,
			Title:           t.Title,
			DueAt:           t.DueAt,
			DeliveryKind:    t.DeliveryKind,
			DeliveryPayload: payload,
			RepeatSpec:      t.RepeatSpec,
		})
		if err != nil {
			return err
		}
		if e.bus != nil {
			e.bus.Publish("task.created", id)
		}
	}
	for _, text := range out.Outbox {
		if _, err := e.store.EnqueueOutbox(ctx, req.ChatID, text, shared.Source(ctx)); err != nil {
			return err
		}
	}
	return nil
}

// resultFromError maps a handler error onto a user-facing result. Stack
// detail never reaches the reply.
func (e *Executor) resultFromError(route string, err error) *Result {
	kind := fault.KindOf(err)
	e.inc("executor.errors." + string(kind))

	var msg string
	switch kind {
	case fault.KindValidation:
		msg = err.Error()
	case fault.KindPolicy:
		msg = "Esa acción no está permitida ahora mismo."
	case fault.KindTransient, fault.KindCircuitOpen:
		msg = "No he podido completarlo por un problema temporal. Inténtalo de nuevo en un momento."
	default:
		msg = fmt.Sprintf("No he podido completar la acción de %s.", route)
	}
	return &Result{
		Handled:       true,
		ActionSuccess: false,
		ActionError:   string(kind),
		Replies:       []string{msg},
	}
}

func previewText(route string, input *handlers.ActionInput) string {
	detail := input.Params["path"]
	if detail == "" {
		detail = input.Params["command"]
	}
	if detail == "" {
		detail = input.Text
	}
	return fmt.Sprintf("Voy a ejecutar %s sobre «%s». ¿Confirmo? (sí/no)", route, detail)
}

func (e *Executor) auditResult(ctx context.Context, route string, req handlers.Request, res *Result, err error, elapsed time.Duration) {
	success := err == nil && res != nil && res.ActionSuccess
	details := map[string]any{
		"route":      route,
		"success":    success,
		"durationMs": elapsed.Milliseconds(),
	}
	if res != nil && res.ActionError != "" {
		details["actionError"] = res.ActionError
	}
	if err != nil {
		details["error"] = err.Error()
	}
	audit.Record("intent.execution.result", req.ChatID, req.UserID, shared.TraceID(ctx), details)
	if e.bus != nil {
		e.bus.Publish("intent.executed", map[string]any{"route": route, "chatId": req.ChatID, "success": success})
	}
	e.observe("executor.duration", elapsed)
	e.inc("executor.executions")
}

func (e *Executor) inc(name string) {
	if e.metrics != nil {
		e.metrics.Inc(name, 1)
	}
}

func (e *Executor) observe(name string, d time.Duration) {
	if e.metrics != nil {
		e.metrics.Observe(name, d)
	}
}
