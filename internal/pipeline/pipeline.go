// Package pipeline glues ingress to the domain handlers: per-chat queue,
// clarification gate, approval codes, intent routing, execution and reply
// delivery. One Process call is one conversation turn; the queue keeps
// turns of the same chat strictly serial.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/almacen/mayordomo/internal/admin"
	"github.com/almacen/mayordomo/internal/ai"
	"github.com/almacen/mayordomo/internal/audit"
	"github.com/almacen/mayordomo/internal/bus"
	"github.com/almacen/mayordomo/internal/clarify"
	"github.com/almacen/mayordomo/internal/executor"
	"github.com/almacen/mayordomo/internal/handlers"
	"github.com/almacen/mayordomo/internal/narrow"
	"github.com/almacen/mayordomo/internal/obs"
	otelx "github.com/almacen/mayordomo/internal/otel"
	"github.com/almacen/mayordomo/internal/queue"
	"github.com/almacen/mayordomo/internal/router"
	"github.com/almacen/mayordomo/internal/schedule"
	"github.com/almacen/mayordomo/internal/shared"
	"github.com/almacen/mayordomo/internal/store"
	"go.opentelemetry.io/otel/trace"
)

// Inbound is one message handed to the pipeline by a transport adapter.
type Inbound struct {
	ChatID  int64
	UserID  int64
	Text    string
	Source  string // "telegram", "bridge", "scheduler"
	TraceID string
	Depth   int // reinjection depth, zero for real user messages
}

type Config struct {
	Store    *store.Store
	Clarify  *clarify.Store
	Router   *router.Router
	Executor *executor.Executor
	Security *admin.Security
	Egress   schedule.Egress
	Provider ai.ChatProvider // optional, enables sequence splitting
	Bus      *bus.Bus
	Metrics  *obs.Registry
	Tracer   trace.Tracer // optional, spans each turn
	Logger   *slog.Logger

	MaxPerChat int // queue cap per chat; defaults to 30
	MaxTotal   int // queue cap across chats; defaults to 400
}

type Pipeline struct {
	store    *store.Store
	clarify  *clarify.Store
	router   *router.Router
	exec     *executor.Executor
	security *admin.Security
	egress   schedule.Egress
	provider ai.ChatProvider
	bus      *bus.Bus
	metrics  *obs.Registry
	tracer   trace.Tracer
	logger   *slog.Logger
	queue    *queue.Queue

	mu      sync.Mutex
	waiters map[string]chan []string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxPerChat <= 0 {
		cfg.MaxPerChat = 30
	}
	if cfg.MaxTotal <= 0 {
		cfg.MaxTotal = 400
	}
	p := &Pipeline{
		store:    cfg.Store,
		clarify:  cfg.Clarify,
		router:   cfg.Router,
		exec:     cfg.Executor,
		security: cfg.Security,
		egress:   cfg.Egress,
		provider: cfg.Provider,
		bus:      cfg.Bus,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		logger:   cfg.Logger,
		waiters:  make(map[string]chan []string),
	}
	p.queue = queue.New(cfg.MaxPerChat, cfg.MaxTotal, p.handleItem, cfg.Logger)
	return p
}

// Start begins consuming scheduler reinjections from the bus.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	if p.bus == nil {
		return
	}
	sub := p.bus.Subscribe(bus.TopicTaskReinject)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				re, valid := ev.Payload.(bus.ReinjectEvent)
				if !valid {
					continue
				}
				// The reinjected prompt runs one level deeper than the task
				// that carried it.
				if err := p.Submit(Inbound{
					ChatID:  re.ChatID,
					UserID:  re.UserID,
					Text:    re.Prompt,
					Source:  "scheduler",
					TraceID: re.TaskID,
					Depth:   re.Depth + 1,
				}); err != nil {
					p.logger.Warn("reinjection rejected", "task", re.TaskID, "error", err)
				}
			}
		}
	}()
}

// Stop drains the per-chat queues and stops the reinjection consumer.
func (p *Pipeline) Stop(drainTimeout time.Duration) error {
	if p.cancel != nil {
		p.cancel()
	}
	err := p.queue.Shutdown(drainTimeout)
	p.wg.Wait()
	return err
}

// QueueDepth reports buffered items for one chat and across all chats.
func (p *Pipeline) QueueDepth(chatID int64) (chat, total int) {
	return p.queue.Depth(chatID)
}

// Submit enqueues a message for asynchronous processing. Replies go out
// through the egress transport. Overflow returns a kinded error that the
// ingress adapter maps to a rejection.
func (p *Pipeline) Submit(msg Inbound) error {
	if msg.TraceID == "" {
		msg.TraceID = shared.NewTraceID()
	}
	return p.queue.Enqueue(queue.Item{
		TraceID: msg.TraceID,
		ChatID:  msg.ChatID,
		UserID:  msg.UserID,
		Source:  msg.Source,
		Text:    msg.Text,
		Depth:   msg.Depth,
	})
}

// SubmitWait enqueues a message and blocks for its replies. The message
// still goes through the chat's queue, so ordering against concurrent
// messages is preserved. Used by the HTTP bridge.
func (p *Pipeline) SubmitWait(ctx context.Context, msg Inbound) ([]string, error) {
	if msg.TraceID == "" {
		msg.TraceID = shared.NewTraceID()
	}
	ch := make(chan []string, 1)
	p.mu.Lock()
	p.waiters[msg.TraceID] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.waiters, msg.TraceID)
		p.mu.Unlock()
	}()

	if err := p.Submit(msg); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case replies := <-ch:
		return replies, nil
	}
}

func (p *Pipeline) handleItem(ctx context.Context, item queue.Item) {
	ctx = shared.WithTraceID(ctx, item.TraceID)
	ctx = shared.WithChatID(ctx, item.ChatID)
	ctx = shared.WithSource(ctx, item.Source)
	ctx = shared.WithReinjectDepth(ctx, item.Depth)

	var span trace.Span
	if p.tracer != nil {
		ctx, span = otelx.StartSpan(ctx, p.tracer, "pipeline.turn",
			otelx.AttrChatID.Int64(item.ChatID),
			otelx.AttrSource.String(item.Source),
		)
	}

	started := time.Now()
	replies := p.Process(ctx, Inbound{
		ChatID: item.ChatID, UserID: item.UserID, Text: item.Text,
		Source: item.Source, TraceID: item.TraceID, Depth: item.Depth,
	})
	p.observe("pipeline.turn", time.Since(started))
	if span != nil {
		span.End()
	}

	p.mu.Lock()
	waiter := p.waiters[item.TraceID]
	p.mu.Unlock()
	if waiter != nil {
		waiter <- replies
		return
	}
	p.deliver(ctx, item.ChatID, replies)
}

// deliver sends replies through egress, falling back to the outbox so a
// transport outage never loses them.
func (p *Pipeline) deliver(ctx context.Context, chatID int64, replies []string) {
	for _, text := range replies {
		if p.egress == nil {
			if _, err := p.store.EnqueueOutbox(ctx, chatID, text, shared.Source(ctx)); err != nil {
				p.logger.Error("outbox enqueue failed", "chat", chatID, "error", err)
			}
			continue
		}
		if err := p.egress.Send(ctx, chatID, text); err != nil {
			p.logger.Warn("egress failed, queueing reply", "chat", chatID, "error", err)
			p.inc("pipeline.egress_failures")
			if _, qErr := p.store.EnqueueOutbox(ctx, chatID, text, shared.Source(ctx)); qErr != nil {
				p.logger.Error("outbox enqueue failed", "chat", chatID, "error", qErr)
			}
		}
	}
}

var (
	approveRe   = regexp.MustCompile(`(?i)^/?(?:approve|aprobar|aprueba)\s+(\d{4})\s*$`)
	bareCodeRe  = regexp.MustCompile(`^\s*(\d{4})\s*$`)
	sequenceRe  = regexp.MustCompile(`(?i)\sy\s+(?:luego|despues|después|tambien|también)\s`)
	negativeRe  = regexp.MustCompile(`(?i)^\s*(no|cancela|cancelar|anula|anular|mejor no)\b`)
	maxSeqParts = 3
)

// Process runs one conversation turn and returns the replies. It is only
// called from a chat's queue worker, so per-chat state is never touched
// concurrently.
func (p *Pipeline) Process(ctx context.Context, msg Inbound) []string {
	p.inc("pipeline.messages")
	if p.bus != nil {
		p.bus.Publish(bus.TopicMessageReceived, bus.MessageEvent{
			TraceID: msg.TraceID, ChatID: msg.ChatID, UserID: msg.UserID, Source: msg.Source,
		})
	}
	if _, err := p.store.AppendTurn(ctx, store.Turn{
		ChatID: msg.ChatID, Role: "user", Text: msg.Text,
		Source: msg.Source, UserID: msg.UserID, TraceID: msg.TraceID,
	}); err != nil {
		p.logger.Error("append user turn failed", "chat", msg.ChatID, "error", err)
	}

	replies, route := p.dispatch(ctx, msg)

	for _, text := range replies {
		if _, err := p.store.AppendTurn(ctx, store.Turn{
			ChatID: msg.ChatID, Role: "assistant", Text: text,
			Source: msg.Source, TraceID: msg.TraceID, Route: route,
		}); err != nil {
			p.logger.Error("append assistant turn failed", "chat", msg.ChatID, "error", err)
		}
	}
	if p.bus != nil {
		p.bus.Publish(bus.TopicMessageReplied, bus.MessageEvent{
			TraceID: msg.TraceID, ChatID: msg.ChatID, UserID: msg.UserID, Source: msg.Source,
		})
	}
	return replies
}

func (p *Pipeline) dispatch(ctx context.Context, msg Inbound) ([]string, string) {
	p.labelPreviousDecision(ctx, msg)

	// Approval codes bypass routing entirely.
	if code := p.approvalCode(ctx, msg); code != "" {
		return p.consumeApproval(ctx, msg, code)
	}

	// Clarification gate.
	if pending := p.clarify.Peek(msg.ChatID, msg.UserID); pending != nil {
		switch clarify.ClassifyReply(pending, msg.Text) {
		case clarify.IsReply:
			p.clarify.Consume(msg.ChatID, msg.UserID)
			return p.resolveClarification(ctx, msg, pending)
		case clarify.DropsPending:
			p.clarify.Clear(msg.ChatID)
			p.inc("pipeline.clarifications_dropped")
		}
	}

	// Compound requests split into ordered sub-steps. Reinjected prompts
	// never split again.
	if parts := p.splitSequence(ctx, msg); len(parts) > 1 {
		var replies []string
		var lastRoute string
		for _, part := range parts {
			sub := msg
			sub.Text = part
			partReplies, route := p.routeAndRun(ctx, sub, router.Priors{})
			replies = append(replies, partReplies...)
			lastRoute = route
		}
		return replies, lastRoute
	}

	return p.routeAndRun(ctx, msg, router.Priors{})
}

// labelPreviousDecision records implicit feedback on the chat's latest
// logged routing decision: a correction cue ("no", "cancela", ...) marks
// it wrong, anything else counts as acceptance. The labels feed variant
// accuracy for the canary guard and threshold calibration. Scheduler
// reinjections carry no user signal and are skipped.
func (p *Pipeline) labelPreviousDecision(ctx context.Context, msg Inbound) {
	if msg.Source == "scheduler" || msg.Depth > 0 {
		return
	}
	confirmed := !negativeRe.MatchString(msg.Text)
	if err := p.store.ConfirmDecision(ctx, msg.ChatID, confirmed); err != nil {
		p.logger.Warn("decision label failed", "chat", msg.ChatID, "error", err)
	}
}

// approvalCode extracts a 4-digit approval reference. A bare code counts
// only when the chat actually has approvals waiting, so ordinary numeric
// answers keep flowing to the clarification gate.
func (p *Pipeline) approvalCode(ctx context.Context, msg Inbound) string {
	if m := approveRe.FindStringSubmatch(msg.Text); m != nil {
		return m[1]
	}
	if m := bareCodeRe.FindStringSubmatch(msg.Text); m != nil {
		pending, err := p.security.PendingApprovals(ctx, msg.ChatID)
		if err == nil && len(pending) > 0 {
			return m[1]
		}
	}
	return ""
}

func (p *Pipeline) consumeApproval(ctx context.Context, msg Inbound, code string) ([]string, string) {
	approval, err := p.security.ConsumeApproval(ctx, msg.ChatID, code)
	if err != nil {
		p.logger.Error("approval consume failed", "chat", msg.ChatID, "error", err)
		return []string{"No he podido comprobar la aprobación. Inténtalo de nuevo."}, ""
	}
	if approval == nil {
		return []string{"Aprobación inexistente o vencida."}, ""
	}

	// Note holds the route; CommandLine the original request text.
	req := handlers.Request{
		ChatID: msg.ChatID,
		UserID: msg.UserID,
		Text:   approval.CommandLine,
		Chat:   p.chatContext(ctx, msg.ChatID),
	}
	res, err := p.exec.Execute(ctx, approval.Note, req, executor.Options{Approved: true})
	if err != nil {
		p.logger.Error("approved execution failed", "route", approval.Note, "error", err)
		return []string{"La acción aprobada ha fallado. Inténtalo de nuevo."}, ""
	}
	return res.Replies, approval.Note
}

// resolveClarification finishes a pending exchange: a preview pending is a
// yes/no confirmation, a missing-params pending re-routes the rebuilt text
// with soft priors.
func (p *Pipeline) resolveClarification(ctx context.Context, msg Inbound, pending *clarify.Pending) ([]string, string) {
	if pending.PreferredAction == "confirm" {
		if negativeRe.MatchString(msg.Text) {
			p.inc("pipeline.previews_declined")
			return []string{"De acuerdo, no lo hago."}, ""
		}
		req := handlers.Request{
			ChatID: msg.ChatID,
			UserID: msg.UserID,
			Text:   pending.OriginalText,
			Chat:   p.chatContext(ctx, msg.ChatID),
		}
		res, err := p.exec.Execute(ctx, pending.PreferredRoute, req, executor.Options{Confirmed: true})
		if err != nil {
			p.logger.Error("confirmed execution failed", "route", pending.PreferredRoute, "error", err)
			return []string{"La acción confirmada ha fallado. Inténtalo de nuevo."}, ""
		}
		return p.finish(ctx, msg, pending.PreferredRoute, res), pending.PreferredRoute
	}

	if negativeRe.MatchString(msg.Text) {
		return []string{"Vale, lo dejamos."}, ""
	}
	rebuilt := msg
	rebuilt.Text = clarify.RebuildText(pending, msg.Text)
	priors := router.Priors{
		PreferredRoute:  pending.PreferredRoute,
		PreferredAction: pending.PreferredAction,
	}
	return p.routeAndRun(ctx, rebuilt, priors)
}

func (p *Pipeline) routeAndRun(ctx context.Context, msg Inbound, priors router.Priors) ([]string, string) {
	chatCtx := p.chatContext(ctx, msg.ChatID)
	decision := p.router.Route(ctx, msg.ChatID, msg.Text, chatCtx, priors)
	if p.bus != nil {
		p.bus.Publish(bus.TopicMessageRouted, bus.MessageEvent{
			TraceID: msg.TraceID, ChatID: msg.ChatID, UserID: msg.UserID,
			Source: msg.Source, Route: decision.Handler,
		})
	}

	if decision.NeedsClarification {
		question := clarifyQuestion(decision.RouteHints)
		p.clarify.Register(clarify.Pending{
			ChatID:       msg.ChatID,
			UserID:       msg.UserID,
			Source:       msg.Source,
			OriginalText: msg.Text,
			Question:     question,
			RouteHints:   decision.RouteHints,
		})
		p.inc("pipeline.clarifications_asked")
		return []string{question}, ""
	}

	if err := p.store.LogRouteDecision(ctx, store.RouteDecision{
		ChatID:        msg.ChatID,
		Text:          msg.Text,
		Route:         decision.Handler,
		Stage:         decision.Stage,
		Variant:       decision.Variant,
		Score:         decision.Score,
		RunnerUp:      decision.RunnerUp,
		RunnerUpScore: decision.RunnerUpScore,
	}); err != nil {
		p.logger.Warn("decision log failed", "chat", msg.ChatID, "error", err)
	}

	req := handlers.Request{ChatID: msg.ChatID, UserID: msg.UserID, Text: msg.Text, Chat: chatCtx}
	res, err := p.exec.Execute(ctx, decision.Handler, req, executor.Options{})
	if err != nil {
		p.logger.Error("execution failed", "route", decision.Handler, "error", err)
		return []string{"Algo ha fallado procesando tu mensaje. Inténtalo de nuevo."}, ""
	}
	return p.finish(ctx, msg, decision.Handler, res), decision.Handler
}

// finish converts an execution result into replies, registering pending
// state for missing parameters and preview confirmations.
func (p *Pipeline) finish(ctx context.Context, msg Inbound, route string, res *executor.Result) []string {
	if !res.Handled {
		return []string{"No tengo una acción para eso todavía."}
	}
	if res.Missing != nil {
		p.clarify.Register(clarify.Pending{
			ChatID:         msg.ChatID,
			UserID:         msg.UserID,
			Source:         msg.Source,
			OriginalText:   msg.Text,
			Question:       res.Missing.Question,
			PreferredRoute: route,
			Missing:        res.Missing.Missing,
		})
		p.inc("pipeline.clarifications_asked")
		return []string{res.Missing.Question}
	}
	if res.NeedsPreview {
		p.clarify.Register(clarify.Pending{
			ChatID:          msg.ChatID,
			UserID:          msg.UserID,
			Source:          msg.Source,
			OriginalText:    msg.Text,
			Question:        firstOr(res.Replies, "¿Confirmo? (sí/no)"),
			PreferredRoute:  route,
			PreferredAction: "confirm",
		})
		p.inc("pipeline.previews_asked")
		return res.Replies
	}
	return res.Replies
}

// splitSequence asks the AI provider to break a compound request into
// ordered parts. Only plain user messages with an explicit sequence cue
// qualify.
func (p *Pipeline) splitSequence(ctx context.Context, msg Inbound) []string {
	if p.provider == nil || msg.Source == "scheduler" || msg.Depth > 0 {
		return nil
	}
	if len(msg.Text) < 40 || !sequenceRe.MatchString(msg.Text) {
		return nil
	}
	parts, err := p.provider.ClassifySequence(ctx, msg.Text, maxSeqParts)
	if err != nil {
		p.logger.Warn("sequence split failed", "error", err)
		return nil
	}
	if len(parts) > 1 {
		p.inc("pipeline.sequences_split")
		audit.Record("sequence.split", msg.ChatID, msg.UserID, msg.TraceID, map[string]any{
			"parts": len(parts),
		})
	}
	return parts
}

// chatContext assembles the narrowing signals from persisted chat state.
func (p *Pipeline) chatContext(ctx context.Context, chatID int64) narrow.ChatContext {
	var cc narrow.ChatContext

	if list, err := p.store.GetIndexedList(ctx, chatID); err == nil && list != nil {
		cc.IndexedListKind = list.Kind
		cc.RecentGmailList = list.Kind == store.ListGmail
	}
	if pending := p.clarify.Peek(chatID, 0); pending != nil {
		cc.PendingWorkspaceDelete = pending.PreferredRoute == "workspace" && pending.PreferredAction == "confirm"
	}
	if last, err := p.store.LastAssistantTurn(ctx, chatID); err == nil && last != nil {
		switch last.Route {
		case "gmail", "gmail-recipients":
			cc.MailContext = true
		case "connector":
			cc.RecentConnector = true
		}
	}
	return cc
}

func clarifyQuestion(hints []string) string {
	switch len(hints) {
	case 0:
		return "No estoy seguro de qué necesitas. ¿Puedes darme más detalle?"
	case 1:
		return fmt.Sprintf("¿Te refieres a algo de %s?", hints[0])
	default:
		return fmt.Sprintf("¿Te refieres a %s o a %s?", hints[0], strings.Join(hints[1:], " / "))
	}
}

func firstOr(list []string, fallback string) string {
	if len(list) > 0 {
		return list[0]
	}
	return fallback
}

func (p *Pipeline) inc(name string) {
	if p.metrics != nil {
		p.metrics.Inc(name, 1)
	}
}

func (p *Pipeline) observe(name string, d time.Duration) {
	if p.metrics != nil {
		p.metrics.Observe(name, d)
	}
}
