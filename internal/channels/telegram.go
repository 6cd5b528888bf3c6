package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/almacen/mayordomo/internal/admin"
	"github.com/almacen/mayordomo/internal/fault"
	"github.com/almacen/mayordomo/internal/obs"
	"github.com/almacen/mayordomo/internal/pipeline"
)

// Telegram message bodies cap at 4096 characters; longer replies are
// chunked on line boundaries where possible.
const telegramMaxRunes = 4096

// Telegram is the long-polling Telegram adapter. Inbound messages from
// allow-listed users go to the pipeline; replies come back through Send,
// which also serves as the egress for the scheduler and the outbox.
type Telegram struct {
	token    string
	allowed  map[int64]bool
	sink     Sink
	security *admin.Security
	metrics  *obs.Registry
	logger   *slog.Logger

	bot  *tgbotapi.BotAPI
	send func(tgbotapi.Chattable) (tgbotapi.Message, error)
}

// NewTelegram builds the adapter. security may be nil, which disables the
// /admin and /panico operator commands.
func NewTelegram(token string, allowedIDs []int64, sink Sink, security *admin.Security, metrics *obs.Registry, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[int64]bool, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = true
	}
	return &Telegram{
		token:    token,
		allowed:  allowed,
		sink:     sink,
		security: security,
		metrics:  metrics,
		logger:   logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// SetSink wires the inbound destination. The adapter doubles as the
// pipeline's egress, so one of the two has to be attached after
// construction; call this before Start.
func (t *Telegram) SetSink(s Sink) { t.sink = s }

// Start connects and long-polls until ctx is cancelled. Disconnects
// reconnect with capped exponential backoff.
func (t *Telegram) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init: %w", err)
	}
	t.bot = bot
	if t.send == nil {
		t.send = bot.Send
	}
	t.logger.Info("telegram connected", "bot", bot.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := bot.GetUpdatesChan(u)

		pollErr := t.poll(ctx, updates)
		bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}
		t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// poll reads updates until ctx is done, the channel closes, or nothing
// arrives within the stall window. The library's 60 s long poll blocks
// silently on a dead connection instead of closing the channel, so a
// stalled timer is the only disconnect signal we get.
func (t *Telegram) poll(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil || update.Message.From == nil {
				continue
			}
			t.handleMessage(update.Message)
		case <-timer.C:
			return fmt.Errorf("no updates for %v", stallTimeout)
		}
	}
}

func (t *Telegram) handleMessage(msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	if !t.allowed[msg.From.ID] {
		t.logger.Warn("telegram access denied", "user_id", msg.From.ID, "user", msg.From.UserName)
		t.inc("telegram.denied")
		return
	}
	t.inc("telegram.messages")

	if reply, handled := t.operatorCommand(msg.Chat.ID, text); handled {
		t.replyTo(msg.Chat.ID, reply)
		return
	}

	if t.sink == nil {
		t.logger.Error("telegram message dropped, no sink attached", "chat", msg.Chat.ID)
		return
	}
	err := t.sink.Submit(pipeline.Inbound{
		ChatID: msg.Chat.ID,
		UserID: msg.From.ID,
		Text:   text,
		Source: "telegram",
	})
	if err == nil {
		return
	}
	if fault.KindOf(err) == fault.KindOverflow {
		t.inc("telegram.overflow")
		t.replyTo(msg.Chat.ID, "Estoy saturado ahora mismo. Dame un momento y vuelve a intentarlo.")
		return
	}
	t.logger.Error("telegram submit failed", "chat", msg.Chat.ID, "error", err)
	t.replyTo(msg.Chat.ID, "No he podido encolar tu mensaje. Inténtalo de nuevo.")
}

// operatorCommand handles the /admin and /panico toggles inline; they
// flip in-memory security switches and never reach the router.
func (t *Telegram) operatorCommand(chatID int64, text string) (string, bool) {
	if t.security == nil {
		return "", false
	}
	fields := strings.Fields(strings.ToLower(text))
	if len(fields) == 0 {
		return "", false
	}
	switch fields[0] {
	case "/admin":
		on := len(fields) > 1 && fields[1] == "on"
		off := len(fields) > 1 && fields[1] == "off"
		if !on && !off {
			return "Uso: /admin on|off", true
		}
		t.security.SetAdminMode(chatID, on)
		if on {
			return "Modo admin activado para este chat.", true
		}
		return "Modo admin desactivado para este chat.", true
	case "/panico":
		on := len(fields) > 1 && fields[1] == "on"
		off := len(fields) > 1 && fields[1] == "off"
		if !on && !off {
			return "Uso: /panico on|off", true
		}
		t.security.SetPanicMode(on)
		if on {
			return "Modo pánico activado: capacidades sensibles bloqueadas.", true
		}
		return "Modo pánico desactivado.", true
	}
	return "", false
}

// Send delivers one reply, chunking bodies past the Telegram limit. It
// satisfies the scheduler/outbox egress contract; failures come back as
// transient so the outbox retries them.
func (t *Telegram) Send(ctx context.Context, chatID int64, text string) error {
	if t.send == nil {
		return fault.Transient("telegram not connected")
	}
	for _, chunk := range chunkMessage(text, telegramMaxRunes) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := t.send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			return fault.Wrap(fault.KindTransient, err, "telegram send")
		}
	}
	return nil
}

func (t *Telegram) replyTo(chatID int64, text string) {
	if err := t.Send(context.Background(), chatID, text); err != nil {
		t.logger.Error("telegram reply failed", "chat", chatID, "error", err)
	}
}

func (t *Telegram) inc(name string) {
	if t.metrics != nil {
		t.metrics.Inc(name, 1)
	}
}

// chunkMessage splits text into pieces of at most limit runes, preferring
// newline boundaries, then spaces, then a hard cut.
func chunkMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		if cut == limit {
			for i := limit; i > limit/2; i-- {
				if runes[i-1] == ' ' {
					cut = i
					break
				}
			}
		}
		chunks = append(chunks, strings.TrimRight(string(runes[:cut]), " \n"))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}
