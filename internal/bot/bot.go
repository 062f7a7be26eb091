package bot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"go.uber.org/zap"

	"github.com/zette-dev/natron/internal/config"
	"github.com/zette-dev/natron/internal/core"
	"github.com/zette-dev/natron/internal/queue"
	"github.com/zette-dev/natron/internal/session"
	"github.com/zette-dev/natron/internal/workdir"
)

const maxMessageLen = 4096 // Telegram's own hard cap on a single message edit/send.

// Bot wraps the Telegram bot and routes messages through Core
// (SessionManager + MessageQueue + HistoryStore), replacing the
// teacher's direct SessionProvider/executor.Event wiring.
type Bot struct {
	tg  *bot.Bot
	c   *core.Core
	log *zap.SugaredLogger

	telegramCfg config.TelegramConfig
	sessionCfg  config.SessionConfig

	allowed map[int64]bool
}

// New creates a Telegram bot wired to core and registers it as the
// Queue's Deliverer.
func New(log *zap.SugaredLogger, telegramCfg config.TelegramConfig, sessionCfg config.SessionConfig, c *core.Core) (*Bot, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	allowed := make(map[int64]bool, len(telegramCfg.AllowedUserIDs))
	for _, id := range telegramCfg.AllowedUserIDs {
		allowed[id] = true
	}

	b := &Bot{
		c:           c,
		log:         log,
		telegramCfg: telegramCfg,
		sessionCfg:  sessionCfg,
		allowed:     allowed,
	}

	opts := []bot.Option{
		bot.WithMiddlewares(b.authMiddleware),
		bot.WithMessageTextHandler("/new", bot.MatchTypePrefix, b.handleNew),
		bot.WithMessageTextHandler("/open", bot.MatchTypePrefix, b.handleOpen),
		bot.WithMessageTextHandler("/close", bot.MatchTypePrefix, b.handleClose),
		bot.WithMessageTextHandler("/default", bot.MatchTypePrefix, b.handleDefault),
		bot.WithMessageTextHandler("/job", bot.MatchTypePrefix, b.handleJob),
		bot.WithMessageTextHandler("/clean", bot.MatchTypePrefix, b.handleClean),
		bot.WithMessageTextHandler("/status", bot.MatchTypePrefix, b.handleStatus),
		bot.WithMessageTextHandler("/history", bot.MatchTypePrefix, b.handleHistory),
		bot.WithDefaultHandler(b.handleMessage),
	}

	tgBot, err := bot.New(telegramCfg.BotToken, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	b.tg = tgBot
	c.BindDeliverer(b)
	return b, nil
}

// Start begins long polling. Blocks until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) {
	b.log.Infow("telegram bot starting long poll")
	b.tg.Start(ctx)
}

// authMiddleware silently drops messages from unauthorized users (spec
// §6's admission policy, step 1).
func (b *Bot) authMiddleware(next bot.HandlerFunc) bot.HandlerFunc {
	return func(ctx context.Context, tg *bot.Bot, update *models.Update) {
		if update.Message == nil || update.Message.From == nil {
			return
		}
		if !b.allowed[update.Message.From.ID] {
			b.log.Warnw("unauthorized message", "user_id", update.Message.From.ID)
			return
		}
		next(ctx, tg, update)
	}
}

// handleMessage is the default handler for anything not matching a
// registered command prefix: bare "@" (List), "@name text" or plain text
// (Enqueue). Target-session resolution happens at dispatch time inside
// the queue, so both forms enqueue with an empty TargetSession (spec
// §4.4).
func (b *Bot) handleMessage(ctx context.Context, tg *bot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.Text == "" {
		return
	}

	chatID := update.Message.Chat.ID
	text := update.Message.Text

	if strings.TrimSpace(text) == "@" {
		b.replyList(ctx, chatID)
		return
	}

	tg.SendChatAction(ctx, &bot.SendChatActionParams{ChatID: chatID, Action: models.ChatActionTyping})

	if _, err := b.c.Queue.Enqueue(chatID, queue.Payload{Text: text}, ""); err != nil {
		b.reply(ctx, chatID, friendlyError(err))
	}
}

// handleNew implements "/new [name]": opens a new Session, generating a
// name if none was given.
func (b *Bot) handleNew(ctx context.Context, tg *bot.Bot, update *models.Update) {
	chatID := update.Message.Chat.ID
	name, _ := splitNameRest(argsAfter(update.Message.Text, "/new"))
	if name == "" {
		name = generateSessionName()
	}

	if _, err := b.c.Sessions.Open(ctx, name, ""); err != nil {
		b.reply(ctx, chatID, friendlyError(err))
		return
	}
	b.reply(ctx, chatID, fmt.Sprintf("Session %q created.", name))
}

// handleOpen implements "/open <name> [dir]".
func (b *Bot) handleOpen(ctx context.Context, tg *bot.Bot, update *models.Update) {
	chatID := update.Message.Chat.ID
	name, dir := splitNameRest(argsAfter(update.Message.Text, "/open"))
	if name == "" {
		b.reply(ctx, chatID, "usage: /open <name> [dir]")
		return
	}

	if _, err := b.c.Sessions.Open(ctx, name, dir); err != nil {
		b.reply(ctx, chatID, friendlyError(err))
		return
	}
	b.reply(ctx, chatID, fmt.Sprintf("Session %q opened.", name))
}

// handleClose implements "/close [name]". With no name, it resets the
// current default session in place (close, drop history, reopen under
// the same name) rather than removing it, since SessionManager.Close
// refuses to remove the default (spec §4.3).
func (b *Bot) handleClose(ctx context.Context, tg *bot.Bot, update *models.Update) {
	chatID := update.Message.Chat.ID
	name := strings.TrimSpace(argsAfter(update.Message.Text, "/close"))

	if name == "" {
		if err := b.resetDefault(ctx); err != nil {
			b.reply(ctx, chatID, friendlyError(err))
			return
		}
		b.reply(ctx, chatID, "Default session reset.")
		return
	}

	if err := b.c.Sessions.Close(name); err != nil {
		b.reply(ctx, chatID, friendlyError(err))
		return
	}
	b.reply(ctx, chatID, fmt.Sprintf("Session %q closed.", name))
}

func (b *Bot) resetDefault(ctx context.Context) error {
	name := b.c.Sessions.DefaultName()
	if err := b.c.Sessions.CloseAdmin(name); err != nil {
		return err
	}
	if err := b.c.History.Drop(name); err != nil {
		b.log.Warnw("history drop failed during reset", "session", name, "error", err)
	}
	_, err := b.c.Sessions.Open(ctx, name, "")
	return err
}

// handleDefault implements "/default [name]".
func (b *Bot) handleDefault(ctx context.Context, tg *bot.Bot, update *models.Update) {
	chatID := update.Message.Chat.ID
	name := strings.TrimSpace(argsAfter(update.Message.Text, "/default"))

	if err := b.c.Sessions.SetDefault(name); err != nil {
		b.reply(ctx, chatID, friendlyError(err))
		return
	}
	if name == "" {
		b.reply(ctx, chatID, "Default session reverted to the configured startup default.")
		return
	}
	b.reply(ctx, chatID, fmt.Sprintf("Default session set to %q.", name))
}

// handleJob implements "/job": MessageQueue.Snapshot().
func (b *Bot) handleJob(ctx context.Context, tg *bot.Bot, update *models.Update) {
	chatID := update.Message.Chat.ID
	snaps := b.c.Queue.Snapshot()
	if len(snaps) == 0 {
		b.reply(ctx, chatID, "No jobs.")
		return
	}

	var sb strings.Builder
	for _, s := range snaps {
		fmt.Fprintf(&sb, "%s  %-9s  chat=%d  session=%s\n", s.ID.String()[:8], s.Status, s.ChatID, s.Session)
	}
	b.reply(ctx, chatID, sb.String())
}

// handleClean implements "/clean": reset histories + in-memory caches
// for every known session.
func (b *Bot) handleClean(ctx context.Context, tg *bot.Bot, update *models.Update) {
	chatID := update.Message.Chat.ID
	for _, e := range b.c.Sessions.List() {
		if err := b.c.History.Drop(e.Name); err != nil {
			b.log.Warnw("history drop failed during clean", "session", e.Name, "error", err)
		}
	}
	b.reply(ctx, chatID, "Histories cleared.")
}

// handleStatus implements "/status": a summary of every known session.
func (b *Bot) handleStatus(ctx context.Context, tg *bot.Bot, update *models.Update) {
	chatID := update.Message.Chat.ID
	entries := b.c.Sessions.List()
	if len(entries) == 0 {
		b.reply(ctx, chatID, "No active sessions.")
		return
	}

	def := b.c.Sessions.DefaultName()
	var sb strings.Builder
	for _, e := range entries {
		marker := ""
		if e.Name == def {
			marker = " (default)"
		}
		fmt.Fprintf(&sb, "%s%s — %s, age %s, workdir=%s\n",
			e.Name, marker, e.State, e.Age.Round(time.Second), e.Workdir)
	}
	b.reply(ctx, chatID, sb.String())
}

// handleHistory implements "/history [n]" against the current default
// session.
func (b *Bot) handleHistory(ctx context.Context, tg *bot.Bot, update *models.Update) {
	chatID := update.Message.Chat.ID
	n := 20
	if raw := strings.TrimSpace(argsAfter(update.Message.Text, "/history")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			n = parsed
		}
	}

	name := b.c.Sessions.DefaultName()
	entries, err := b.c.History.Read(name, n)
	if err != nil {
		b.reply(ctx, chatID, friendlyError(err))
		return
	}
	if len(entries) == 0 {
		b.reply(ctx, chatID, "No history.")
		return
	}

	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "[%s] %s: %s\n", e.Timestamp.Format("15:04:05"), e.Direction, e.Text)
	}
	b.reply(ctx, chatID, sb.String())
}

func (b *Bot) replyList(ctx context.Context, chatID int64) {
	entries := b.c.Sessions.List()
	if len(entries) == 0 {
		b.reply(ctx, chatID, "No active sessions.")
		return
	}
	def := b.c.Sessions.DefaultName()
	var sb strings.Builder
	for _, e := range entries {
		marker := ""
		if e.Name == def {
			marker = " (default)"
		}
		fmt.Fprintf(&sb, "%s%s\n", e.Name, marker)
	}
	b.reply(ctx, chatID, sb.String())
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	if utf8.RuneCountInString(text) > maxMessageLen {
		text = truncateRunes(text, maxMessageLen-3) + "..."
	}
	if _, err := b.tg.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text}); err != nil {
		b.log.Warnw("send message failed", "chat_id", chatID, "error", err)
	}
}

// Deliver implements queue.Deliverer: the outbound half of the transport
// boundary (spec §5/§6). Replies at or under
// SessionConfig.MaxInlineReplyLen are sent inline with MarkdownV2
// formatting; longer ones are sent as a Markdown file artifact. Each
// finished job becomes one new message — with workers now free to run
// more than one job per chatID concurrently (across distinct target
// sessions), there is no single stable message handle to edit in place
// the way the teacher's single-stream streamResponse loop did.
func (b *Bot) Deliver(chatID int64, replyText string, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err != nil {
		b.reply(ctx, chatID, friendlyError(err))
		return
	}

	threshold := b.sessionCfg.MaxInlineReplyLen
	if threshold <= 0 {
		threshold = 3000
	}

	if utf8.RuneCountInString(replyText) <= threshold {
		b.deliverInline(ctx, chatID, replyText)
		return
	}
	b.deliverArtifact(ctx, chatID, replyText)
}

func (b *Bot) deliverInline(ctx context.Context, chatID int64, text string) {
	sendText := formatV2(text)
	if utf8.RuneCountInString(sendText) > maxMessageLen {
		sendText = truncateRunes(sendText, maxMessageLen-3) + "..."
	}
	_, err := b.tg.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      sendText,
		ParseMode: models.ParseModeMarkdown, // maps to "MarkdownV2" in this library
	})
	if err != nil {
		b.log.Warnw("send inline reply failed", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) deliverArtifact(ctx context.Context, chatID int64, text string) {
	_, err := b.tg.SendDocument(ctx, &bot.SendDocumentParams{
		ChatID: chatID,
		Document: &models.InputFileUpload{
			Filename: "reply.md",
			Data:     bytes.NewReader([]byte(text)),
		},
		Caption: "Reply exceeded the inline length threshold.",
	})
	if err != nil {
		b.log.Warnw("send file artifact failed", "chat_id", chatID, "error", err)
	}
}

// friendlyError maps the core's error taxonomy (spec §7) onto short
// user-facing messages; anything unrecognized falls back to its Error()
// text.
func friendlyError(err error) string {
	switch {
	case errors.Is(err, session.ErrNameExists):
		return "A session with that name already exists."
	case errors.Is(err, session.ErrNameInvalid):
		return "Invalid session name."
	case errors.Is(err, session.ErrNameReserved):
		return "That name is reserved."
	case errors.Is(err, session.ErrNotFound):
		return "No such session."
	case errors.Is(err, session.ErrIsDefault):
		return "Can't close the default session directly; use /close with no name to reset it."
	case errors.Is(err, workdir.ErrWorkdirInvalid):
		return "That working directory is invalid."
	case errors.Is(err, session.ErrTimeout):
		return "The assistant did not respond in time and has been restarted. Please try again."
	case errors.Is(err, session.ErrHardFail):
		return "The assistant hit an unrecoverable error. Please try again."
	case errors.Is(err, queue.ErrOverCapacity):
		return "Busy right now, please try again shortly."
	case errors.Is(err, queue.ErrShutdown):
		return "Shutting down, not accepting new requests."
	default:
		return fmt.Sprintf("Error: %v", err)
	}
}

// argsAfter returns the text following the given command token, trimmed.
func argsAfter(text, cmd string) string {
	rest := strings.TrimPrefix(text, cmd)
	return strings.TrimSpace(rest)
}

// splitNameRest splits "name rest-of-line" on the first run of
// whitespace, per the command table's "<name> [dir]" / "[name]" shapes.
func splitNameRest(args string) (name, rest string) {
	args = strings.TrimSpace(args)
	if args == "" {
		return "", ""
	}
	sp := strings.IndexAny(args, " \t")
	if sp < 0 {
		return args, ""
	}
	return args[:sp], strings.TrimSpace(args[sp+1:])
}

// generateSessionName produces a default name for "/new" with no
// argument.
func generateSessionName() string {
	return fmt.Sprintf("session-%d", time.Now().Unix())
}

// truncateRunes returns the first n runes of s.
func truncateRunes(s string, n int) string {
	i := 0
	for j := range s {
		if i >= n {
			return s[:j]
		}
		i++
	}
	return s
}

// formatV2 converts assistant markdown output to Telegram MarkdownV2.
//
// Code fences (``` ... ```) are preserved with their language hint; content
// inside is escaped (only \ and ` need escaping in a code block). Inline code
// spans (` ... `) are preserved similarly. All other MarkdownV2 special
// characters are escaped in plain-text segments so the message is never
// rejected by Telegram. Bold spans (**...**) become MarkdownV2 bold
// (*...*); italic and headers are not converted — they render as their
// literal characters, which is readable.
func formatV2(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	inFence := false

	for _, line := range lines {
		if strings.HasPrefix(line, "```") {
			inFence = !inFence
			out = append(out, line) // fence delimiters pass through unchanged
			continue
		}
		if inFence {
			// Escape only backslash and backtick inside code blocks.
			line = strings.ReplaceAll(line, `\`, `\\`)
			line = strings.ReplaceAll(line, "`", "\\`")
			out = append(out, line)
		} else {
			out = append(out, escapeV2Line(line))
		}
	}

	// If input had an unclosed fence, close it so Telegram doesn't reject it.
	if inFence {
		out = append(out, "```")
	}

	return strings.Join(out, "\n")
}

// escapeV2Line escapes a single plain-text line for Telegram MarkdownV2.
// Inline code spans (` ... `) and bold spans (**...**) are preserved and
// converted to their MarkdownV2 equivalents. Everything else has special
// characters escaped with a backslash.
func escapeV2Line(line string) string {
	var out strings.Builder
	i := 0
	for i < len(line) {
		// Inline code span: `...`
		if line[i] == '`' {
			j := strings.IndexByte(line[i+1:], '`')
			if j >= 0 {
				j += i + 1 // absolute index of closing backtick
				out.WriteByte('`')
				// Inside inline code: escape only backslash.
				content := strings.ReplaceAll(line[i+1:j], `\`, `\\`)
				out.WriteString(content)
				out.WriteByte('`')
				i = j + 1
				continue
			}
			// No closing backtick — escape it as a literal character.
			out.WriteString("\\`")
			i++
			continue
		}

		// Bold span: **...** → *...*  (MarkdownV2 bold uses single *)
		if i+1 < len(line) && line[i] == '*' && line[i+1] == '*' {
			j := strings.Index(line[i+2:], "**")
			if j >= 0 {
				j += i + 2 // absolute index of closing **
				out.WriteByte('*')
				for _, r := range line[i+2 : j] {
					if isV2Special(r) {
						out.WriteByte('\\')
					}
					out.WriteRune(r)
				}
				out.WriteByte('*')
				i = j + 2
				continue
			}
			// No closing ** — escape both asterisks as literals.
			out.WriteString("\\*\\*")
			i += 2
			continue
		}

		r, size := utf8.DecodeRuneInString(line[i:])
		if isV2Special(r) {
			out.WriteByte('\\')
		}
		out.WriteRune(r)
		i += size
	}
	return out.String()
}

// isV2Special reports whether r must be escaped in Telegram MarkdownV2.
func isV2Special(r rune) bool {
	const special = `\_*[]()~` + "`" + `>#+-=|{}.!`
	return strings.ContainsRune(special, r)
}

var _ queue.Deliverer = (*Bot)(nil)
