package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"blastbot/internal/broadcast"
	"blastbot/internal/transport"
	logx "blastbot/pkg/logx"
)

func (b *Bot) handleMessage(ctx context.Context, m *transport.Message) {
	text := strings.TrimSpace(m.Text)

	if strings.HasPrefix(text, "/") {
		b.handleCommand(ctx, m, text)
		return
	}

	if !b.isAdmin(m.FromID) {
		return
	}

	sess := b.session(m.ChatID)
	switch sess.step {
	case stepAwaitMessage:
		b.stepMessage(ctx, m, sess, text)
	case stepAwaitRunAt:
		b.stepRunAt(ctx, m, sess, text)
	case stepAwaitWindow:
		b.stepWindow(ctx, m, sess, text)
	case stepAwaitAdminID:
		b.stepAdminID(ctx, m, sess, text)
	default:
		b.reply(ctx, m.ChatID, "Use /menu to start.", nil)
	}
}

func (b *Bot) handleCommand(ctx context.Context, m *transport.Message, text string) {
	cmd := text
	if i := strings.IndexAny(cmd, " @"); i > 0 {
		cmd = cmd[:i]
	}

	if cmd == "/setup" {
		b.cmdSetup(ctx, m)
		return
	}
	if !b.isAdmin(m.FromID) {
		b.reply(ctx, m.ChatID, "You are not on the operator list.", nil)
		return
	}

	switch cmd {
	case "/start", "/menu":
		b.session(m.ChatID).reset()
		b.reply(ctx, m.ChatID, "What do you want to do?", mainMenu())
	case "/cancel":
		b.session(m.ChatID).reset()
		b.reply(ctx, m.ChatID, "Flow aborted.", mainMenu())
	default:
		b.reply(ctx, m.ChatID, "Unknown command. Use /menu.", nil)
	}
}

// cmdSetup claims the bot for its first operator. Once somebody is on the
// list the command only works for existing admins (who don't need it).
func (b *Bot) cmdSetup(ctx context.Context, m *transport.Message) {
	if !b.admins.Empty() {
		if b.isAdmin(m.FromID) {
			b.reply(ctx, m.ChatID, "Already set up. Use /menu.", nil)
		}
		return
	}
	if err := b.admins.Add(m.FromID); err != nil {
		b.log.Error("first admin bootstrap failed", logx.Err(err))
		b.reply(ctx, m.ChatID, "Setup failed, check the logs.", nil)
		return
	}
	b.log.Info("first admin registered",
		logx.Int64("user", m.FromID),
		logx.String("username", m.FromUsername),
	)
	b.reply(ctx, m.ChatID, "You are now the bot operator.", mainMenu())
}

func (b *Bot) stepMessage(ctx context.Context, m *transport.Message, sess *session, text string) {
	if text == "" {
		b.reply(ctx, m.ChatID, "Send the broadcast text.", nil)
		return
	}
	sess.draft.body = broadcast.FillMessage(sess.draft.template.Data, text)
	sess.step = stepAwaitRunAt
	b.reply(ctx, m.ChatID,
		"When should it go out? Send \"now\" or a time like 24.12.2026 10:30.", nil)
}

func (b *Bot) stepRunAt(ctx context.Context, m *transport.Message, sess *session, text string) {
	runAt, err := parseRunAt(text, b.now(), b.cfg.Location)
	if err != nil {
		b.reply(ctx, m.ChatID, "Can't read that time: "+err.Error(), nil)
		return
	}
	sess.draft.runAt = runAt
	sess.step = stepAwaitWindow
	b.reply(ctx, m.ChatID,
		"Optional daily sending window, e.g. 10:00-20:00. Send \"skip\" for the default.", nil)
}

func (b *Bot) stepWindow(ctx context.Context, m *transport.Message, sess *session, text string) {
	from, until, err := parseWindowSpec(text)
	if err != nil {
		b.reply(ctx, m.ChatID, "Can't read that window: "+err.Error(), nil)
		return
	}
	sess.draft.dayFrom = from
	sess.draft.dayUntil = until
	sess.step = stepAwaitConfirm
	b.reply(ctx, m.ChatID, draftSummary(sess.draft), confirmMenu())
}

func (b *Bot) stepAdminID(ctx context.Context, m *transport.Message, sess *session, text string) {
	id, err := strconv.ParseInt(text, 10, 64)
	if err != nil || id <= 0 {
		b.reply(ctx, m.ChatID, "Send the numeric Telegram user id.", nil)
		return
	}
	if err := b.admins.Add(id); err != nil {
		b.log.Error("admin add failed", logx.Err(err))
		b.reply(ctx, m.ChatID, "Could not save the admin list.", nil)
		return
	}
	sess.reset()
	b.log.Info("admin added", logx.Int64("user", id), logx.Int64("by", m.FromID))
	b.reply(ctx, m.ChatID, fmt.Sprintf("Added %d to the operator list.", id), mainMenu())
}

func draftSummary(d draft) string {
	var sb strings.Builder
	sb.WriteString("Please confirm the broadcast:\n")
	fmt.Fprintf(&sb, "Audience: %s (%d contacts)\n", d.funnel.Name, d.contactCount)
	fmt.Fprintf(&sb, "Template: %s\n", d.template.ElementName)
	fmt.Fprintf(&sb, "Run at: %s\n", d.runAt.Format("02.01.2006 15:04"))
	if d.dayFrom != "" {
		fmt.Fprintf(&sb, "Window: %s-%s\n", d.dayFrom, d.dayUntil)
	}
	fmt.Fprintf(&sb, "Text:\n%s", d.body)
	return sb.String()
}
