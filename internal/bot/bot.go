// Package bot is the Telegram operator console: pick an audience, pick a
// template, schedule the broadcast, inspect jobs and reports.
package bot

import (
	"context"
	"sync"
	"time"

	"blastbot/internal/crm"
	"blastbot/internal/gupshup"
	"blastbot/internal/report"
	"blastbot/internal/storage"
	"blastbot/internal/transport"
	logx "blastbot/pkg/logx"
)

// Scheduler is the slice of the broadcast service the console drives.
type Scheduler interface {
	Schedule(j storage.Job) error
	CancelJob(id string) error
}

// TemplateSource lists the approved WhatsApp templates.
type TemplateSource interface {
	Templates(ctx context.Context) ([]gupshup.Template, error)
}

// Audiences hides the CRM snapshot plumbing behind what the console needs.
type Audiences interface {
	Funnels(ctx context.Context) (crm.Snapshot, error)
	Refresh(ctx context.Context) (crm.Snapshot, error)
	Prepare(ctx context.Context, f crm.Funnel) (path string, count int, err error)
	PrepareAll(ctx context.Context) (path string, count int, err error)
	JobCopy(path string) (string, error)
}

type Config struct {
	// Location resolves operator-entered schedule times; nil means local.
	Location *time.Location
}

type Bot struct {
	cfg       Config
	adapter   transport.Adapter
	admins    *storage.AdminStore
	jobs      *storage.JobStore
	sched     Scheduler
	templates TemplateSource
	audiences Audiences
	reports   *report.Reporter
	log       logx.Logger

	// now is swappable for tests.
	now func() time.Time

	mu       sync.Mutex
	sessions map[int64]*session
}

func New(
	cfg Config,
	adapter transport.Adapter,
	admins *storage.AdminStore,
	jobs *storage.JobStore,
	sched Scheduler,
	templates TemplateSource,
	audiences Audiences,
	reports *report.Reporter,
	log logx.Logger,
) *Bot {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bot{
		cfg:       cfg,
		adapter:   adapter,
		admins:    admins,
		jobs:      jobs,
		sched:     sched,
		templates: templates,
		audiences: audiences,
		reports:   reports,
		log:       log,
		now:       time.Now,
		sessions:  map[int64]*session{},
	}
}

// Run starts the transport adapter and consumes its updates until ctx is
// canceled. It blocks.
func (b *Bot) Run(ctx context.Context) error {
	updates := make(chan transport.Update, 64)
	if err := b.adapter.Start(ctx, updates); err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.adapter.Stop(sctx)
	}()

	if menu, ok := b.adapter.(transport.CommandMenuUpdater); ok {
		_ = menu.UpdateMenuCommands(ctx, []transport.BotCommand{
			{Command: "menu", Description: "Open the operator menu"},
			{Command: "cancel", Description: "Abort the current flow"},
			{Command: "setup", Description: "Claim the bot (first run only)"},
		})
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case upd := <-updates:
			b.handle(ctx, upd)
		}
	}
}

func (b *Bot) handle(ctx context.Context, upd transport.Update) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("update handler panicked", logx.Any("panic", r))
		}
	}()
	switch upd.Kind {
	case transport.UpdateMessage:
		if upd.Message == nil || upd.Message.IsGroup {
			return
		}
		b.handleMessage(ctx, upd.Message)
	case transport.UpdateCallback:
		if upd.Callback == nil {
			return
		}
		b.handleCallback(ctx, upd.Callback)
	}
}

func (b *Bot) session(chatID int64) *session {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[chatID]
	if !ok {
		s = &session{}
		b.sessions[chatID] = s
	}
	return s
}

func (b *Bot) isAdmin(userID int64) bool {
	return b.admins.Contains(userID)
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string, opt *transport.SendOptions) {
	if _, err := b.adapter.SendText(ctx, transport.ChatTarget{ChatID: chatID}, text, opt); err != nil {
		b.log.Warn("send failed", logx.Int64("chat", chatID), logx.Err(err))
	}
}
