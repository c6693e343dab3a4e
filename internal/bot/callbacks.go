package bot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"blastbot/internal/broadcast"
	"blastbot/internal/crm"
	"blastbot/internal/storage"
	"blastbot/internal/transport"
	logx "blastbot/pkg/logx"
	"blastbot/pkg/tgui"
)

func (b *Bot) handleCallback(ctx context.Context, cb *transport.Callback) {
	if !b.isAdmin(cb.FromID) {
		_ = b.adapter.AnswerCallback(ctx, cb.ID, "Not authorized")
		return
	}
	_ = b.adapter.AnswerCallback(ctx, cb.ID, "")

	scope, action, payload := tgui.Split(cb.Data)
	sess := b.session(cb.ChatID)

	switch scope {
	case "menu":
		b.cbMenu(ctx, cb, sess, action)
	case "fnl":
		b.cbFunnel(ctx, cb, sess, action, payload)
	case "tpl":
		b.cbTemplate(ctx, cb, sess, action, payload)
	case "cfm":
		b.cbConfirm(ctx, cb, sess, action)
	case "job":
		b.cbJob(ctx, cb, action, payload)
	case "adm":
		b.cbAdmin(ctx, cb, sess, action, payload)
	case "rep":
		b.cbReport(ctx, cb, action)
	default:
		b.log.Debug("unknown callback", logx.String("data", cb.Data))
	}
}

func (b *Bot) cbMenu(ctx context.Context, cb *transport.Callback, sess *session, action string) {
	switch action {
	case "new":
		sess.reset()
		snap, err := b.audiences.Funnels(ctx)
		if err != nil {
			b.reply(ctx, cb.ChatID, "Funnel list unavailable: "+err.Error(), nil)
			return
		}
		if len(snap.Funnels) == 0 {
			b.reply(ctx, cb.ChatID, "No funnels yet. Refresh them first.", mainMenu())
			return
		}
		b.reply(ctx, cb.ChatID, "Pick the audience:", funnelMenu(snap))
	case "jobs":
		jobs, err := b.jobs.List()
		if err != nil {
			b.reply(ctx, cb.ChatID, "Job list unavailable: "+err.Error(), nil)
			return
		}
		if len(jobs) == 0 {
			b.reply(ctx, cb.ChatID, "Nothing scheduled.", mainMenu())
			return
		}
		b.reply(ctx, cb.ChatID, fmt.Sprintf("%d scheduled:", len(jobs)), jobsMenu(jobs))
	case "admins":
		ids, err := b.admins.List()
		if err != nil {
			b.reply(ctx, cb.ChatID, "Admin list unavailable: "+err.Error(), nil)
			return
		}
		b.reply(ctx, cb.ChatID, adminListText(ids), adminMenu(ids, cb.FromID))
	case "reports":
		b.reply(ctx, cb.ChatID, "Which report?", reportMenu())
	}
}

func (b *Bot) cbFunnel(ctx context.Context, cb *transport.Callback, sess *session, action, payload string) {
	switch action {
	case "refresh":
		b.reply(ctx, cb.ChatID, "Refreshing funnels from the CRM…", nil)
		snap, err := b.audiences.Refresh(ctx)
		if err != nil {
			b.reply(ctx, cb.ChatID, "Refresh failed: "+err.Error(), nil)
			return
		}
		b.reply(ctx, cb.ChatID,
			fmt.Sprintf("Loaded %d funnels.", len(snap.Funnels)), mainMenu())
	case "pick":
		if payload == "all" {
			b.reply(ctx, cb.ChatID, "Pulling contacts for every funnel…", nil)
			path, count, err := b.audiences.PrepareAll(ctx)
			if err != nil {
				b.reply(ctx, cb.ChatID, "Audience build failed: "+err.Error(), nil)
				return
			}
			if count == 0 {
				b.reply(ctx, cb.ChatID, "No usable contacts in any funnel.", mainMenu())
				return
			}
			sess.draft.funnel = crm.Funnel{Name: "All funnels"}
			sess.draft.contactsPath = path
			sess.draft.contactCount = count
			b.showTemplates(ctx, cb.ChatID, sess, count)
			return
		}
		statusID, err := strconv.ParseInt(payload, 10, 64)
		if err != nil {
			return
		}
		snap, err := b.audiences.Funnels(ctx)
		if err != nil {
			b.reply(ctx, cb.ChatID, "Funnel list unavailable: "+err.Error(), nil)
			return
		}
		for _, f := range snap.Funnels {
			if f.StatusID != statusID {
				continue
			}
			b.reply(ctx, cb.ChatID, "Pulling contacts for "+f.Name+"…", nil)
			path, count, err := b.audiences.Prepare(ctx, f)
			if err != nil {
				b.reply(ctx, cb.ChatID, "Audience build failed: "+err.Error(), nil)
				return
			}
			if count == 0 {
				b.reply(ctx, cb.ChatID, "That funnel has no usable contacts.", mainMenu())
				return
			}
			sess.draft.funnel = f
			sess.draft.contactsPath = path
			sess.draft.contactCount = count
			b.showTemplates(ctx, cb.ChatID, sess, count)
			return
		}
		b.reply(ctx, cb.ChatID, "That funnel is gone. Refresh and retry.", mainMenu())
	}
}

func (b *Bot) showTemplates(ctx context.Context, chatID int64, sess *session, count int) {
	ts, err := b.templates.Templates(ctx)
	if err != nil {
		b.reply(ctx, chatID, "Template list unavailable: "+err.Error(), nil)
		return
	}
	if len(ts) == 0 {
		b.reply(ctx, chatID, "No approved templates in the Gupshup app.", mainMenu())
		return
	}
	sess.templates = ts
	b.reply(ctx, chatID,
		fmt.Sprintf("%d contacts ready. Pick the template:", count), templateMenu(ts))
}

func (b *Bot) cbTemplate(ctx context.Context, cb *transport.Callback, sess *session, action, payload string) {
	if action != "pick" {
		return
	}
	idx, err := strconv.Atoi(payload)
	if err != nil || idx < 0 || idx >= len(sess.templates) {
		b.reply(ctx, cb.ChatID, "Stale template menu, start over with /menu.", nil)
		return
	}
	tpl := sess.templates[idx]
	sess.draft.template = tpl

	if strings.Contains(tpl.Data, broadcast.PlaceholderMessage) {
		sess.step = stepAwaitMessage
		b.reply(ctx, cb.ChatID,
			"Template:\n"+tpl.Data+"\n\nSend the text for "+broadcast.PlaceholderMessage+".", nil)
		return
	}
	sess.draft.body = tpl.Data
	sess.step = stepAwaitRunAt
	b.reply(ctx, cb.ChatID,
		"When should it go out? Send \"now\" or a time like 24.12.2026 10:30.", nil)
}

func (b *Bot) cbConfirm(ctx context.Context, cb *transport.Callback, sess *session, action string) {
	if sess.step != stepAwaitConfirm {
		b.reply(ctx, cb.ChatID, "Nothing to confirm. Use /menu.", nil)
		return
	}
	if action == "no" {
		sess.reset()
		b.reply(ctx, cb.ChatID, "Broadcast discarded.", mainMenu())
		return
	}
	if action != "yes" {
		return
	}

	d := sess.draft
	// Freeze the audience: later funnel refreshes must not touch a job
	// that is already on the books.
	contactsCopy, err := b.audiences.JobCopy(d.contactsPath)
	if err != nil {
		b.reply(ctx, cb.ChatID, "Could not snapshot the audience: "+err.Error(), nil)
		return
	}

	job := storage.Job{
		ID:           storage.NewJobID(),
		RunAt:        d.runAt,
		ContactsPath: contactsCopy,
		TemplateID:   d.template.ID,
		TemplateLang: d.template.LanguageCode,
		Funnel:       d.funnel.Name,
		Body:         d.body,
		DayFrom:      d.dayFrom,
		DayUntil:     d.dayUntil,
	}
	if err := b.sched.Schedule(job); err != nil {
		_ = os.Remove(contactsCopy)
		b.reply(ctx, cb.ChatID, "Scheduling failed: "+err.Error(), nil)
		return
	}
	sess.reset()
	b.reply(ctx, cb.ChatID,
		fmt.Sprintf("Scheduled %s for %s, %d contacts.",
			job.ID, job.RunAt.Format("02.01.2006 15:04"), d.contactCount),
		mainMenu())
}

func (b *Bot) cbJob(ctx context.Context, cb *transport.Callback, action, payload string) {
	switch action {
	case "view":
		job, err := b.jobs.Get(payload)
		if err != nil {
			if errors.Is(err, storage.ErrJobNotFound) {
				b.reply(ctx, cb.ChatID, "That job is gone.", mainMenu())
				return
			}
			b.reply(ctx, cb.ChatID, "Job lookup failed: "+err.Error(), nil)
			return
		}
		b.reply(ctx, cb.ChatID, jobDetailText(job), jobDetailMenu(job.ID))
	case "del":
		if err := b.sched.CancelJob(payload); err != nil {
			b.reply(ctx, cb.ChatID, "Cancel failed: "+err.Error(), nil)
			return
		}
		b.reply(ctx, cb.ChatID, "Job "+payload+" canceled.", mainMenu())
	}
}

func (b *Bot) cbAdmin(ctx context.Context, cb *transport.Callback, sess *session, action, payload string) {
	switch action {
	case "add":
		sess.step = stepAwaitAdminID
		b.reply(ctx, cb.ChatID, "Send the numeric Telegram user id to add.", nil)
	case "del":
		id, err := strconv.ParseInt(payload, 10, 64)
		if err != nil {
			return
		}
		if id == cb.FromID {
			b.reply(ctx, cb.ChatID, "You can't remove yourself.", nil)
			return
		}
		if err := b.admins.Remove(id); err != nil {
			b.reply(ctx, cb.ChatID, "Could not save the admin list.", nil)
			return
		}
		b.log.Info("admin removed", logx.Int64("user", id), logx.Int64("by", cb.FromID))
		b.reply(ctx, cb.ChatID, fmt.Sprintf("Removed %d.", id), mainMenu())
	}
}

func (b *Bot) cbReport(ctx context.Context, cb *transport.Callback, action string) {
	var (
		text string
		err  error
	)
	switch action {
	case "funnels":
		text, err = b.reports.FunnelText(ctx, time.Time{})
	case "days":
		text, err = b.reports.DayText(ctx, 14)
	case "failed":
		text, err = b.reports.FailedText(ctx, "", 20)
	case "errors":
		text, err = b.reports.ErrorsText(ctx)
	default:
		return
	}
	if err != nil {
		b.reply(ctx, cb.ChatID, "Report failed: "+err.Error(), nil)
		return
	}
	b.reply(ctx, cb.ChatID, text, nil)
}

func adminListText(ids []int64) string {
	if len(ids) == 0 {
		return "Nobody has access yet."
	}
	var sb strings.Builder
	sb.WriteString("Operators:\n")
	for _, id := range ids {
		fmt.Fprintf(&sb, "• %d\n", id)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func jobDetailText(j storage.Job) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Job %s\n", j.ID)
	fmt.Fprintf(&sb, "Run at: %s\n", j.RunAt.Format("02.01.2006 15:04"))
	fmt.Fprintf(&sb, "Funnel: %s\n", j.Funnel)
	fmt.Fprintf(&sb, "Template: %s\n", j.TemplateID)
	if j.DayFrom != "" {
		fmt.Fprintf(&sb, "Window: %s-%s\n", j.DayFrom, j.DayUntil)
	}
	fmt.Fprintf(&sb, "Text:\n%s", tgui.TruncRunes(j.Body, 500))
	return sb.String()
}
