package bot

import (
	"fmt"
	"strconv"

	tele "gopkg.in/telebot.v4"

	"blastbot/internal/crm"
	"blastbot/internal/gupshup"
	"blastbot/internal/storage"
	"blastbot/internal/transport"
	"blastbot/pkg/tgui"
)

func markup(rm *tele.ReplyMarkup) *transport.SendOptions {
	return &transport.SendOptions{ReplyMarkupAdapter: rm}
}

func mainMenu() *transport.SendOptions {
	return markup(tgui.NewInline().
		Row(tgui.Btn("📣 New broadcast", tgui.Data("menu", "new", ""))).
		Row(tgui.Btn("🗓 Scheduled jobs", tgui.Data("menu", "jobs", ""))).
		Row(tgui.Btn("📈 Reports", tgui.Data("menu", "reports", ""))).
		Row(
			tgui.Btn("👤 Admins", tgui.Data("menu", "admins", "")),
			tgui.Btn("🔄 Refresh funnels", tgui.Data("fnl", "refresh", "")),
		).
		Markup())
}

func funnelMenu(snap crm.Snapshot) *transport.SendOptions {
	btns := make([]tele.Btn, 0, len(snap.Funnels)+1)
	for _, f := range snap.Funnels {
		data := tgui.Data("fnl", "pick", strconv.FormatInt(f.StatusID, 10))
		btns = append(btns, tgui.Btn(f.Name, data))
	}
	btns = append(btns, tgui.Btn("📢 All funnels", tgui.Data("fnl", "pick", "all")))
	return markup(tgui.Rows(btns))
}

func templateMenu(ts []gupshup.Template) *transport.SendOptions {
	btns := make([]tele.Btn, 0, len(ts))
	for i, t := range ts {
		data := tgui.Data("tpl", "pick", strconv.Itoa(i))
		btns = append(btns, tgui.Btn(t.ElementName, data))
	}
	return markup(tgui.Rows(btns))
}

func confirmMenu() *transport.SendOptions {
	return markup(tgui.NewInline().
		Row(
			tgui.Btn("✅ Schedule", tgui.Data("cfm", "yes", "")),
			tgui.Btn("❌ Cancel", tgui.Data("cfm", "no", "")),
		).
		Markup())
}

func jobsMenu(jobs []storage.Job) *transport.SendOptions {
	btns := make([]tele.Btn, 0, len(jobs))
	for _, j := range jobs {
		label := fmt.Sprintf("%s %s", j.RunAt.Format("02.01 15:04"), j.Funnel)
		btns = append(btns, tgui.Btn(tgui.TruncRunes(label, 40), tgui.Data("job", "view", j.ID)))
	}
	return markup(tgui.Rows(btns))
}

func jobDetailMenu(id string) *transport.SendOptions {
	return markup(tgui.NewInline().
		Row(tgui.Btn("🗑 Delete job", tgui.Data("job", "del", id))).
		Markup())
}

func adminMenu(ids []int64, self int64) *transport.SendOptions {
	kb := tgui.NewInline()
	for _, id := range ids {
		if id == self {
			continue
		}
		kb.Row(tgui.Btn(
			fmt.Sprintf("➖ Remove %d", id),
			tgui.Data("adm", "del", strconv.FormatInt(id, 10)),
		))
	}
	kb.Row(tgui.Btn("➕ Add admin", tgui.Data("adm", "add", "")))
	return markup(kb.Markup())
}

func reportMenu() *transport.SendOptions {
	return markup(tgui.NewInline().
		Row(
			tgui.Btn("By funnel", tgui.Data("rep", "funnels", "")),
			tgui.Btn("By day", tgui.Data("rep", "days", "")),
		).
		Row(
			tgui.Btn("Failed sends", tgui.Data("rep", "failed", "")),
			tgui.Btn("Rejected numbers", tgui.Data("rep", "errors", "")),
		).
		Markup())
}
