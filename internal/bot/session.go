package bot

import (
	"time"

	"blastbot/internal/crm"
	"blastbot/internal/gupshup"
)

type step int

const (
	stepIdle step = iota
	stepAwaitMessage
	stepAwaitRunAt
	stepAwaitWindow
	stepAwaitConfirm
	stepAwaitAdminID
)

// draft accumulates one broadcast as the operator walks the flow.
type draft struct {
	funnel       crm.Funnel
	contactsPath string
	contactCount int
	template     gupshup.Template
	body         string
	runAt        time.Time
	dayFrom      string
	dayUntil     string
}

// session is per-chat flow state. One chat, one operator, one flow at a
// time; the update loop is single-goroutine so no locking is needed here.
type session struct {
	step      step
	draft     draft
	templates []gupshup.Template // cached for index-based callbacks
}

func (s *session) reset() {
	*s = session{}
}
