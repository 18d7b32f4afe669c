package server

import (
	"github.com/aeolun/mchat/pkg/database"
)

// journalObserver writes registry changes to the session journal
type journalObserver struct {
	journal *database.Journal
}

func (o journalObserver) SessionRegistered(sess Session, _ int) {
	o.record(database.EventRegister, sess, "")
}

func (o journalObserver) SessionRemoved(sess Session, reason RemoveReason, _ int) {
	o.record(database.EventRemove, sess, reason.String())
}

func (o journalObserver) record(kind string, sess Session, reason string) {
	addr := ""
	if sess.Addr != nil {
		addr = sess.Addr.String()
	}
	err := o.journal.Record(database.Event{
		Kind:      kind,
		SessionID: sess.ID,
		Name:      sess.Name,
		Transport: sess.Transport,
		Address:   addr,
		Reason:    reason,
	})
	if err != nil {
		debugLog.Printf("journal: %s for %s not recorded: %v", kind, sess.ID, err)
	}
}
