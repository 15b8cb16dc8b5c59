package sync

import (
	"time"

	"github.com/kimhsiao/rundown/internal/models"
)

// NoticeKind classifies a Notice.
type NoticeKind string

const (
	NoticeVersionConflict NoticeKind = "version_conflict"
	NoticeBackedUp        NoticeKind = "backed_up"
	NoticeRestored        NoticeKind = "restored"
	NoticeCommitFailed    NoticeKind = "commit_failed"
)

// Notice is a non-blocking message for the user. Nothing waits for it to
// be acknowledged.
type Notice struct {
	Kind    NoticeKind      `json:"kind"`
	Key     models.FieldKey `json:"fieldKey,omitempty"`
	Message string          `json:"message"`
	At      time.Time       `json:"at"`
}

// SubscribeToNotices registers fn and returns a function that unregisters it.
func (c *Coordinator) SubscribeToNotices(fn func(Notice)) func() {
	c.noticeMu.Lock()
	id := c.noticeSeq
	c.noticeSeq++
	c.noticeSubs[id] = fn
	c.noticeMu.Unlock()

	return func() {
		c.noticeMu.Lock()
		delete(c.noticeSubs, id)
		c.noticeMu.Unlock()
	}
}

func (c *Coordinator) notify(n Notice) {
	if n.At.IsZero() {
		n.At = c.clock.Now()
	}

	c.noticeMu.Lock()
	subs := make([]func(Notice), 0, len(c.noticeSubs))
	for id := 0; id < c.noticeSeq; id++ {
		if fn, ok := c.noticeSubs[id]; ok {
			subs = append(subs, fn)
		}
	}
	c.noticeMu.Unlock()

	c.logger.Info("Notice", map[string]interface{}{
		"kind":      string(n.Kind),
		"field_key": string(n.Key),
	})
	for _, fn := range subs {
		fn(n)
	}
}
