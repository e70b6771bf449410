package syncer

import (
	"fmt"
	"sort"

	"chat-sync/internal/models"
)

// IntegrityViolation describes a chat record that breaks the direct chat
// shape. Such records are dropped from snapshots and queued for deletion.
type IntegrityViolation struct {
	ChatID string
	Reason string
}

func (e *IntegrityViolation) Error() string {
	return fmt.Sprintf("chat %s: %s", e.ChatID, e.Reason)
}

// CheckIntegrity validates c as seen by localUserID.
func CheckIntegrity(c models.Chat, localUserID string) error {
	if c.Type != models.ChatDirect {
		return nil
	}
	if n := len(c.Participants); n != 2 {
		return &IntegrityViolation{ChatID: c.ID, Reason: fmt.Sprintf("direct chat has %d participants", n)}
	}
	if c.Participants[0] == c.Participants[1] {
		return &IntegrityViolation{ChatID: c.ID, Reason: "direct chat participants are equal"}
	}
	local := 0
	for _, p := range c.Participants {
		if p == localUserID {
			local++
		}
	}
	if local != 1 {
		return &IntegrityViolation{ChatID: c.ID, Reason: fmt.Sprintf("local user listed %d times", local)}
	}
	return nil
}

// SortChats orders pinned before unpinned, then starred before unstarred,
// then most recent activity first.
func SortChats(chats []ChatView, userID string) {
	sort.SliceStable(chats, func(i, j int) bool {
		a, b := chats[i], chats[j]
		if pa, pb := a.IsPinned(userID), b.IsPinned(userID); pa != pb {
			return pa
		}
		if sa, sb := a.IsStarred(userID), b.IsStarred(userID); sa != sb {
			return sa
		}
		ta, tb := a.LastActivity(), b.LastActivity()
		if !ta.Equal(tb) {
			return ta.After(tb)
		}
		return a.ID < b.ID
	})
}

// SortMessages orders by timestamp, then id, ascending. The result does not
// depend on the input order.
func SortMessages(msgs []models.Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		}
		return msgs[i].ID < msgs[j].ID
	})
}
