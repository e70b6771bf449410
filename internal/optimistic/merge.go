package optimistic

import (
	"sort"
	"time"

	"chat-sync/internal/models"
)

// MergeWindow is how far apart an optimistic message and an authoritative
// message from the same sender may be and still be treated as the same send.
const MergeWindow = 5 * time.Second

// DisplayMessage is one row of the merged message list.
type DisplayMessage struct {
	models.Message
	Optimistic bool   `json:"optimistic,omitempty"`
	TempID     string `json:"temp_id,omitempty"`
	Retries    int    `json:"retries,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Merge combines authoritative and optimistic messages of one chat. An
// optimistic message is superseded by the authoritative message carrying its
// client key, or failing that by an unclaimed message from the same sender
// within window of its local timestamp. Each authoritative message
// supersedes at most one optimistic message. The result is sorted by
// timestamp ascending; superseded lists the temp ids that were dropped.
func Merge(auth []models.Message, opt []models.OptimisticMessage, window time.Duration) (out []DisplayMessage, superseded []string) {
	claimed := make([]bool, len(auth))
	dropped := make([]bool, len(opt))

	byKey := make(map[string]int, len(auth))
	for i, m := range auth {
		if m.ClientKey != "" {
			byKey[m.ClientKey] = i
		}
	}
	for j, o := range opt {
		if o.ClientKey == "" {
			continue
		}
		if i, ok := byKey[o.ClientKey]; ok && !claimed[i] && auth[i].ChatID == o.ChatID {
			claimed[i] = true
			dropped[j] = true
		}
	}

	// heuristic pass, oldest optimistic first so each claims its nearest match
	order := make([]int, 0, len(opt))
	for j := range opt {
		if !dropped[j] && opt[j].Status != models.StatusFailed {
			order = append(order, j)
		}
	}
	sort.SliceStable(order, func(a, b int) bool {
		return opt[order[a]].LocalTimestamp.Before(opt[order[b]].LocalTimestamp)
	})
	for _, j := range order {
		o := opt[j]
		best := -1
		var bestGap time.Duration
		for i, m := range auth {
			if claimed[i] || m.SenderID != o.SenderID || m.ChatID != o.ChatID {
				continue
			}
			if m.ClientKey != "" && o.ClientKey != "" {
				// both keyed and different: a different send
				continue
			}
			gap := m.Timestamp.Sub(o.LocalTimestamp)
			if gap < 0 {
				gap = -gap
			}
			if gap > window {
				continue
			}
			if best < 0 || gap < bestGap {
				best, bestGap = i, gap
			}
		}
		if best >= 0 {
			claimed[best] = true
			dropped[j] = true
		}
	}

	out = make([]DisplayMessage, 0, len(auth)+len(opt))
	for _, m := range auth {
		out = append(out, DisplayMessage{Message: m})
	}
	for j, o := range opt {
		if dropped[j] {
			superseded = append(superseded, o.TempID)
			continue
		}
		out = append(out, DisplayMessage{
			Message:    o.AsMessage(),
			Optimistic: true,
			TempID:     o.TempID,
			Retries:    o.Retries,
			Error:      o.Err,
		})
	}
	sort.SliceStable(out, func(a, b int) bool {
		if !out[a].Timestamp.Equal(out[b].Timestamp) {
			return out[a].Timestamp.Before(out[b].Timestamp)
		}
		if out[a].Optimistic != out[b].Optimistic {
			return !out[a].Optimistic
		}
		return out[a].ID < out[b].ID
	})
	return out, superseded
}
