package ws

import "chat-sync/internal/models"

// Frame operations. Clients send set, on_disconnect, get, watch and unwatch;
// the gateway answers with ack, snapshot or error and streams presence.
const (
	opSet          = "set"
	opOnDisconnect = "on_disconnect"
	opGet          = "get"
	opWatch        = "watch"
	opUnwatch      = "unwatch"

	opAck      = "ack"
	opSnapshot = "snapshot"
	opError    = "error"
	opPresence = "presence"
)

type frame struct {
	Op      string                           `json:"op"`
	Req     int64                            `json:"req,omitempty"`
	WatchID string                           `json:"watch_id,omitempty"`
	UserIDs []string                         `json:"user_ids,omitempty"`
	Record  *models.PresenceRecord           `json:"record,omitempty"`
	Records map[string]models.PresenceRecord `json:"records,omitempty"`
	Error   string                           `json:"error,omitempty"`
}
