package session

import (
	"database/sql"
	"fmt"

	"github.com/adamavenir/intercom/internal/db"
	"github.com/adamavenir/intercom/internal/types"
)

// Router maps an inbound chat message to its target session.
type Router struct {
	conn *sql.DB
}

func NewRouter(conn *sql.DB) *Router {
	return &Router{conn: conn}
}

// Resolve finds the session an operator message is addressed to.
//
// A threaded message targets the session bound to that exact thread, even a
// terminated one, so late replies produce a clear "session ended" error at
// the action layer rather than landing on an unrelated session. A top-level
// message targets the channel's live session; with several live sessions the
// most recently active one wins.
func (r *Router) Resolve(channelID string, threadID *string) (*types.Session, error) {
	if threadID != nil {
		s, err := db.FindByChannelAndThread(r.conn, channelID, *threadID)
		if err != nil {
			return nil, err
		}
		if s == nil {
			return nil, fmt.Errorf("%w: no session bound to thread %s in channel %s",
				types.ErrNotFound, *threadID, channelID)
		}
		return s, nil
	}

	live, err := db.FindActiveByChannel(r.conn, channelID)
	if err != nil {
		return nil, err
	}
	if len(live) == 0 {
		return nil, fmt.Errorf("%w: no active session in channel %s", types.ErrNotFound, channelID)
	}
	return &live[0], nil
}
