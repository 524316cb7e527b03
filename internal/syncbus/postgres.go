package syncbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/dreamware/tremor/internal/logging"
)

// DefaultChannel is the Postgres notification channel used for sync
// messages.
const DefaultChannel = "tremor_sync"

// PGNotifier carries sync messages over Postgres LISTEN/NOTIFY. It lets
// nodes sharing a Postgres store reach each other even when the grid
// transport between them is cut.
type PGNotifier struct {
	db       *sql.DB
	log      *slog.Logger
	listener *pq.Listener
	channel  string
}

// NewPGNotifier prepares a notifier publishing through db and listening on
// a dedicated connection opened from connStr.
func NewPGNotifier(db *sql.DB, connStr, channel string, logger *slog.Logger) *PGNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	n := &PGNotifier{db: db, channel: channel, log: logging.OrDefault(logger, "syncbus")}
	report := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			n.log.Warn("postgres listener problem", "event", int(ev), "error", err)
		}
	}
	n.listener = pq.NewListener(connStr, 10*time.Second, time.Minute, report)
	return n
}

// Broadcast publishes msg with pg_notify.
func (n *PGNotifier) Broadcast(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode sync message: %w", err)
	}
	if _, err := n.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, n.channel, string(payload)); err != nil {
		return fmt.Errorf("pg_notify %s: %w", n.channel, err)
	}
	return nil
}

// Run listens on the channel and feeds bus until ctx is cancelled or the
// bus stops. A reconnect may have lost notifications, so it triggers a
// full resync.
func (n *PGNotifier) Run(ctx context.Context, bus *Bus) error {
	if err := n.listener.Listen(n.channel); err != nil {
		return fmt.Errorf("listen %s: %w", n.channel, err)
	}
	defer n.listener.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case note := <-n.listener.Notify:
			if err := n.deliver(ctx, bus, note); err != nil {
				return err
			}
		}
	}
}

// deliver hands one notification to bus. Only a stopped bus is fatal.
func (n *PGNotifier) deliver(ctx context.Context, bus *Bus, note *pq.Notification) error {
	if note == nil {
		n.log.Info("postgres listener reconnected, resyncing")
		bus.ResyncAll(ctx)
		return nil
	}
	var msg Message
	if err := json.Unmarshal([]byte(note.Extra), &msg); err != nil {
		n.log.Warn("discarding malformed sync notification", "error", err)
		return nil
	}
	err := bus.Receive(ctx, msg)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrStopped):
		n.log.Warn("sync bus stopped, postgres listener exiting", "kind", msg.Kind, "id", msg.ID)
		return fmt.Errorf("deliver sync notification: %w", err)
	default:
		n.log.Warn("dropping sync notification", "kind", msg.Kind, "id", msg.ID, "error", err)
		return nil
	}
}
