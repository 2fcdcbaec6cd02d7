package store

import "context"

// InsertDeferred parks an inbound event for a message not seen yet.
func (q *Queries) InsertDeferred(ctx context.Context, messageID string, serverTS int64, event []byte, now int64) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO deferred_events (message_id, server_timestamp, event, created_at)
		VALUES (?, ?, ?, ?)`, messageID, serverTS, string(event), now)
	return err
}

// TakeDeferred removes and returns the events parked for messageID in
// server clock order.
func (q *Queries) TakeDeferred(ctx context.Context, messageID string) ([]DeferredEvent, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, message_id, server_timestamp, event, created_at FROM deferred_events
		WHERE message_id = ? ORDER BY server_timestamp, id`, messageID)
	if err != nil {
		return nil, err
	}
	var events []DeferredEvent
	for rows.Next() {
		var d DeferredEvent
		var event string
		if err := rows.Scan(&d.ID, &d.MessageID, &d.ServerTimestamp, &event, &d.CreatedAt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		d.Event = []byte(event)
		events = append(events, d)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if len(events) == 0 {
		return nil, nil
	}
	_, err = q.db.ExecContext(ctx, `DELETE FROM deferred_events WHERE message_id = ?`, messageID)
	return events, err
}

// CountDeferred returns the number of parked events.
func (q *Queries) CountDeferred(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM deferred_events`).Scan(&n)
	return n, err
}
