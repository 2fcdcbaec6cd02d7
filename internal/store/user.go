package store

import (
	"context"
	"database/sql"
)

// UpsertUser inserts or updates a user's profile. Empty name or avatar keep
// the stored value.
func (q *Queries) UpsertUser(ctx context.Context, u *User) error {
	status := u.Status
	if status == "" {
		status = UserOffline
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO users (id, name, avatar, status, presence_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE users.name END,
			avatar = CASE WHEN excluded.avatar <> '' THEN excluded.avatar ELSE users.avatar END,
			updated_at = excluded.updated_at`,
		u.ID, u.Name, u.Avatar, string(status), u.PresenceAt, u.PresenceAt)
	return err
}

// InsertUserIfMissing creates a placeholder user. It reports whether a row
// was created.
func (q *Queries) InsertUserIfMissing(ctx context.Context, id, name string, now int64) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO users (id, name, status, updated_at) VALUES (?, ?, 'offline', ?)
		ON CONFLICT(id) DO NOTHING`, id, name, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetUser returns a user by id.
func (q *Queries) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	var status string
	err := q.db.QueryRowContext(ctx, `
		SELECT id, name, avatar, status, presence_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Name, &u.Avatar, &status, &u.PresenceAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.Status = UserStatus(status)
	return &u, nil
}

// ListUsers returns every known user ordered by id.
func (q *Queries) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT id, name, avatar, status, presence_at FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []User
	for rows.Next() {
		var u User
		var status string
		if err := rows.Scan(&u.ID, &u.Name, &u.Avatar, &status, &u.PresenceAt); err != nil {
			return nil, err
		}
		u.Status = UserStatus(status)
		users = append(users, u)
	}
	return users, rows.Err()
}

// SetPresence records a presence change unless a newer one is already
// stored. Equal clocks only apply when the status differs.
func (q *Queries) SetPresence(ctx context.Context, id string, status UserStatus, at int64) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE users SET status = ?, presence_at = ?, updated_at = ?
		WHERE id = ? AND (presence_at < ? OR (presence_at = ? AND status <> ?))`,
		string(status), at, at, id, at, at, string(status))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CountUserChats returns how many chats list the user as participant.
func (q *Queries) CountUserChats(ctx context.Context, id string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_participants WHERE user_id = ?`, id).Scan(&n)
	return n, err
}

// DeleteUser removes a user row.
func (q *Queries) DeleteUser(ctx context.Context, id string) (bool, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
