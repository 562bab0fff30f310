package sqlite

import (
	"context"
	"fmt"

	"github.com/jdholdren/mynah/internal/mynah"
)

// EnsureIdentity makes sure the user, the room, and the user's membership in it exist.
//
// Existing rows are left untouched so the first observed profile wins.
func (r Repo) EnsureIdentity(ctx context.Context, ident mynah.Identity) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.NamedExecContext(ctx, `INSERT OR IGNORE INTO accounts (id, name, username, source)
	VALUES (:user_id, :name, :username, :source);`, ident); err != nil {
		return fmt.Errorf("error ensuring account: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO rooms (id) VALUES (?);`, ident.RoomID); err != nil {
		return fmt.Errorf("error ensuring room: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO participants (user_id, room_id) VALUES (?, ?);`, ident.UserID, ident.RoomID); err != nil {
		return fmt.Errorf("error ensuring participant: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing identity: %w", err)
	}

	return nil
}

// Participants lists the identities that are members of a room.
func (r Repo) Participants(ctx context.Context, roomID string) ([]mynah.Identity, error) {
	const q = `
	SELECT
		p.user_id AS user_id,
		p.room_id AS room_id,
		a.name AS name,
		a.username AS username,
		a.source AS source
	FROM
		participants p
		INNER JOIN accounts a ON a.id = p.user_id
	WHERE
		p.room_id = ?
	ORDER BY p.created_at, p.user_id;
	`

	var idents []mynah.Identity
	if err := r.db.SelectContext(ctx, &idents, q, roomID); err != nil {
		return nil, fmt.Errorf("error selecting participants: %s", err)
	}

	return idents, nil
}
