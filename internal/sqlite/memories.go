package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/jdholdren/mynah/internal/mynah"
)

// Keeps a room lookup well under sqlite's bound parameter limit.
const roomBatchSize = 500

var memoryColumns = []string{"id", "agent_id", "user_id", "room_id", "content", "created_at"}

// CreateIfAbsent inserts the record. A record already stored under the same id is left as is.
func (r Repo) CreateIfAbsent(ctx context.Context, rec mynah.MemoryRecord) (bool, error) {
	const q = `INSERT INTO memories (id, agent_id, user_id, room_id, content, created_at)
	VALUES (:id, :agent_id, :user_id, :room_id, :content, :created_at)
	ON CONFLICT(id) DO NOTHING;`

	res, err := r.db.NamedExecContext(ctx, q, rec)
	if err != nil {
		return false, fmt.Errorf("error inserting memory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("error reading rows affected: %w", err)
	}

	return n > 0, nil
}

func (r Repo) Record(ctx context.Context, id string) (mynah.MemoryRecord, error) {
	const q = `SELECT id, agent_id, user_id, room_id, content, created_at FROM memories WHERE id = ?;`

	var rec mynah.MemoryRecord
	err := r.db.GetContext(ctx, &rec, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return mynah.MemoryRecord{}, mynah.ErrNotFound
	}
	if err != nil {
		return mynah.MemoryRecord{}, fmt.Errorf("error fetching memory: %w", err)
	}

	return rec, nil
}

// RecordsByRoomIDs fetches every record in the given rooms, newest first within each batch.
func (r Repo) RecordsByRoomIDs(ctx context.Context, roomIDs []string) ([]mynah.MemoryRecord, error) {
	recs := []mynah.MemoryRecord{}
	for start := 0; start < len(roomIDs); start += roomBatchSize {
		end := min(start+roomBatchSize, len(roomIDs))

		query, args, err := sq.Select(memoryColumns...).
			From("memories").
			Where(sq.Eq{"room_id": roomIDs[start:end]}).
			OrderBy("created_at DESC").
			ToSql()
		if err != nil {
			return nil, fmt.Errorf("error constructing sql: %s", err)
		}

		var batch []mynah.MemoryRecord
		if err := r.db.SelectContext(ctx, &batch, query, args...); err != nil {
			return nil, fmt.Errorf("error fetching memories by room: %w", err)
		}
		recs = append(recs, batch...)
	}

	return recs, nil
}

// RoomRecords returns one page of a room's records, newest first, along with
// how many records the room holds in total.
func (r Repo) RoomRecords(ctx context.Context, roomID string, limit, offset int) ([]mynah.MemoryRecord, int, error) {
	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM memories WHERE room_id = ?;`, roomID); err != nil {
		return nil, 0, fmt.Errorf("error counting room memories: %w", err)
	}

	query, args, err := sq.Select(memoryColumns...).
		From("memories").
		Where(sq.Eq{"room_id": roomID}).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("error constructing sql: %s", err)
	}

	recs := []mynah.MemoryRecord{}
	if err := r.db.SelectContext(ctx, &recs, query, args...); err != nil {
		return nil, 0, fmt.Errorf("error fetching room memories: %w", err)
	}

	return recs, total, nil
}

func (r Repo) CountRecords(ctx context.Context, agentID string) (int, error) {
	const q = `SELECT COUNT(*) FROM memories WHERE agent_id = ?;`

	var count int
	if err := r.db.GetContext(ctx, &count, q, agentID); err != nil {
		return 0, fmt.Errorf("error counting memories: %w", err)
	}

	return count, nil
}
