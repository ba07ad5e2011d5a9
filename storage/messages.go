package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"resqmesh/mesh"
)

// ErrNotFound indicates a requested row does not exist.
var ErrNotFound = errors.New("storage: record not found")

var _ mesh.Journal = (*Store)(nil)

const messageColumns = `origin_id, message_key, latitude, longitude, fix_timestamp, created_at,
	text, hops, received_from, stored_at, uploaded`

// SaveMessage journals a message. A row with the same (origin, key) is left untouched.
func (s *Store) SaveMessage(message mesh.Message) error {
	if message.OriginID == "" {
		return errors.New("origin_id is required")
	}
	if message.Key == "" {
		return errors.New("message key is required")
	}
	storedAt := message.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}

	uploaded := 0
	var uploadedAt sql.NullInt64
	if message.DeliveredToRemote {
		uploaded = 1
		uploadedAt = sql.NullInt64{Int64: nowUnixMilli(), Valid: true}
	}

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO messages (
			origin_id,
			message_key,
			latitude,
			longitude,
			fix_timestamp,
			created_at,
			text,
			hops,
			received_from,
			stored_at,
			uploaded,
			uploaded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		message.OriginID,
		message.Key,
		message.Payload.Latitude,
		message.Payload.Longitude,
		message.Payload.FixTimestamp,
		message.Payload.CreatedAt,
		message.Payload.Text,
		message.Hops,
		message.ReceivedFrom,
		storedAt.UnixMilli(),
		uploaded,
		uploadedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message %q: %w", message.DedupKey(), err)
	}
	return nil
}

// MarkUploaded records that a message reached the remote endpoint.
func (s *Store) MarkUploaded(originID, key string) error {
	result, err := s.db.Exec(
		`UPDATE messages SET uploaded = 1, uploaded_at = COALESCE(uploaded_at, ?)
		WHERE origin_id = ? AND message_key = ?`,
		nowUnixMilli(),
		originID,
		key,
	)
	if err != nil {
		return fmt.Errorf("mark message %q uploaded: %w", originID+"|"+key, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark message uploaded rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetMessage returns one journaled message.
func (s *Store) GetMessage(originID, key string) (mesh.Message, error) {
	row := s.db.QueryRow(
		`SELECT `+messageColumns+` FROM messages WHERE origin_id = ? AND message_key = ?`,
		originID,
		key,
	)
	message, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return mesh.Message{}, ErrNotFound
	}
	if err != nil {
		return mesh.Message{}, fmt.Errorf("get message %q: %w", originID+"|"+key, err)
	}
	return message, nil
}

// ListMessages returns every journaled message in storage order.
func (s *Store) ListMessages() ([]mesh.Message, error) {
	rows, err := s.db.Query(`SELECT ` + messageColumns + ` FROM messages ORDER BY stored_at ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]mesh.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return messages, nil
}

// CountUnsent returns how many journaled messages still await upload.
func (s *Store) CountUnsent() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE uploaded = 0`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count unsent messages: %w", err)
	}
	return count, nil
}

// PruneUploaded deletes messages uploaded before the cutoff and returns how many were removed.
func (s *Store) PruneUploaded(before time.Time) (int64, error) {
	result, err := s.db.Exec(
		`DELETE FROM messages WHERE uploaded = 1 AND uploaded_at IS NOT NULL AND uploaded_at < ?`,
		before.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("prune uploaded messages: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune uploaded messages rows affected: %w", err)
	}
	return affected, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(scanner rowScanner) (mesh.Message, error) {
	var (
		message  mesh.Message
		storedAt int64
		uploaded int
	)
	if err := scanner.Scan(
		&message.OriginID,
		&message.Key,
		&message.Payload.Latitude,
		&message.Payload.Longitude,
		&message.Payload.FixTimestamp,
		&message.Payload.CreatedAt,
		&message.Payload.Text,
		&message.Hops,
		&message.ReceivedFrom,
		&storedAt,
		&uploaded,
	); err != nil {
		return mesh.Message{}, err
	}
	message.StoredAt = time.UnixMilli(storedAt)
	message.DeliveredToRemote = uploaded == 1
	return message, nil
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
