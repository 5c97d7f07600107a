package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/telefiles/telefiles/pkg/tflib"
)

const fileColumns = `unique_id, file_id, account_id, chat_id, message_id, date, size, type,
	file_name, local_path, download_status, transfer_status, thread_chat_id,
	message_thread_id, completion_date`

// FileStore persists file metadata rows. It implements tflib.FileStore.
type FileStore struct {
	db *sql.DB
}

var _ tflib.FileStore = (*FileStore)(nil)

func scanFile(row interface{ Scan(...any) error }) (*tflib.FileRecord, error) {
	var rec tflib.FileRecord
	err := row.Scan(
		&rec.UniqueID, &rec.FileID, &rec.AccountID, &rec.ChatID, &rec.MessageID,
		&rec.Date, &rec.Size, &rec.Type, &rec.FileName, &rec.LocalPath,
		&rec.DownloadStatus, &rec.TransferStatus, &rec.ThreadChatID,
		&rec.MessageThreadID, &rec.CompletionDate,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateIfNotExist inserts the record unless its unique id is already known.
func (s *FileStore) CreateIfNotExist(ctx context.Context, rec *tflib.FileRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO file_record (`+fileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.UniqueID, rec.FileID, rec.AccountID, rec.ChatID, rec.MessageID,
		rec.Date, rec.Size, rec.Type, rec.FileName, rec.LocalPath,
		orIdle(string(rec.DownloadStatus)), orIdle(string(rec.TransferStatus)),
		rec.ThreadChatID, rec.MessageThreadID, rec.CompletionDate,
	)
	if err != nil {
		return false, fmt.Errorf("insert file %s: %w", rec.UniqueID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func orIdle(status string) string {
	if status == "" {
		return string(tflib.DownloadIdle)
	}
	return status
}

func (s *FileStore) GetByUniqueID(ctx context.Context, uniqueID string) (*tflib.FileRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+fileColumns+` FROM file_record WHERE unique_id = ?
	`, uniqueID)
	rec, err := scanFile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query file %s: %w", uniqueID, err)
	}
	return rec, nil
}

func (s *FileStore) GetByUniqueIDs(ctx context.Context, uniqueIDs []string) (map[string]*tflib.FileRecord, error) {
	out := make(map[string]*tflib.FileRecord, len(uniqueIDs))
	// Batches are small (search page sized); per-id lookups keep the query
	// trivial and the single-connection pool happy.
	for _, id := range uniqueIDs {
		rec, err := s.GetByUniqueID(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out[id] = rec
		}
	}
	return out, nil
}

func (s *FileStore) CountByStatus(ctx context.Context, accountID int64, status tflib.DownloadStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM file_record WHERE account_id = ? AND download_status = ?
	`, accountID, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count files: %w", err)
	}
	return n, nil
}

// GetFiles lists a chat's records matching the filter, newest first.
func (s *FileStore) GetFiles(ctx context.Context, chatID int64, filter tflib.FileFilter) ([]*tflib.FileRecord, int64, int, error) {
	where := "chat_id = ?"
	args := []any{chatID}
	if filter.DownloadStatus != "" {
		where += " AND download_status = ?"
		args = append(args, string(filter.DownloadStatus))
	}
	if filter.TransferStatus != "" {
		where += " AND transfer_status = ?"
		args = append(args, string(filter.TransferStatus))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM file_record WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, 0, fmt.Errorf("count files: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + fileColumns + ` FROM file_record WHERE ` + where +
		` ORDER BY date DESC, unique_id LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, filter.Offset)...)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()

	var recs []*tflib.FileRecord
	for rows.Next() {
		rec, err := scanFile(rows)
		if err != nil {
			return nil, 0, 0, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}
	return recs, filter.Offset + int64(len(recs)), total, nil
}

func (s *FileStore) UpdateDownloadStatus(ctx context.Context, uniqueID string, status tflib.DownloadStatus, localPath string) error {
	var completion int64
	if status == tflib.DownloadCompleted {
		completion = time.Now().Unix()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE file_record
		SET download_status = ?,
		    local_path = CASE WHEN ? != '' THEN ? ELSE local_path END,
		    completion_date = CASE WHEN ? != 0 THEN ? ELSE completion_date END
		WHERE unique_id = ?
	`, string(status), localPath, localPath, completion, completion, uniqueID)
	if err != nil {
		return fmt.Errorf("update download status of %s: %w", uniqueID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return tflib.ErrFileNotFound
	}
	return nil
}

func (s *FileStore) UpdateTransferStatus(ctx context.Context, uniqueID string, status tflib.TransferStatus, localPath string) (*tflib.FileRecord, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE file_record
		SET transfer_status = ?,
		    local_path = CASE WHEN ? != '' THEN ? ELSE local_path END
		WHERE unique_id = ?
	`, string(status), localPath, localPath, uniqueID)
	if err != nil {
		return nil, fmt.Errorf("update transfer status of %s: %w", uniqueID, err)
	}
	return s.GetByUniqueID(ctx, uniqueID)
}

// GetMainFileByThread finds the channel post owning the given comment thread.
// The post lives in a chat different from the thread's discussion chat.
func (s *FileStore) GetMainFileByThread(ctx context.Context, accountID, threadChatID, messageThreadID int64) (*tflib.FileRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+fileColumns+` FROM file_record
		WHERE account_id = ? AND thread_chat_id = ? AND message_thread_id = ? AND chat_id != thread_chat_id
		LIMIT 1
	`, accountID, threadChatID, messageThreadID)
	rec, err := scanFile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query main file of thread %d:%d: %w", threadChatID, messageThreadID, err)
	}
	return rec, nil
}
