package tflib

import "context"

// SearchRequest describes one page of a chat message search.
type SearchRequest struct {
	ChatID          int64
	Query           string
	Filter          FileType // zero value means no content filter
	FromMessageID   int64
	MessageThreadID int64 // non-zero scopes the search to a comment thread
	Limit           int
}

// SearchResult is one page of matching messages plus the resume cursor.
type SearchResult struct {
	Messages          []Message
	NextFromMessageID int64
	TotalCount        int
}

// ThreadInfo locates the comment thread a message belongs to, if any.
type ThreadInfo struct {
	ThreadChatID    int64
	MessageThreadID int64
}

// Client is the remote messaging platform consumed by the engine. Every call
// may fail with a transient error; the engine treats failures as retryable on
// the next scheduled period.
type Client interface {
	// Authorized reports whether the account's session is usable.
	Authorized(accountID int64) bool

	// SearchMessages returns one page of messages with downloadable content.
	SearchMessages(ctx context.Context, accountID int64, req SearchRequest) (*SearchResult, error)

	// GetMessage fetches a single message.
	GetMessage(ctx context.Context, accountID, chatID, messageID int64) (*Message, error)

	// GetMessageThread resolves the comment thread of a message. Returns a
	// zero ThreadInfo when the message has no thread.
	GetMessageThread(ctx context.Context, accountID, chatID, messageID int64) (ThreadInfo, error)

	// IsChannel reports whether the chat is a broadcast channel. Comment
	// scanning only applies to channels.
	IsChannel(accountID, chatID int64) bool

	// AddFileToDownloads asks the platform to start downloading the file of
	// the given message and returns the resulting file record.
	AddFileToDownloads(ctx context.Context, accountID int64, msg Message) (*FileRecord, error)
}

// FileFilter narrows GetFiles results.
type FileFilter struct {
	DownloadStatus DownloadStatus
	TransferStatus TransferStatus
	Limit          int
	Offset         int64
}

// FileStore is the persisted file metadata repository consumed by the engine.
type FileStore interface {
	// CreateIfNotExist inserts the record unless one with the same unique id
	// exists. Returns true when a row was inserted.
	CreateIfNotExist(ctx context.Context, rec *FileRecord) (bool, error)

	GetByUniqueID(ctx context.Context, uniqueID string) (*FileRecord, error)

	// GetByUniqueIDs returns the known records among the given ids, keyed by
	// unique id. Unknown ids are simply absent.
	GetByUniqueIDs(ctx context.Context, uniqueIDs []string) (map[string]*FileRecord, error)

	// CountByStatus counts the account's files in the given download status.
	CountByStatus(ctx context.Context, accountID int64, status DownloadStatus) (int, error)

	// GetFiles lists a chat's records matching the filter, with the next
	// pagination offset and the total match count.
	GetFiles(ctx context.Context, chatID int64, filter FileFilter) ([]*FileRecord, int64, int, error)

	UpdateDownloadStatus(ctx context.Context, uniqueID string, status DownloadStatus, localPath string) error

	// UpdateTransferStatus updates the transfer state and, when localPath is
	// non-empty, the record's local path. Returns the updated record.
	UpdateTransferStatus(ctx context.Context, uniqueID string, status TransferStatus, localPath string) (*FileRecord, error)

	// GetMainFileByThread finds the channel-side main file whose comment
	// thread is (threadChatID, messageThreadID).
	GetMainFileByThread(ctx context.Context, accountID, threadChatID, messageThreadID int64) (*FileRecord, error)
}

// SettingStore persists engine settings as serialized values under string keys.
type SettingStore interface {
	GetByKey(ctx context.Context, key string) (string, error)
	CreateOrUpdate(ctx context.Context, key, value string) error
}

// Setting keys used by the engine.
const (
	SettingKeyAutomations    = "automation"
	SettingKeyDownloadLimit  = "autoDownloadLimit"
	SettingKeyDownloadWindow = "autoDownloadTimeLimited"
)
