// Package tflib implements the automation orchestration engine of telefiles:
// the automation registry, the resumable history-scan state machine, the
// rate-limited download scheduler and the transfer pipeline. It talks to the
// messaging platform and the metadata store only through the interfaces in
// interfaces.go, so every component is testable with in-memory fakes.
package tflib

import "fmt"

// FileType classifies downloadable message content.
type FileType string

const (
	FileTypePhoto FileType = "photo"
	FileTypeVideo FileType = "video"
	FileTypeAudio FileType = "audio"
	FileTypeFile  FileType = "file"
)

// DefaultFileTypeOrder is the scan order used when a download rule does not
// specify its own.
var DefaultFileTypeOrder = []FileType{FileTypePhoto, FileTypeVideo, FileTypeAudio, FileTypeFile}

// Valid reports whether t is one of the known file types.
func (t FileType) Valid() bool {
	switch t {
	case FileTypePhoto, FileTypeVideo, FileTypeAudio, FileTypeFile:
		return true
	}
	return false
}

// DownloadStatus is the lifecycle state of a file's download.
type DownloadStatus string

const (
	DownloadIdle        DownloadStatus = "idle"
	DownloadDownloading DownloadStatus = "downloading"
	DownloadPaused      DownloadStatus = "paused"
	DownloadCompleted   DownloadStatus = "completed"
	DownloadError       DownloadStatus = "error"
)

// TransferStatus is the lifecycle state of a file's relocation.
type TransferStatus string

const (
	TransferIdle         TransferStatus = "idle"
	TransferTransferring TransferStatus = "transferring"
	TransferCompleted    TransferStatus = "completed"
	TransferError        TransferStatus = "error"
)

// TransferPolicy selects the destination layout for transferred files.
type TransferPolicy string

const (
	// GroupByChat places files under destination/accountID/chatID/.
	GroupByChat TransferPolicy = "group-by-chat"
	// GroupByType places files under destination/fileType/.
	GroupByType TransferPolicy = "group-by-type"
)

// DuplicationPolicy resolves a target-path collision during transfer.
type DuplicationPolicy string

const (
	// Overwrite replaces the existing file at the target path.
	Overwrite DuplicationPolicy = "overwrite"
	// Rename appends -N to the base filename until a free path is found.
	Rename DuplicationPolicy = "rename"
	// Skip leaves both files untouched.
	Skip DuplicationPolicy = "skip"
	// Hash compares content checksums; equal content deduplicates against the
	// existing file, differing content falls back to Rename.
	Hash DuplicationPolicy = "hash"
)

// Key identifies an automation by the (account, chat) pair it governs.
type Key struct {
	AccountID int64 `json:"accountId"`
	ChatID    int64 `json:"chatId"`
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%d", k.AccountID, k.ChatID)
}

// ThreadKey identifies a comment-thread sub-scan.
type ThreadKey struct {
	AccountID       int64
	ThreadChatID    int64
	MessageThreadID int64
}

func (k ThreadKey) String() string {
	return fmt.Sprintf("%d:%d:%d", k.AccountID, k.ThreadChatID, k.MessageThreadID)
}

// Message is the engine-side view of a remote message that carries a
// downloadable file.
type Message struct {
	ChatID          int64
	MessageID       int64
	FileID          int32
	FileUniqueID    string
	FileType        FileType
	FileName        string
	Size            int64
	Date            int64
	ThreadChatID    int64
	MessageThreadID int64
}

// FileRecord is a row of the file metadata store. The engine reads a subset of
// the columns the store persists; downloadedSize lives with the remote client.
type FileRecord struct {
	FileID          int32
	UniqueID        string
	AccountID       int64
	ChatID          int64
	MessageID       int64
	Date            int64
	Size            int64
	Type            FileType
	FileName        string
	LocalPath       string
	DownloadStatus  DownloadStatus
	TransferStatus  TransferStatus
	ThreadChatID    int64
	MessageThreadID int64
	CompletionDate  int64
}

// IsCommentFile reports whether the record is a channel comment: it lives in
// the discussion chat of a thread, so its home chat is the thread chat itself.
func (r *FileRecord) IsCommentFile() bool {
	return r.ThreadChatID != 0 && r.MessageThreadID != 0 && r.ThreadChatID == r.ChatID
}

// HasCommentThread reports whether the record is a channel post with an
// attached discussion thread in another chat.
func (r *FileRecord) HasCommentThread() bool {
	return r.ThreadChatID != 0 && r.MessageThreadID != 0 && r.ThreadChatID != r.ChatID
}

// ScanThread tracks a comment-thread sub-scan discovered while dispatching
// downloads. It carries its own cursor, independent of the owning automation.
// ChatID is the home chat of the automation that spawned the thread; it ties
// the thread's lifetime to its automation.
type ScanThread struct {
	AccountID       int64
	ChatID          int64
	ThreadChatID    int64
	MessageThreadID int64
	NextFileType    FileType
	NextFromMessage int64
	Complete        bool
}

// ThreadKey returns the identity of the sub-scan.
func (s *ScanThread) Key() ThreadKey {
	return ThreadKey{AccountID: s.AccountID, ThreadChatID: s.ThreadChatID, MessageThreadID: s.MessageThreadID}
}

// Dedupe returns messages with duplicate file identities removed, preserving
// first-seen order. Messages without a file identity are dropped.
func Dedupe(messages []Message) []Message {
	seen := make(map[string]struct{}, len(messages))
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.FileUniqueID == "" {
			continue
		}
		if _, ok := seen[m.FileUniqueID]; ok {
			continue
		}
		seen[m.FileUniqueID] = struct{}{}
		out = append(out, m)
	}
	return out
}
