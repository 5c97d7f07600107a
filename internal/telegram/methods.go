package telegram

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"

	"github.com/telefiles/telefiles/pkg/tflib"
)

// searchFilter maps the engine's file types to the platform's search filters.
func searchFilter(t tflib.FileType) tg.MessagesFilterClass {
	switch t {
	case tflib.FileTypePhoto:
		return &tg.InputMessagesFilterPhotos{}
	case tflib.FileTypeVideo:
		return &tg.InputMessagesFilterVideo{}
	case tflib.FileTypeAudio:
		return &tg.InputMessagesFilterMusic{}
	case tflib.FileTypeFile:
		return &tg.InputMessagesFilterDocument{}
	}
	return &tg.InputMessagesFilterEmpty{}
}

// SearchMessages fetches one page of a chat's history matching the filter,
// walking backwards from the cursor message id.
func (m *Manager) SearchMessages(ctx context.Context, accountID int64, req tflib.SearchRequest) (*tflib.SearchResult, error) {
	acc, err := m.account(accountID)
	if err != nil {
		return nil, err
	}

	searchReq := &tg.MessagesSearchRequest{
		Peer:     acc.inputPeer(req.ChatID),
		Q:        req.Query,
		Filter:   searchFilter(req.Filter),
		OffsetID: int(req.FromMessageID),
		Limit:    req.Limit,
	}
	if req.MessageThreadID != 0 {
		searchReq.TopMsgID = int(req.MessageThreadID)
	}

	res, err := acc.api.MessagesSearch(ctx, searchReq)
	if err != nil {
		return nil, fmt.Errorf("search chat %d: %w", req.ChatID, err)
	}

	var (
		raw   []tg.MessageClass
		total int
	)
	switch r := res.(type) {
	case *tg.MessagesChannelMessages:
		acc.cacheChats(r.Chats)
		raw, total = r.Messages, r.Count
	case *tg.MessagesMessagesSlice:
		acc.cacheChats(r.Chats)
		raw, total = r.Messages, r.Count
	case *tg.MessagesMessages:
		acc.cacheChats(r.Chats)
		raw, total = r.Messages, len(r.Messages)
	default:
		return nil, fmt.Errorf("search chat %d: unexpected response %T", req.ChatID, res)
	}

	out := &tflib.SearchResult{
		Messages:   collectMessages(req.ChatID, raw),
		TotalCount: total,
	}
	if len(raw) > 0 {
		// Pages run newest to oldest; the last raw id resumes the walk.
		if last, ok := raw[len(raw)-1].(interface{ GetID() int }); ok {
			out.NextFromMessageID = int64(last.GetID())
		}
	}
	return out, nil
}

// fetchRaw gets a single raw message from the chat.
func (m *Manager) fetchRaw(ctx context.Context, acc *account, chatID, messageID int64) (*tg.Message, error) {
	var raw []tg.MessageClass

	if p, ok := acc.getPeer(chatID); ok && p.channel {
		res, err := acc.api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
			Channel: &tg.InputChannel{ChannelID: chatID, AccessHash: p.accessHash},
			ID:      []tg.InputMessageClass{&tg.InputMessageID{ID: int(messageID)}},
		})
		if err != nil {
			return nil, fmt.Errorf("get channel message %d/%d: %w", chatID, messageID, err)
		}
		msgs, ok := res.(*tg.MessagesChannelMessages)
		if !ok {
			return nil, fmt.Errorf("get channel message %d/%d: unexpected response %T", chatID, messageID, res)
		}
		acc.cacheChats(msgs.Chats)
		raw = msgs.Messages
	} else {
		res, err := acc.api.MessagesGetMessages(ctx, []tg.InputMessageClass{&tg.InputMessageID{ID: int(messageID)}})
		if err != nil {
			return nil, fmt.Errorf("get message %d/%d: %w", chatID, messageID, err)
		}
		switch msgs := res.(type) {
		case *tg.MessagesMessages:
			acc.cacheChats(msgs.Chats)
			raw = msgs.Messages
		case *tg.MessagesMessagesSlice:
			acc.cacheChats(msgs.Chats)
			raw = msgs.Messages
		default:
			return nil, fmt.Errorf("get message %d/%d: unexpected response %T", chatID, messageID, res)
		}
	}

	for _, mc := range raw {
		if msg, ok := mc.(*tg.Message); ok && int64(msg.ID) == messageID {
			return msg, nil
		}
	}
	return nil, fmt.Errorf("message %d/%d: %w", chatID, messageID, tflib.ErrFileNotFound)
}

// GetMessage fetches one message in the engine's view.
func (m *Manager) GetMessage(ctx context.Context, accountID, chatID, messageID int64) (*tflib.Message, error) {
	acc, err := m.account(accountID)
	if err != nil {
		return nil, err
	}
	raw, err := m.fetchRaw(ctx, acc, chatID, messageID)
	if err != nil {
		return nil, err
	}
	msg := convertMessage(chatID, raw)
	return &msg, nil
}

// GetMessageThread resolves the discussion thread attached to a channel post.
// Posts without comments come back as a zero ThreadInfo.
func (m *Manager) GetMessageThread(ctx context.Context, accountID, chatID, messageID int64) (tflib.ThreadInfo, error) {
	acc, err := m.account(accountID)
	if err != nil {
		return tflib.ThreadInfo{}, err
	}

	res, err := acc.api.MessagesGetDiscussionMessage(ctx, &tg.MessagesGetDiscussionMessageRequest{
		Peer:  acc.inputPeer(chatID),
		MsgID: int(messageID),
	})
	if err != nil {
		return tflib.ThreadInfo{}, fmt.Errorf("get discussion of %d/%d: %w", chatID, messageID, err)
	}
	acc.cacheChats(res.Chats)

	for _, mc := range res.Messages {
		msg, ok := mc.(*tg.Message)
		if !ok {
			continue
		}
		threadChatID := peerID(msg.PeerID)
		if threadChatID == 0 || threadChatID == chatID {
			continue
		}
		return tflib.ThreadInfo{
			ThreadChatID:    threadChatID,
			MessageThreadID: int64(msg.ID),
		}, nil
	}
	return tflib.ThreadInfo{}, nil
}

// AddFileToDownloads records the message's file and starts downloading it in
// the background. The returned record is in the downloading state; completion
// is announced on the bus. A failed start leaves the store untouched so the
// file stays eligible for a later scan.
func (m *Manager) AddFileToDownloads(ctx context.Context, accountID int64, msg tflib.Message) (*tflib.FileRecord, error) {
	acc, err := m.account(accountID)
	if err != nil {
		return nil, err
	}
	if msg.FileUniqueID == "" {
		return nil, tflib.ErrUnsupportedContent
	}

	existing, err := m.files.GetByUniqueID(ctx, msg.FileUniqueID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.DownloadStatus == tflib.DownloadCompleted || existing.DownloadStatus == tflib.DownloadDownloading {
			return existing, nil
		}
	}

	// Resolve the media location before the record changes state. Location
	// lookups fail transiently (flood waits, expired references), and an
	// error status here would hide the file from every future scan.
	loc, err := m.fileLocation(ctx, acc, msg.ChatID, msg.MessageID)
	if err != nil {
		return nil, err
	}

	rec := existing
	if rec == nil {
		rec = &tflib.FileRecord{
			FileID:          msg.FileID,
			UniqueID:        msg.FileUniqueID,
			AccountID:       accountID,
			ChatID:          msg.ChatID,
			MessageID:       msg.MessageID,
			Date:            msg.Date,
			Size:            msg.Size,
			Type:            msg.FileType,
			FileName:        msg.FileName,
			DownloadStatus:  tflib.DownloadDownloading,
			TransferStatus:  tflib.TransferIdle,
			ThreadChatID:    msg.ThreadChatID,
			MessageThreadID: msg.MessageThreadID,
		}
		created, err := m.files.CreateIfNotExist(ctx, rec)
		if err != nil {
			return nil, fmt.Errorf("record file %s: %w", rec.UniqueID, err)
		}
		if created {
			m.wg.Add(1)
			go m.runDownload(acc, rec, loc)
			return rec, nil
		}
	}

	if err := m.files.UpdateDownloadStatus(ctx, rec.UniqueID, tflib.DownloadDownloading, ""); err != nil {
		return nil, err
	}
	rec.DownloadStatus = tflib.DownloadDownloading

	m.wg.Add(1)
	go m.runDownload(acc, rec, loc)

	return rec, nil
}

// fileLocation re-fetches the message and builds the input location of its
// media. File references expire, so the fetch is always fresh.
func (m *Manager) fileLocation(ctx context.Context, acc *account, chatID, messageID int64) (tg.InputFileLocationClass, error) {
	raw, err := m.fetchRaw(ctx, acc, chatID, messageID)
	if err != nil {
		return nil, err
	}
	switch md := raw.Media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := md.Photo.(*tg.Photo)
		if !ok {
			return nil, tflib.ErrUnsupportedContent
		}
		return &tg.InputPhotoFileLocation{
			ID:            photo.ID,
			AccessHash:    photo.AccessHash,
			FileReference: photo.FileReference,
			ThumbSize:     largestThumbType(photo.Sizes),
		}, nil
	case *tg.MessageMediaDocument:
		doc, ok := md.Document.(*tg.Document)
		if !ok {
			return nil, tflib.ErrUnsupportedContent
		}
		return doc.AsInputDocumentFileLocation(), nil
	}
	return nil, tflib.ErrUnsupportedContent
}

// runDownload streams the file to disk and reports the outcome through the
// store and the bus.
func (m *Manager) runDownload(acc *account, rec *tflib.FileRecord, loc tg.InputFileLocationClass) {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("PANIC [download %s]: %v\n%s", rec.UniqueID, r, debug.Stack())
		}
	}()

	ctx := m.baseCtx
	path := m.downloadPath(rec)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		m.finishDownload(ctx, rec, "", fmt.Errorf("create download dir: %w", err))
		return
	}

	_, err := downloader.NewDownloader().Download(acc.api, loc).ToPath(ctx, path)
	m.finishDownload(ctx, rec, path, err)
}

// downloadPath places the file under the download directory, prefixed with
// its unique id so concurrent chats never collide on a name.
func (m *Manager) downloadPath(rec *tflib.FileRecord) string {
	name := rec.FileName
	if name == "" {
		name = string(rec.Type)
	}
	return filepath.Join(m.downloadDir, fmt.Sprintf("%s_%s", rec.UniqueID, name))
}

func (m *Manager) finishDownload(ctx context.Context, rec *tflib.FileRecord, path string, err error) {
	status := tflib.DownloadCompleted
	if err != nil {
		m.log.Error("Download failed for file %s: %v", rec.UniqueID, err)
		status, path = tflib.DownloadError, ""
	} else {
		m.log.Info("Download completed: %s", path)
	}

	if uerr := m.files.UpdateDownloadStatus(ctx, rec.UniqueID, status, path); uerr != nil {
		m.log.Error("Failed to update file %s status: %v", rec.UniqueID, uerr)
		return
	}
	m.bus.Publish(tflib.Event{
		Kind: tflib.EventFileStatus,
		FileStatus: &tflib.FileStatusEvent{
			AccountID:      rec.AccountID,
			FileID:         rec.FileID,
			UniqueID:       rec.UniqueID,
			DownloadStatus: status,
			LocalPath:      path,
		},
	})
}
