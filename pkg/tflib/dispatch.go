package tflib

import (
	"context"
	"time"
)

// dispatchTick hands waiting downloads to the remote client, at most the
// account's free download slots per tick. Outside the configured time-of-day
// window nothing is dispatched; the queues keep accumulating.
func (e *Engine) dispatchTick(ctx context.Context) {
	if !e.windowOpen(time.Now()) {
		e.log.Debug("Download window closed, dispatch skipped")
		return
	}
	for _, accountID := range e.downloads.Accounts() {
		if ctx.Err() != nil {
			return
		}
		if !e.client.Authorized(accountID) {
			e.log.Warning("Skip dispatch for account %d: not authorized", accountID)
			continue
		}
		surplus := e.surplus(ctx, accountID)
		if surplus <= 0 {
			continue
		}
		for _, w := range e.downloads.Pop(accountID, surplus) {
			e.startDownload(ctx, accountID, w)
		}
	}
}

// startDownload asks the client to begin downloading the message's file. A
// failed entry is dropped; the history scan will surface the file again on a
// later pass.
func (e *Engine) startDownload(ctx context.Context, accountID int64, w WaitingDownload) {
	rec, err := e.client.AddFileToDownloads(ctx, accountID, w.Message)
	if err != nil {
		e.log.Error("Start download %s failed: %v", w.Message.FileUniqueID, err)
		return
	}
	e.log.Debug("Download started: %s (%s)", w.Message.FileUniqueID, w.Message.FileType)
	if rec != nil {
		e.maybeRegisterThread(ctx, accountID, rec)
	}
}

// maybeRegisterThread opens a comment-thread sub-scan for a channel post that
// carries a discussion thread, when its automation asks for comment files.
func (e *Engine) maybeRegisterThread(ctx context.Context, accountID int64, rec *FileRecord) {
	a, ok := e.registry.Get(accountID, rec.ChatID)
	if !ok || !a.Download.Rule.DownloadCommentFiles {
		return
	}
	if !e.client.IsChannel(accountID, rec.ChatID) {
		return
	}
	threadChatID, messageThreadID := rec.ThreadChatID, rec.MessageThreadID
	if threadChatID == 0 {
		info, err := e.client.GetMessageThread(ctx, accountID, rec.ChatID, rec.MessageID)
		if err != nil {
			e.log.Error("Resolve thread for message %d@%d failed: %v", rec.MessageID, rec.ChatID, err)
			return
		}
		threadChatID, messageThreadID = info.ThreadChatID, info.MessageThreadID
	}
	if threadChatID == 0 || messageThreadID == 0 || threadChatID == rec.ChatID {
		return
	}
	t := &ScanThread{
		AccountID:       accountID,
		ChatID:          rec.ChatID,
		ThreadChatID:    threadChatID,
		MessageThreadID: messageThreadID,
	}
	if _, exists := e.threads.Get(t.Key()); exists {
		return
	}
	e.threads.Set(t.Key(), t)
	e.log.Info("Registered comment-thread scan: %s", t.Key())
}
