package tflib

import (
	"context"
	"time"
)

// searchPageLimit is the page size of history-scan searches. The platform
// caps search pages at 100; staying well under it keeps single pages cheap.
const searchPageLimit = 30

// scanTick walks every automation with history download enabled and advances
// its scan cursor, then advances the registered comment-thread sub-scans.
// Cursors survive restarts through the settings store.
func (e *Engine) scanTick(ctx context.Context) {
	if !e.windowOpen(time.Now()) {
		e.log.Debug("Download window closed, history scan skipped")
		return
	}
	dirty := false
	for _, a := range e.registry.DownloadEnabled() {
		if ctx.Err() != nil {
			return
		}
		if !a.Download.Rule.DownloadHistory || a.Flags.DownloadScanDone {
			e.finishDownloadPhase(a)
			continue
		}
		if e.scanAutomation(ctx, a) {
			dirty = true
		}
	}
	e.scanThreads(ctx)
	if dirty {
		if err := e.registry.Save(ctx, e.settings); err != nil {
			e.log.Error("Persist scan cursors failed: %v", err)
		}
	}
}

// finishDownloadPhase marks the automation's download work done once its scan
// has completed and no historical entries remain waiting.
func (e *Engine) finishDownloadPhase(a *Automation) {
	if !a.Flags.DownloadScanDone || a.Flags.DownloadDone {
		return
	}
	if e.downloads.HasHistorical(a.AccountID) {
		return
	}
	e.registry.update(a.Key(), func(a *Automation) {
		a.Flags.DownloadDone = true
	})
	e.log.Info("Download phase complete: %s", a.Key())
}

// scanAutomation advances one automation's history scan until the scan
// deadline passes, the account's download budget is exhausted, or the
// history is fully walked. Reports whether the cursor moved.
func (e *Engine) scanAutomation(ctx context.Context, a *Automation) bool {
	order := a.Download.Rule.Order()
	fileType := a.Download.NextFileType
	if !fileType.Valid() {
		fileType = order[0]
	}
	fromMessage := a.Download.NextFromMessageID

	deadline := time.Now().Add(e.cfg.ScanDeadline)
	moved := false
	done := false

	for {
		if ctx.Err() != nil || time.Now().After(deadline) {
			break
		}
		if e.exceedsLimit(ctx, a.AccountID) {
			break
		}

		res, err := e.client.SearchMessages(ctx, a.AccountID, SearchRequest{
			ChatID:        a.ChatID,
			Query:         a.Download.Rule.Query,
			Filter:        fileType,
			FromMessageID: fromMessage,
			Limit:         searchPageLimit,
		})
		if err != nil {
			e.log.Error("History search failed for %s (%s): %v", a.Key(), fileType, err)
			break
		}

		if len(res.Messages) == 0 {
			next, ok := nextInOrder(order, fileType)
			if !ok {
				done = true
				moved = true
				break
			}
			fileType, fromMessage = next, 0
			moved = true
			continue
		}

		fresh := e.filterUndownloaded(ctx, res.Messages)
		if len(fresh) > 0 && !e.downloads.Enqueue(a.AccountID, fresh, false, true) {
			// Queue saturated; resume from the same page next period.
			break
		}

		fromMessage = res.NextFromMessageID
		moved = true
		if fromMessage == 0 {
			next, ok := nextInOrder(order, fileType)
			if !ok {
				done = true
				break
			}
			fileType, fromMessage = next, 0
		}
	}

	if !moved {
		return false
	}
	e.registry.update(a.Key(), func(a *Automation) {
		a.Download.NextFileType = fileType
		a.Download.NextFromMessageID = fromMessage
		if done {
			a.Flags.DownloadScanDone = true
		}
	})
	if done {
		e.log.Info("History scan complete: %s", a.Key())
	}
	return true
}

// scanThreads advances every incomplete comment-thread sub-scan. Thread scans
// share the account's download budget with the main scan.
func (e *Engine) scanThreads(ctx context.Context) {
	for _, t := range e.threads.Values() {
		if ctx.Err() != nil {
			return
		}
		if t.Complete {
			continue
		}
		a, ok := e.registry.Get(t.AccountID, t.ChatID)
		if !ok || !a.Download.Enabled {
			e.threads.Delete(t.Key())
			continue
		}
		e.scanThread(ctx, a, t)
	}
}

func (e *Engine) scanThread(ctx context.Context, a *Automation, t *ScanThread) {
	order := a.Download.Rule.Order()
	fileType := t.NextFileType
	if !fileType.Valid() {
		fileType = order[0]
	}
	fromMessage := t.NextFromMessage

	deadline := time.Now().Add(e.cfg.ScanDeadline)
	done := false

	for {
		if ctx.Err() != nil || time.Now().After(deadline) {
			break
		}
		if e.exceedsLimit(ctx, t.AccountID) {
			break
		}

		res, err := e.client.SearchMessages(ctx, t.AccountID, SearchRequest{
			ChatID:          t.ThreadChatID,
			Query:           a.Download.Rule.Query,
			Filter:          fileType,
			FromMessageID:   fromMessage,
			MessageThreadID: t.MessageThreadID,
			Limit:           searchPageLimit,
		})
		if err != nil {
			e.log.Error("Thread search failed for %s (%s): %v", t.Key(), fileType, err)
			break
		}

		if len(res.Messages) == 0 {
			next, ok := nextInOrder(order, fileType)
			if !ok {
				done = true
				break
			}
			fileType, fromMessage = next, 0
			continue
		}

		fresh := e.filterUndownloaded(ctx, stampThread(res.Messages, t))
		if len(fresh) > 0 && !e.downloads.Enqueue(t.AccountID, fresh, false, true) {
			break
		}

		fromMessage = res.NextFromMessageID
		if fromMessage == 0 {
			next, ok := nextInOrder(order, fileType)
			if !ok {
				done = true
				break
			}
			fileType, fromMessage = next, 0
		}
	}

	t.NextFileType = fileType
	t.NextFromMessage = fromMessage
	if done {
		t.Complete = true
		e.log.Info("Thread scan complete: %s", t.Key())
	}
	e.threads.Set(t.Key(), t)
}

// stampThread tags the messages of a thread page with the thread identity so
// the resulting file records can be traced back to their main file.
func stampThread(messages []Message, t *ScanThread) []Message {
	out := make([]Message, len(messages))
	for i, m := range messages {
		m.ThreadChatID = t.ThreadChatID
		m.MessageThreadID = t.MessageThreadID
		out[i] = m
	}
	return out
}

// filterUndownloaded drops messages whose files are already past the idle
// state. A store failure keeps the batch; the store dedupes again on insert.
func (e *Engine) filterUndownloaded(ctx context.Context, messages []Message) []Message {
	messages = Dedupe(messages)
	if len(messages) == 0 {
		return nil
	}
	ids := make([]string, len(messages))
	for i, m := range messages {
		ids[i] = m.FileUniqueID
	}
	known, err := e.files.GetByUniqueIDs(ctx, ids)
	if err != nil {
		e.log.Error("Lookup known files failed: %v", err)
		return messages
	}
	out := messages[:0]
	for _, m := range messages {
		if rec, ok := known[m.FileUniqueID]; ok && rec.DownloadStatus != DownloadIdle {
			continue
		}
		out = append(out, m)
	}
	return out
}

// nextInOrder returns the file type after cur in order. ok is false when cur
// is the last element. An unknown cur restarts the order.
func nextInOrder(order []FileType, cur FileType) (FileType, bool) {
	for i, t := range order {
		if t != cur {
			continue
		}
		if i+1 < len(order) {
			return order[i+1], true
		}
		return "", false
	}
	return order[0], true
}

// preloadTick walks every automation with metadata preload enabled and pages
// its chat history into the file store, newest to oldest, without starting
// downloads.
func (e *Engine) preloadTick(ctx context.Context) {
	dirty := false
	for _, a := range e.registry.PreloadEnabled() {
		if ctx.Err() != nil {
			return
		}
		if a.Flags.PreloadDone {
			continue
		}
		if e.preloadAutomation(ctx, a) {
			dirty = true
		}
	}
	if dirty {
		if err := e.registry.Save(ctx, e.settings); err != nil {
			e.log.Error("Persist preload cursors failed: %v", err)
		}
	}
}

func (e *Engine) preloadAutomation(ctx context.Context, a *Automation) bool {
	fromMessage := a.Preload.NextFromMessageID
	deadline := time.Now().Add(e.cfg.ScanDeadline)
	moved := false
	done := false

	for {
		if ctx.Err() != nil || time.Now().After(deadline) {
			break
		}
		res, err := e.client.SearchMessages(ctx, a.AccountID, SearchRequest{
			ChatID:        a.ChatID,
			FromMessageID: fromMessage,
			Limit:         searchPageLimit,
		})
		if err != nil {
			e.log.Error("Preload search failed for %s: %v", a.Key(), err)
			break
		}
		if len(res.Messages) == 0 {
			done = true
			moved = true
			break
		}
		for _, m := range Dedupe(res.Messages) {
			e.recordMessage(ctx, a.AccountID, m)
		}
		fromMessage = res.NextFromMessageID
		moved = true
		if fromMessage == 0 {
			done = true
			break
		}
	}

	if !moved {
		return false
	}
	e.registry.update(a.Key(), func(a *Automation) {
		a.Preload.NextFromMessageID = fromMessage
		if done {
			a.Flags.PreloadDone = true
		}
	})
	if done {
		e.log.Info("Preload complete: %s", a.Key())
	}
	return true
}

// recordMessage inserts the message's file metadata unless already known.
func (e *Engine) recordMessage(ctx context.Context, accountID int64, m Message) {
	if m.FileUniqueID == "" {
		return
	}
	created, err := e.files.CreateIfNotExist(ctx, &FileRecord{
		FileID:          m.FileID,
		UniqueID:        m.FileUniqueID,
		AccountID:       accountID,
		ChatID:          m.ChatID,
		MessageID:       m.MessageID,
		Date:            m.Date,
		Size:            m.Size,
		Type:            m.FileType,
		FileName:        m.FileName,
		DownloadStatus:  DownloadIdle,
		TransferStatus:  TransferIdle,
		ThreadChatID:    m.ThreadChatID,
		MessageThreadID: m.MessageThreadID,
	})
	if err != nil {
		e.log.Error("Record file %s failed: %v", m.FileUniqueID, err)
		return
	}
	if created {
		e.log.Debug("Recorded file %s from chat %d", m.FileUniqueID, m.ChatID)
	}
}

// onMessageReceived reacts to a live message in a governed chat: preload
// records its metadata and auto-download queues it immediately, bypassing the
// historical queue cap.
func (e *Engine) onMessageReceived(ctx context.Context, ev MessageReceivedEvent) {
	a, ok := e.registry.Get(ev.AccountID, ev.ChatID)
	if !ok {
		return
	}
	if !a.Preload.Enabled && !a.Download.Enabled {
		return
	}
	msg, err := e.client.GetMessage(ctx, ev.AccountID, ev.ChatID, ev.MessageID)
	if err != nil {
		e.log.Error("Fetch message %d@%d failed: %v", ev.MessageID, ev.ChatID, err)
		return
	}
	if msg == nil || msg.FileUniqueID == "" {
		return
	}
	if a.Preload.Enabled {
		e.recordMessage(ctx, ev.AccountID, *msg)
	}
	if a.Download.Enabled && ruleMatches(a.Download.Rule, *msg) {
		e.downloads.Enqueue(ev.AccountID, []Message{*msg}, true, false)
	}
}

// ruleMatches reports whether the live message falls under the download rule's
// file-type selection.
func ruleMatches(r DownloadRule, m Message) bool {
	for _, t := range r.Order() {
		if t == m.FileType {
			return true
		}
	}
	return false
}
