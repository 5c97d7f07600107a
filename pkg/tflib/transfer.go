package tflib

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// backlogPageLimit is the page size of the transfer backlog query.
const backlogPageLimit = 100

// onDownloadCompleted queues a freshly downloaded file for transfer. Comment
// files are attributed to the automation of their main file's home chat.
func (e *Engine) onDownloadCompleted(ctx context.Context, ev FileStatusEvent) {
	rec, err := e.files.GetByUniqueID(ctx, ev.UniqueID)
	if err != nil {
		e.log.Error("Lookup completed file %s failed: %v", ev.UniqueID, err)
		return
	}
	if rec == nil {
		return
	}
	chatID := rec.ChatID
	if rec.IsCommentFile() {
		main, err := e.files.GetMainFileByThread(ctx, rec.AccountID, rec.ThreadChatID, rec.MessageThreadID)
		if err != nil {
			e.log.Error("Resolve main file for thread %d:%d failed: %v", rec.ThreadChatID, rec.MessageThreadID, err)
			return
		}
		if main == nil {
			e.log.Warning("No main file for comment file %s, transfer skipped", rec.UniqueID)
			return
		}
		chatID = main.ChatID
	}
	a, ok := e.registry.Get(rec.AccountID, chatID)
	if !ok || !a.Transfer.Enabled {
		return
	}
	e.transfers.Push(WaitingTransfer{AccountID: rec.AccountID, ChatID: chatID, UniqueID: rec.UniqueID})
}

// backlogTick feeds already-downloaded untransferred files into the transfer
// queue for automations with history transfer switched on. At most
// BacklogPerTick automations are drained per tick so a huge backlog cannot
// starve fresh downloads.
func (e *Engine) backlogTick(ctx context.Context) {
	dirty := false
	fed := 0
	for _, a := range e.registry.TransferEnabled() {
		if ctx.Err() != nil {
			return
		}
		if !a.Transfer.Rule.TransferHistory || a.Flags.TransferDone {
			continue
		}
		recs, _, total, err := e.files.GetFiles(ctx, a.ChatID, FileFilter{
			DownloadStatus: DownloadCompleted,
			TransferStatus: TransferIdle,
			Limit:          backlogPageLimit,
		})
		if err != nil {
			e.log.Error("Query transfer backlog for %s failed: %v", a.Key(), err)
			continue
		}
		if total == 0 {
			e.registry.update(a.Key(), func(a *Automation) {
				a.Flags.TransferDone = true
			})
			e.log.Info("Transfer backlog complete: %s", a.Key())
			dirty = true
			continue
		}
		for _, rec := range recs {
			e.transfers.Push(WaitingTransfer{AccountID: rec.AccountID, ChatID: a.ChatID, UniqueID: rec.UniqueID})
		}
		fed++
		if e.cfg.BacklogPerTick > 0 && fed >= e.cfg.BacklogPerTick {
			break
		}
	}
	if dirty {
		if err := e.registry.Save(ctx, e.settings); err != nil {
			e.log.Error("Persist transfer flags failed: %v", err)
		}
	}
}

// transferTick moves at most one queued file per tick. Transfers run strictly
// one at a time across all automations; an entry polled while another
// transfer is somehow still in flight goes back to the queue.
func (e *Engine) transferTick(ctx context.Context) {
	entry, ok := e.transfers.Poll(e.cfg.PollTimeout)
	if !ok {
		return
	}
	if !e.inflight.CompareAndSwap(false, true) {
		e.transfers.Push(entry)
		return
	}
	defer e.inflight.Store(false)
	e.executeTransfer(ctx, entry)
}

func (e *Engine) executeTransfer(ctx context.Context, entry WaitingTransfer) {
	rec, err := e.files.GetByUniqueID(ctx, entry.UniqueID)
	if err != nil {
		e.log.Error("Lookup transfer file %s failed: %v", entry.UniqueID, err)
		return
	}
	if rec == nil || rec.DownloadStatus != DownloadCompleted || rec.LocalPath == "" {
		return
	}
	// Errored transfers wait for an operator reset; a duplicate completion
	// event must not restart them.
	if rec.TransferStatus == TransferCompleted || rec.TransferStatus == TransferTransferring ||
		rec.TransferStatus == TransferError {
		return
	}
	a, ok := e.registry.Get(entry.AccountID, entry.ChatID)
	if !ok || !a.Transfer.Enabled {
		return
	}

	e.setTransferStatus(ctx, rec, TransferTransferring, "")

	strategy := e.strategyFor(a)
	target := strategy.targetPath(rec)
	finalPath, skipped, err := e.transferFile(rec.LocalPath, target, a.Transfer.Rule.DuplicationPolicy)
	if err != nil {
		e.log.Error("Transfer %s to %s failed: %v", rec.UniqueID, target, err)
		e.setTransferStatus(ctx, rec, TransferError, "")
		return
	}
	if skipped {
		e.log.Debug("Transfer %s skipped, %s already occupied", rec.UniqueID, target)
		e.setTransferStatus(ctx, rec, TransferIdle, "")
		return
	}
	e.setTransferStatus(ctx, rec, TransferCompleted, finalPath)
	e.log.Info("Transferred %s to %s", rec.UniqueID, finalPath)
}

// setTransferStatus updates the store and announces the change on the bus.
func (e *Engine) setTransferStatus(ctx context.Context, rec *FileRecord, status TransferStatus, localPath string) {
	updated, err := e.files.UpdateTransferStatus(ctx, rec.UniqueID, status, localPath)
	if err != nil {
		e.log.Error("Update transfer status of %s failed: %v", rec.UniqueID, err)
		return
	}
	ev := FileStatusEvent{
		AccountID:      rec.AccountID,
		FileID:         rec.FileID,
		UniqueID:       rec.UniqueID,
		TransferStatus: status,
	}
	if updated != nil {
		ev.LocalPath = updated.LocalPath
	}
	e.bus.Publish(Event{Kind: EventFileStatus, FileStatus: &ev})
}

// transferFile relocates src to target, resolving an occupied target with the
// duplication policy. It returns the path the content lives at afterwards;
// skipped reports that the Skip policy left both files untouched.
func (e *Engine) transferFile(src, target string, policy DuplicationPolicy) (finalPath string, skipped bool, err error) {
	srcExists, err := afero.Exists(e.fs, src)
	if err != nil {
		return "", false, err
	}
	if !srcExists {
		return "", false, fmt.Errorf("source %s: %w", src, ErrFileNotFound)
	}
	if err := e.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", false, fmt.Errorf("create destination dir: %w", err)
	}
	exists, err := afero.Exists(e.fs, target)
	if err != nil {
		return "", false, err
	}
	if !exists {
		if err := e.moveFile(src, target); err != nil {
			return "", false, err
		}
		return target, false, nil
	}

	switch policy {
	case Skip:
		return "", true, nil
	case Overwrite:
		if err := e.fs.Remove(target); err != nil {
			return "", false, fmt.Errorf("remove existing %s: %w", target, err)
		}
		if err := e.moveFile(src, target); err != nil {
			return "", false, err
		}
		return target, false, nil
	case Hash:
		equal, err := sameContent(e.fs, src, target)
		if err != nil {
			return "", false, err
		}
		if equal {
			// Same bytes already at the destination; the source copy is
			// redundant.
			if err := e.fs.Remove(src); err != nil {
				return "", false, fmt.Errorf("remove duplicate %s: %w", src, err)
			}
			return target, false, nil
		}
		fallthrough
	case Rename:
		renamed, err := e.uniquePath(target)
		if err != nil {
			return "", false, err
		}
		if err := e.moveFile(src, renamed); err != nil {
			return "", false, err
		}
		return renamed, false, nil
	default:
		return "", false, fmt.Errorf("unknown duplication policy %q", policy)
	}
}

// uniquePath appends -N to the base name until the path is free.
func (e *Engine) uniquePath(target string) (string, error) {
	ext := filepath.Ext(target)
	base := strings.TrimSuffix(target, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s-%d%s", base, i, ext)
		exists, err := afero.Exists(e.fs, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
	}
}

// moveFile renames src to dst, falling back to copy-and-remove when the
// destination is on another filesystem.
func (e *Engine) moveFile(src, dst string) error {
	if err := e.fs.Rename(src, dst); err == nil {
		return nil
	}
	in, err := e.fs.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	out, err := e.fs.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	in.Close()
	return e.fs.Remove(src)
}
