package tflib

import (
	"context"
	"testing"

	"github.com/spf13/afero"
)

func transferAutomation(accountID, chatID int64, policy TransferPolicy, dup DuplicationPolicy) *Automation {
	return &Automation{
		AccountID: accountID,
		ChatID:    chatID,
		Transfer: TransferConfig{
			Enabled: true,
			Rule: TransferRule{
				Destination:       "/dst",
				TransferPolicy:    policy,
				DuplicationPolicy: dup,
			},
		},
	}
}

func writeFile(t *testing.T, fs afero.Fs, path, content string) {
	t.Helper()
	if err := afero.WriteFile(fs, path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func completedFile(uid string, accountID, chatID int64, name, localPath string) *FileRecord {
	return &FileRecord{
		UniqueID:       uid,
		AccountID:      accountID,
		ChatID:         chatID,
		Type:           FileTypePhoto,
		FileName:       name,
		LocalPath:      localPath,
		DownloadStatus: DownloadCompleted,
		TransferStatus: TransferIdle,
	}
}

func TestTransferGroupByChatLayout(t *testing.T) {
	env := newTestEnv(Config{})
	env.seed(transferAutomation(1, 10, GroupByChat, Overwrite))
	env.files.put(completedFile("a", 1, 10, "pic.jpg", "/dl/pic.jpg"))
	writeFile(t, env.fs, "/dl/pic.jpg", "content")

	env.engine.executeTransfer(context.Background(), WaitingTransfer{AccountID: 1, ChatID: 10, UniqueID: "a"})

	rec, _ := env.files.GetByUniqueID(context.Background(), "a")
	if rec.TransferStatus != TransferCompleted {
		t.Fatalf("status = %s, want completed", rec.TransferStatus)
	}
	if rec.LocalPath != "/dst/1/10/pic.jpg" {
		t.Fatalf("local path = %s", rec.LocalPath)
	}
	if ok, _ := afero.Exists(env.fs, "/dst/1/10/pic.jpg"); !ok {
		t.Fatal("file not at destination")
	}
	if ok, _ := afero.Exists(env.fs, "/dl/pic.jpg"); ok {
		t.Fatal("source still present after move")
	}
}

func TestTransferGroupByTypeLayout(t *testing.T) {
	env := newTestEnv(Config{})
	env.seed(transferAutomation(1, 10, GroupByType, Overwrite))
	env.files.put(completedFile("a", 1, 10, "pic.jpg", "/dl/pic.jpg"))
	writeFile(t, env.fs, "/dl/pic.jpg", "content")

	env.engine.executeTransfer(context.Background(), WaitingTransfer{AccountID: 1, ChatID: 10, UniqueID: "a"})

	rec, _ := env.files.GetByUniqueID(context.Background(), "a")
	if rec.LocalPath != "/dst/photo/pic.jpg" {
		t.Fatalf("local path = %s", rec.LocalPath)
	}
}

func TestTransferSkipLeavesBothFiles(t *testing.T) {
	env := newTestEnv(Config{})
	env.seed(transferAutomation(1, 10, GroupByType, Skip))
	env.files.put(completedFile("a", 1, 10, "pic.jpg", "/dl/pic.jpg"))
	writeFile(t, env.fs, "/dl/pic.jpg", "new")
	writeFile(t, env.fs, "/dst/photo/pic.jpg", "old")

	env.engine.executeTransfer(context.Background(), WaitingTransfer{AccountID: 1, ChatID: 10, UniqueID: "a"})

	rec, _ := env.files.GetByUniqueID(context.Background(), "a")
	if rec.TransferStatus != TransferIdle {
		t.Fatalf("status = %s, want idle", rec.TransferStatus)
	}
	existing, _ := afero.ReadFile(env.fs, "/dst/photo/pic.jpg")
	if string(existing) != "old" {
		t.Fatal("existing file touched by skip")
	}
	if ok, _ := afero.Exists(env.fs, "/dl/pic.jpg"); !ok {
		t.Fatal("source removed by skip")
	}
}

func TestTransferOverwriteReplacesExisting(t *testing.T) {
	env := newTestEnv(Config{})
	env.seed(transferAutomation(1, 10, GroupByType, Overwrite))
	env.files.put(completedFile("a", 1, 10, "pic.jpg", "/dl/pic.jpg"))
	writeFile(t, env.fs, "/dl/pic.jpg", "new")
	writeFile(t, env.fs, "/dst/photo/pic.jpg", "old")

	env.engine.executeTransfer(context.Background(), WaitingTransfer{AccountID: 1, ChatID: 10, UniqueID: "a"})

	got, _ := afero.ReadFile(env.fs, "/dst/photo/pic.jpg")
	if string(got) != "new" {
		t.Fatalf("destination content = %q, want new", got)
	}
}

func TestTransferRenameKeepsBothContents(t *testing.T) {
	env := newTestEnv(Config{})
	env.seed(transferAutomation(1, 10, GroupByType, Rename))
	env.files.put(completedFile("a", 1, 10, "pic.jpg", "/dl/pic.jpg"))
	writeFile(t, env.fs, "/dl/pic.jpg", "new")
	writeFile(t, env.fs, "/dst/photo/pic.jpg", "old")
	writeFile(t, env.fs, "/dst/photo/pic-1.jpg", "older")

	env.engine.executeTransfer(context.Background(), WaitingTransfer{AccountID: 1, ChatID: 10, UniqueID: "a"})

	rec, _ := env.files.GetByUniqueID(context.Background(), "a")
	if rec.LocalPath != "/dst/photo/pic-2.jpg" {
		t.Fatalf("renamed path = %s, want /dst/photo/pic-2.jpg", rec.LocalPath)
	}
	got, _ := afero.ReadFile(env.fs, "/dst/photo/pic-2.jpg")
	if string(got) != "new" {
		t.Fatalf("renamed content = %q", got)
	}
	old, _ := afero.ReadFile(env.fs, "/dst/photo/pic.jpg")
	if string(old) != "old" {
		t.Fatal("existing file touched by rename")
	}
}

func TestTransferHashDedupsEqualContent(t *testing.T) {
	env := newTestEnv(Config{})
	env.seed(transferAutomation(1, 10, GroupByType, Hash))
	env.files.put(completedFile("a", 1, 10, "pic.jpg", "/dl/pic.jpg"))
	writeFile(t, env.fs, "/dl/pic.jpg", "same bytes")
	writeFile(t, env.fs, "/dst/photo/pic.jpg", "same bytes")

	env.engine.executeTransfer(context.Background(), WaitingTransfer{AccountID: 1, ChatID: 10, UniqueID: "a"})

	rec, _ := env.files.GetByUniqueID(context.Background(), "a")
	if rec.TransferStatus != TransferCompleted {
		t.Fatalf("status = %s, want completed", rec.TransferStatus)
	}
	if rec.LocalPath != "/dst/photo/pic.jpg" {
		t.Fatalf("local path = %s, want existing target", rec.LocalPath)
	}
	if ok, _ := afero.Exists(env.fs, "/dl/pic.jpg"); ok {
		t.Fatal("duplicate source not deleted")
	}
	if ok, _ := afero.Exists(env.fs, "/dst/photo/pic-1.jpg"); ok {
		t.Fatal("hash dedup created a renamed copy")
	}
}

func TestTransferHashFallsBackToRenameOnDifferentContent(t *testing.T) {
	env := newTestEnv(Config{})
	env.seed(transferAutomation(1, 10, GroupByType, Hash))
	env.files.put(completedFile("a", 1, 10, "pic.jpg", "/dl/pic.jpg"))
	writeFile(t, env.fs, "/dl/pic.jpg", "new bytes")
	writeFile(t, env.fs, "/dst/photo/pic.jpg", "old bytes!")

	env.engine.executeTransfer(context.Background(), WaitingTransfer{AccountID: 1, ChatID: 10, UniqueID: "a"})

	rec, _ := env.files.GetByUniqueID(context.Background(), "a")
	if rec.LocalPath != "/dst/photo/pic-1.jpg" {
		t.Fatalf("local path = %s, want renamed", rec.LocalPath)
	}
	old, _ := afero.ReadFile(env.fs, "/dst/photo/pic.jpg")
	if string(old) != "old bytes!" {
		t.Fatal("existing file touched by hash fallback")
	}
}

func TestTransferMissingSourceEmitsError(t *testing.T) {
	env := newTestEnv(Config{})
	env.seed(transferAutomation(1, 10, GroupByType, Overwrite))
	env.files.put(completedFile("a", 1, 10, "pic.jpg", "/dl/gone.jpg"))

	env.engine.executeTransfer(context.Background(), WaitingTransfer{AccountID: 1, ChatID: 10, UniqueID: "a"})

	rec, _ := env.files.GetByUniqueID(context.Background(), "a")
	if rec.TransferStatus != TransferError {
		t.Fatalf("status = %s, want error", rec.TransferStatus)
	}
}

func TestTransferErroredFileNotRerun(t *testing.T) {
	env := newTestEnv(Config{})
	env.seed(transferAutomation(1, 10, GroupByType, Overwrite))
	rec := completedFile("a", 1, 10, "pic.jpg", "/dl/pic.jpg")
	rec.TransferStatus = TransferError
	env.files.put(rec)
	writeFile(t, env.fs, "/dl/pic.jpg", "content")

	// A duplicate completion event re-enqueues the file.
	env.engine.executeTransfer(context.Background(), WaitingTransfer{AccountID: 1, ChatID: 10, UniqueID: "a"})

	got, _ := env.files.GetByUniqueID(context.Background(), "a")
	if got.TransferStatus != TransferError {
		t.Fatalf("status = %s, want error kept", got.TransferStatus)
	}
	if ok, _ := afero.Exists(env.fs, "/dst/photo/pic.jpg"); ok {
		t.Fatal("errored file was transferred again")
	}
	if ok, _ := afero.Exists(env.fs, "/dl/pic.jpg"); !ok {
		t.Fatal("source moved despite error state")
	}
}

func TestTransferTickSingleFlightRequeues(t *testing.T) {
	env := newTestEnv(Config{})
	entry := WaitingTransfer{AccountID: 1, ChatID: 10, UniqueID: "a"}
	env.engine.transfers.Push(entry)
	env.engine.inflight.Store(true)

	env.engine.transferTick(context.Background())

	if got := env.engine.transfers.Len(); got != 1 {
		t.Fatalf("queue length = %d, want requeued entry", got)
	}
	rec, _ := env.files.GetByUniqueID(context.Background(), "a")
	if rec != nil {
		t.Fatal("transfer ran despite occupied slot")
	}
}

func TestTransferStatusEventsPublished(t *testing.T) {
	env := newTestEnv(Config{})
	env.seed(transferAutomation(1, 10, GroupByType, Overwrite))
	env.files.put(completedFile("a", 1, 10, "pic.jpg", "/dl/pic.jpg"))
	writeFile(t, env.fs, "/dl/pic.jpg", "content")
	events, cancel := env.bus.Subscribe(8)
	defer cancel()

	env.engine.executeTransfer(context.Background(), WaitingTransfer{AccountID: 1, ChatID: 10, UniqueID: "a"})

	var statuses []TransferStatus
	for len(events) > 0 {
		ev := <-events
		if ev.Kind == EventFileStatus && ev.FileStatus != nil {
			statuses = append(statuses, ev.FileStatus.TransferStatus)
		}
	}
	if len(statuses) != 2 || statuses[0] != TransferTransferring || statuses[1] != TransferCompleted {
		t.Fatalf("statuses = %v, want [transferring completed]", statuses)
	}
}

func TestStrategyRebuiltOnRuleChange(t *testing.T) {
	env := newTestEnv(Config{})
	a := transferAutomation(1, 10, GroupByType, Overwrite)
	first := env.engine.strategyFor(a)
	if again := env.engine.strategyFor(a); again != first {
		t.Fatal("unchanged rule rebuilt the strategy")
	}

	a.Transfer.Rule.Destination = "/elsewhere"
	rebuilt := env.engine.strategyFor(a)
	if rebuilt == first {
		t.Fatal("changed rule reused the stale strategy")
	}
	rec := completedFile("a", 1, 10, "pic.jpg", "/dl/pic.jpg")
	if got := rebuilt.targetPath(rec); got != "/elsewhere/photo/pic.jpg" {
		t.Fatalf("target path = %s", got)
	}
}

func TestBacklogMarksAutomationDoneWhenEmpty(t *testing.T) {
	env := newTestEnv(Config{})
	a := transferAutomation(1, 10, GroupByType, Overwrite)
	a.Transfer.Rule.TransferHistory = true
	env.seed(a)

	env.engine.backlogTick(context.Background())

	got, _ := env.registry.Get(1, 10)
	if !got.Flags.TransferDone {
		t.Fatal("empty backlog did not complete the automation")
	}
}

func TestBacklogEnqueuesAndThrottles(t *testing.T) {
	env := newTestEnv(Config{BacklogPerTick: 1})
	for _, chatID := range []int64{10, 20} {
		a := transferAutomation(1, chatID, GroupByType, Overwrite)
		a.Transfer.Rule.TransferHistory = true
		env.seed(a)
		env.files.put(completedFile("f"+string(rune('0'+chatID/10)), 1, chatID, "pic.jpg", "/dl/pic.jpg"))
	}

	env.engine.backlogTick(context.Background())

	// Only one automation's backlog is fed per tick.
	if got := env.engine.transfers.Len(); got != 1 {
		t.Fatalf("queued %d entries, want 1", got)
	}

	// Finish the fed file; the next tick completes its automation and feeds
	// the other one.
	first, _ := env.engine.transfers.Poll(0)
	if _, err := env.files.UpdateTransferStatus(context.Background(), first.UniqueID, TransferCompleted, ""); err != nil {
		t.Fatalf("UpdateTransferStatus: %v", err)
	}
	env.engine.backlogTick(context.Background())
	entry, ok := env.engine.transfers.Poll(0)
	if !ok {
		t.Fatal("second automation's backlog not fed")
	}
	if entry.ChatID == first.ChatID {
		t.Fatalf("same automation fed twice: chat %d", entry.ChatID)
	}
}

func TestDownloadCompletedResolvesCommentFileToMainChat(t *testing.T) {
	env := newTestEnv(Config{})
	env.seed(transferAutomation(1, 10, GroupByType, Overwrite))
	// Channel post in chat 10 with its discussion thread in chat 99.
	main := completedFile("main", 1, 10, "post.jpg", "/dl/post.jpg")
	main.ThreadChatID = 99
	main.MessageThreadID = 7
	env.files.put(main)
	// Comment file living in the discussion chat itself.
	comment := completedFile("cmt", 1, 99, "reply.jpg", "/dl/reply.jpg")
	comment.ThreadChatID = 99
	comment.MessageThreadID = 7
	env.files.put(comment)

	env.engine.onDownloadCompleted(context.Background(), FileStatusEvent{AccountID: 1, UniqueID: "cmt", DownloadStatus: DownloadCompleted})

	entry, ok := env.engine.transfers.Poll(0)
	if !ok {
		t.Fatal("comment file not queued for transfer")
	}
	if entry.ChatID != 10 {
		t.Fatalf("entry chat = %d, want main chat 10", entry.ChatID)
	}
}

func TestDownloadCompletedIgnoredWithoutTransferAutomation(t *testing.T) {
	env := newTestEnv(Config{})
	env.files.put(completedFile("a", 1, 10, "pic.jpg", "/dl/pic.jpg"))

	env.engine.onDownloadCompleted(context.Background(), FileStatusEvent{AccountID: 1, UniqueID: "a", DownloadStatus: DownloadCompleted})

	if env.engine.transfers.Len() != 0 {
		t.Fatal("file queued without a transfer automation")
	}
}
