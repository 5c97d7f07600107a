package tflib

import (
	"context"
	"sync"

	"github.com/spf13/afero"
)

// fakeClient is an in-memory Client with scripted search pages.
type fakeClient struct {
	mu         sync.Mutex
	authorized map[int64]bool
	channels   map[int64]bool
	searchFn   func(accountID int64, req SearchRequest) (*SearchResult, error)
	searches   []SearchRequest
	messages   map[int64]map[int64]Message
	threads    map[int64]ThreadInfo
	addErr     map[string]error
	added      []Message
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		authorized: make(map[int64]bool),
		channels:   make(map[int64]bool),
		messages:   make(map[int64]map[int64]Message),
		threads:    make(map[int64]ThreadInfo),
		addErr:     make(map[string]error),
	}
}

func (c *fakeClient) Authorized(accountID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authorized[accountID]
}

func (c *fakeClient) SearchMessages(_ context.Context, accountID int64, req SearchRequest) (*SearchResult, error) {
	c.mu.Lock()
	c.searches = append(c.searches, req)
	fn := c.searchFn
	c.mu.Unlock()
	if fn == nil {
		return &SearchResult{}, nil
	}
	return fn(accountID, req)
}

func (c *fakeClient) GetMessage(_ context.Context, _ int64, chatID, messageID int64) (*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if chat, ok := c.messages[chatID]; ok {
		if m, ok := chat[messageID]; ok {
			return &m, nil
		}
	}
	return nil, ErrFileNotFound
}

func (c *fakeClient) GetMessageThread(_ context.Context, _ int64, _, messageID int64) (ThreadInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threads[messageID], nil
}

func (c *fakeClient) IsChannel(_ int64, chatID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[chatID]
}

func (c *fakeClient) AddFileToDownloads(_ context.Context, accountID int64, msg Message) (*FileRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.addErr[msg.FileUniqueID]; err != nil {
		return nil, err
	}
	c.added = append(c.added, msg)
	return &FileRecord{
		FileID:          msg.FileID,
		UniqueID:        msg.FileUniqueID,
		AccountID:       accountID,
		ChatID:          msg.ChatID,
		MessageID:       msg.MessageID,
		Type:            msg.FileType,
		FileName:        msg.FileName,
		DownloadStatus:  DownloadDownloading,
		ThreadChatID:    msg.ThreadChatID,
		MessageThreadID: msg.MessageThreadID,
	}, nil
}

func (c *fakeClient) addedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, len(c.added))
	for i, m := range c.added {
		ids[i] = m.FileUniqueID
	}
	return ids
}

// fakeFileStore keeps records in a map. downloading overrides CountByStatus
// per account when set.
type fakeFileStore struct {
	mu          sync.Mutex
	records     map[string]*FileRecord
	downloading map[int64]int
	countErr    error
}

func newFakeFileStore() *fakeFileStore {
	return &fakeFileStore{
		records:     make(map[string]*FileRecord),
		downloading: make(map[int64]int),
	}
}

func (s *fakeFileStore) put(rec *FileRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[rec.UniqueID] = &cp
}

func (s *fakeFileStore) CreateIfNotExist(_ context.Context, rec *FileRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.UniqueID]; ok {
		return false, nil
	}
	cp := *rec
	s.records[rec.UniqueID] = &cp
	return true, nil
}

func (s *fakeFileStore) GetByUniqueID(_ context.Context, uniqueID string) (*FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[uniqueID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *fakeFileStore) GetByUniqueIDs(_ context.Context, uniqueIDs []string) (map[string]*FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*FileRecord)
	for _, id := range uniqueIDs {
		if rec, ok := s.records[id]; ok {
			cp := *rec
			out[id] = &cp
		}
	}
	return out, nil
}

func (s *fakeFileStore) CountByStatus(_ context.Context, accountID int64, status DownloadStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.countErr != nil {
		return 0, s.countErr
	}
	if n, ok := s.downloading[accountID]; ok && status == DownloadDownloading {
		return n, nil
	}
	n := 0
	for _, rec := range s.records {
		if rec.AccountID == accountID && rec.DownloadStatus == status {
			n++
		}
	}
	return n, nil
}

func (s *fakeFileStore) GetFiles(_ context.Context, chatID int64, filter FileFilter) ([]*FileRecord, int64, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*FileRecord
	total := 0
	for _, rec := range s.records {
		if rec.ChatID != chatID {
			continue
		}
		if filter.DownloadStatus != "" && rec.DownloadStatus != filter.DownloadStatus {
			continue
		}
		if filter.TransferStatus != "" && rec.TransferStatus != filter.TransferStatus {
			continue
		}
		total++
		if filter.Limit > 0 && len(out) >= filter.Limit {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	return out, int64(len(out)), total, nil
}

func (s *fakeFileStore) UpdateDownloadStatus(_ context.Context, uniqueID string, status DownloadStatus, localPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[uniqueID]
	if !ok {
		return ErrFileNotFound
	}
	rec.DownloadStatus = status
	if localPath != "" {
		rec.LocalPath = localPath
	}
	return nil
}

func (s *fakeFileStore) UpdateTransferStatus(_ context.Context, uniqueID string, status TransferStatus, localPath string) (*FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[uniqueID]
	if !ok {
		return nil, ErrFileNotFound
	}
	rec.TransferStatus = status
	if localPath != "" {
		rec.LocalPath = localPath
	}
	cp := *rec
	return &cp, nil
}

func (s *fakeFileStore) GetMainFileByThread(_ context.Context, accountID, threadChatID, messageThreadID int64) (*FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.AccountID == accountID &&
			rec.ThreadChatID == threadChatID &&
			rec.MessageThreadID == messageThreadID &&
			rec.ChatID != threadChatID {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

// fakeSettingStore keeps settings in a map.
type fakeSettingStore struct {
	mu     sync.Mutex
	values map[string]string
	getErr error
}

func newFakeSettingStore() *fakeSettingStore {
	return &fakeSettingStore{values: make(map[string]string)}
}

func (s *fakeSettingStore) GetByKey(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return "", s.getErr
	}
	return s.values[key], nil
}

func (s *fakeSettingStore) CreateOrUpdate(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

// testEnv bundles an engine with its fakes.
type testEnv struct {
	engine   *Engine
	client   *fakeClient
	files    *fakeFileStore
	settings *fakeSettingStore
	registry *Registry
	bus      *Bus
	fs       afero.Fs
}

func newTestEnv(cfg Config) *testEnv {
	client := newFakeClient()
	files := newFakeFileStore()
	settings := newFakeSettingStore()
	registry := NewRegistry(nil)
	bus := NewBus()
	fs := afero.NewMemMapFs()
	return &testEnv{
		engine:   NewEngine(cfg, nil, client, files, settings, registry, bus, fs),
		client:   client,
		files:    files,
		settings: settings,
		registry: registry,
		bus:      bus,
		fs:       fs,
	}
}

// seed registers an automation directly, bypassing reconcile.
func (env *testEnv) seed(a *Automation) {
	env.registry.mu.Lock()
	env.registry.automations[a.Key()] = a
	env.registry.mu.Unlock()
}

func historyAutomation(accountID, chatID int64) *Automation {
	return &Automation{
		AccountID: accountID,
		ChatID:    chatID,
		Download: DownloadConfig{
			Enabled: true,
			Rule:    DownloadRule{DownloadHistory: true},
		},
	}
}
