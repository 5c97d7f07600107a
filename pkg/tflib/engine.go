package tflib

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"

	"github.com/telefiles/telefiles/pkg/logger"
)

// Config tunes the engine's periods and limits. The zero value is usable;
// every field falls back to its default.
type Config struct {
	// DownloadLimit is the per-account cap on concurrently downloading files.
	DownloadLimit int

	// MaxWaiting bounds each account's historical waiting-download queue.
	MaxWaiting int

	// ScanInterval is the period of the download history scan.
	ScanInterval time.Duration

	// PreloadInterval is the period of the metadata preload scan.
	PreloadInterval time.Duration

	// DispatchInterval is the period of the waiting-download dispatch.
	DispatchInterval time.Duration

	// BacklogInterval is the period of the transfer backlog scan.
	BacklogInterval time.Duration

	// TransferInterval is the period of the transfer execution loop.
	TransferInterval time.Duration

	// ScanDeadline bounds the wall-clock time of one scan invocation.
	ScanDeadline time.Duration

	// PollTimeout bounds the transfer queue poll.
	PollTimeout time.Duration

	// BacklogPerTick caps how many automations' backlogs are enqueued per
	// backlog tick. 0 means unlimited. The historical behavior is 1.
	BacklogPerTick int
}

const (
	defaultDownloadLimit    = 5
	defaultScanInterval     = 2 * time.Minute
	defaultPreloadInterval  = 30 * time.Second
	defaultDispatchInterval = 10 * time.Second
	defaultBacklogInterval  = 2 * time.Minute
	defaultTransferInterval = 3 * time.Second
	defaultScanDeadline     = 10 * time.Second
	defaultPollTimeout      = time.Second
)

func (c Config) withDefaults() Config {
	if c.DownloadLimit <= 0 {
		c.DownloadLimit = defaultDownloadLimit
	}
	if c.MaxWaiting <= 0 {
		c.MaxWaiting = DefaultMaxWaiting
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = defaultScanInterval
	}
	if c.PreloadInterval <= 0 {
		c.PreloadInterval = defaultPreloadInterval
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = defaultDispatchInterval
	}
	if c.BacklogInterval <= 0 {
		c.BacklogInterval = defaultBacklogInterval
	}
	if c.TransferInterval <= 0 {
		c.TransferInterval = defaultTransferInterval
	}
	if c.ScanDeadline <= 0 {
		c.ScanDeadline = defaultScanDeadline
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = defaultPollTimeout
	}
	if c.BacklogPerTick < 0 {
		c.BacklogPerTick = 0
	}
	return c
}

// Engine owns the periodic scan, dispatch and transfer tasks. All shared
// state behind it is concurrency-safe; every task runs in its own
// panic-guarded goroutine so a blocked account does not stall the others.
type Engine struct {
	cfg      Config
	log      logger.Logger
	client   Client
	files    FileStore
	settings SettingStore
	registry *Registry
	bus      *Bus
	fs       afero.Fs

	downloads  *downloadQueue
	transfers  *transferQueue
	threads    *vmap[ThreadKey, *ScanThread]
	strategies *vmap[Key, *transferStrategy]

	limit    atomic.Int32
	windowMu sync.RWMutex
	window   Window

	inflight atomic.Bool
	stopped  atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewEngine wires an engine. The registry gains a removal observer that
// purges the engine's derived state when automations disappear. fs is the
// filesystem transfers run on; pass afero.NewOsFs() in production.
func NewEngine(cfg Config, log logger.Logger, client Client, files FileStore, settings SettingStore, registry *Registry, bus *Bus, fs afero.Fs) *Engine {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.NewNopLogger()
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	e := &Engine{
		cfg:        cfg,
		log:        log,
		client:     client,
		files:      files,
		settings:   settings,
		registry:   registry,
		bus:        bus,
		fs:         fs,
		downloads:  newDownloadQueue(cfg.MaxWaiting),
		transfers:  newTransferQueue(),
		threads:    newVMap[ThreadKey, *ScanThread](),
		strategies: newVMap[Key, *transferStrategy](),
	}
	e.limit.Store(int32(cfg.DownloadLimit))
	registry.OnRemove(e.onAutomationsRemoved)
	return e
}

// Start loads settings and launches the periodic tasks. It returns
// immediately; tasks run until Stop.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.loadSettings(ctx); err != nil {
		// Settings are advisory; defaults apply when the store is unhappy.
		e.log.Warning("Load engine settings failed: %v", err)
	}

	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(6)
	safeGo(e.log, &e.wg, "event-loop", func() { e.eventLoop(ctx) })
	safeGo(e.log, &e.wg, "history-scan", func() { e.periodic(ctx, e.cfg.ScanInterval, e.scanTick) })
	safeGo(e.log, &e.wg, "preload-scan", func() { e.periodic(ctx, e.cfg.PreloadInterval, e.preloadTick) })
	safeGo(e.log, &e.wg, "download-dispatch", func() { e.periodic(ctx, e.cfg.DispatchInterval, e.dispatchTick) })
	safeGo(e.log, &e.wg, "transfer-backlog", func() { e.periodic(ctx, e.cfg.BacklogInterval, e.backlogTick) })
	safeGo(e.log, &e.wg, "transfer-exec", func() { e.periodic(ctx, e.cfg.TransferInterval, e.transferTick) })

	e.log.Info("Engine started (scan %s, dispatch %s, transfer %s, limit %d)",
		e.cfg.ScanInterval, e.cfg.DispatchInterval, e.cfg.TransferInterval, e.limit.Load())
	return nil
}

// Stop signals all tasks and blocks until they exit, including any transfer
// currently in flight.
func (e *Engine) Stop() {
	e.stopped.Store(true)
	if e.cancel != nil {
		e.cancel()
	}
	if e.inflight.Load() {
		e.log.Info("Waiting for in-flight transfer to complete")
	}
	e.wg.Wait()
	e.log.Info("Engine stopped")
}

// periodic runs fn immediately and then on every interval tick until ctx is
// cancelled.
func (e *Engine) periodic(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	fn(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (e *Engine) loadSettings(ctx context.Context) error {
	raw, err := e.settings.GetByKey(ctx, SettingKeyDownloadLimit)
	if err != nil {
		return err
	}
	if raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			e.limit.Store(int32(n))
		}
	}
	raw, err = e.settings.GetByKey(ctx, SettingKeyDownloadWindow)
	if err != nil {
		return err
	}
	w, err := ParseWindow(raw)
	if err != nil {
		return err
	}
	e.setWindow(w)
	return nil
}

func (e *Engine) setWindow(w Window) {
	e.windowMu.Lock()
	e.window = w
	e.windowMu.Unlock()
}

func (e *Engine) windowOpen(now time.Time) bool {
	e.windowMu.RLock()
	defer e.windowMu.RUnlock()
	return e.window.Open(now)
}

// eventLoop consumes bus notifications: new messages feed the preload and
// download paths, completed downloads feed the transfer queue, and setting
// updates reconfigure the engine live.
func (e *Engine) eventLoop(ctx context.Context) {
	events, cancel := e.bus.Subscribe(256)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			e.handleEvent(ctx, ev)
		}
	}
}

func (e *Engine) handleEvent(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventMessageReceived:
		if ev.MessageReceived != nil {
			e.onMessageReceived(ctx, *ev.MessageReceived)
		}
	case EventFileStatus:
		if ev.FileStatus != nil && ev.FileStatus.DownloadStatus == DownloadCompleted {
			e.onDownloadCompleted(ctx, *ev.FileStatus)
		}
	case EventSettingUpdated:
		if ev.SettingUpdated != nil {
			e.onSettingUpdated(*ev.SettingUpdated)
		}
	case EventAutomationUpdated:
		if ev.AutomationUpdated != "" {
			e.onAutomationsUpdated(ev.AutomationUpdated)
		}
	}
}

func (e *Engine) onSettingUpdated(ev SettingUpdatedEvent) {
	switch ev.Key {
	case SettingKeyDownloadLimit:
		n, err := strconv.Atoi(ev.Value)
		if err != nil || n <= 0 {
			e.log.Warning("Ignore invalid download limit update: %q", ev.Value)
			return
		}
		e.limit.Store(int32(n))
		e.log.Info("Download limit updated: %d", n)
	case SettingKeyDownloadWindow:
		w, err := ParseWindow(ev.Value)
		if err != nil {
			e.log.Warning("Ignore invalid download window update: %v", err)
			return
		}
		e.setWindow(w)
		e.log.Info("Download window updated: %s-%s", w.StartTime, w.EndTime)
	}
}

func (e *Engine) onAutomationsUpdated(raw string) {
	var set AutomationSet
	if err := json.Unmarshal([]byte(raw), &set); err != nil {
		e.log.Error("Decode automation update failed: %v", err)
		return
	}
	e.registry.Reconcile(&set, e.client.Authorized)
}

// onAutomationsRemoved is the registry removal observer: it drops every piece
// of derived state owned by the removed automations.
func (e *Engine) onAutomationsRemoved(removed []*Automation) {
	for _, a := range removed {
		e.downloads.RemoveChat(a.AccountID, a.ChatID)
		e.transfers.RemoveChat(a.AccountID, a.ChatID)
		e.strategies.Delete(a.Key())
		e.threads.DeleteFunc(func(_ ThreadKey, t *ScanThread) bool {
			return t.AccountID == a.AccountID && t.ChatID == a.ChatID
		})
	}
}

// Status is a point-in-time view of the engine for status queries.
type Status struct {
	DownloadLimit     int    `json:"downloadLimit"`
	WindowStart       string `json:"windowStart,omitempty"`
	WindowEnd         string `json:"windowEnd,omitempty"`
	WindowOpen        bool   `json:"windowOpen"`
	WaitingTransfers  int    `json:"waitingTransfers"`
	ActiveThreadScans int    `json:"activeThreadScans"`
	TransferInFlight  bool   `json:"transferInFlight"`
	Stopped           bool   `json:"stopped"`
	AutomationCount   int    `json:"automationCount"`
}

// CurrentStatus reports the engine's live counters and configuration.
func (e *Engine) CurrentStatus() Status {
	e.windowMu.RLock()
	w := e.window
	e.windowMu.RUnlock()
	return Status{
		DownloadLimit:     int(e.limit.Load()),
		WindowStart:       w.StartTime,
		WindowEnd:         w.EndTime,
		WindowOpen:        w.Open(time.Now()),
		WaitingTransfers:  e.transfers.Len(),
		ActiveThreadScans: e.threads.Len(),
		TransferInFlight:  e.inflight.Load(),
		Stopped:           e.stopped.Load(),
		AutomationCount:   len(e.registry.All()),
	}
}

// ApplyAutomations reconciles a new desired automation set and persists the
// result. This is the path the RPC surface uses to change automations.
func (e *Engine) ApplyAutomations(ctx context.Context, set *AutomationSet) error {
	if e.stopped.Load() {
		return ErrEngineStopped
	}
	e.registry.Reconcile(set, e.client.Authorized)
	return e.registry.Save(ctx, e.settings)
}

// surplus returns how many more downloads the account may start. A store
// failure is treated as a free slot count of the full limit; the dispatcher
// would rather over-ask the client than stall on a flaky store read.
func (e *Engine) surplus(ctx context.Context, accountID int64) int {
	limit := int(e.limit.Load())
	downloading, err := e.files.CountByStatus(ctx, accountID, DownloadDownloading)
	if err != nil {
		e.log.Error("Count downloading files failed for account %d: %v", accountID, err)
		return limit
	}
	if downloading >= limit {
		return 0
	}
	return limit - downloading
}

// exceedsLimit reports whether the account's download budget is exhausted,
// either by in-flight downloads or by a saturated waiting queue.
func (e *Engine) exceedsLimit(ctx context.Context, accountID int64) bool {
	return e.surplus(ctx, accountID) <= 0 || e.downloads.Len(accountID) > e.cfg.MaxWaiting
}
