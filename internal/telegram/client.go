// Package telegram adapts gotd/td sessions to the engine's client interface.
// One Manager owns every configured account session, keeps channel access
// hashes cached, and turns Telegram updates into bus events.
package telegram

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"

	"github.com/telefiles/telefiles/pkg/logger"
	"github.com/telefiles/telefiles/pkg/tflib"
)

// AuthInput supplies interactive authentication answers for a session that is
// not yet authorized.
type AuthInput interface {
	GetPhoneNumber() (string, error)
	GetCode() (string, error)
	GetPassword() (string, error)
}

// AccountConfig describes one Telegram account session.
type AccountConfig struct {
	ID          int64
	AppID       int
	AppHash     string
	SessionFile string
}

// peerInfo caches what the engine needs to address a chat again.
type peerInfo struct {
	accessHash int64
	channel    bool
	broadcast  bool
}

// account is one live gotd session.
type account struct {
	id     int64
	client *telegram.Client
	api    *tg.Client

	authorized atomic.Bool

	mu    sync.RWMutex
	peers map[int64]peerInfo
}

func (a *account) getPeer(chatID int64) (peerInfo, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.peers[chatID]
	return p, ok
}

func (a *account) setPeer(chatID int64, p peerInfo) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.peers[chatID] = p
}

// cacheChats records access hashes from any API response carrying chat lists.
func (a *account) cacheChats(chats []tg.ChatClass) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, chat := range chats {
		if c, ok := chat.(*tg.Channel); ok {
			a.peers[c.ID] = peerInfo{
				accessHash: c.AccessHash,
				channel:    true,
				broadcast:  c.Broadcast,
			}
		}
	}
}

// inputPeer builds the input peer for a chat, falling back to a plain chat
// peer when the id is not a cached channel.
func (a *account) inputPeer(chatID int64) tg.InputPeerClass {
	if p, ok := a.getPeer(chatID); ok && p.channel {
		return &tg.InputPeerChannel{ChannelID: chatID, AccessHash: p.accessHash}
	}
	return &tg.InputPeerChat{ChatID: chatID}
}

// Manager owns the account sessions and implements tflib.Client.
type Manager struct {
	log         logger.Logger
	files       tflib.FileStore
	bus         *tflib.Bus
	downloadDir string

	mu       sync.RWMutex
	accounts map[int64]*account

	// baseCtx outlives individual calls; background downloads run on it so
	// Stop cancels them together with the sessions.
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ tflib.Client = (*Manager)(nil)

// NewManager creates a manager with no running sessions.
func NewManager(log logger.Logger, files tflib.FileStore, bus *tflib.Bus, downloadDir string) *Manager {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Manager{
		log:         log,
		files:       files,
		bus:         bus,
		downloadDir: downloadDir,
		accounts:    make(map[int64]*account),
	}
}

// StartAccount connects and authenticates one account session. It returns
// once the session is ready; the connection keeps running until Stop.
func (m *Manager) StartAccount(ctx context.Context, cfg AccountConfig, input AuthInput) error {
	if err := os.MkdirAll(filepath.Dir(cfg.SessionFile), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	acc := &account{
		id:    cfg.ID,
		peers: make(map[int64]peerInfo),
	}
	dispatcher := tg.NewUpdateDispatcher()
	m.registerUpdateHandlers(acc, &dispatcher)

	acc.client = telegram.NewClient(cfg.AppID, cfg.AppHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: cfg.SessionFile},
		UpdateHandler:  dispatcher,
	})

	if m.cancel == nil {
		m.baseCtx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	runCtx := m.baseCtx

	ready := make(chan error, 1)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := acc.client.Run(runCtx, func(ctx context.Context) error {
			status, err := acc.client.Auth().Status(ctx)
			if err != nil {
				return fmt.Errorf("auth status check failed: %w", err)
			}
			if !status.Authorized {
				if input == nil {
					return fmt.Errorf("account %d: session not authorized and no auth input available", cfg.ID)
				}
				m.log.Info("Account %d not authorized, starting auth flow", cfg.ID)
				flow := auth.NewFlow(termAuth{input: input}, auth.SendCodeOptions{})
				if err := acc.client.Auth().IfNecessary(ctx, flow); err != nil {
					return fmt.Errorf("auth flow failed: %w", err)
				}
			}

			acc.api = acc.client.API()
			acc.authorized.Store(true)
			m.log.Info("Account %d session ready", cfg.ID)

			select {
			case ready <- nil:
			default:
			}

			<-ctx.Done()
			acc.authorized.Store(false)
			return ctx.Err()
		})
		if err != nil && runCtx.Err() == nil {
			m.log.Error("Account %d session exited: %v", cfg.ID, err)
			select {
			case ready <- err:
			default:
			}
		}
	}()

	select {
	case err := <-ready:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	m.accounts[cfg.ID] = acc
	m.mu.Unlock()
	return nil
}

// Stop disconnects every session and waits for their run loops.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) account(accountID int64) (*account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.accounts[accountID]
	if !ok || !acc.authorized.Load() {
		return nil, fmt.Errorf("account %d: %w", accountID, tflib.ErrAccountUnauthorized)
	}
	return acc, nil
}

// Authorized reports whether the account has a usable session.
func (m *Manager) Authorized(accountID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.accounts[accountID]
	return ok && acc.authorized.Load()
}

// IsChannel reports whether the chat is a broadcast channel.
func (m *Manager) IsChannel(accountID, chatID int64) bool {
	acc, err := m.account(accountID)
	if err != nil {
		return false
	}
	p, ok := acc.getPeer(chatID)
	return ok && p.channel && p.broadcast
}

// registerUpdateHandlers publishes incoming messages on the bus so the engine
// can react to live chat traffic.
func (m *Manager) registerUpdateHandlers(acc *account, dispatcher *tg.UpdateDispatcher) {
	publish := func(msg tg.MessageClass) {
		tgMsg, ok := msg.(*tg.Message)
		if !ok {
			return
		}
		chatID := peerID(tgMsg.PeerID)
		if chatID == 0 {
			return
		}
		m.bus.Publish(tflib.Event{
			Kind: tflib.EventMessageReceived,
			MessageReceived: &tflib.MessageReceivedEvent{
				AccountID: acc.id,
				ChatID:    chatID,
				MessageID: int64(tgMsg.ID),
			},
		})
	}
	dispatcher.OnNewMessage(func(_ context.Context, _ tg.Entities, u *tg.UpdateNewMessage) error {
		publish(u.Message)
		return nil
	})
	dispatcher.OnNewChannelMessage(func(_ context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		for _, c := range e.Channels {
			acc.setPeer(c.ID, peerInfo{accessHash: c.AccessHash, channel: true, broadcast: c.Broadcast})
		}
		publish(u.Message)
		return nil
	})
}

// peerID extracts the chat id from a message peer.
func peerID(peer tg.PeerClass) int64 {
	switch p := peer.(type) {
	case *tg.PeerChannel:
		return p.ChannelID
	case *tg.PeerChat:
		return p.ChatID
	case *tg.PeerUser:
		return p.UserID
	}
	return 0
}
