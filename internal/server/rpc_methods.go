package server

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/handler"
	"github.com/creachadair/jrpc2/jhttp"

	"github.com/telefiles/telefiles/pkg/tflib"
)

// Custom JSON-RPC error codes for automation operations.
const (
	codeAutomationNotFound = jrpc2.Code(-32001)
	codeEngineStopped      = jrpc2.Code(-32002)
	codeInvalidParams      = jrpc2.Code(-32602)
)

// RPCConfig holds configuration for the JSON-RPC endpoint.
type RPCConfig struct {
	Secret  string // Auth token (empty means local-socket trust)
	Version string // Daemon version
	Commit  string // Git commit
}

// RPCServer manages the JSON-RPC 2.0 bridge and method handlers.
type RPCServer struct {
	bridge  jhttp.Bridge
	methods handler.Map
	secret  string
	version string
	commit  string

	engine   *tflib.Engine
	registry *tflib.Registry
	files    tflib.FileStore
	settings tflib.SettingStore
	bus      *tflib.Bus
}

// VersionResult is the response for system.getVersion.
type VersionResult struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
}

// AutomationListResult is the response for automation.list.
type AutomationListResult struct {
	Automations []*tflib.Automation `json:"automations"`
}

// AutomationKeyParams is a common input naming one automation.
type AutomationKeyParams struct {
	AccountID int64 `json:"accountId"`
	ChatID    int64 `json:"chatId"`
}

// AutomationUpdateParams is the input for automation.update: the full desired
// set of automations. Configured pairs missing from the set are removed.
type AutomationUpdateParams struct {
	Automations []*tflib.Automation `json:"automations"`
}

// FilesListParams is the input for files.list.
type FilesListParams struct {
	ChatID         int64                `json:"chatId"`
	DownloadStatus tflib.DownloadStatus `json:"downloadStatus,omitempty"`
	TransferStatus tflib.TransferStatus `json:"transferStatus,omitempty"`
	Limit          int                  `json:"limit,omitempty"`
	Offset         int64                `json:"offset,omitempty"`
}

// FilesListResult is the response for files.list.
type FilesListResult struct {
	Files      []*tflib.FileRecord `json:"files"`
	NextOffset int64               `json:"nextOffset"`
	TotalCount int                 `json:"totalCount"`
}

// SettingParams is the input for settings.get and settings.update.
type SettingParams struct {
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

// SettingResult is the response for settings.get.
type SettingResult struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// EmptyResult is a placeholder for methods that return no data.
type EmptyResult struct{}

// NewRPCServer creates an RPCServer with method handlers and its HTTP bridge.
func NewRPCServer(cfg *RPCConfig, engine *tflib.Engine, registry *tflib.Registry, files tflib.FileStore, settings tflib.SettingStore, bus *tflib.Bus) *RPCServer {
	rs := &RPCServer{
		secret:   cfg.Secret,
		version:  cfg.Version,
		commit:   cfg.Commit,
		engine:   engine,
		registry: registry,
		files:    files,
		settings: settings,
		bus:      bus,
	}

	rs.methods = handler.Map{
		"system.getVersion": handler.New(rs.systemGetVersion),
		"automation.list":   handler.New(rs.automationList),
		"automation.get":    handler.New(rs.automationGet),
		"automation.update": handler.New(rs.automationUpdate),
		"files.list":        handler.New(rs.filesList),
		"engine.status":     handler.New(rs.engineStatus),
		"settings.get":      handler.New(rs.settingsGet),
		"settings.update":   handler.New(rs.settingsUpdate),
	}

	rs.bridge = jhttp.NewBridge(rs.methods, nil)
	return rs
}

func (rs *RPCServer) systemGetVersion(_ context.Context) (*VersionResult, error) {
	return &VersionResult{Version: rs.version, Commit: rs.commit}, nil
}

// automationList returns every configured automation with its live cursors
// and completion flags.
func (rs *RPCServer) automationList(_ context.Context) (*AutomationListResult, error) {
	return &AutomationListResult{Automations: rs.registry.All()}, nil
}

func (rs *RPCServer) automationGet(_ context.Context, p *AutomationKeyParams) (*tflib.Automation, error) {
	a, ok := rs.registry.Get(p.AccountID, p.ChatID)
	if !ok {
		return nil, &jrpc2.Error{Code: codeAutomationNotFound, Message: "automation not found"}
	}
	return a, nil
}

// automationUpdate replaces the configured automation set. Existing pairs
// keep their scan cursors and completion flags; pairs absent from the new
// set are torn down.
func (rs *RPCServer) automationUpdate(ctx context.Context, p *AutomationUpdateParams) (*EmptyResult, error) {
	for _, a := range p.Automations {
		if a == nil || a.AccountID == 0 || a.ChatID == 0 {
			return nil, &jrpc2.Error{Code: codeInvalidParams, Message: "automation requires accountId and chatId"}
		}
	}
	set := &tflib.AutomationSet{Automations: p.Automations}
	if err := rs.engine.ApplyAutomations(ctx, set); err != nil {
		if errors.Is(err, tflib.ErrEngineStopped) {
			return nil, &jrpc2.Error{Code: codeEngineStopped, Message: err.Error()}
		}
		return nil, err
	}
	if raw, err := json.Marshal(set); err == nil {
		rs.bus.Publish(tflib.Event{
			Kind:              tflib.EventAutomationUpdated,
			AutomationUpdated: string(raw),
		})
	}
	return &EmptyResult{}, nil
}

func (rs *RPCServer) filesList(ctx context.Context, p *FilesListParams) (*FilesListResult, error) {
	if p.ChatID == 0 {
		return nil, &jrpc2.Error{Code: codeInvalidParams, Message: "missing required param: chatId"}
	}
	recs, next, total, err := rs.files.GetFiles(ctx, p.ChatID, tflib.FileFilter{
		DownloadStatus: p.DownloadStatus,
		TransferStatus: p.TransferStatus,
		Limit:          p.Limit,
		Offset:         p.Offset,
	})
	if err != nil {
		return nil, err
	}
	return &FilesListResult{Files: recs, NextOffset: next, TotalCount: total}, nil
}

func (rs *RPCServer) engineStatus(_ context.Context) (*tflib.Status, error) {
	st := rs.engine.CurrentStatus()
	return &st, nil
}

func (rs *RPCServer) settingsGet(ctx context.Context, p *SettingParams) (*SettingResult, error) {
	if p.Key == "" {
		return nil, &jrpc2.Error{Code: codeInvalidParams, Message: "missing required param: key"}
	}
	val, err := rs.settings.GetByKey(ctx, p.Key)
	if err != nil {
		return nil, err
	}
	return &SettingResult{Key: p.Key, Value: val}, nil
}

// settingsUpdate persists the value and announces it on the bus so the
// engine picks up limit and window changes without a restart.
func (rs *RPCServer) settingsUpdate(ctx context.Context, p *SettingParams) (*EmptyResult, error) {
	if p.Key == "" {
		return nil, &jrpc2.Error{Code: codeInvalidParams, Message: "missing required param: key"}
	}
	if err := rs.settings.CreateOrUpdate(ctx, p.Key, p.Value); err != nil {
		return nil, err
	}
	rs.bus.Publish(tflib.Event{
		Kind:           tflib.EventSettingUpdated,
		SettingUpdated: &tflib.SettingUpdatedEvent{Key: p.Key, Value: p.Value},
	})
	return &EmptyResult{}, nil
}

// Close shuts down the jrpc2 bridge, releasing internal goroutines.
func (rs *RPCServer) Close() {
	rs.bridge.Close()
}
