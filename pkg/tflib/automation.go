package tflib

// DownloadRule configures what the history scan looks for in a chat.
type DownloadRule struct {
	// Query is an optional full-text filter applied to the message search.
	Query string `json:"query,omitempty"`

	// FileTypes is the ordered, distinct sequence of content types to scan.
	// Empty means DefaultFileTypeOrder.
	FileTypes []FileType `json:"fileTypes,omitempty"`

	// DownloadHistory enables backwards scanning of the chat history.
	DownloadHistory bool `json:"downloadHistory"`

	// DownloadCommentFiles extends the scan into comment threads. Only
	// meaningful for channel chats.
	DownloadCommentFiles bool `json:"downloadCommentFiles"`
}

// Order returns the rule's file-type sequence, falling back to the default.
func (r DownloadRule) Order() []FileType {
	if len(r.FileTypes) > 0 {
		return r.FileTypes
	}
	return DefaultFileTypeOrder
}

// TransferRule configures where and how completed downloads are relocated.
type TransferRule struct {
	Destination       string            `json:"destination"`
	TransferPolicy    TransferPolicy    `json:"transferPolicy"`
	DuplicationPolicy DuplicationPolicy `json:"duplicationPolicy"`
	TransferHistory   bool              `json:"transferHistory"`
}

// PreloadConfig is the metadata-preload half of an automation.
type PreloadConfig struct {
	Enabled           bool  `json:"enabled"`
	NextFromMessageID int64 `json:"nextFromMessageId"`
}

// DownloadConfig is the auto-download half of an automation, including its
// resumable scan cursor.
type DownloadConfig struct {
	Enabled           bool         `json:"enabled"`
	Rule              DownloadRule `json:"rule"`
	NextFileType      FileType     `json:"nextFileType,omitempty"`
	NextFromMessageID int64        `json:"nextFromMessageId"`
}

// TransferConfig is the relocation half of an automation.
type TransferConfig struct {
	Enabled bool         `json:"enabled"`
	Rule    TransferRule `json:"rule"`
}

// Flags are the independent completion markers of an automation's historical
// work. Named booleans replace the bit-index state of older releases.
type Flags struct {
	PreloadDone      bool `json:"preloadDone"`
	DownloadDone     bool `json:"downloadDone"`
	DownloadScanDone bool `json:"downloadScanDone"`
	TransferDone     bool `json:"transferDone"`
}

// Automation is the configured behavior set for one (account, chat) pair.
type Automation struct {
	AccountID int64          `json:"accountId"`
	ChatID    int64          `json:"chatId"`
	Preload   PreloadConfig  `json:"preload"`
	Download  DownloadConfig `json:"download"`
	Transfer  TransferConfig `json:"transfer"`
	Flags     Flags          `json:"flags"`
}

// Key returns the automation's identity.
func (a *Automation) Key() Key {
	return Key{AccountID: a.AccountID, ChatID: a.ChatID}
}

// merge copies only the operator-editable fields from in, preserving cursors
// and completion flags. Updating a rule must never reset scan progress.
func (a *Automation) merge(in *Automation) {
	a.Preload.Enabled = in.Preload.Enabled
	a.Download.Enabled = in.Download.Enabled
	a.Download.Rule = in.Download.Rule
	a.Transfer.Enabled = in.Transfer.Enabled
	a.Transfer.Rule = in.Transfer.Rule
}

// clone returns a deep copy. Rule slices are copied so callers cannot mutate
// registry state through a snapshot.
func (a *Automation) clone() *Automation {
	c := *a
	if len(a.Download.Rule.FileTypes) > 0 {
		c.Download.Rule.FileTypes = append([]FileType(nil), a.Download.Rule.FileTypes...)
	}
	return &c
}

// AutomationSet is the serialized form of all configured automations; it is
// what the settings store persists under SettingKeyAutomations.
type AutomationSet struct {
	Automations []*Automation `json:"automations"`
}

// Get returns the automation with the given identity, or nil.
func (s *AutomationSet) Get(accountID, chatID int64) *Automation {
	for _, a := range s.Automations {
		if a.AccountID == accountID && a.ChatID == chatID {
			return a
		}
	}
	return nil
}

// Exists reports whether an automation with the given identity is present.
func (s *AutomationSet) Exists(accountID, chatID int64) bool {
	return s.Get(accountID, chatID) != nil
}
