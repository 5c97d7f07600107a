package tflib

import (
	"path/filepath"
	"strconv"
)

// transferStrategy maps a file record to its destination path under one
// automation's transfer rule. Strategies are cached per automation and
// rebuilt whenever the rule changes.
type transferStrategy struct {
	accountID int64
	chatID    int64
	rule      TransferRule
}

func newTransferStrategy(a *Automation) *transferStrategy {
	return &transferStrategy{
		accountID: a.AccountID,
		chatID:    a.ChatID,
		rule:      a.Transfer.Rule,
	}
}

// matches reports whether the cached strategy still reflects the rule. Rules
// are plain value types, so equality comparison is enough.
func (s *transferStrategy) matches(rule TransferRule) bool {
	return s.rule == rule
}

// targetPath computes the destination path for the record.
func (s *transferStrategy) targetPath(rec *FileRecord) string {
	name := rec.FileName
	if name == "" {
		name = filepath.Base(rec.LocalPath)
	}
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = rec.UniqueID
	}
	switch s.rule.TransferPolicy {
	case GroupByType:
		return filepath.Join(s.rule.Destination, string(rec.Type), name)
	case GroupByChat:
		return filepath.Join(s.rule.Destination,
			strconv.FormatInt(s.accountID, 10),
			strconv.FormatInt(s.chatID, 10),
			name)
	default:
		return filepath.Join(s.rule.Destination, name)
	}
}

// strategyFor returns the automation's cached strategy, rebuilding it when the
// transfer rule changed since the cache entry was built.
func (e *Engine) strategyFor(a *Automation) *transferStrategy {
	key := a.Key()
	if s, ok := e.strategies.Get(key); ok && s.matches(a.Transfer.Rule) {
		return s
	}
	s := newTransferStrategy(a)
	e.strategies.Set(key, s)
	return s
}
