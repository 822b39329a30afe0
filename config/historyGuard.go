package config

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"bitbucket.org/mmdatafocus/recruitsync/appctx"
	"gorm.io/gorm"
)

// ErrHistoryWriteOutsideWriter is raised when something other than the history
// writer tries to modify a participation history partition.
var ErrHistoryWriteOutsideWriter = errors.New("participation history may only be written by the history writer")

var writeStatementPattern = regexp.MustCompile(`(?is)^\s*(insert\s+into|update|delete\s+from|replace\s+into)\s+` + "`?" + `([A-Za-z0-9_]+)`)

// HistoryGuardPlugin rejects writes to the history partition tables unless the
// context was marked by the history ledger (appctx.WithLedgerWriter).
//
// NOTE:
// - Reads are never blocked.
// - Raw statements are matched on their leading verb and table only.
type HistoryGuardPlugin struct {
	tables map[string]struct{}
}

func NewHistoryGuardPlugin(tables ...string) *HistoryGuardPlugin {
	if len(tables) == 0 {
		tables = []string{"internal_participation_histories", "external_participation_histories"}
	}
	p := &HistoryGuardPlugin{tables: map[string]struct{}{}}
	for _, t := range tables {
		p.tables[strings.ToLower(t)] = struct{}{}
	}
	return p
}

func (p *HistoryGuardPlugin) Name() string { return "history_guard" }

func (p *HistoryGuardPlugin) Initialize(db *gorm.DB) error {
	if err := db.Callback().Create().Before("gorm:create").Register("history_guard:create", p.modelCallback); err != nil {
		return err
	}
	if err := db.Callback().Update().Before("gorm:update").Register("history_guard:update", p.modelCallback); err != nil {
		return err
	}
	if err := db.Callback().Delete().Before("gorm:delete").Register("history_guard:delete", p.modelCallback); err != nil {
		return err
	}
	return db.Callback().Raw().Before("gorm:raw").Register("history_guard:raw", p.rawCallback)
}

func (p *HistoryGuardPlugin) guarded(table string) bool {
	_, ok := p.tables[strings.ToLower(strings.Trim(table, "`\""))]
	return ok
}

func (p *HistoryGuardPlugin) modelCallback(db *gorm.DB) {
	if db == nil || db.Statement == nil {
		return
	}
	table := db.Statement.Table
	if table == "" && db.Statement.Schema != nil {
		table = db.Statement.Schema.Table
	}
	if !p.guarded(table) || isLedgerWriter(db.Statement.Context) {
		return
	}
	_ = db.AddError(ErrHistoryWriteOutsideWriter)
}

func (p *HistoryGuardPlugin) rawCallback(db *gorm.DB) {
	if db == nil || db.Statement == nil {
		return
	}
	m := writeStatementPattern.FindStringSubmatch(db.Statement.SQL.String())
	if m == nil || !p.guarded(m[2]) || isLedgerWriter(db.Statement.Context) {
		return
	}
	_ = db.AddError(ErrHistoryWriteOutsideWriter)
}

func isLedgerWriter(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	return appctx.IsLedgerWriter(ctx)
}
