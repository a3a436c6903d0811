// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rproc

import (
	"grimm.is/npfw/internal/logging"
	"grimm.is/npfw/internal/ruleset"
)

// Log is the "log" rule procedure: it records every packet it sees at
// the configured level and never changes the decision.
type Log struct {
	logger *logging.Logger
	level  string
	tag    string
}

// NewLog returns an unconstructed Log procedure.
func NewLog() *Log { return &Log{logger: logging.Noop()} }

func (l *Log) Name() string { return "log" }

// Construct reads the optional "tag" and "level" args. level defaults
// to "info"; any other recognized value ("debug", "warn", "error")
// selects that slog level.
func (l *Log) Construct(args map[string]any) error {
	l.level = stringArg(args, "level", "info")
	l.tag = stringArg(args, "tag", "")
	return nil
}

func (l *Log) Destruct() {}

// SetLogger attaches the logger the firewall instance runs with;
// config construction happens before a logger is necessarily wired, so
// this is a separate step from Construct.
func (l *Log) SetLogger(logger *logging.Logger) { l.logger = logger }

func (l *Log) Process(ctx *ruleset.ProcContext) ruleset.Action {
	kv := []any{
		"iface", ctx.Iface,
		"dir", dirString(ctx.Dir),
		"len", ctx.PktLen,
		"decision", decisionString(ctx.Decision),
	}
	if l.tag != "" {
		kv = append(kv, "tag", l.tag)
	}
	switch l.level {
	case "debug":
		l.logger.Debug("rule match", kv...)
	case "warn":
		l.logger.Warn("rule match", kv...)
	case "error":
		l.logger.Error("rule match", kv...)
	default:
		l.logger.Info("rule match", kv...)
	}
	return ctx.Decision
}

func dirString(d ruleset.Direction) string {
	switch d {
	case ruleset.DirIn:
		return "in"
	case ruleset.DirOut:
		return "out"
	default:
		return "both"
	}
}

func decisionString(a ruleset.Action) string {
	if a == ruleset.Pass {
		return "pass"
	}
	return "block"
}

func stringArg(args map[string]any, key, def string) string {
	v, ok := args[key]
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok {
		return def
	}
	return s
}
