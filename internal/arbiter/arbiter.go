// Package arbiter implements the Suggestion Arbiter (spec §4.10):
// situational-awareness agents each propose SACommands for the current
// round, and the arbiter resolves conflicts between them by priority
// before handing a coherent command set to the engine.
//
// Grounded on
// original_source/nebula/core/situationalawareness/awareness/sautils/sacommand.py
// (the Priority enum and Action verbs) and sanetwork.py. Conflicts are
// grouped by conflictGroup: connect/disconnect/reconnect/maintain
// commands conflict only when they name the same target, all searches
// share one group, and all aggregation commands share another. A
// disconnect never conflicts with a search or with a command for a
// different target.
package arbiter

import "sort"

// Priority orders commands; CRITICAL always wins a conflict.
type Priority int

const (
	PriorityMaintenance Priority = iota
	PriorityLow
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// Action names the effect a command asks the engine to take.
type Action int

const (
	ActionConnect Action = iota
	ActionDisconnect
	ActionReconnect
	ActionMaintain
	ActionSearch
	ActionAggregateNow
	ActionDelayAggregation
)

// Command is one agent's proposed action against a target peer (empty
// for peer-less commands like ActionSearch).
type Command struct {
	Source   string
	Action   Action
	Target   string
	Priority Priority
}

// conflictGroup returns a key such that two commands in the same group
// can't both be honored; commands in different groups never conflict.
func conflictGroup(c Command) string {
	switch c.Action {
	case ActionConnect, ActionDisconnect, ActionReconnect, ActionMaintain:
		return "link:" + c.Target
	case ActionSearch:
		return "search"
	case ActionAggregateNow, ActionDelayAggregation:
		return "aggregation"
	default:
		return "other"
	}
}

// Resolve groups commands by conflict key and keeps, per group, the
// single highest-priority command (ties broken by input order, first
// wins — deterministic given a stable suggestion order). The returned
// slice is ordered by priority, highest first; groups whose winners
// share a priority keep the order their groups were first seen in.
func Resolve(commands []Command) []Command {
	bestByGroup := make(map[string]Command)
	order := make([]string, 0, len(commands))

	for _, c := range commands {
		key := conflictGroup(c)
		cur, ok := bestByGroup[key]
		if !ok {
			bestByGroup[key] = c
			order = append(order, key)
			continue
		}
		if c.Priority > cur.Priority {
			bestByGroup[key] = c
		}
	}

	out := make([]Command, 0, len(order))
	for _, key := range order {
		out = append(out, bestByGroup[key])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}
