package mesh

/*
Forwarding Rule Engine (C10).

A user-defined one-to-many mapping from a source DeviceKey to
destination DeviceKeys, each with optional channel/message-type
filters. Rule addition runs a best-effort reachability check so
obviously cyclic configurations (A->B->A, or worse, A->B->C->A) are
rejected before they ever reach the hot path -- the network-wide
forwarding-context check in the router (§4.11.3) is the real backstop
for cycles this local check can't see (cycles spanning multiple
nodes' independently-configured rule tables).
*/

import (
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

// ForwardingRule maps one source device to one destination device,
// optionally filtered by MIDI channel and/or message type.
type ForwardingRule struct {
	Source            DeviceKey
	Dest              DeviceKey
	ChannelFilter     *uint8 // 0..15, nil = no filter
	MessageTypeFilter *uint8 // high nibble, nil = no filter
}

// Matches reports whether m passes rule's filters.
func (rule ForwardingRule) Matches(m MidiMessage) bool {
	if rule.ChannelFilter != nil {
		ch, ok := m.Channel()
		if !ok || ch != *rule.ChannelFilter {
			return false
		}
	}
	if rule.MessageTypeFilter != nil {
		t, ok := m.TypeNibble()
		if !ok || t != *rule.MessageTypeFilter {
			return false
		}
	}
	return true
}

func sameRule(a, b ForwardingRule) bool {
	if a.Source != b.Source || a.Dest != b.Dest {
		return false
	}
	return optEqual(a.ChannelFilter, b.ChannelFilter) && optEqual(a.MessageTypeFilter, b.MessageTypeFilter)
}

func optEqual(a, b *uint8) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// RuleEngine indexes rules by source device.
type RuleEngine struct {
	mu       sync.RWMutex
	bySource map[DeviceKey][]ForwardingRule
}

// NewRuleEngine returns an empty rule engine.
func NewRuleEngine() *RuleEngine {
	return &RuleEngine{bySource: make(map[DeviceKey][]ForwardingRule)}
}

// AddRule inserts rule, failing with ErrRuleWouldCreateCycle if doing
// so would close a cycle in the local rule graph (source == dest
// counts as the trivial one-hop cycle).
func (e *RuleEngine) AddRule(rule ForwardingRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if rule.Source == rule.Dest {
		return ErrRuleWouldCreateCycle
	}
	if e.reachableLocked(rule.Dest, rule.Source, make(map[DeviceKey]bool)) {
		return ErrRuleWouldCreateCycle
	}

	e.bySource[rule.Source] = append(e.bySource[rule.Source], rule)
	return nil
}

// reachableLocked reports whether target is reachable from start by
// following existing rules' source->dest edges.
func (e *RuleEngine) reachableLocked(start, target DeviceKey, visited map[DeviceKey]bool) bool {
	if start == target {
		return true
	}
	if visited[start] {
		return false
	}
	visited[start] = true
	for _, r := range e.bySource[start] {
		if e.reachableLocked(r.Dest, target, visited) {
			return true
		}
	}
	return false
}

// RemoveRule deletes the first rule equal to rule, reporting whether
// anything was removed.
func (e *RuleEngine) RemoveRule(rule ForwardingRule) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	rules := e.bySource[rule.Source]
	for i, r := range rules {
		if sameRule(r, rule) {
			e.bySource[rule.Source] = append(rules[:i], rules[i+1:]...)
			return true
		}
	}
	return false
}

// RulesFor returns the fan-out set of rules for source. An empty
// result means "no forwarding"; the message still reaches its own
// direct destination via the device's own route (see
// Router.LocalMidiIn).
func (e *RuleEngine) RulesFor(source DeviceKey) []ForwardingRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rules := e.bySource[source]
	out := make([]ForwardingRule, len(rules))
	copy(out, rules)
	return out
}

// ruleDTO is the YAML-serializable form of a ForwardingRule.
type ruleDTO struct {
	SourceOwner string `yaml:"source_owner"`
	SourceID    uint16 `yaml:"source_id"`
	DestOwner   string `yaml:"dest_owner"`
	DestID      uint16 `yaml:"dest_id"`
	Channel     *uint8 `yaml:"channel,omitempty"`
	MessageType *uint8 `yaml:"message_type,omitempty"`
}

// ExportYAML serializes every rule for use by a collaborator config
// loader (spec.md leaves loading rules from a config file out of
// scope for the core, but the core owns this half of the contract).
func (e *RuleEngine) ExportYAML() ([]byte, error) {
	e.mu.RLock()
	var dtos []ruleDTO
	for _, rules := range e.bySource {
		for _, r := range rules {
			dtos = append(dtos, ruleDTO{
				SourceOwner: r.Source.Owner.String(), SourceID: uint16(r.Source.ID),
				DestOwner: r.Dest.Owner.String(), DestID: uint16(r.Dest.ID),
				Channel: r.ChannelFilter, MessageType: r.MessageTypeFilter,
			})
		}
	}
	e.mu.RUnlock()
	return yaml.Marshal(dtos)
}

// ImportYAML replaces the engine's rules with the contents of raw,
// rejecting the whole import if any rule would create a cycle or
// names an unparsable node id (partial imports would leave the engine
// in a configuration nobody asked for).
func (e *RuleEngine) ImportYAML(raw []byte) error {
	var dtos []ruleDTO
	if err := yaml.Unmarshal(raw, &dtos); err != nil {
		return fmt.Errorf("midimesh: parse rule yaml: %w", err)
	}

	fresh := NewRuleEngine()
	for _, d := range dtos {
		srcOwner, err := ParseNodeID(d.SourceOwner)
		if err != nil {
			return fmt.Errorf("midimesh: rule source owner %q: %w", d.SourceOwner, err)
		}
		dstOwner, err := ParseNodeID(d.DestOwner)
		if err != nil {
			return fmt.Errorf("midimesh: rule dest owner %q: %w", d.DestOwner, err)
		}
		rule := ForwardingRule{
			Source:            DeviceKey{Owner: srcOwner, ID: DeviceID(d.SourceID)},
			Dest:              DeviceKey{Owner: dstOwner, ID: DeviceID(d.DestID)},
			ChannelFilter:     d.Channel,
			MessageTypeFilter: d.MessageType,
		}
		if err := fresh.AddRule(rule); err != nil {
			return fmt.Errorf("midimesh: rule %s -> %s: %w", rule.Source, rule.Dest, err)
		}
	}

	e.mu.Lock()
	e.bySource = fresh.bySource
	e.mu.Unlock()
	return nil
}
