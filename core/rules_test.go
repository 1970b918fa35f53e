package mesh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func devKey(owner byte, id DeviceID) DeviceKey {
	return DeviceKey{Owner: newTestSelf(owner), ID: id}
}

func TestAddRuleRejectsSelfLoop(t *testing.T) {
	e := NewRuleEngine()
	a := devKey(1, 1)

	err := e.AddRule(ForwardingRule{Source: a, Dest: a})
	assert.ErrorIs(t, err, ErrRuleWouldCreateCycle)
}

func TestAddRuleRejectsTwoHopCycle(t *testing.T) {
	e := NewRuleEngine()
	a, b := devKey(1, 1), devKey(1, 2)

	require.NoError(t, e.AddRule(ForwardingRule{Source: a, Dest: b}))
	err := e.AddRule(ForwardingRule{Source: b, Dest: a})
	assert.ErrorIs(t, err, ErrRuleWouldCreateCycle)
}

func TestAddRuleRejectsThreeHopCycle(t *testing.T) {
	e := NewRuleEngine()
	a, b, c := devKey(1, 1), devKey(1, 2), devKey(1, 3)

	require.NoError(t, e.AddRule(ForwardingRule{Source: a, Dest: b}))
	require.NoError(t, e.AddRule(ForwardingRule{Source: b, Dest: c}))
	err := e.AddRule(ForwardingRule{Source: c, Dest: a})
	assert.ErrorIs(t, err, ErrRuleWouldCreateCycle)
}

func TestAddRuleAllowsFanOutWithoutCycle(t *testing.T) {
	e := NewRuleEngine()
	a, b, c := devKey(1, 1), devKey(1, 2), devKey(1, 3)

	require.NoError(t, e.AddRule(ForwardingRule{Source: a, Dest: b}))
	require.NoError(t, e.AddRule(ForwardingRule{Source: a, Dest: c}))

	rules := e.RulesFor(a)
	assert.Len(t, rules, 2)
}

func TestRemoveRuleReportsWhetherAnythingWasRemoved(t *testing.T) {
	e := NewRuleEngine()
	a, b := devKey(1, 1), devKey(1, 2)
	rule := ForwardingRule{Source: a, Dest: b}

	require.NoError(t, e.AddRule(rule))
	assert.True(t, e.RemoveRule(rule))
	assert.False(t, e.RemoveRule(rule))
	assert.Empty(t, e.RulesFor(a))
}

func TestRuleMatchesChannelFilter(t *testing.T) {
	ch := uint8(3)
	rule := ForwardingRule{ChannelFilter: &ch}

	assert.True(t, rule.Matches(MidiMessage{0x93, 0x40, 0x40}))
	assert.False(t, rule.Matches(MidiMessage{0x91, 0x40, 0x40}))
	assert.False(t, rule.Matches(MidiMessage{0xF0, 0x00, 0xF7}), "sysex has no channel to match")
}

func TestRuleMatchesMessageTypeFilter(t *testing.T) {
	noteOn := uint8(0x9)
	rule := ForwardingRule{MessageTypeFilter: &noteOn}

	assert.True(t, rule.Matches(MidiMessage{0x91, 0x40, 0x40}))
	assert.False(t, rule.Matches(MidiMessage{0x81, 0x40, 0x40}))
}

func TestExportImportYAMLRoundTrip(t *testing.T) {
	e := NewRuleEngine()
	a, b := devKey(1, 1), devKey(2, 2)
	ch := uint8(5)
	require.NoError(t, e.AddRule(ForwardingRule{Source: a, Dest: b, ChannelFilter: &ch}))

	raw, err := e.ExportYAML()
	require.NoError(t, err)

	fresh := NewRuleEngine()
	require.NoError(t, fresh.ImportYAML(raw))

	rules := fresh.RulesFor(a)
	require.Len(t, rules, 1)
	assert.Equal(t, b, rules[0].Dest)
	require.NotNil(t, rules[0].ChannelFilter)
	assert.Equal(t, ch, *rules[0].ChannelFilter)
}

func TestImportYAMLRejectsCyclicConfiguration(t *testing.T) {
	e := NewRuleEngine()
	a, b := devKey(1, 1), devKey(1, 2)

	raw := []byte(`
- source_owner: "` + a.Owner.String() + `"
  source_id: 1
  dest_owner: "` + b.Owner.String() + `"
  dest_id: 2
- source_owner: "` + b.Owner.String() + `"
  source_id: 2
  dest_owner: "` + a.Owner.String() + `"
  dest_id: 1
`)
	err := e.ImportYAML(raw)
	assert.ErrorIs(t, err, ErrRuleWouldCreateCycle)
	// a rejected import must not leave partial state behind.
	assert.Empty(t, e.RulesFor(a))
}
