package flowmod

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"testing"

	"github.com/ciena/ofassay/criteria"
	"github.com/ciena/ofassay/injector"
	"github.com/netrack/openflow/ofp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAction(t *testing.T) {
	tests := []struct {
		in   string
		want Action
	}{
		{"output:3", Output(3)},
		{" OUTPUT:42 ", Output(42)},
		{"controller", Action{Type: ActionController}},
		{"drop", Action{Type: ActionDrop}},
		{"normal", Action{Type: ActionNormal}},
		{"flood", Action{Type: ActionFlood}},
		{"in_port", Action{Type: ActionInPort}},
	}
	for _, test := range tests {
		a, err := ParseAction(test.in)
		require.NoError(t, err, test.in)
		assert.Equal(t, test.want, a)
		again, err := ParseAction(a.String())
		require.NoError(t, err)
		assert.Equal(t, a, again)
	}

	for _, bad := range []string{"output:", "output:x", "mirror", ""} {
		_, err := ParseAction(bad)
		assert.Equal(t, ErrInvalidAction, errors.Cause(err), bad)
	}

	_, err := ParseActions([]string{"output:1", "bogus"})
	assert.Error(t, err)
}

func TestActionJSON(t *testing.T) {
	var actions []Action
	require.NoError(t, json.Unmarshal([]byte(`["output:2","controller"]`), &actions))
	assert.Equal(t, []Action{Output(2), {Type: ActionController}}, actions)

	data, err := json.Marshal(actions)
	require.NoError(t, err)
	assert.JSONEq(t, `["output:2","controller"]`, string(data))
}

func TestMatchPrerequisites(t *testing.T) {
	m, err := Match(criteria.MustParse("nw_dst=10.0.0.0/8"))
	require.NoError(t, err)
	require.Len(t, m.Fields, 2)
	assert.Equal(t, ofp.XMTypeEthType, m.Fields[0].Type)
	assert.Equal(t, ofp.XMValue{0x08, 0x00}, m.Fields[0].Value)
	assert.Equal(t, ofp.XMTypeIPv4Dst, m.Fields[1].Type)
	assert.Equal(t, ofp.XMValue{10, 0, 0, 0}, m.Fields[1].Value)
	assert.Equal(t, ofp.XMValue{255, 0, 0, 0}, m.Fields[1].Mask)

	m, err = Match(criteria.MustParse("nw_src=1.2.3.4,nw_proto=6,tp_dst=80"))
	require.NoError(t, err)
	require.Len(t, m.Fields, 4)
	assert.Equal(t, ofp.XMTypeIPProto, m.Fields[1].Type)
	assert.Nil(t, m.Fields[2].Mask)
	assert.Equal(t, ofp.XMTypeTCPDst, m.Fields[3].Type)

	m, err = Match(criteria.MustParse("in_port=1,metadata=0x2"))
	require.NoError(t, err)
	require.Len(t, m.Fields, 2)
	assert.Equal(t, ofp.XMTypeInPort, m.Fields[0].Type)
	assert.Equal(t, ofp.XMTypeMetadata, m.Fields[1].Type)

	_, err = Match(criteria.MustParse("tp_src=53"))
	assert.Equal(t, ErrPrerequisite, errors.Cause(err))
	_, err = Match(criteria.MustParse("dl_type=0x86dd,nw_src=1.2.3.4"))
	assert.Equal(t, ErrPrerequisite, errors.Cause(err))
}

func TestInstructions(t *testing.T) {
	list := Instructions{
		Actions:   []Action{Output(3), {Type: ActionDrop}},
		Metadata:  7,
		GotoTable: 2,
	}.encode()
	require.Len(t, list, 3)

	apply, ok := list[0].(*ofp.InstructionApplyActions)
	require.True(t, ok)
	assert.Len(t, apply.Actions, 1)
	meta, ok := list[1].(*ofp.InstructionWriteMetadata)
	require.True(t, ok)
	assert.Equal(t, uint64(7), meta.Metadata)
	goTo, ok := list[2].(*ofp.InstructionGotoTable)
	require.True(t, ok)
	assert.Equal(t, ofp.Table(2), goTo.Table)

	assert.Empty(t, Instructions{Actions: []Action{{Type: ActionDrop}}}.encode())
}

func TestMarshal(t *testing.T) {
	fm, err := NewAdd(0, 10, 0x5, criteria.MustParse("nw_dst=93.184.216.34"), Instructions{Metadata: 1, GotoTable: 2})
	require.NoError(t, err)
	assert.Equal(t, ofp.FlowAdd, fm.Command)
	assert.Equal(t, uint64(0x5), fm.Cookie)

	data, err := Marshal(0x11, fm)
	require.NoError(t, err)
	require.True(t, len(data) > headerLen)
	assert.Equal(t, byte(Version), data[0])
	assert.Equal(t, byte(14), data[1])
	assert.Equal(t, uint16(len(data)), binary.BigEndian.Uint16(data[2:4]))
	assert.Equal(t, uint32(0x11), binary.BigEndian.Uint32(data[4:8]))

	del, err := NewDelete(0, 0x5, criteria.MustParse("nw_dst=93.184.216.34"))
	require.NoError(t, err)
	assert.Equal(t, ofp.FlowDelete, del.Command)
	assert.Equal(t, ^uint64(0), del.CookieMask)
}

type MockInjector struct {
	DPID     uint64
	Messages [][]byte
}

func (*MockInjector) Stop() {}
func (m *MockInjector) Inject(message []byte) error {
	m.Messages = append(m.Messages, message)
	return nil
}
func (m *MockInjector) SetDPID(dpid uint64) {
	m.DPID = dpid
}
func (m *MockInjector) GetDPID() uint64 {
	return m.DPID
}
func (*MockInjector) Copy(w io.Writer, r io.Reader) (int64, error) {
	return 0, nil
}

type mockDevices map[uint64]*MockInjector

func (d mockDevices) Injector(dpid uint64) (injector.Injector, bool) {
	inject, ok := d[dpid]
	if !ok {
		return nil, false
	}
	return inject, true
}

func TestWriter(t *testing.T) {
	mock := &MockInjector{DPID: 0x1}
	w := NewWriter(mockDevices{0x1: mock})

	w.Install(0x1, 10, criteria.MustParse("nw_dst=1.2.3.4"), Instructions{Metadata: 1, GotoTable: 2}, 0, 1)
	w.Uninstall(0x1, 1, 0, criteria.MustParse("nw_dst=1.2.3.4"))
	w.Install(0x2, 10, criteria.MustParse("nw_dst=1.2.3.4"), Instructions{}, 0, 2)
	w.Install(0x1, 10, criteria.MustParse("tp_dst=80"), Instructions{}, 0, 3)

	require.Len(t, mock.Messages, 2)
	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(mock.Messages[0][4:8]))
	assert.Equal(t, uint32(2), binary.BigEndian.Uint32(mock.Messages[1][4:8]))
}
