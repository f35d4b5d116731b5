package compiler

import (
	"sync"
	"testing"
	"time"

	"github.com/ciena/ofassay/criteria"
	"github.com/ciena/ofassay/flowmod"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flowCall struct {
	install      bool
	dpid         uint64
	priority     uint16
	match        string
	instructions flowmod.Instructions
	table        uint8
	cookie       uint64
}

type recorder struct {
	lock  sync.Mutex
	calls []flowCall
}

func (r *recorder) Install(dpid uint64, priority uint16, match criteria.Criteria, instructions flowmod.Instructions, table uint8, cookie uint64) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.calls = append(r.calls, flowCall{
		install:      true,
		dpid:         dpid,
		priority:     priority,
		match:        match.String(),
		instructions: instructions,
		table:        table,
		cookie:       cookie,
	})
}

func (r *recorder) Uninstall(dpid uint64, cookie uint64, table uint8, match criteria.Criteria) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.calls = append(r.calls, flowCall{
		dpid:   dpid,
		match:  match.String(),
		table:  table,
		cookie: cookie,
	})
}

func (r *recorder) take() []flowCall {
	r.lock.Lock()
	defer r.lock.Unlock()
	calls := r.calls
	r.calls = nil
	return calls
}

// staticEngine signals a fixed set of values per attribute value and hands
// out the signaler so tests can drive it
type staticEngine struct {
	values   map[string][]criteria.Criteria
	watchers map[string]Signaler
	stopped  []string
	punts    []criteria.Criteria
	fail     error
}

func newStaticEngine() *staticEngine {
	return &staticEngine{
		values:   make(map[string][]criteria.Criteria),
		watchers: make(map[string]Signaler),
	}
}

func (e *staticEngine) Watch(attribute, value string, s Signaler) (func(), error) {
	if e.fail != nil {
		return nil, e.fail
	}
	e.watchers[value] = s
	for _, v := range e.values[value] {
		if err := s.Signal(true, v); err != nil {
			return nil, err
		}
	}
	return func() {
		e.stopped = append(e.stopped, value)
		delete(e.watchers, value)
	}, nil
}

func (e *staticEngine) Punts() []criteria.Criteria {
	return e.punts
}

func newTestCompiler(t *testing.T) (*Compiler, *recorder, *staticEngine) {
	rec := &recorder{}
	c, err := New(Config{CompilerTable: 0, DefaultTable: 2}, rec)
	require.NoError(t, err)
	engine := newStaticEngine()
	c.Register("domain", engine)
	return c, rec, engine
}

func TestInvalidTables(t *testing.T) {
	_, err := New(Config{CompilerTable: 2, DefaultTable: 2}, &recorder{})
	assert.Equal(t, ErrInvalidTables, errors.Cause(err))
	_, err = New(Config{CompilerTable: 3, DefaultTable: 1}, &recorder{})
	assert.Equal(t, ErrInvalidTables, errors.Cause(err))

	c, _, _ := newTestCompiler(t)
	assert.Equal(t, Stages{Compiler: 0, Default: 2}, c.Stages())
	c2, err := New(Config{CompilerTable: 1, DefaultTable: 4}, &recorder{})
	require.NoError(t, err)
	c2.Register("domain", newStaticEngine())
	_, err = c2.RegisterPredicate(Spec{Match: Match{"domain": "a.com"}, Table: 1})
	assert.Equal(t, ErrInvalidTables, errors.Cause(err))
}

func TestTagsAndCookies(t *testing.T) {
	c, _, _ := newTestCompiler(t)

	a := c.AllocateTag("domain=a.com|")
	b := c.AllocateTag("domain=b.com|")
	assert.Equal(t, uint64(1), a)
	assert.Equal(t, uint64(2), b)
	assert.Equal(t, a, c.AllocateTag("domain=a.com|"))

	// the first cookie belongs to the table-miss rule
	first := c.AllocateCookie()
	assert.Equal(t, uint64(2), first)
	assert.Equal(t, first+1, c.AllocateCookie())
}

func TestMatchAttribute(t *testing.T) {
	attr, value, err := Match{"domain": "example.com"}.Attribute()
	require.NoError(t, err)
	assert.Equal(t, "domain", attr)
	assert.Equal(t, "example.com", value)

	_, _, err = Match{}.Attribute()
	assert.Equal(t, ErrNoAttributes, errors.Cause(err))
	_, _, err = Match{"domain": "a.com", "classification": "video"}.Attribute()
	assert.Equal(t, ErrTooManyAttributes, errors.Cause(err))

	assert.Equal(t, "classification=video,domain=a.com",
		Match{"domain": "a.com", "classification": "video"}.String())
}

func TestRegistry(t *testing.T) {
	c, _, engine := newTestCompiler(t)

	assert.True(t, c.Exists("domain"))
	assert.False(t, c.Exists("srcdomain"))
	got, err := c.Lookup("domain")
	require.NoError(t, err)
	assert.Equal(t, engine, got)

	_, err = c.Lookup("srcdomain")
	assert.Equal(t, ErrAttributeNotRegistered, errors.Cause(err))
	_, err = c.RegisterPredicate(Spec{Match: Match{"srcdomain": "a.com"}})
	assert.Equal(t, ErrAttributeNotRegistered, errors.Cause(err))

	c.Register("srcdomain", newStaticEngine())
	assert.Equal(t, []string{"domain", "srcdomain"}, c.Attributes())
}

func TestSwitchPipeline(t *testing.T) {
	c, rec, engine := newTestCompiler(t)
	engine.punts = []criteria.Criteria{criteria.MustParse("dl_type=0x0800,nw_proto=17,tp_src=53")}

	c.SwitchConnected(0x1)
	calls := rec.take()
	require.Len(t, calls, 2)

	miss := calls[0]
	assert.True(t, miss.install)
	assert.Equal(t, uint16(0), miss.priority)
	assert.Equal(t, "", miss.match)
	assert.Equal(t, uint8(0), miss.table)
	assert.Equal(t, uint64(1), miss.cookie)
	assert.Equal(t, flowmod.Instructions{GotoTable: 2}, miss.instructions)

	punt := calls[1]
	assert.Equal(t, uint16(PuntPriority), punt.priority)
	assert.Equal(t, "dl_type=0x0800,nw_proto=17,tp_src=53", punt.match)
	assert.Equal(t, []flowmod.Action{{Type: flowmod.ActionController}}, punt.instructions.Actions)
	assert.Equal(t, uint8(2), punt.instructions.GotoTable)

	// punt cookies are stable across reconnects
	c.SwitchDisconnected(0x1)
	assert.Empty(t, c.Switches())
	c.SwitchConnected(0x1)
	again := rec.take()
	require.Len(t, again, 2)
	assert.Equal(t, punt.cookie, again[1].cookie)
	assert.Equal(t, []uint64{0x1}, c.Switches())
}

func TestTwoStageInstall(t *testing.T) {
	c, rec, engine := newTestCompiler(t)
	c.SwitchConnected(0x1)
	rec.take()

	engine.values["example.com"] = []criteria.Criteria{criteria.MustParse("nw_dst=93.184.216.34")}
	p, err := c.RegisterPredicate(Spec{
		Match:    Match{"domain": "example.com"},
		Actions:  []flowmod.Action{flowmod.Output(3)},
		Priority: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p.Tag())
	assert.Equal(t, uint8(2), p.Table())

	calls := rec.take()
	require.Len(t, calls, 2)

	def := calls[0]
	assert.True(t, def.install)
	assert.Equal(t, uint8(2), def.table)
	assert.Equal(t, "metadata=0x1", def.match)
	assert.Equal(t, uint16(100), def.priority)
	assert.Equal(t, p.Cookie(), def.cookie)
	assert.Equal(t, flowmod.Instructions{Actions: []flowmod.Action{flowmod.Output(3)}}, def.instructions)

	stage := calls[1]
	assert.True(t, stage.install)
	assert.Equal(t, uint8(0), stage.table)
	assert.Equal(t, "nw_dst=93.184.216.34", stage.match)
	assert.Equal(t, flowmod.Instructions{Metadata: 1, GotoTable: 2}, stage.instructions)

	installed := p.Installed()
	require.Len(t, installed, 1)
	assert.Equal(t, stage.cookie, installed[0].Cookie)

	trackers := p.Trackers()
	require.Len(t, trackers, 1)
	assert.Equal(t, 1, trackers[0].Count)
	assert.Equal(t, uint64(1), trackers[0].Tag)
	assert.Equal(t, "nw_dst=93.184.216.34", trackers[0].Installed.String())
	assert.Equal(t, p, trackers[0].Predicate())
}

func TestPostMatch(t *testing.T) {
	c, rec, _ := newTestCompiler(t)
	c.SwitchConnected(0x1)
	rec.take()

	p, err := c.RegisterPredicate(Spec{
		Match:     Match{"domain": "example.com"},
		Actions:   []flowmod.Action{{Type: flowmod.ActionDrop}},
		PostMatch: criteria.MustParse("nw_proto=6,tp_dst=443"),
		Table:     4,
	})
	require.NoError(t, err)
	calls := rec.take()
	require.Len(t, calls, 1)
	assert.Equal(t, uint8(4), calls[0].table)
	assert.Equal(t, "nw_proto=6,tp_dst=443,metadata=0x1", calls[0].match)

	require.NoError(t, p.Signal(true, criteria.MustParse("nw_dst=1.2.3.4")))
	calls = rec.take()
	require.Len(t, calls, 1)
	assert.Equal(t, flowmod.Instructions{Metadata: 1, GotoTable: 4}, calls[0].instructions)

	// same predicate with a different post match gets its own tag
	q, err := c.RegisterPredicate(Spec{Match: Match{"domain": "example.com"}})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), q.Tag())
}

func TestOverlappingPredicates(t *testing.T) {
	c, rec, _ := newTestCompiler(t)
	c.SwitchConnected(0x1)
	rec.take()

	p, err := c.RegisterPredicate(Spec{Match: Match{"domain": "example.com"}})
	require.NoError(t, err)
	q, err := c.RegisterPredicate(Spec{
		Match:     Match{"domain": "example.com"},
		PostMatch: criteria.MustParse("nw_proto=6,tp_dst=443"),
	})
	require.NoError(t, err)
	rec.take()

	require.NoError(t, p.Signal(true, criteria.MustParse("nw_dst=1.2.3.4")))
	require.NoError(t, q.Signal(true, criteria.MustParse("nw_dst=1.2.3.4")))
	calls := rec.take()
	require.Len(t, calls, 2)

	// the same compiler stage match at the same priority, the switch keeps
	// the later one
	assert.Equal(t, calls[0].match, calls[1].match)
	assert.Equal(t, calls[0].priority, calls[1].priority)
	assert.Equal(t, calls[0].table, calls[1].table)
	assert.NotEqual(t, calls[0].cookie, calls[1].cookie)
	assert.Equal(t, p.Tag(), calls[0].instructions.Metadata)
	assert.Equal(t, q.Tag(), calls[1].instructions.Metadata)
}

func TestPostMatchPrerequisites(t *testing.T) {
	c, rec, engine := newTestCompiler(t)
	c.SwitchConnected(0x1)
	rec.take()

	_, err := c.RegisterPredicate(Spec{
		Match:     Match{"domain": "example.com"},
		PostMatch: criteria.MustParse("tp_dst=443"),
	})
	assert.Equal(t, flowmod.ErrPrerequisite, errors.Cause(err))
	assert.Empty(t, rec.take())
	assert.Empty(t, engine.watchers)
	assert.Empty(t, c.Predicates())
}

func TestDuplicatePredicate(t *testing.T) {
	c, _, _ := newTestCompiler(t)
	p, err := c.RegisterPredicate(Spec{Match: Match{"domain": "a.com"}})
	require.NoError(t, err)
	_, err = c.RegisterPredicate(Spec{Match: Match{"domain": "a.com"}, Priority: 9})
	assert.Equal(t, ErrDuplicatePredicate, errors.Cause(err))

	// the tag survives unregistering and is reused for the same predicate
	p.Close()
	again, err := c.RegisterPredicate(Spec{Match: Match{"domain": "a.com"}})
	require.NoError(t, err)
	assert.Equal(t, p.Tag(), again.Tag())
}

func TestRefcount(t *testing.T) {
	c, rec, _ := newTestCompiler(t)
	c.SwitchConnected(0x1)
	p, err := c.RegisterPredicate(Spec{Match: Match{"domain": "a.com"}})
	require.NoError(t, err)
	rec.take()

	value := criteria.MustParse("nw_dst=10.0.0.1")
	require.NoError(t, p.Signal(true, value))
	require.NoError(t, p.Signal(true, value))
	calls := rec.take()
	require.Len(t, calls, 1)
	cookie := calls[0].cookie

	tracker, ok := p.Tracker(value)
	require.True(t, ok)
	assert.Equal(t, 2, tracker.Count)

	require.NoError(t, p.Signal(false, value))
	assert.Empty(t, rec.take())
	tracker, _ = p.Tracker(value)
	assert.Equal(t, 1, tracker.Count)

	require.NoError(t, p.Signal(false, value))
	calls = rec.take()
	require.Len(t, calls, 1)
	assert.False(t, calls[0].install)
	assert.Equal(t, cookie, calls[0].cookie)
	assert.Equal(t, uint8(0), calls[0].table)
	_, ok = p.Tracker(value)
	assert.False(t, ok)
	assert.Empty(t, p.Installed())

	err = p.Signal(false, value)
	assert.Equal(t, ErrNotTracked, errors.Cause(err))
}

func TestAggregatedRules(t *testing.T) {
	c, rec, _ := newTestCompiler(t)
	c.SwitchConnected(0x1)
	p, err := c.RegisterPredicate(Spec{Match: Match{"domain": "a.com"}})
	require.NoError(t, err)
	rec.take()

	require.NoError(t, p.Signal(true, criteria.MustParse("nw_dst=10.0.0.0")))
	require.NoError(t, p.Signal(true, criteria.MustParse("nw_dst=10.0.0.1")))
	calls := rec.take()

	// the host rule is replaced by the collapsed /31, installed first
	require.Len(t, calls, 3)
	assert.True(t, calls[1].install)
	assert.Equal(t, "nw_dst=10.0.0.0/31", calls[1].match)
	assert.False(t, calls[2].install)
	assert.Equal(t, "nw_dst=10.0.0.0", calls[2].match)

	installed := p.Installed()
	require.Len(t, installed, 1)
	assert.Equal(t, calls[1].cookie, installed[0].Cookie)
	trackers := p.Trackers()
	require.Len(t, trackers, 2)
	for _, tracker := range trackers {
		assert.Equal(t, "nw_dst=10.0.0.0/31", tracker.Installed.String())
		assert.Equal(t, installed[0].Cookie, tracker.Cookie)
	}

	// a value already covered leaves the rule set alone and takes the
	// covering rule's cookie
	require.NoError(t, p.Signal(true, criteria.MustParse("nw_dst=10.0.0.0/31")))
	assert.Empty(t, rec.take())
	tracker, ok := p.Tracker(criteria.MustParse("nw_dst=10.0.0.0/31"))
	require.True(t, ok)
	assert.Equal(t, installed[0].Cookie, tracker.Cookie)
}

func TestGroupedSignals(t *testing.T) {
	rec := &recorder{}
	c, err := New(Config{CompilerTable: 0, DefaultTable: 2, BatchDelay: time.Hour}, rec)
	require.NoError(t, err)
	c.Register("domain", newStaticEngine())
	c.SwitchConnected(0x1)
	p, err := c.RegisterPredicate(Spec{Match: Match{"domain": "a.com"}})
	require.NoError(t, err)
	defer p.Close()
	rec.take()

	// outside a group the batch delay holds the change back
	require.NoError(t, p.Signal(true, criteria.MustParse("nw_dst=10.0.0.2")))
	assert.Empty(t, rec.take())

	p.Group(func() {
		assert.NoError(t, p.Signal(true, criteria.MustParse("nw_dst=10.0.0.0")))
		assert.NoError(t, p.Signal(true, criteria.MustParse("nw_dst=10.0.0.1")))
		assert.NoError(t, p.Signal(false, criteria.MustParse("nw_dst=10.0.0.2")))
	})
	calls := rec.take()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].install)
	assert.Equal(t, "nw_dst=10.0.0.0/31", calls[0].match)
}

func TestReplayOnConnect(t *testing.T) {
	c, rec, engine := newTestCompiler(t)
	engine.values["a.com"] = []criteria.Criteria{criteria.MustParse("nw_dst=1.1.1.1")}
	p, err := c.RegisterPredicate(Spec{Match: Match{"domain": "a.com"}, Actions: []flowmod.Action{flowmod.Output(1)}})
	require.NoError(t, err)
	assert.Empty(t, rec.take())

	c.SwitchConnected(0x2)
	calls := rec.take()
	require.Len(t, calls, 3)
	assert.Equal(t, uint64(1), calls[0].cookie)
	assert.Equal(t, p.Cookie(), calls[1].cookie)
	assert.Equal(t, uint8(2), calls[1].table)
	assert.Equal(t, "nw_dst=1.1.1.1", calls[2].match)
	for _, call := range calls {
		assert.Equal(t, uint64(0x2), call.dpid)
	}
}

func TestClose(t *testing.T) {
	c, rec, engine := newTestCompiler(t)
	c.SwitchConnected(0x1)
	engine.values["a.com"] = []criteria.Criteria{criteria.MustParse("nw_dst=1.1.1.1")}
	p, err := c.RegisterPredicate(Spec{Match: Match{"domain": "a.com"}})
	require.NoError(t, err)
	rec.take()

	require.NoError(t, c.Unregister(p.Tag()))
	assert.Equal(t, []string{"a.com"}, engine.stopped)
	calls := rec.take()
	require.Len(t, calls, 2)
	assert.False(t, calls[0].install)
	assert.Equal(t, uint8(0), calls[0].table)
	assert.False(t, calls[1].install)
	assert.Equal(t, p.Cookie(), calls[1].cookie)
	assert.Equal(t, uint8(2), calls[1].table)

	assert.Empty(t, c.Predicates())
	_, err = c.Predicate(p.Tag())
	assert.Equal(t, ErrPredicateNotFound, errors.Cause(err))
	assert.Equal(t, ErrPredicateNotFound, errors.Cause(c.Unregister(p.Tag())))

	// a closed predicate ignores signals and a second close
	assert.NoError(t, p.Signal(true, criteria.MustParse("nw_dst=2.2.2.2")))
	p.Close()
	assert.Empty(t, rec.take())
}

func TestWatchFailure(t *testing.T) {
	c, rec, engine := newTestCompiler(t)
	c.SwitchConnected(0x1)
	rec.take()
	engine.fail = errors.New("no such domain")

	_, err := c.RegisterPredicate(Spec{Match: Match{"domain": "a.com"}})
	require.Error(t, err)
	assert.Empty(t, c.Predicates())

	calls := rec.take()
	require.Len(t, calls, 2)
	assert.True(t, calls[0].install)
	assert.False(t, calls[1].install)
}
