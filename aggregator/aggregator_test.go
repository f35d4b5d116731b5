package aggregator

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/ciena/ofassay/criteria"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, matches ...string) []criteria.Criteria {
	t.Helper()
	var list []criteria.Criteria
	for _, m := range matches {
		c, err := criteria.Parse(m)
		require.NoError(t, err)
		list = append(list, c)
	}
	return list
}

func render(rules []criteria.Criteria) []string {
	list := make([]string, len(rules))
	for i, r := range rules {
		list[i] = r.String()
	}
	return list
}

func counter(a *Aggregator) *int32 {
	var n int32
	a.OnUpdate(func() {
		atomic.AddInt32(&n, 1)
	})
	return &n
}

func TestBucketOf(t *testing.T) {
	tests := []struct {
		match string
		want  Bucket
	}{
		{"nw_src=1.2.3.4", BucketNwSrc},
		{"nw_dst=1.2.3.0/24", BucketNwDst},
		{"tp_src=53", BucketTpSrc},
		{"tp_dst=80", BucketTpDst},
		{"dl_src=00:00:00:00:00:01", BucketDlSrc},
		{"dl_dst=00:00:00:00:00:02", BucketDlDst},
		{"nw_proto=6", BucketNwProto},
		{"dl_type=0x0800", BucketOther},
		{"in_port=1", BucketOther},
		{"nw_src=1.2.3.4,tp_src=53", BucketOther},
		{"", BucketOther},
	}
	for _, test := range tests {
		assert.Equal(t, test.want, BucketOf(criteria.MustParse(test.match)), test.match)
	}
	assert.Equal(t, "nw_proto", BucketNwProto.String())
}

func TestPrefixCollapse(t *testing.T) {
	tests := []struct {
		field string
		add   []string
		want  []string
	}{
		{"nw_src", []string{"1.2.3.4", "1.2.3.0/24"}, []string{"1.2.3.0/24"}},
		{"nw_src", []string{"2.3.4.0/24", "2.3.0.0/16"}, []string{"2.3.0.0/16"}},
		{"nw_src", []string{"3.2.0.0/16", "3.3.0.0/16"}, []string{"3.2.0.0/15"}},
		{"nw_src", []string{"4.2.0.0/16", "4.3.0.0/16", "4.3.4.0/24"}, []string{"4.2.0.0/15"}},
		{"nw_dst", []string{"1.2.3.4", "1.2.3.0/24"}, []string{"1.2.3.0/24"}},
		{"nw_dst", []string{"5.5.5.5", "6.6.6.6"}, []string{"5.5.5.5", "6.6.6.6"}},
	}
	for _, test := range tests {
		a := New("collapse", 0)
		for _, addr := range test.add {
			a.Add(criteria.MustParse(test.field + "=" + addr))
		}
		var want []string
		for _, w := range test.want {
			want = append(want, test.field+"="+w)
		}
		assert.Equal(t, want, render(a.Rules()), "%v", test.add)
		assert.Equal(t, len(test.add), a.RawCount())
	}
}

func TestDuplicatesAreIndependent(t *testing.T) {
	a := New("duplicates", 0)
	updates := counter(a)
	m := criteria.MustParse("tp_dst=80")

	a.Add(m)
	a.Add(m)
	assert.Equal(t, []string{"tp_dst=80"}, render(a.Rules()))
	assert.Equal(t, 2, a.RawCount())
	assert.Len(t, a.Raw(BucketTpDst), 2)

	a.Remove(m)
	assert.Equal(t, []string{"tp_dst=80"}, render(a.Rules()))
	a.Remove(m)
	assert.Empty(t, a.Rules())

	assert.Equal(t, int32(2), atomic.LoadInt32(updates))
}

func TestRemoveMissingIsNoop(t *testing.T) {
	a := New("missing", 0)
	updates := counter(a)
	a.Add(criteria.MustParse("nw_proto=17"))
	a.Remove(criteria.MustParse("nw_proto=6"))
	assert.Equal(t, []string{"nw_proto=17"}, render(a.Rules()))
	assert.Equal(t, int32(1), atomic.LoadInt32(updates))
}

func TestOtherSubsumedByAddress(t *testing.T) {
	a := New("others", 0)
	for _, m := range parse(t, "nw_src=2.3.4.5", "nw_src=2.3.4.5,tp_src=2345") {
		a.Add(m)
	}
	assert.Equal(t, []string{"nw_src=2.3.4.5"}, render(a.Rules()))

	a = New("others", 0)
	for _, m := range parse(t, "nw_dst=10.0.0.0/8", "nw_dst=10.1.1.1,tp_dst=80", "nw_src=10.1.1.1,tp_dst=80") {
		a.Add(m)
	}
	assert.Equal(t, []string{"nw_dst=10.0.0.0/8", "nw_src=10.1.1.1,tp_dst=80"}, render(a.Rules()))
}

func TestOtherSubsumedByField(t *testing.T) {
	a := New("fields", 0)
	for _, m := range parse(t,
		"tp_src=80",
		"nw_proto=6,tp_src=80",
		"dl_type=0x0800",
		"dl_type=0x0800,in_port=2",
		"in_port=3,tp_dst=443") {
		a.Add(m)
	}
	assert.Equal(t, []string{"dl_type=0x0800", "in_port=3,tp_dst=443", "tp_src=80"}, render(a.Rules()))
}

func TestOptimizedOrder(t *testing.T) {
	a := New("order", 0)
	a.AddGroup(criteria.MustParse("tp_dst=443"))
	a.AddGroup(criteria.MustParse("tp_src=53"))
	a.AddGroup(criteria.MustParse("dl_dst=00:00:00:00:00:02"))
	a.AddGroup(criteria.MustParse("dl_src=00:00:00:00:00:01"))
	a.AddGroup(criteria.MustParse("nw_proto=17"))
	a.AddGroup(criteria.MustParse("nw_dst=9.9.9.9,tp_dst=8080"))
	a.AddGroup(criteria.MustParse("nw_src=7.0.0.0/8,tp_dst=8080"))
	a.AddGroup(criteria.MustParse("nw_src=8.8.8.8,tp_dst=8080"))
	a.AddGroup(criteria.MustParse("in_port=1"))
	a.AddGroup(criteria.MustParse("nw_dst=2.2.2.2"))
	a.AddGroup(criteria.MustParse("nw_src=1.1.1.1"))
	a.FinishGroup()

	assert.Equal(t, []string{
		"nw_src=1.1.1.1",
		"nw_dst=2.2.2.2",
		"in_port=1",
		"nw_src=7.0.0.0/8,tp_dst=8080",
		"nw_src=8.8.8.8,tp_dst=8080",
		"nw_dst=9.9.9.9,tp_dst=8080",
		"nw_proto=17",
		"dl_src=00:00:00:00:00:01",
		"dl_dst=00:00:00:00:00:02",
		"tp_src=53",
		"tp_dst=443",
	}, render(a.Rules()))
}

func TestBatching(t *testing.T) {
	a := New("batch", 50*time.Millisecond)
	defer a.Close()
	updates := counter(a)

	a.Add(criteria.MustParse("nw_dst=1.1.1.0"))
	a.Add(criteria.MustParse("nw_dst=1.1.1.1"))
	assert.Empty(t, a.Rules())
	assert.Equal(t, 2, a.Pending())

	require.Eventually(t, func() bool {
		return len(a.Rules()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"nw_dst=1.1.1.0/31"}, render(a.Rules()))
	assert.Equal(t, 0, a.Pending())
	assert.Equal(t, int32(1), atomic.LoadInt32(updates))
}

func TestNoSpuriousCallbacks(t *testing.T) {
	a := New("spurious", 30*time.Millisecond)
	defer a.Close()
	updates := counter(a)
	m := criteria.MustParse("nw_src=10.0.0.1")

	a.Add(m)
	a.Remove(m)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, a.Pending())
	assert.Empty(t, a.Rules())
	assert.Equal(t, int32(0), atomic.LoadInt32(updates))

	a.AddGroup(criteria.MustParse("nw_src=10.0.0.0/24"))
	a.FinishGroup()
	assert.Equal(t, int32(1), atomic.LoadInt32(updates))

	a.AddGroup(m)
	a.FinishGroup()
	assert.Equal(t, []string{"nw_src=10.0.0.0/24"}, render(a.Rules()))
	assert.Equal(t, int32(1), atomic.LoadInt32(updates))
}

func TestGroupWaitsForFinish(t *testing.T) {
	a := New("group", 10*time.Millisecond)
	defer a.Close()
	updates := counter(a)

	a.AddGroup(criteria.MustParse("tp_dst=80"))
	a.AddGroup(criteria.MustParse("tp_dst=443"))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, a.Rules())
	assert.Equal(t, 2, a.Pending())

	a.FinishGroup()
	assert.Equal(t, []string{"tp_dst=80", "tp_dst=443"}, render(a.Rules()))
	assert.Equal(t, int32(1), atomic.LoadInt32(updates))
}

func TestClose(t *testing.T) {
	a := New("close", 20*time.Millisecond)
	updates := counter(a)

	a.Add(criteria.MustParse("tp_dst=80"))
	a.Close()
	time.Sleep(60 * time.Millisecond)
	a.Add(criteria.MustParse("tp_dst=81"))
	a.FinishGroup()

	assert.Empty(t, a.Rules())
	assert.Equal(t, 0, a.RawCount())
	assert.Equal(t, int32(0), atomic.LoadInt32(updates))
}
