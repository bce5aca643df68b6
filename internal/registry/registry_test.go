package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_PublishDiscoveryIsAtomic(t *testing.T) {
	r := New()

	r.PublishDiscovery("srv-a", []ToolSchema{
		{ServerID: "srv-a", ToolName: "search", Description: "searches"},
	})

	rec, schema, ok := r.Lookup("srv-a", "search")
	require.True(t, ok)
	assert.Equal(t, "srv-a.search", rec.Tools["search"].QualifiedName())
	assert.Equal(t, "searches", schema.Description)
}

func TestRegistry_Namespacing(t *testing.T) {
	r := New()
	r.PublishDiscovery("srv-a", []ToolSchema{{ServerID: "srv-a", ToolName: "search"}})
	r.PublishDiscovery("srv-b", []ToolSchema{{ServerID: "srv-b", ToolName: "search"}})

	_, schemaA, ok := r.Lookup("srv-a", "search")
	require.True(t, ok)
	_, schemaB, ok := r.Lookup("srv-b", "search")
	require.True(t, ok)

	assert.Equal(t, "srv-a.search", schemaA.QualifiedName())
	assert.Equal(t, "srv-b.search", schemaB.QualifiedName())
}

func TestRegistry_UnknownServerOrTool(t *testing.T) {
	r := New()
	r.PublishDiscovery("srv-a", []ToolSchema{{ServerID: "srv-a", ToolName: "search"}})

	_, _, ok := r.Lookup("srv-missing", "search")
	assert.False(t, ok)

	_, _, ok = r.Lookup("srv-a", "missing-tool")
	assert.False(t, ok)
}

func TestRegistry_BreakerStateRoundTrip(t *testing.T) {
	r := New()
	r.Update("srv-a", func(cur *Record) *Record {
		cur.Breaker = BreakerOpen
		cur.ConsecutiveFailures = 3
		return cur
	})

	rec := r.Get("srv-a")
	require.NotNil(t, rec)
	assert.Equal(t, BreakerOpen, rec.Breaker)
	assert.Equal(t, 3, rec.ConsecutiveFailures)
}

func TestRegistry_NewRecordStartsConnecting(t *testing.T) {
	r := New()
	r.Update("srv-a", func(cur *Record) *Record {
		return cur
	})

	rec := r.Get("srv-a")
	require.NotNil(t, rec)
	assert.Equal(t, StateConnecting, rec.State)
}

func TestRegistry_SessionStateRoundTrip(t *testing.T) {
	r := New()
	r.Update("srv-a", func(cur *Record) *Record {
		cur.State = StateDegraded
		return cur
	})

	rec := r.Get("srv-a")
	require.NotNil(t, rec)
	assert.Equal(t, StateDegraded, rec.State)
}

func TestRegistry_SnapshotIsolatedFromFutureWrites(t *testing.T) {
	r := New()
	r.PublishDiscovery("srv-a", []ToolSchema{{ServerID: "srv-a", ToolName: "search"}})

	snap := r.Snapshot()
	r.PublishDiscovery("srv-a", []ToolSchema{{ServerID: "srv-a", ToolName: "fetch"}})

	_, ok := snap["srv-a"].Tools["search"]
	assert.True(t, ok, "previously taken snapshot must not observe later writes")
}

func TestRegistry_ConcurrentReadersAndWriters(t *testing.T) {
	r := New()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			r.PublishDiscovery("srv-a", []ToolSchema{{ServerID: "srv-a", ToolName: "tool"}})
		}(i)
	}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Snapshot()
		}()
	}
	wg.Wait()

	rec := r.Get("srv-a")
	require.NotNil(t, rec)
}

func TestRegistry_Remove(t *testing.T) {
	r := New()
	r.PublishDiscovery("srv-a", []ToolSchema{{ServerID: "srv-a", ToolName: "search"}})
	r.Remove("srv-a")

	assert.Nil(t, r.Get("srv-a"))
}
