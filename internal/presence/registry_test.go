package presence

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/parley/internal/presence/presencetest"
)

func ids(conns []Conn) []string {
	out := make([]string, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.ID())
	}
	return out
}

func TestRegistry_IdentifyMultiDevice(t *testing.T) {
	r := NewRegistry()
	phone := presencetest.NewConn("phone")
	laptop := presencetest.NewConn("laptop")

	r.Identify("1", phone)
	r.Identify("1", laptop)

	assert.ElementsMatch(t, []string{"phone", "laptop"}, ids(r.ConnectionsFor("1")))
	assert.Equal(t, 2, r.size())
	assert.Equal(t, 1, r.users())
}

func TestRegistry_IdentifyIsIdempotent(t *testing.T) {
	r := NewRegistry()
	c := presencetest.NewConn("c1")

	r.Identify("1", c)
	r.Identify("1", c)

	assert.Len(t, r.ConnectionsFor("1"), 1)
	assert.Equal(t, 1, r.size())
}

func TestRegistry_EmptyUserIsNoop(t *testing.T) {
	r := NewRegistry()
	r.Identify("", presencetest.NewConn("c1"))

	assert.Equal(t, 0, r.size())
	assert.Empty(t, r.ConnectionsFor(""))
}

func TestRegistry_Isolation(t *testing.T) {
	r := NewRegistry()
	a := presencetest.NewConn("a")
	b := presencetest.NewConn("b")

	r.Identify("1", a)
	r.Identify("2", b)

	assert.Equal(t, []string{"a"}, ids(r.ConnectionsFor("1")))
	assert.Equal(t, []string{"b"}, ids(r.ConnectionsFor("2")))
	assert.Empty(t, r.ConnectionsFor("3"))
}

func TestRegistry_ReidentifyMovesConnection(t *testing.T) {
	r := NewRegistry()
	c := presencetest.NewConn("shared")

	r.Identify("1", c)
	r.Identify("2", c)

	assert.Empty(t, r.ConnectionsFor("1"))
	assert.Equal(t, []string{"shared"}, ids(r.ConnectionsFor("2")))
	assert.Equal(t, 1, r.users(), "user 1 entry is deleted once empty")

	owner, ok := r.Owner(c)
	require.True(t, ok)
	assert.Equal(t, "2", owner)
}

func TestRegistry_Remove(t *testing.T) {
	r := NewRegistry()
	a1 := presencetest.NewConn("a1")
	a2 := presencetest.NewConn("a2")
	r.Identify("1", a1)
	r.Identify("1", a2)

	r.Remove(a1)
	assert.Equal(t, []string{"a2"}, ids(r.ConnectionsFor("1")))

	r.Remove(a2)
	assert.Empty(t, r.ConnectionsFor("1"))
	assert.Equal(t, 0, r.users())
	assert.Equal(t, 0, r.size())

	_, ok := r.Owner(a2)
	assert.False(t, ok)

	// Unknown and repeated removals are no-ops.
	r.Remove(a2)
	r.Remove(presencetest.NewConn("never-seen"))
	r.Remove(nil)
}

func TestRegistry_SnapshotIsDetached(t *testing.T) {
	r := NewRegistry()
	r.Identify("1", presencetest.NewConn("a"))

	snap := r.ConnectionsFor("1")
	r.Identify("1", presencetest.NewConn("b"))

	assert.Len(t, snap, 1)
	assert.Len(t, r.ConnectionsFor("1"), 2)
}

func TestRegistry_ConcurrentConnectDisconnect(t *testing.T) {
	r := NewRegistry()
	const users, perUser = 20, 50

	var wg sync.WaitGroup
	for u := 0; u < users; u++ {
		for i := 0; i < perUser; i++ {
			wg.Add(1)
			go func(u, i int) {
				defer wg.Done()
				user := fmt.Sprintf("u%d", u)
				c := presencetest.NewConn(fmt.Sprintf("%s-c%d", user, i))
				r.Identify(user, c)
				_ = r.ConnectionsFor(user)
				if i%2 == 0 {
					r.Remove(c)
				}
			}(u, i)
		}
	}
	wg.Wait()

	assert.Equal(t, users*perUser/2, r.size())
	for u := 0; u < users; u++ {
		user := fmt.Sprintf("u%d", u)
		conns := r.ConnectionsFor(user)
		assert.Len(t, conns, perUser/2)
		for _, c := range conns {
			owner, ok := r.Owner(c)
			require.True(t, ok)
			assert.Equal(t, user, owner)
		}
	}
}
