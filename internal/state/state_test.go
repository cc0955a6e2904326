package state

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// --- LoadAt / Close ---

func TestLoadAt_CreatesDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "state.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestLoadAt_ReopensExistingDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s1, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.SetIdentity("alice"))
	require.NoError(t, s1.Close())

	s2, err := LoadAt(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	assert.Equal(t, "alice", s2.Identity())
}

// --- Identity ---

func TestIdentity_EmptyByDefault(t *testing.T) {
	s := testDB(t)
	assert.Equal(t, "", s.Identity())
}

func TestSetIdentity_RoundTrip(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SetIdentity("alice"))
	assert.Equal(t, "alice", s.Identity())
}

func TestSetIdentity_Overwrite(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SetIdentity("alice"))
	require.NoError(t, s.SetIdentity("bob"))
	assert.Equal(t, "bob", s.Identity())
}

func TestClearIdentity(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SetIdentity("alice"))
	require.NoError(t, s.ClearIdentity())
	assert.Equal(t, "", s.Identity())
}

func TestClearIdentity_NoSessionIsNoOp(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.ClearIdentity())
	assert.Equal(t, "", s.Identity())
}

// --- Peers ---

func TestPeers_EmptyByDefault(t *testing.T) {
	s := testDB(t)
	peers, err := s.Peers("alice")
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestSetPeers_RoundTrip(t *testing.T) {
	s := testDB(t)
	in := []Peer{
		{Username: "bob", Online: true},
		{Username: "carol", Online: false},
	}
	require.NoError(t, s.SetPeers("alice", in))

	peers, err := s.Peers("alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, in, peers)
}

func TestSetPeers_ReplacesSnapshot(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SetPeers("alice", []Peer{
		{Username: "bob"},
		{Username: "carol"},
	}))
	require.NoError(t, s.SetPeers("alice", []Peer{
		{Username: "dave", Online: true},
	}))

	peers, err := s.Peers("alice")
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "dave", peers[0].Username)
	assert.True(t, peers[0].Online)
}

func TestSetPeers_ScopedToIdentity(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SetPeers("alice", []Peer{{Username: "bob"}}))
	require.NoError(t, s.SetPeers("eve", []Peer{{Username: "mallory"}}))

	alicePeers, err := s.Peers("alice")
	require.NoError(t, err)
	require.Len(t, alicePeers, 1)
	assert.Equal(t, "bob", alicePeers[0].Username)
}

func TestClearPeers(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SetPeers("alice", []Peer{{Username: "bob"}}))
	require.NoError(t, s.ClearPeers("alice"))

	peers, err := s.Peers("alice")
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestClearPeers_MissingSnapshotIsNoOp(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.ClearPeers("nobody"))
}
