package client

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestState(t *testing.T) *State {
	t.Helper()
	s, err := OpenState(filepath.Join(t.TempDir(), "nested", "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStateConfig(t *testing.T) {
	s := openTestState(t)

	value, err := s.GetConfig("missing")
	require.NoError(t, err)
	assert.Empty(t, value)

	require.NoError(t, s.SetConfig("theme", "dark"))
	require.NoError(t, s.SetConfig("theme", "light"))
	value, err = s.GetConfig("theme")
	require.NoError(t, err)
	assert.Equal(t, "light", value)
}

func TestStateRemembersConnections(t *testing.T) {
	s := openTestState(t)

	assert.Empty(t, s.GetLastServer())
	assert.Empty(t, s.GetLastNickname())

	require.NoError(t, s.SaveSuccessfulConnection("relay-a:10240", "alice"))
	require.NoError(t, s.SaveSuccessfulConnection("relay-b:10240", "bob"))

	assert.Equal(t, "relay-b:10240", s.GetLastServer())
	assert.Equal(t, "bob", s.GetLastNickname())

	nick, err := s.GetNicknameForServer("relay-a:10240")
	require.NoError(t, err)
	assert.Equal(t, "alice", nick)

	nick, err = s.GetNicknameForServer("unknown:1")
	require.NoError(t, err)
	assert.Empty(t, nick)
}

func TestStatePersistsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := OpenState(path)
	require.NoError(t, err)
	require.NoError(t, s.SetKeyFile("/etc/mchat/key"))
	require.NoError(t, s.Close())

	s, err = OpenState(path)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "/etc/mchat/key", s.GetKeyFile())
	assert.Equal(t, filepath.Dir(path), s.GetStateDir())
}

func TestMockStateErrorInjection(t *testing.T) {
	s := NewMockState()
	boom := errors.New("boom")

	s.SetSetConfigError(boom)
	assert.ErrorIs(t, s.SetLastNickname("alice"), boom)

	s.SetSetConfigError(nil)
	require.NoError(t, s.SetLastNickname("alice"))

	s.SetGetConfigError(boom)
	assert.Empty(t, s.GetLastNickname())
}
