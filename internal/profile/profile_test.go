package profile

import (
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func validProfile(id string) *BotProfile {
	return &BotProfile{
		ID:             id,
		TenantID:       "T",
		Name:           "bot",
		Image:          "ghcr.io/owner/repo:latest",
		RestartPolicy:  RestartAlways,
		ReleaseChannel: ChannelStable,
		UpdatePolicy:   "manual",
	}
}

func TestSaveAndGet(t *testing.T) {
	s := newTestStore(t)
	id := uuid.NewString()
	p := validProfile(id)

	require.NoError(t, s.Save(p))

	got, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)
	assert.Equal(t, p.Image, got.Image)
}

func TestRejectsNonUUID(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get("../../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidID)

	_, err = s.Get("not-a-uuid")
	assert.ErrorIs(t, err, ErrInvalidID)

	p := validProfile("not-a-uuid")
	assert.ErrorIs(t, s.Save(p), ErrInvalidID)
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSkipsInvalidFiles(t *testing.T) {
	s := newTestStore(t)
	id1 := uuid.NewString()
	require.NoError(t, s.Save(validProfile(id1)))

	id2 := uuid.NewString()
	badPath, err := s.safePath(id2)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(badPath, []byte(`{not json`), 0o644))

	profiles, err := s.List()
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, id1, profiles[0].ID)
}
