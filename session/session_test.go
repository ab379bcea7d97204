package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/itchio/cloudlet/wtest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func openStore(t *testing.T, path string) *Store {
	s, err := Open(path, nil)
	wtest.Must(t, err)

	clock := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return s
}

func Test_Lifecycle(t *testing.T) {
	path := filepath.Join(wtest.TempDir(t, "session"), "sessions.db")
	s := openStore(t, path)
	defer s.Close()

	a, err := s.Create()
	wtest.Must(t, err)
	assert.Equal(t, StatusRunning, a.Status)
	assert.Len(t, a.ID, 36)

	b, err := s.Create()
	wtest.Must(t, err)
	assert.NotEqual(t, a.ID, b.ID)

	wtest.Must(t, s.SetBase(a.ID, "cafe"))

	ended, err := s.End(a.ID, StatusClosed, "")
	wtest.Must(t, err)
	assert.Equal(t, StatusClosed, ended.Status)
	assert.False(t, ended.ClosedAt.IsZero())

	// already closed: nothing changes
	ended, err = s.End(a.ID, StatusForceClosed, "connection dropped")
	wtest.Must(t, err)
	assert.Equal(t, StatusClosed, ended.Status)
	assert.Empty(t, ended.Reason)

	got, err := s.Get(a.ID)
	wtest.Must(t, err)
	assert.Equal(t, "cafe", got.BaseFingerprint)
	assert.Equal(t, StatusClosed, got.Status)

	list, err := s.List()
	wtest.Must(t, err)
	assert.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, b.ID, list[1].ID)

	_, err = s.End(b.ID, StatusRunning, "")
	assert.Error(t, err)
}

func Test_UnknownSession(t *testing.T) {
	s := openStore(t, filepath.Join(wtest.TempDir(t, "session"), "sessions.db"))
	defer s.Close()

	_, err := s.Get("nope")
	assert.True(t, errors.Is(err, ErrUnknownSession))

	_, err = s.End("nope", StatusClosed, "")
	assert.True(t, errors.Is(err, ErrUnknownSession))

	err = s.SetBase("nope", "cafe")
	assert.True(t, errors.Is(err, ErrUnknownSession))
}

func Test_Recover(t *testing.T) {
	path := filepath.Join(wtest.TempDir(t, "session"), "sessions.db")
	s := openStore(t, path)

	a, err := s.Create()
	wtest.Must(t, err)
	b, err := s.Create()
	wtest.Must(t, err)
	_, err = s.End(b.ID, StatusClosed, "")
	wtest.Must(t, err)
	wtest.Must(t, s.Close())

	s = openStore(t, path)
	defer s.Close()

	count, err := s.Recover()
	wtest.Must(t, err)
	assert.Equal(t, 1, count)

	got, err := s.Get(a.ID)
	wtest.Must(t, err)
	assert.Equal(t, StatusForceClosed, got.Status)
	assert.NotEmpty(t, got.Reason)

	got, err = s.Get(b.ID)
	wtest.Must(t, err)
	assert.Equal(t, StatusClosed, got.Status)

	count, err = s.Recover()
	wtest.Must(t, err)
	assert.Equal(t, 0, count)
}

func Test_StatusString(t *testing.T) {
	assert.Equal(t, "RUNNING", StatusRunning.String())
	assert.Equal(t, "CLOSED", StatusClosed.String())
	assert.Equal(t, "FORCE_CLOSED", StatusForceClosed.String())
	assert.Equal(t, "Status(9)", Status(9).String())
}
