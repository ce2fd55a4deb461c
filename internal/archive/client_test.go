package archive

import (
	"errors"
	"io"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	listings map[string][]string
	files    map[string]string

	failNext  int // transient failures to inject before succeeding
	listCalls int
	retrCalls int
	dials     *int
}

func errAbsent() error { return &textproto.Error{Code: 550, Msg: "file unavailable"} }

func (f *fakeConn) NameList(dir string) ([]string, error) {
	f.listCalls++
	if f.failNext > 0 {
		f.failNext--
		return nil, errors.New("connection reset")
	}
	names, ok := f.listings[dir]
	if !ok {
		return nil, errAbsent()
	}
	return names, nil
}

func (f *fakeConn) Retr(path string) (io.ReadCloser, error) {
	f.retrCalls++
	if f.failNext > 0 {
		f.failNext--
		return nil, errors.New("connection reset")
	}
	body, ok := f.files[path]
	if !ok {
		return nil, errAbsent()
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func (f *fakeConn) Quit() error { return nil }

func newFakeClient(conn *fakeConn) *Client {
	dials := 0
	conn.dials = &dials
	return NewClient(func() (Conn, error) {
		dials++
		return conn, nil
	}, DefaultRules())
}

func TestListDirMemoized(t *testing.T) {
	conn := &fakeConn{listings: map[string][]string{
		"daily/tmean/2018": {"a.zip", "b.zip"},
	}}
	c := newFakeClient(conn)

	for i := 0; i < 3; i++ {
		names, err := c.ListDir("daily/tmean/2018")
		require.NoError(t, err)
		assert.Equal(t, []string{"a.zip", "b.zip"}, names)
	}
	assert.Equal(t, 1, conn.listCalls, "repeat listings should be served from cache")
}

func TestListDirMissingIsEmpty(t *testing.T) {
	c := newFakeClient(&fakeConn{listings: map[string][]string{}})

	names, err := c.ListDir("daily/tmean/2099")
	require.NoError(t, err, "an unpublished directory is not an error")
	assert.Empty(t, names)
}

func TestFetchMissingFile(t *testing.T) {
	c := newFakeClient(&fakeConn{files: map[string]string{}})

	err := c.Fetch("modeldata/nothing.grb2", filepath.Join(t.TempDir(), "out"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrArchive)
}

func TestFetchRetriesTransientFailure(t *testing.T) {
	conn := &fakeConn{
		files:    map[string]string{"modeldata/f.grb2": "payload"},
		failNext: 1,
	}
	c := newFakeClient(conn)

	local := filepath.Join(t.TempDir(), "f.grb2")
	require.NoError(t, c.Fetch("modeldata/f.grb2", local))

	body, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))
	assert.Equal(t, 2, conn.retrCalls)
	assert.Equal(t, 2, *conn.dials, "a transient failure should drop the session")
}

func TestDateExistsShortCircuit(t *testing.T) {
	conn := &fakeConn{listings: map[string][]string{}}
	c := newFakeClient(conn)
	c.SetClock(clockwork.NewFakeClockAt(time.Date(2018, 3, 11, 0, 0, 0, 0, time.UTC)))

	ok, err := c.DateExists(ts(1999, 12, 1, 0), KindReanalysis)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, conn.listCalls, "settled reanalysis months should not hit the network")

	// Recent dates still go through the listing.
	ok, err = c.DateExists(ts(2018, 3, 1, 0), KindReanalysis)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, conn.listCalls)
}

func TestDateExistsOffCycle(t *testing.T) {
	conn := &fakeConn{listings: map[string][]string{}}
	c := newFakeClient(conn)

	ok, err := c.DateExists(ts(2018, 3, 10, 13), KindForecast)
	require.NoError(t, err)
	assert.False(t, ok, "off-cycle hours are never published")
	assert.Zero(t, conn.listCalls)
}
