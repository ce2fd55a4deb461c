package archive

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/textproto"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jlaffaye/ftp"
	"github.com/jonboulle/clockwork"

	"github.com/bloomcast/bloomcast/internal/metrics"
)

var (
	// ErrArchive marks the archive as unreachable after retries were
	// exhausted. Callers treat it as fatal for the whole run: nothing
	// else this run needs will succeed either.
	ErrArchive = errors.New("archive unreachable")

	// ErrNotFound is the normal negative answer for a file the archive
	// simply does not have.
	ErrNotFound = errors.New("not found on archive")
)

// Conn is the slice of an FTP session the client uses.
type Conn interface {
	NameList(path string) ([]string, error)
	Retr(path string) (io.ReadCloser, error)
	Quit() error
}

// Dialer opens a fresh session. The client redials after transient
// failures because a half-dead control connection tends to stay dead.
type Dialer func() (Conn, error)

type ftpConn struct {
	c *ftp.ServerConn
}

func (f ftpConn) NameList(path string) ([]string, error) { return f.c.NameList(path) }
func (f ftpConn) Retr(path string) (io.ReadCloser, error) { return f.c.Retr(path) }
func (f ftpConn) Quit() error                             { return f.c.Quit() }

// DialFTP returns a Dialer for a plain anonymous-style FTP archive.
func DialFTP(addr, user, password string) Dialer {
	return func() (Conn, error) {
		c, err := ftp.Dial(addr, ftp.DialWithTimeout(30*time.Second))
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		if err := c.Login(user, password); err != nil {
			c.Quit()
			return nil, fmt.Errorf("login %s: %w", addr, err)
		}
		return ftpConn{c}, nil
	}
}

// Client resolves dataset paths and fetches files with retry. Directory
// listings are memoized for the client's lifetime, so a run that probes
// hundreds of candidate files in the same few directories pays for each
// listing once. Not safe for concurrent use; give each worker its own.
type Client struct {
	dial     Dialer
	rules    *Rules
	clock    clockwork.Clock
	conn     Conn
	listings map[string][]string

	// Dates older than this relative to now fall inside the reliably
	// populated window for rules that declare one.
	stableAfter time.Duration
}

func NewClient(dial Dialer, rules *Rules) *Client {
	return &Client{
		dial:        dial,
		rules:       rules,
		clock:       clockwork.NewRealClock(),
		listings:    make(map[string][]string),
		stableAfter: 180 * 24 * time.Hour,
	}
}

// SetClock replaces the wall clock, for tests.
func (c *Client) SetClock(clk clockwork.Clock) { c.clock = clk }

func (c *Client) Rules() *Rules { return c.rules }

// Close ends the session if one is open.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Quit()
		c.conn = nil
	}
}

func (c *Client) session() (Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return conn, nil
}

func (c *Client) dropSession() {
	if c.conn != nil {
		c.conn.Quit()
		c.conn = nil
	}
}

// absent reports whether err is the server saying "no such file or
// directory" rather than a transport problem.
func absent(err error) bool {
	var proto *textproto.Error
	if errors.As(err, &proto) {
		return proto.Code == ftp.StatusFileUnavailable
	}
	return false
}

// retry runs op with exponential backoff, redialing between attempts.
// Absent-file answers come back immediately; only transport errors burn
// attempts. Exhaustion wraps ErrArchive.
func (c *Client) retry(what string, op func(Conn) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxElapsedTime = 2 * time.Minute

	err := backoff.Retry(func() error {
		conn, err := c.session()
		if err != nil {
			return err
		}
		if err := op(conn); err != nil {
			if absent(err) {
				return backoff.Permanent(fmt.Errorf("%s: %w", what, ErrNotFound))
			}
			log.Printf("archive: transient failure on %s, will retry: %v", what, err)
			metrics.ArchiveRetries.Inc()
			c.dropSession()
			return err
		}
		return nil
	}, bo)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%s: %w: %v", what, ErrArchive, err)
	}
	return err
}

// ListDir lists the names in a remote directory, memoized per client.
// A directory the server does not have yields an empty listing, not an
// error: for this archive an unpublished day and an empty day look the
// same to callers.
func (c *Client) ListDir(dir string) ([]string, error) {
	if names, ok := c.listings[dir]; ok {
		return names, nil
	}
	var names []string
	err := c.retry("list "+dir, func(conn Conn) error {
		got, err := conn.NameList(dir)
		if err != nil {
			return err
		}
		names = got
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		names, err = nil, nil
	}
	if err != nil {
		return nil, err
	}
	base := make([]string, 0, len(names))
	for _, n := range names {
		base = append(base, path.Base(n))
	}
	c.listings[dir] = base
	return base, nil
}

// Exists reports whether a remote file is present, by listing its
// directory.
func (c *Client) Exists(remote string) (bool, error) {
	names, err := c.ListDir(path.Dir(remote))
	if err != nil {
		return false, err
	}
	want := path.Base(remote)
	for _, n := range names {
		if n == want {
			return true, nil
		}
	}
	return false, nil
}

// DateExists reports whether the file for ts under kind is on the
// archive. For reliably populated datasets old enough to be settled, it
// answers yes without touching the network.
func (c *Client) DateExists(ts time.Time, kind Kind) (bool, error) {
	rule, err := c.rules.find(ts, kind)
	if err != nil {
		return false, err
	}
	if rule.Cycle != nil && !rule.Cycle(ts) {
		return false, nil
	}
	if rule.ReliablyPopulated && c.clock.Now().Sub(ts) > c.stableAfter {
		return true, nil
	}
	remote, err := c.rules.Resolve(ts, kind)
	if err != nil {
		return false, err
	}
	return c.Exists(remote)
}

// Fetch downloads a remote file to local, writing through a temp file
// so a failed transfer never leaves a truncated artifact behind.
func (c *Client) Fetch(remote, local string) error {
	err := c.retry("fetch "+remote, func(conn Conn) error {
		r, err := conn.Retr(remote)
		if err != nil {
			return err
		}
		defer r.Close()

		tmp, err := os.CreateTemp(filepath.Dir(local), ".fetch-*")
		if err != nil {
			return backoff.Permanent(err)
		}
		defer os.Remove(tmp.Name())

		if _, err := io.Copy(tmp, r); err != nil {
			tmp.Close()
			return err
		}
		if err := tmp.Close(); err != nil {
			return err
		}
		return os.Rename(tmp.Name(), local)
	})
	if err == nil {
		metrics.ArchiveDownloads.Inc()
	}
	return err
}
