package ensemble

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/bloomcast/bloomcast/internal/grid"
)

// Member is one assembled ensemble member: the observed season so far
// joined with one forecast initialization's downscaled future.
type Member struct {
	Init   time.Time // forecast initialization time
	Series *grid.Series
}

// DayOffsets returns the member's days as offsets from epoch, the form
// the phenology models consume.
func (m *Member) DayOffsets(epoch time.Time) []int {
	out := make([]int, len(m.Series.Times))
	for i, ts := range m.Series.Times {
		out[i] = int(ts.Sub(epoch).Hours() / 24)
	}
	return out
}

func memberFile(init time.Time) string {
	return fmt.Sprintf("member_%s.gob.gz", init.Format("2006010215"))
}

// WriteMember persists a member under dir, named by its initialization
// time, through a temp file so readers never see a partial member.
func WriteMember(dir string, m *Member) (string, error) {
	path := filepath.Join(dir, memberFile(m.Init))
	tmp, err := os.CreateTemp(dir, ".member-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	zw := gzip.NewWriter(tmp)
	if err := gob.NewEncoder(zw).Encode(m); err != nil {
		tmp.Close()
		return "", fmt.Errorf("encode member %s: %w", m.Init.Format("2006010215"), err)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	return path, nil
}

func ReadMember(path string) (*Member, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	defer zr.Close()

	var m Member
	if err := gob.NewDecoder(zr).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode member %s: %w", path, err)
	}
	return &m, nil
}

// ListMembers returns the member files under dir, oldest initialization
// first.
func ListMembers(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "member_*.gob.gz"))
	if err != nil {
		return nil, err
	}
	return matches, nil
}
