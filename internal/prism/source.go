package prism

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bloomcast/bloomcast/internal/archive"
	"github.com/bloomcast/bloomcast/internal/grid"
)

// Source answers what the observation archive has for a given day.
type Source interface {
	// DateStatus returns the revision status of the day's file, or
	// StatusNone when the archive has nothing for that day yet.
	DateStatus(day time.Time) (grid.Status, error)

	// DownloadDay fetches and decodes the day's raster.
	DownloadDay(day time.Time) (*Raster, grid.Status, error)
}

// ArchiveSource reads daily rasters off the remote archive. The year
// folder is listed once per run (the client memoizes it), so probing a
// whole season's days costs one listing per calendar year.
type ArchiveSource struct {
	client  *archive.Client
	workDir string
}

func NewArchiveSource(client *archive.Client, workDir string) *ArchiveSource {
	return &ArchiveSource{client: client, workDir: workDir}
}

// dayFile locates the one file for a day in its year folder. Zero
// matches means unpublished; more than one means the archive is in a
// state the filename convention says cannot happen, which is worth
// failing loudly over rather than guessing.
func (s *ArchiveSource) dayFile(day time.Time) (string, string, grid.Status, error) {
	dir, err := s.client.Rules().Resolve(day, archive.KindObservation)
	if err != nil {
		return "", "", grid.StatusNone, err
	}
	names, err := s.client.ListDir(dir)
	if err != nil {
		return "", "", grid.StatusNone, err
	}

	stamp := day.Format("20060102")
	var found string
	for _, name := range names {
		if !strings.Contains(name, "_"+stamp+"_") {
			continue
		}
		if found != "" {
			return "", "", grid.StatusNone, fmt.Errorf("observation archive has both %s and %s for %s", found, name, stamp)
		}
		found = name
	}
	if found == "" {
		return "", "", grid.StatusNone, nil
	}

	status, err := statusFromName(found)
	if err != nil {
		return "", "", grid.StatusNone, err
	}
	return dir, found, status, nil
}

// The status lives in a fixed field counted from the end of the
// underscore-separated filename, which survives provider renames of the
// leading fields.
func statusFromName(name string) (grid.Status, error) {
	fields := strings.Split(name, "_")
	if len(fields) < 4 {
		return grid.StatusNone, fmt.Errorf("observation filename %q has too few fields", name)
	}
	status, err := grid.ParseStatus(fields[len(fields)-4])
	if err != nil {
		return grid.StatusNone, fmt.Errorf("observation filename %q: %w", name, err)
	}
	return status, nil
}

func (s *ArchiveSource) DateStatus(day time.Time) (grid.Status, error) {
	_, _, status, err := s.dayFile(day)
	return status, err
}

func (s *ArchiveSource) DownloadDay(day time.Time) (*Raster, grid.Status, error) {
	dir, name, status, err := s.dayFile(day)
	if err != nil {
		return nil, grid.StatusNone, err
	}
	if name == "" {
		return nil, grid.StatusNone, fmt.Errorf("no observation file for %s", day.Format("2006-01-02"))
	}

	local := filepath.Join(s.workDir, name)
	if err := s.client.Fetch(dir+"/"+name, local); err != nil {
		return nil, grid.StatusNone, err
	}
	defer os.Remove(local)

	raster, err := readZip(local)
	if err != nil {
		return nil, grid.StatusNone, fmt.Errorf("%s: %w", name, err)
	}
	return raster, status, nil
}

// readZip pulls the .hdr/.bil pair out of a downloaded day archive.
func readZip(path string) (*Raster, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var hdr, bil []byte
	for _, f := range zr.File {
		ext := strings.ToLower(filepath.Ext(f.Name))
		if ext != ".hdr" && ext != ".bil" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		body, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		if ext == ".hdr" {
			hdr = body
		} else {
			bil = body
		}
	}
	if hdr == nil || bil == nil {
		return nil, fmt.Errorf("archive lacks an .hdr/.bil pair")
	}
	return decodeRaster(hdr, bil)
}
