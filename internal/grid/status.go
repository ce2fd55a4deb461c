package grid

import "fmt"

// Status is the revision tier of a published daily observation grid.
// The archive republishes days as better station data arrives, so a day
// moves through early -> provisional -> stable over several months.
type Status string

const (
	StatusNone        Status = ""
	StatusEarly       Status = "early"
	StatusProvisional Status = "provisional"
	StatusStable      Status = "stable"
)

func (s Status) rank() (int, error) {
	switch s {
	case StatusNone:
		return 0, nil
	case StatusEarly:
		return 1, nil
	case StatusProvisional:
		return 2, nil
	case StatusStable:
		return 3, nil
	}
	return 0, fmt.Errorf("unknown revision status %q", string(s))
}

// NewerAvailable reports whether available is a strict upgrade over current.
// Equal statuses are never an upgrade. An unrecognized status on either side
// is an error, never a silent false.
func NewerAvailable(current, available Status) (bool, error) {
	cur, err := current.rank()
	if err != nil {
		return false, fmt.Errorf("current: %w", err)
	}
	avail, err := available.rank()
	if err != nil {
		return false, fmt.Errorf("available: %w", err)
	}
	return avail > cur, nil
}

// ParseStatus validates a status string read from an archive filename.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, err := st.rank(); err != nil {
		return StatusNone, err
	}
	return st, nil
}
