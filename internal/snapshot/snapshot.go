// Package snapshot handles the on-disk snapshot layout.
//
// Snapshots are immutable image files at paths that encode their capture
// time in the capture source's local zone:
//
//	<root>/YYYY/MM/DD/HHMMSS.jpg
//
// Identity is the path. The pipeline never rewrites a snapshot; only the
// retention manager deletes them.
package snapshot

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Entry is one discovered snapshot file.
type Entry struct {
	Path string
	// Time is the capture time parsed from the path, in UTC.
	Time time.Time
}

// IsSnapshot reports whether path looks like a finished snapshot file.
// Partially-written captures use a .tmp suffix and are ignored.
func IsSnapshot(path string) bool {
	if strings.HasSuffix(path, ".tmp") {
		return false
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}

// PathFor returns the snapshot path for a capture at t (converted to loc).
func PathFor(root string, t time.Time, loc *time.Location) string {
	lt := t.In(loc)
	return filepath.Join(root,
		fmt.Sprintf("%04d", lt.Year()),
		fmt.Sprintf("%02d", int(lt.Month())),
		fmt.Sprintf("%02d", lt.Day()),
		fmt.Sprintf("%02d%02d%02d.jpg", lt.Hour(), lt.Minute(), lt.Second()))
}

// ParseTime recovers the capture time from a snapshot path. The last four
// path elements must be YYYY/MM/DD/HHMMSS.<ext>; the embedded time is
// interpreted in loc and returned in UTC.
func ParseTime(path string, loc *time.Location) (time.Time, error) {
	parts := strings.Split(filepath.ToSlash(path), "/")
	if len(parts) < 4 {
		return time.Time{}, fmt.Errorf("snapshot: short path %q", path)
	}
	name := strings.TrimSuffix(parts[len(parts)-1], filepath.Ext(path))
	if len(name) != 6 {
		return time.Time{}, fmt.Errorf("snapshot: bad filename %q", path)
	}

	year, err1 := strconv.Atoi(parts[len(parts)-4])
	month, err2 := strconv.Atoi(parts[len(parts)-3])
	day, err3 := strconv.Atoi(parts[len(parts)-2])
	hour, err4 := strconv.Atoi(name[0:2])
	min, err5 := strconv.Atoi(name[2:4])
	sec, err6 := strconv.Atoi(name[4:6])
	for _, err := range []error{err1, err2, err3, err4, err5, err6} {
		if err != nil {
			return time.Time{}, fmt.Errorf("snapshot: non-numeric path %q", path)
		}
	}
	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || min > 59 || sec > 59 {
		return time.Time{}, fmt.Errorf("snapshot: out-of-range time in %q", path)
	}
	return time.Date(year, time.Month(month), day, hour, min, sec, 0, loc).UTC(), nil
}

// Lister scans the snapshot tree with a short-lived cache so that
// high-frequency polling does not hammer the filesystem.
type Lister struct {
	root string
	loc  *time.Location
	ttl  time.Duration
	now  func() time.Time

	mu      sync.Mutex
	cached  []Entry
	scanned time.Time
}

// NewLister creates a Lister over root. A ttl of zero disables caching.
func NewLister(root string, loc *time.Location, ttl time.Duration) *Lister {
	return &Lister{root: root, loc: loc, ttl: ttl, now: time.Now}
}

// List returns all snapshot files under the root sorted by capture time
// ascending. Files whose paths do not parse are skipped. The result may be
// up to the configured TTL stale.
func (l *Lister) List() ([]Entry, error) {
	l.mu.Lock()
	if l.ttl > 0 && l.cached != nil && l.now().Sub(l.scanned) < l.ttl {
		out := make([]Entry, len(l.cached))
		copy(out, l.cached)
		l.mu.Unlock()
		return out, nil
	}
	l.mu.Unlock()

	entries, err := l.scan()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cached = entries
	l.scanned = l.now()
	out := make([]Entry, len(entries))
	copy(out, entries)
	l.mu.Unlock()
	return out, nil
}

// Invalidate drops the cache so the next List rescans. Called after
// retention deletes files.
func (l *Lister) Invalidate() {
	l.mu.Lock()
	l.cached = nil
	l.mu.Unlock()
}

func (l *Lister) scan() ([]Entry, error) {
	var entries []Entry
	err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !IsSnapshot(path) {
			return nil
		}
		ts, perr := ParseTime(path, l.loc)
		if perr != nil {
			return nil
		}
		entries = append(entries, Entry{Path: path, Time: ts})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("snapshot: scan %s: %w", l.root, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Time.Before(entries[j].Time) })
	return entries, nil
}

// Latest returns the newest entry, or false if the slice is empty.
func Latest(entries []Entry) (Entry, bool) {
	if len(entries) == 0 {
		return Entry{}, false
	}
	return entries[len(entries)-1], true
}

// Nearest returns the entry whose capture time is closest to target, or
// false when no entry falls within maxDelta of it.
func Nearest(entries []Entry, target time.Time, maxDelta time.Duration) (Entry, bool) {
	var best Entry
	bestDelta := time.Duration(-1)
	for _, e := range entries {
		delta := e.Time.Sub(target)
		if delta < 0 {
			delta = -delta
		}
		if bestDelta < 0 || delta < bestDelta {
			bestDelta = delta
			best = e
		}
	}
	if bestDelta < 0 || bestDelta > maxDelta {
		return Entry{}, false
	}
	return best, true
}
