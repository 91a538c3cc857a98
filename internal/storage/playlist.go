package storage

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/go-mtp/mtpd/internal/logger"
	"github.com/go-mtp/mtpd/internal/mtp"
)

// ParsePlaylist reads a .m3u, .pls or .pla file at path and returns the
// entry paths it references as written in the file (spec.md §4.3
// "Playlists"); SyncPlaylistReferences resolves relative entries against
// the playlist's own directory. Unknown formats fall back to
// the plain-text, one-path-per-line M3U convention.
func ParsePlaylist(path string, format mtp.ObjectFormatCode) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch format {
	case mtp.FormatPLSPlaylist:
		return parsePLS(f)
	default:
		return parseM3U(f)
	}
}

func parseM3U(f *os.File) ([]string, error) {
	var entries []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entries = append(entries, line)
	}
	return entries, scanner.Err()
}

func parsePLS(f *os.File) ([]string, error) {
	type indexed struct {
		n    int
		path string
	}
	var found []indexed
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "File") {
			continue
		}
		rest := strings.TrimPrefix(line, "File")
		eq := strings.IndexByte(rest, '=')
		if eq < 0 {
			continue
		}
		n, err := strconv.Atoi(rest[:eq])
		if err != nil {
			continue
		}
		found = append(found, indexed{n: n, path: rest[eq+1:]})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	// PLS entries are numbered but not guaranteed to appear in file order.
	for i := 1; i < len(found); i++ {
		for j := i; j > 0 && found[j].n < found[j-1].n; j-- {
			found[j], found[j-1] = found[j-1], found[j]
		}
	}
	entries := make([]string, len(found))
	for i, e := range found {
		entries[i] = e.path
	}
	return entries, nil
}

// SyncPlaylistReferences parses item (which must be a playlist-format
// object) and rewrites its References to the handles of the entries it
// names, skipping entries that don't resolve to a live item in this
// storage (spec.md §4.3 "Playlists": "internal playlists mirror their
// parsed contents as object references").
func (p *FSPlugin) SyncPlaylistReferences(item *Item) error {
	if !mtp.IsPlaylistFormat(item.Format()) {
		return nil
	}
	entries, err := ParsePlaylist(item.Path, item.Format())
	if err != nil {
		logger.Warn("playlist parse failed", logger.Path(item.Path), logger.Err(err))
		return err
	}

	var handles []uint32
	dir := item.Path[:strings.LastIndexByte(item.Path, '/')+1]
	for _, entry := range entries {
		resolved := entry
		if !strings.HasPrefix(entry, "/") {
			resolved = dir + entry
		}
		if target, ok := p.GetItemByPath(resolved); ok {
			handles = append(handles, target.Handle)
		}
	}

	p.mu.Lock()
	item.References = handles
	p.mu.Unlock()
	return p.SetReferences(item.Handle, handles)
}
