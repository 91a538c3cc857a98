package config

import (
	"bufio"
	"encoding/xml"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// StorageRoot describes one exported filesystem root resolved from a
// fsstorage.d fragment (spec.md §6 "Configuration files").
type StorageRoot struct {
	// StorageID is (store_no << 16) | partition_no, assigned in
	// resolution order starting at store_no 1, partition 1.
	StorageID uint32

	// Path is the resolved absolute root directory.
	Path string

	// Description is the storage label shown to the initiator, made
	// unique across roots by appending " 1", " 2", ...
	Description string

	// FilesystemUUID is a stable identifier derived from the root path,
	// reported as the GetStorageInfo volume identifier.
	FilesystemUUID string

	// Removable marks removable media (reported as RemovableRAM).
	Removable bool

	// ExcludePaths lists path prefixes hidden from enumeration.
	ExcludePaths []string
}

// storageXML is the on-disk shape of one <storage> element. Exactly one
// of Path or BlockDev is expected; Path may contain a glob and the
// %u/%h placeholders, BlockDev is a device-name prefix resolved through
// the system mount table.
type storageXML struct {
	XMLName     xml.Name `xml:"storage"`
	Path        string   `xml:"path,attr"`
	BlockDev    string   `xml:"blockdev,attr"`
	Name        string   `xml:"name,attr"`
	Description string   `xml:"description,attr"`
	Removable   string   `xml:"removable,attr"`
	Blacklists  []string `xml:"blacklist"`
}

// maxLabelSuffix bounds the " 1", " 2", ... uniquification loop;
// duplicate descriptions beyond the bound are dropped (spec.md §6
// "Label uniqueness").
const maxLabelSuffix = 16

// LoadStorageRoots parses every *.xml fragment under dir and resolves
// each <storage> element into zero or more StorageRoots (a glob path
// may match several directories). mountTable is the mount-table file
// consulted for blockdev resolution; "" uses /proc/mounts.
func LoadStorageRoots(dir, mountTable string) ([]StorageRoot, error) {
	fragments, err := filepath.Glob(filepath.Join(dir, "*.xml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(fragments)

	var roots []StorageRoot
	seen := make(map[string]bool)   // by resolved path
	labels := make(map[string]bool) // by uniquified description
	storeNo := uint32(1)

	for _, fragment := range fragments {
		entries, err := parseStorageFile(fragment)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", fragment, err)
		}
		for _, entry := range entries {
			paths, err := resolvePaths(entry, mountTable)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", fragment, err)
			}
			for _, path := range paths {
				if seen[path] {
					continue
				}
				fi, err := os.Stat(path)
				if err != nil || !fi.IsDir() {
					continue
				}
				seen[path] = true

				desc := entry.Description
				if desc == "" {
					desc = entry.Name
				}
				if desc == "" {
					desc = filepath.Base(path)
				}
				desc, ok := uniquifyLabel(labels, desc)
				if !ok {
					continue
				}
				labels[desc] = true

				exclude, err := loadBlacklists(entry.Blacklists, filepath.Dir(fragment))
				if err != nil {
					return nil, fmt.Errorf("%s: %w", fragment, err)
				}

				roots = append(roots, StorageRoot{
					StorageID:      storeNo<<16 | 1,
					Path:           path,
					Description:    desc,
					FilesystemUUID: uuid.NewSHA1(uuid.NameSpaceOID, []byte(path)).String(),
					Removable:      entry.Removable == "true",
					ExcludePaths:   exclude,
				})
				storeNo++
			}
		}
	}
	return roots, nil
}

// parseStorageFile decodes every top-level <storage> element in one
// fragment file.
func parseStorageFile(path string) ([]storageXML, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []storageXML
	dec := xml.NewDecoder(f)
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "storage" {
			continue
		}
		var entry storageXML
		if err := dec.DecodeElement(&entry, &start); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// resolvePaths expands one entry's path attribute (placeholders + glob)
// or resolves its blockdev attribute through the mount table.
func resolvePaths(entry storageXML, mountTable string) ([]string, error) {
	if entry.BlockDev != "" {
		return mountPointsFor(entry.BlockDev, mountTable)
	}
	if entry.Path == "" {
		return nil, fmt.Errorf("storage %q has neither path nor blockdev", entry.Name)
	}
	pattern, err := expandPlaceholders(entry.Path)
	if err != nil {
		return nil, err
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("bad path glob %q: %w", pattern, err)
	}
	sort.Strings(matches)
	return matches, nil
}

// expandPlaceholders substitutes %u with the current user name and %h
// with the home directory (spec.md §6).
func expandPlaceholders(path string) (string, error) {
	if !strings.ContainsRune(path, '%') {
		return path, nil
	}
	u, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("expand %q: %w", path, err)
	}
	path = strings.ReplaceAll(path, "%u", u.Username)
	path = strings.ReplaceAll(path, "%h", u.HomeDir)
	return path, nil
}

// mountPointsFor scans the mount table for devices whose name starts
// with prefix and returns their mount points.
func mountPointsFor(prefix, mountTable string) ([]string, error) {
	if mountTable == "" {
		mountTable = "/proc/mounts"
	}
	f, err := os.Open(mountTable)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var points []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		if strings.HasPrefix(fields[0], prefix) {
			// Octal escapes in mount points (e.g. \040 for space) are
			// decoded by the kernel convention.
			points = append(points, unescapeMountPath(fields[1]))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	sort.Strings(points)
	return points, nil
}

func unescapeMountPath(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			c := (s[i+1]-'0')*64 + (s[i+2]-'0')*8 + (s[i+3] - '0')
			b.WriteByte(c)
			i += 3
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// uniquifyLabel appends " 1", " 2", ... until desc is unused, giving up
// after maxLabelSuffix attempts.
func uniquifyLabel(used map[string]bool, desc string) (string, bool) {
	if !used[desc] {
		return desc, true
	}
	for i := 1; i <= maxLabelSuffix; i++ {
		candidate := fmt.Sprintf("%s %d", desc, i)
		if !used[candidate] {
			return candidate, true
		}
	}
	return "", false
}

// loadBlacklists reads each referenced blacklist file (one exclude path
// per line, '#' comments allowed). Relative references resolve against
// the fragment's own directory.
func loadBlacklists(refs []string, baseDir string) ([]string, error) {
	var exclude []string
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		if !filepath.IsAbs(ref) {
			ref = filepath.Join(baseDir, ref)
		}
		f, err := os.Open(ref)
		if err != nil {
			return nil, fmt.Errorf("blacklist %s: %w", ref, err)
		}
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			exclude = append(exclude, line)
		}
		err = scanner.Err()
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("blacklist %s: %w", ref, err)
		}
	}
	return exclude, nil
}
