package jobrun

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"tomato/internal/driverapi"
	"tomato/internal/payload"
)

const dataSuffix = ".data.jsonl"

// Entry is one line of a role data file and of merged output.
type Entry struct {
	Role      string           `json:"role"`
	Component string           `json:"component"`
	Task      string           `json:"task,omitempty"`
	Technique string           `json:"technique,omitempty"`
	Data      driverapi.Record `json:"data"`
}

var roleFileReplacer = strings.NewReplacer("/", "_", "\\", "_", string(os.PathSeparator), "_")

// RoleFile returns the data file of role inside dir.
func RoleFile(dir, role string) string {
	return filepath.Join(dir, roleFileReplacer.Replace(role)+dataSuffix)
}

// OutputPath returns where the merged results of a completed job go.
func OutputPath(dir string, id int64, p *payload.Payload) string {
	outDir, prefix := dir, "results."+strconv.FormatInt(id, 10)
	if p != nil {
		if p.Settings.Output.Path != "" {
			outDir = p.Settings.Output.Path
		}
		if p.Settings.Output.Prefix != "" {
			prefix = p.Settings.Output.Prefix
		}
	}
	return filepath.Join(outDir, prefix+".jsonl")
}

// SnapshotPath returns where snapshots of a job go. defaultPrefix applies when
// the payload names none.
func SnapshotPath(dir string, id int64, p *payload.Payload, defaultPrefix string) string {
	outDir, prefix := dir, defaultPrefix
	if prefix == "" {
		prefix = "snapshot"
	}
	if p != nil && p.Settings.Snapshot != nil {
		if p.Settings.Snapshot.Path != "" {
			outDir = p.Settings.Snapshot.Path
		}
		if p.Settings.Snapshot.Prefix != "" {
			prefix = p.Settings.Snapshot.Prefix
		}
	}
	return filepath.Join(outDir, prefix+"."+strconv.FormatInt(id, 10)+".jsonl")
}

// Merge combines every role data file of dir into dest, ordered by record
// timestamp. Lines that cannot be decoded, such as a line being appended while
// a snapshot is taken, are skipped. It returns the number of entries written.
func Merge(dir, dest string) (int, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*"+dataSuffix))
	if err != nil {
		return 0, err
	}
	sort.Strings(files)
	var entries []Entry
	for _, file := range files {
		read, err := readEntries(file)
		if err != nil {
			return 0, err
		}
		entries = append(entries, read...)
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Data.UTS < entries[j].Data.UTS })

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return 0, fmt.Errorf("encode entry: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("create output dir: %w", err)
	}
	if err := writeFileAtomic(dest, buf.Bytes()); err != nil {
		return 0, err
	}
	return len(entries), nil
}

// writeFileAtomic replaces dest through a uniquely named temporary file, so
// concurrent writers of the same destination never share one.
func writeFileAtomic(dest string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.tmp")
	if err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", dest, err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", dest, err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("commit %s: %w", dest, err)
	}
	return nil
}

func readEntries(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	var out []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return out, nil
}

// roleWriter appends entries to one role file. Each entry is written with a
// single Write call.
type roleWriter struct {
	mu   sync.Mutex
	file *os.File
}

func openRoleWriter(dir, role string) (*roleWriter, error) {
	f, err := os.OpenFile(RoleFile(dir, role), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open data file for %s: %w", role, err)
	}
	return &roleWriter{file: f}, nil
}

func (w *roleWriter) append(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode entry: %w", err)
		}
		if _, err := w.file.Write(append(line, '\n')); err != nil {
			return err
		}
	}
	return nil
}

func (w *roleWriter) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
