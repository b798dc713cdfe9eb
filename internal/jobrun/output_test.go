package jobrun

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"tomato/internal/payload"
)

func TestMergeOrdersByTimestampAndSkipsPartialLines(t *testing.T) {
	dir := t.TempDir()
	write := func(role, content string) {
		if err := os.WriteFile(RoleFile(dir, role), []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write("a", `{"role":"a","component":"x:1","data":{"uts":3,"v":1}}`+"\n"+`{"role":"a","component":"x:1","data":{"uts":1,"v":2}}`+"\n")
	write("b", `{"role":"b","component":"y:1","data":{"uts":2,"v":3}}`+"\n"+`{"role":"b","comp`)

	dest := filepath.Join(dir, "out", "merged.jsonl")
	n, err := Merge(dir, dest)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if n != 3 {
		t.Fatalf("merged %d entries, want 3", n)
	}
	raw, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	for i, want := range []string{`"v":2`, `"v":3`, `"v":1`} {
		if !strings.Contains(lines[i], want) {
			t.Fatalf("line %d = %s, want %s", i, lines[i], want)
		}
	}
}

func TestConcurrentMergesToSameDestination(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(RoleFile(dir, "a"), []byte(`{"role":"a","component":"x:1","data":{"uts":1,"v":1}}`+"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	dest := filepath.Join(dir, "snap.1.jsonl")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := Merge(dir, dest); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Merge: %v", err)
	}
	raw, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Count(string(raw), "\n") != 1 {
		t.Fatalf("unexpected snapshot content %q", raw)
	}
	leftovers, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if len(leftovers) != 0 {
		t.Fatalf("temporary files left behind: %v", leftovers)
	}
}

func TestOutputAndSnapshotPaths(t *testing.T) {
	p := &payload.Payload{}
	if got := OutputPath("/jobs/3", 3, p); got != "/jobs/3/results.3.jsonl" {
		t.Fatalf("OutputPath = %s", got)
	}
	if got := SnapshotPath("/jobs/3", 3, p, "snap"); got != "/jobs/3/snap.3.jsonl" {
		t.Fatalf("SnapshotPath = %s", got)
	}
	p.Settings.Output = payload.Output{Path: "/data", Prefix: "run"}
	p.Settings.Snapshot = &payload.Snapshot{Path: "/snaps", Frequency: 1}
	if got := OutputPath("/jobs/3", 3, p); got != "/data/run.jsonl" {
		t.Fatalf("OutputPath = %s", got)
	}
	if got := SnapshotPath("/jobs/3", 3, p, "snap"); got != "/snaps/snap.3.jsonl" {
		t.Fatalf("SnapshotPath = %s", got)
	}
}

func TestJobDataRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "7")
	p := &payload.Payload{
		Sample: payload.Sample{Name: "S"},
		Method: []payload.Task{{ComponentRole: "r", TechniqueName: "count", MaxDuration: 1, SampleInterval: 0.1}},
	}
	path, err := WriteJobData(JobData{JobID: 7, Dir: dir, Payload: p, DataPollInterval: 0.5})
	if err != nil {
		t.Fatalf("WriteJobData: %v", err)
	}
	data, err := ReadJobData(path)
	if err != nil {
		t.Fatalf("ReadJobData: %v", err)
	}
	if data.JobID != 7 || data.Payload.Method[0].TechniqueName != "count" || data.PollInterval().Seconds() != 0.5 {
		t.Fatalf("unexpected job data: %#v", data)
	}
}
