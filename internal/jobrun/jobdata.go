package jobrun

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"tomato/internal/payload"
)

// JobDataFile is the name of the job description written into each job
// directory before the job process starts.
const JobDataFile = "jobdata.json"

// LogFile is the per-job log written by the job process.
const LogFile = "job.log"

// JobData is everything a job process needs besides the routes it asks the
// daemon for.
type JobData struct {
	JobID            int64            `json:"job_id"`
	Name             string           `json:"name,omitempty"`
	Pipeline         string           `json:"pipeline"`
	Sample           string           `json:"sample"`
	Port             int              `json:"port"`
	Dir              string           `json:"dir"`
	DataPollInterval float64          `json:"data_poll_interval"`
	SnapshotPrefix   string           `json:"snapshot_prefix,omitempty"`
	Submitted        time.Time        `json:"submitted"`
	Executed         time.Time        `json:"executed,omitzero"`
	Payload          *payload.Payload `json:"payload"`
}

// Dir returns the working directory of job id under base.
func Dir(base string, id int64) string {
	return filepath.Join(base, strconv.FormatInt(id, 10))
}

// WriteJobData creates the job directory and writes data into it. The path of
// the written file is returned.
func WriteJobData(data JobData) (string, error) {
	if data.Dir == "" {
		return "", fmt.Errorf("job %d: directory is required", data.JobID)
	}
	if data.Payload == nil {
		return "", fmt.Errorf("job %d: payload is required", data.JobID)
	}
	if err := os.MkdirAll(data.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create job dir: %w", err)
	}
	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode job data: %w", err)
	}
	path := filepath.Join(data.Dir, JobDataFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return "", fmt.Errorf("write job data: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("commit job data: %w", err)
	}
	return path, nil
}

// ReadJobData loads a job description written by WriteJobData.
func ReadJobData(path string) (JobData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return JobData{}, fmt.Errorf("read job data: %w", err)
	}
	var data JobData
	if err := json.Unmarshal(raw, &data); err != nil {
		return JobData{}, fmt.Errorf("decode job data: %w", err)
	}
	if data.Payload == nil {
		return JobData{}, fmt.Errorf("job data %s has no payload", path)
	}
	if err := data.Payload.Validate(); err != nil {
		return JobData{}, err
	}
	if data.Dir == "" {
		data.Dir = filepath.Dir(path)
	}
	return data, nil
}

// PollInterval returns the default data poll period.
func (d JobData) PollInterval() time.Duration {
	if d.DataPollInterval <= 0 {
		return time.Second
	}
	return time.Duration(d.DataPollInterval * float64(time.Second))
}

// StatusInterval is how often the job process checks for a cancel request:
// the data poll interval, shortened to the smallest task sample interval.
func (d JobData) StatusInterval() time.Duration {
	interval := d.PollInterval()
	if d.Payload == nil {
		return interval
	}
	for _, task := range d.Payload.Method {
		if every := task.Interval(); every > 0 && every < interval {
			interval = every
		}
	}
	return interval
}
