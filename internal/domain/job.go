package domain

import (
	"encoding/json"
	"fmt"
	"path"
)

// JobDescriptor is the unit of work carried by a single queue message.
// It is built once by the submitter and never mutated after enqueue;
// redelivery bookkeeping (attempt counts) lives in transport metadata,
// not in the payload.
type JobDescriptor struct {
	JobID         string   `json:"job_id"`
	InputRefs     []string `json:"input_refs"`
	OutputPrefix  string   `json:"output_prefix"`
	Command       string   `json:"command"`
	StorePatterns []string `json:"store_patterns,omitempty"`
	PreCommand    string   `json:"pre,omitempty"`
	PostCommand   string   `json:"post,omitempty"`
}

// Encode serializes the descriptor into a queue message body.
func (d *JobDescriptor) Encode() ([]byte, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode descriptor: %w", err)
	}
	return b, nil
}

// DecodeDescriptor parses a queue message body. Bodies without a job_id
// are rejected so malformed messages can be dead-lettered instead of
// looping through workers.
func DecodeDescriptor(body []byte) (*JobDescriptor, error) {
	var d JobDescriptor
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, fmt.Errorf("decode descriptor: %w", err)
	}
	if d.JobID == "" {
		return nil, fmt.Errorf("decode descriptor: missing job_id")
	}
	return &d, nil
}

// Artifact key layout. All keys for one job live under jobs/{id}/.
const keyRoot = "jobs"

func InputKey(jobID, name string) string { return path.Join(keyRoot, jobID, "in", name) }
func InputPrefix(jobID string) string    { return path.Join(keyRoot, jobID, "in") + "/" }
func OutputPrefix(jobID string) string   { return path.Join(keyRoot, jobID, "out") + "/" }
func LogKey(jobID, stream string) string { return path.Join(keyRoot, jobID, "log", stream) }
func FailedMarker(jobID string) string   { return path.Join(keyRoot, jobID, "failed") }
