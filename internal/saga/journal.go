package saga

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

type entryKind string

const (
	entryBegin    entryKind = "begin"
	entryActivity entryKind = "activity"
	entrySignal   entryKind = "signal"
	entryAwait    entryKind = "await"
	entryChild    entryKind = "child"
	entryEnd      entryKind = "end"
)

const (
	outcomeMet       = "met"
	outcomeTimeout   = "timeout"
	outcomeCanceled  = "canceled"
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
)

// entry is one checkpoint record. Activity, await and child entries capture
// the outcome of a suspension point; signal entries capture each signal in
// the order it was applied, so replay reconstructs the exact state sequence.
type entry struct {
	Kind         entryKind       `json:"kind"`
	Seq          int             `json:"seq,omitempty"`
	Name         string          `json:"name,omitempty"`
	Workflow     string          `json:"workflow,omitempty"`
	Parent       string          `json:"parent,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Result       string          `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	NonRetryable bool            `json:"non_retryable,omitempty"`
	Outcome      string          `json:"outcome,omitempty"`
}

// journal appends serialized checkpoint entries to a file for durability.
type journal struct {
	mu sync.Mutex
	f  *os.File
}

func openJournal(path string, truncate bool) (*journal, error) {
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if truncate {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, err
	}
	return &journal{f: f}, nil
}

// append writes the entry followed by a newline and fsyncs before returning.
func (j *journal) append(e entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	n, err := j.f.Write(append(data, '\n'))
	if err != nil {
		return err
	}
	if n != len(data)+1 {
		return fmt.Errorf("partial write: wrote %d of %d bytes", n, len(data)+1)
	}

	return j.f.Sync()
}

func (j *journal) close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

// readJournal loads all entries from a journal file. A trailing line that
// fails to decode is treated as a torn write and dropped.
func readJournal(path string) ([]entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			break
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
