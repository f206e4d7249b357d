package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/corvid-systems/nnexec/internal/executor"
)

// fileDumper implements executor.Dumper by appending one JSON line per
// dumped call to a request-scoped file, so a failed or retried attempt
// can be inspected after the fact without the core caring about files.
type fileDumper struct {
	mu      sync.Mutex
	f       *os.File
	enc     *json.Encoder
	request string
}

type dumpRecord struct {
	Request  string    `json:"request"`
	Kind     string    `json:"kind"`
	Subgraph int       `json:"subgraph"`
	Attempt  int       `json:"attempt"`
	State    string    `json:"state"`
	Inputs   []float32 `json:"inputs,omitempty"`
	Outputs  []float32 `json:"outputs,omitempty"`
}

// newFileDumper opens (creating if necessary) a per-request dump file
// under dir, named by a fresh request UUID.
func newFileDumper(dir string) (*fileDumper, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("dump dir %q: %w", dir, err)
	}
	reqID := uuid.NewString()
	path := filepath.Join(dir, reqID+".jsonl")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create dump file %q: %w", path, err)
	}
	return &fileDumper{f: f, enc: json.NewEncoder(f), request: reqID}, nil
}

func (d *fileDumper) DumpInputs(subIdx int, attempt int, h executor.SubrequestHandle) {
	d.write(dumpRecord{Request: d.request, Kind: "input", Subgraph: subIdx, Attempt: attempt, State: queryState(h)})
}

func (d *fileDumper) DumpOutputs(subIdx int, attempt int, h executor.SubrequestHandle) {
	d.write(dumpRecord{Request: d.request, Kind: "output", Subgraph: subIdx, Attempt: attempt, State: queryState(h)})
}

func (d *fileDumper) write(rec dumpRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_ = d.enc.Encode(rec)
}

func (d *fileDumper) Close() error {
	return d.f.Close()
}

func queryState(h executor.SubrequestHandle) string {
	if h == nil {
		return "OPTIMIZED_OUT"
	}
	return h.QueryState()
}
