package router

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"
)

// DatasetRecord is one routing decision in the append-only dataset log.
// The miner and the canary guard consume it offline.
type DatasetRecord struct {
	TS            time.Time          `json:"ts"`
	ChatID        int64              `json:"chat_id"`
	Text          string             `json:"text"`
	Candidates    []string           `json:"candidates"`
	Semantic      map[string]float64 `json:"semantic,omitempty"`
	AISelected    string             `json:"ai_selected,omitempty"`
	EnsembleTop   string             `json:"ensemble_top,omitempty"`
	FinalHandler  string             `json:"final_handler,omitempty"`
	Clarification bool               `json:"clarification,omitempty"`
	Variant       string             `json:"variant"`
	CanaryVersion int                `json:"canary_version,omitempty"`
	Shadow        string             `json:"shadow,omitempty"`
}

// DatasetLog is an append-only JSONL file behind a mutex. Append failures
// are swallowed by callers; the dataset is best-effort telemetry, never on
// the decision path.
type DatasetLog struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func OpenDatasetLog(path string) (*DatasetLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &DatasetLog{path: path, f: f}, nil
}

func (d *DatasetLog) Append(rec DatasetRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err = d.f.Write(append(raw, '\n'))
	return err
}

// Tail returns up to n most recent records, oldest first. Unparseable lines
// are skipped.
func (d *DatasetLog) Tail(n int) ([]DatasetRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := os.Open(d.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []DatasetRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var rec DatasetRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		records = append(records, rec)
		if len(records) > n {
			records = records[1:]
		}
	}
	return records, sc.Err()
}

func (d *DatasetLog) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}
