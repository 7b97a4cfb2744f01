package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// JSONEmitter writes one pretty-printed JSON file per document under
// {dir}/{run_id}/{kind}_{market}.json. It is the sink of record: the NATS
// and Postgres sinks are additive.
type JSONEmitter struct {
	dir string

	mu      sync.Mutex
	created map[string]bool
}

// NewJSONEmitter creates an emitter rooted at dir.
func NewJSONEmitter(dir string) *JSONEmitter {
	return &JSONEmitter{
		dir:     dir,
		created: make(map[string]bool),
	}
}

func (e *JSONEmitter) Emit(_ context.Context, doc *Document) error {
	runDir := filepath.Join(e.dir, doc.RunID.String())
	if err := e.ensureDir(runDir); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s report: %w", doc.Kind, err)
	}
	data = append(data, '\n')

	name := fmt.Sprintf("%s_%s.json", doc.Kind, slug(doc.Market))
	if err := os.WriteFile(filepath.Join(runDir, name), data, 0o644); err != nil {
		return fmt.Errorf("write %s report: %w", doc.Kind, err)
	}
	return nil
}

func (e *JSONEmitter) ensureDir(dir string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.created[dir] {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	e.created[dir] = true
	return nil
}
