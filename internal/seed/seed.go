// Package seed loads sport configurations and sample batches from YAML
// documents and writes the configurations into a store.
package seed

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/alanyoungcy/marketrules/internal/domain"
)

//go:embed data/cricket.yaml
var cricketYAML []byte

// Document is the top-level shape of a seed file.
type Document struct {
	Sports  []domain.SportConfig `yaml:"sports"`
	Batches []domain.SportBatch  `yaml:"batches"`
}

// Default returns the embedded cricket document.
func Default() (Document, error) {
	return Parse(cricketYAML)
}

// LoadFile reads and parses a seed file from disk.
func LoadFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("seed: read %s: %w", path, err)
	}
	doc, err := Parse(data)
	if err != nil {
		return Document{}, fmt.Errorf("seed: %s: %w", path, err)
	}
	return doc, nil
}

// Load returns the document at path, or the embedded default when path is
// empty.
func Load(path string) (Document, error) {
	if path == "" {
		return Default()
	}
	return LoadFile(path)
}

// Parse decodes a seed document. Unknown fields are rejected so typos in
// rule slots do not silently fall back to defaults.
func Parse(data []byte) (Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return Document{}, fmt.Errorf("seed: parse: %w", err)
	}
	if err := doc.validate(); err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (d Document) validate() error {
	seen := make(map[string]bool, len(d.Sports))
	var errs []error
	for i, s := range d.Sports {
		key := strings.ToLower(strings.TrimSpace(s.Sport))
		switch {
		case key == "":
			errs = append(errs, fmt.Errorf("sports[%d]: sport is empty", i))
		case seen[key]:
			errs = append(errs, fmt.Errorf("sports[%d]: duplicate sport %q", i, s.Sport))
		}
		seen[key] = true
	}
	for i, b := range d.Batches {
		if strings.TrimSpace(b.Sport) == "" || strings.TrimSpace(b.Batch.Name) == "" {
			errs = append(errs, fmt.Errorf("batches[%d]: sport and batch name are required", i))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("seed: %w: %w", domain.ErrInvalidConfig, err)
	}
	return nil
}

// Result counts what Apply wrote.
type Result struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
}

// Apply upserts every sport of doc into store, matching existing records by
// sport name.
func Apply(ctx context.Context, store domain.SportConfigStore, doc Document, logger *slog.Logger) (Result, error) {
	logger = logger.With(slog.String("component", "seed"))

	var res Result
	for _, cfg := range doc.Sports {
		existing, err := store.GetBySport(ctx, cfg.Sport)
		switch {
		case err == nil:
			if _, err := store.Update(ctx, existing.ID, cfg); err != nil {
				return res, fmt.Errorf("seed: update %s: %w", cfg.Sport, err)
			}
			res.Updated++
			logger.InfoContext(ctx, "sport config updated",
				slog.String("sport", cfg.Sport),
				slog.Int("rules", cfg.RuleCount()),
			)
		case errors.Is(err, domain.ErrNotFound):
			if _, err := store.Insert(ctx, cfg); err != nil {
				return res, fmt.Errorf("seed: insert %s: %w", cfg.Sport, err)
			}
			res.Inserted++
			logger.InfoContext(ctx, "sport config inserted",
				slog.String("sport", cfg.Sport),
				slog.Int("rules", cfg.RuleCount()),
			)
		default:
			return res, fmt.Errorf("seed: lookup %s: %w", cfg.Sport, err)
		}
	}
	return res, nil
}
