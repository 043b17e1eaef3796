// Package catalog loads the POC catalog: the known vulnerable library call
// patterns that are matched against analyzed pages.
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/hpgscan/api/schemas"
	"github.com/xkilldash9x/hpgscan/internal/analysis/poc"
)

// ErrInvalidEntry is returned for catalog entries that cannot be used.
var ErrInvalidEntry = errors.New("invalid catalog entry")

// Entry is one POC as written in the catalog file.
type Entry struct {
	ID          string `yaml:"id"`
	Library     string `yaml:"library"`
	CVE         string `yaml:"cve"`
	POC         string `yaml:"poc"`
	Location    string `yaml:"location"`
	Mod         bool   `yaml:"mod"`
	Severity    string `yaml:"severity"`
	Description string `yaml:"description"`
}

// POC is a validated catalog entry with its flattened template.
type POC struct {
	Entry
	Severity schemas.Severity
	Template *poc.Template
}

// Catalog is the ordered list of POCs.
type Catalog struct {
	POCs []POC
}

// Len returns the number of POCs.
func (c *Catalog) Len() int {
	return len(c.POCs)
}

// Load reads and parses the catalog at path. A leading ~ is expanded.
func Load(path string) (*Catalog, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand catalog path '%s': %w", path, err)
	}
	b, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return Parse(b)
}

// Parse decodes a YAML list of entries. Unknown keys are rejected.
func Parse(b []byte) (*Catalog, error) {
	var entries []Entry
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&entries); err != nil {
		if errors.Is(err, io.EOF) {
			return &Catalog{}, nil
		}
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}

	c := &Catalog{POCs: make([]POC, 0, len(entries))}
	seen := make(map[string]bool, len(entries))
	for i, e := range entries {
		p, err := e.compile()
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("%w: duplicate id '%s'", ErrInvalidEntry, p.ID)
		}
		seen[p.ID] = true
		c.POCs = append(c.POCs, p)
	}
	return c, nil
}

func (e Entry) compile() (POC, error) {
	if e.ID == "" {
		return POC{}, fmt.Errorf("%w: missing id", ErrInvalidEntry)
	}
	if strings.TrimSpace(e.POC) == "" {
		return POC{}, fmt.Errorf("%w: '%s' has an empty poc", ErrInvalidEntry, e.ID)
	}
	tpl, err := poc.Flatten(e.POC, poc.WithLibraryObject(e.Location, e.Mod))
	if err != nil {
		return POC{}, fmt.Errorf("%w: '%s': %v", ErrInvalidEntry, e.ID, err)
	}
	return POC{Entry: e, Severity: schemas.ParseSeverity(strings.ToLower(e.Severity)), Template: tpl}, nil
}
