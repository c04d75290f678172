package feeds

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/threatlens/internal/signature"
)

// catalog is the on-disk layout of a file source.
type catalog struct {
	Signatures []signature.ThreatSignature `yaml:"signatures"`
}

// FileSource reads a YAML signature catalog on every fetch.
type FileSource struct {
	name        string
	path        string
	reliability float64
	now         func() time.Time
}

// NewFileSource creates a source backed by the catalog at path.
func NewFileSource(name, path string, reliability float64) *FileSource {
	return &FileSource{
		name:        name,
		path:        path,
		reliability: clampReliability(reliability),
		now:         time.Now,
	}
}

func (s *FileSource) Name() string         { return s.name }
func (s *FileSource) Reliability() float64 { return s.reliability }

// Fetch loads the catalog. Entries without an ID or with an unknown type are
// skipped; missing fields are defaulted.
func (s *FileSource) Fetch(ctx context.Context) ([]signature.ThreatSignature, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", s.path, err)
	}

	var c catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing catalog %s: %w", s.path, err)
	}

	out := make([]signature.ThreatSignature, 0, len(c.Signatures))
	for _, sig := range c.Signatures {
		if sig.ID == "" || !sig.Type.Valid() {
			continue
		}
		sig.Severity = signature.ParseSeverity(string(sig.Severity))
		if sig.Confidence <= 0 || sig.Confidence > 1 {
			sig.Confidence = s.reliability
		}
		if sig.LastSeen.IsZero() {
			sig.LastSeen = s.now()
		}
		if sig.Source == "" {
			sig.Source = s.name
		}
		out = append(out, sig)
	}
	return out, nil
}
