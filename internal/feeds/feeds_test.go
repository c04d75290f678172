package feeds

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lvonguyen/threatlens/internal/signature"
)

// ============================================================================
// Sources
// ============================================================================

func TestSyntheticSource_Deterministic(t *testing.T) {
	a := NewSyntheticSource("CISA", 0.95, 42)
	b := NewSyntheticSource("CISA", 0.95, 42)

	for round := 0; round < 10; round++ {
		sa, err := a.Fetch(context.Background())
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		sb, _ := b.Fetch(context.Background())
		if len(sa) != len(sb) {
			t.Fatalf("round %d: batch sizes differ %d vs %d", round, len(sa), len(sb))
		}
		for i := range sa {
			if sa[i].ID != sb[i].ID || sa[i].Type != sb[i].Type || sa[i].Pattern != sb[i].Pattern {
				t.Errorf("round %d item %d differs: %+v vs %+v", round, i, sa[i], sb[i])
			}
		}
	}
}

func TestSyntheticSource_Bounds(t *testing.T) {
	s := NewSyntheticSource("SANS ISC", 0.75, 7)

	total := 0
	for i := 0; i < 200; i++ {
		sigs, err := s.Fetch(context.Background())
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if len(sigs) > maxSyntheticBatch {
			t.Fatalf("batch of %d exceeds %d", len(sigs), maxSyntheticBatch)
		}
		for _, sig := range sigs {
			total++
			if sig.Type == signature.TypeZeroDay || !sig.Type.Valid() {
				t.Errorf("unexpected type %s", sig.Type)
			}
			if sig.Confidence < 0.7 || sig.Confidence > 1.0 {
				t.Errorf("confidence %v out of range", sig.Confidence)
			}
			if !strings.HasPrefix(sig.ID, "sans-isc-") {
				t.Errorf("unexpected id %q", sig.ID)
			}
			if sig.Source != "SANS ISC" {
				t.Errorf("unexpected source %q", sig.Source)
			}
		}
	}
	if total == 0 {
		t.Error("200 fetches should yield at least one signature")
	}
}

func TestSyntheticSource_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := NewSyntheticSource("x", 0.8, 1).Fetch(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestFileSource_Fetch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	catalogYAML := `
signatures:
  - id: local-1
    type: injection
    pattern: "' or 1=1"
    severity: high
    confidence: 0.9
  - id: local-2
    type: phishing
    pattern: paypa1.example
  - id: ""
    type: malware
  - id: local-3
    type: ransomware
`
	if err := os.WriteFile(path, []byte(catalogYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	s := NewFileSource("local", path, 0.8)
	sigs, err := s.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(sigs) != 2 {
		t.Fatalf("expected 2 valid signatures, got %d", len(sigs))
	}
	if sigs[0].Severity != signature.SeverityHigh {
		t.Errorf("severity should be normalized, got %s", sigs[0].Severity)
	}
	if sigs[1].Severity != signature.SeverityLow || sigs[1].Confidence != 0.8 {
		t.Errorf("defaults not applied: %+v", sigs[1])
	}
	if sigs[1].Source != "local" || sigs[1].LastSeen.IsZero() {
		t.Errorf("source and last_seen should be filled: %+v", sigs[1])
	}
}

func TestFileSource_Errors(t *testing.T) {
	dir := t.TempDir()

	if _, err := NewFileSource("missing", filepath.Join(dir, "nope.yaml"), 0.8).Fetch(context.Background()); err == nil {
		t.Error("missing file should fail")
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("signatures: [unterminated"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileSource("bad", bad, 0.8).Fetch(context.Background()); err == nil {
		t.Error("malformed yaml should fail")
	}
}

func TestSourceConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     SourceConfig
		wantErr bool
	}{
		{"synthetic ok", SourceConfig{Name: "a", Kind: KindSynthetic, Reliability: 0.8}, false},
		{"file ok", SourceConfig{Name: "b", Kind: KindFile, Path: "/tmp/x.yaml", Reliability: 1}, false},
		{"missing name", SourceConfig{Kind: KindSynthetic, Reliability: 0.8}, true},
		{"low reliability", SourceConfig{Name: "c", Kind: KindSynthetic, Reliability: 0.5}, true},
		{"file without path", SourceConfig{Name: "d", Kind: KindFile, Reliability: 0.8}, true},
		{"unknown kind", SourceConfig{Name: "e", Kind: "stix", Reliability: 0.8}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	_, err := NewSource(SourceConfig{Name: "e", Kind: "stix", Reliability: 0.8})
	if !errors.Is(err, ErrUnknownSourceKind) {
		t.Errorf("expected ErrUnknownSourceKind, got %v", err)
	}
}

func TestDefaultSources(t *testing.T) {
	sources, err := NewSources(DefaultSources())
	if err != nil {
		t.Fatalf("default sources should build: %v", err)
	}
	names := make([]string, 0, len(sources))
	for _, s := range sources {
		names = append(names, s.Name())
	}
	want := "CISA,MITRE ATT&CK,AlienVault OTX,Abuse.ch,SANS ISC"
	if strings.Join(names, ",") != want {
		t.Errorf("got %v, want %s", names, want)
	}
}

func TestSlug(t *testing.T) {
	tests := map[string]string{
		"MITRE ATT&CK":   "mitre-att-ck",
		"Abuse.ch":       "abuse-ch",
		"  CISA  ":       "cisa",
		"AlienVault OTX": "alienvault-otx",
	}
	for in, want := range tests {
		if got := slug(in); got != want {
			t.Errorf("slug(%q) = %q, want %q", in, got, want)
		}
	}
}

// ============================================================================
// Aggregator
// ============================================================================

type stubSource struct {
	name string
	sigs []signature.ThreatSignature
	err  error
	boom bool
}

func (s *stubSource) Name() string         { return s.name }
func (s *stubSource) Reliability() float64 { return 0.9 }
func (s *stubSource) Fetch(context.Context) ([]signature.ThreatSignature, error) {
	if s.boom {
		panic("feed parser crashed")
	}
	return s.sigs, s.err
}

func TestAggregator_ConnectCreatesRecords(t *testing.T) {
	reg := signature.NewRegistry(0)
	agg := NewAggregator(reg, nil,
		&stubSource{name: "one"},
		&stubSource{name: "two"},
	)

	if len(agg.Records()) != 0 {
		t.Error("no records before Connect")
	}
	if err := agg.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	recs := agg.Records()
	if len(recs) != 2 || recs[0].Source != "one" || recs[1].Source != "two" {
		t.Fatalf("unexpected records %+v", recs)
	}
	if recs[0].Reliability != 0.9 || recs[0].LastUpdate.IsZero() {
		t.Errorf("record not initialized: %+v", recs[0])
	}
}

func TestAggregator_RefreshIsolatesFailures(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	reg := signature.NewRegistry(0)

	good := &stubSource{name: "good", sigs: []signature.ThreatSignature{
		{ID: "g-1", Type: signature.TypeMalware, Pattern: "emotet"},
		{ID: "g-2", Type: signature.TypeDDoS, Pattern: "syn-flood"},
		{ID: "", Type: signature.TypeDDoS},
	}}
	failing := &stubSource{name: "failing", err: errors.New("connection refused")}
	crashing := &stubSource{name: "crashing", boom: true}

	agg := NewAggregator(reg, zap.New(core), good, failing, crashing)
	if err := agg.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	added, err := agg.Refresh(context.Background())
	if added != 2 {
		t.Errorf("expected 2 signatures stored, got %d", added)
	}
	if err == nil || !strings.Contains(err.Error(), "connection refused") || !strings.Contains(err.Error(), "panic") {
		t.Errorf("expected joined source errors, got %v", err)
	}
	if reg.Len() != 2 {
		t.Errorf("registry should hold 2 signatures, got %d", reg.Len())
	}
	if sig, _ := reg.Get("g-1"); sig.Source != "good" {
		t.Errorf("source should be stamped, got %q", sig.Source)
	}

	byName := map[string]FeedSourceRecord{}
	for _, r := range agg.Records() {
		byName[r.Source] = r
	}
	if byName["good"].ThreatsReported != 2 || byName["good"].LastError != "" {
		t.Errorf("good record wrong: %+v", byName["good"])
	}
	if byName["failing"].Failures != 1 || byName["failing"].LastError != "connection refused" {
		t.Errorf("failing record wrong: %+v", byName["failing"])
	}
	if byName["crashing"].Failures != 1 {
		t.Errorf("crashing record wrong: %+v", byName["crashing"])
	}
	if logs.FilterMessage("Threat feed fetch failed").Len() != 2 {
		t.Errorf("expected 2 failure logs, got %d", logs.FilterMessage("Threat feed fetch failed").Len())
	}

	// A later success clears the error but keeps the failure count.
	failing.err = nil
	failing.sigs = []signature.ThreatSignature{{ID: "f-1", Type: signature.TypePhishing}}
	if _, err := agg.Refresh(context.Background()); err == nil {
		t.Error("crashing source should still report an error")
	}
	for _, r := range agg.Records() {
		if r.Source == "failing" && (r.LastError != "" || r.Failures != 1 || r.ThreatsReported != 1) {
			t.Errorf("recovered record wrong: %+v", r)
		}
	}
}

func TestAggregator_CountsRepeatedPatterns(t *testing.T) {
	reg := signature.NewRegistry(0)
	first := &stubSource{name: "first", sigs: []signature.ThreatSignature{
		{ID: "a-1", Type: signature.TypeMalware, Pattern: "emotet"},
		{ID: "a-2", Type: signature.TypePhishing, Pattern: "paypa1.example"},
	}}
	second := &stubSource{name: "second"}
	agg := NewAggregator(reg, nil, first, second)

	if _, err := agg.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	second.sigs = []signature.ThreatSignature{
		{ID: "b-1", Type: signature.TypeMalware, Pattern: "emotet"},
		{ID: "b-2", Type: signature.TypeDDoS, Pattern: "syn flood"},
		{ID: "b-3", Type: signature.TypeDDoS},
	}
	if _, err := agg.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	byName := map[string]FeedSourceRecord{}
	for _, r := range agg.Records() {
		byName[r.Source] = r
	}
	// The first source re-reports both of its own patterns on the second pass.
	if got := byName["first"]; got.ThreatsReported != 4 || got.PatternsRepeated != 2 {
		t.Errorf("first record wrong: %+v", got)
	}
	if got := byName["second"]; got.ThreatsReported != 3 || got.PatternsRepeated != 1 {
		t.Errorf("second record wrong: %+v", got)
	}
}

func TestAggregator_RefreshCancelled(t *testing.T) {
	agg := NewAggregator(signature.NewRegistry(0), nil, &stubSource{name: "a"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := agg.Refresh(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if err := agg.Connect(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled from Connect, got %v", err)
	}
}

func TestAggregator_RefreshWithoutConnect(t *testing.T) {
	agg := NewAggregator(signature.NewRegistry(0), nil, NewSyntheticSource("CISA", 0.95, 3))

	for i := 0; i < 5; i++ {
		if _, err := agg.Refresh(context.Background()); err != nil {
			t.Fatalf("refresh: %v", err)
		}
	}
	if recs := agg.Records(); len(recs) != 1 {
		t.Errorf("refresh should create the record lazily, got %+v", recs)
	}
}
