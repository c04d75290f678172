package zeroday

import (
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lvonguyen/threatlens/internal/signature"
)

// TestScan_ExploitShellcode verifies a hit adds exactly one CRITICAL
// zero-day signature.
func TestScan_ExploitShellcode(t *testing.T) {
	reg := signature.NewRegistry(0)
	s := NewScanner(reg, nil, nil)

	before := reg.Len()
	sig, ok := s.Scan("attacker dropped an exploit with custom shellcode in the upload")
	if !ok {
		t.Fatal("Scan should report a match")
	}
	if reg.Len() != before+1 {
		t.Fatalf("registry should grow by one, got %d -> %d", before, reg.Len())
	}

	stored, found := reg.Get(sig.ID)
	if !found {
		t.Fatal("signature should be stored under its ID")
	}
	if stored.Type != signature.TypeZeroDay {
		t.Errorf("expected zero-day, got %s", stored.Type)
	}
	if stored.Severity != signature.SeverityCritical {
		t.Errorf("expected CRITICAL, got %s", stored.Severity)
	}
	if stored.Confidence != 0.8 {
		t.Errorf("expected confidence 0.8, got %v", stored.Confidence)
	}
	if stored.Pattern != "exploit|shellcode" {
		t.Errorf("expected pattern exploit|shellcode, got %q", stored.Pattern)
	}
}

func TestScan_NoMatch(t *testing.T) {
	reg := signature.NewRegistry(0)
	s := NewScanner(reg, nil, nil)

	for _, text := range []string{"", "quarterly sales report", "hello world"} {
		if _, ok := s.Scan(text); ok {
			t.Errorf("Scan(%q) should not match", text)
		}
	}
	if reg.Len() != 0 {
		t.Errorf("registry should stay empty, got %d", reg.Len())
	}
}

func TestMatch_CaseInsensitiveAndOrdered(t *testing.T) {
	s := NewScanner(signature.NewRegistry(0), nil, nil)

	tests := []struct {
		text string
		want string
	}{
		{"Advisory for cve-2024-3094 and CVE-2025-0001", "CVE-2024-|CVE-2025-"},
		{"HEAP SPRAY then Use After Free", "heap spray|use after free"},
		{"classic Buffer Overflow with a PAYLOAD", "payload|buffer overflow"},
		{"double free in allocator", "double free"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got := strings.Join(s.Match(tt.text), "|")
			if got != tt.want {
				t.Errorf("Match() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestScan_EachHitIsNewSignature(t *testing.T) {
	reg := signature.NewRegistry(0)
	s := NewScanner(reg, nil, nil)

	a, _ := s.Scan("exploit")
	b, _ := s.Scan("exploit")
	if a.ID == b.ID {
		t.Error("each hit should get its own ID")
	}
	if reg.Len() != 2 {
		t.Errorf("expected 2 signatures, got %d", reg.Len())
	}
	if !reg.SeenPattern("exploit") {
		t.Error("pattern should be recorded in the registry")
	}
}

func TestScan_RepeatIndicatorSetLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	s := NewScanner(signature.NewRegistry(0), nil, zap.New(core))

	s.Scan("heap spray and shellcode")
	s.Scan("SHELLCODE via heap spray")
	s.Scan("payload only")

	entries := logs.FilterMessage("Zero-day indicators detected").All()
	if len(entries) != 3 {
		t.Fatalf("expected 3 detections, got %d", len(entries))
	}
	for i, want := range []bool{false, true, false} {
		if got := entries[i].ContextMap()["repeat"]; got != want {
			t.Errorf("detection %d: repeat = %v, want %v", i, got, want)
		}
	}
}

func TestScan_CustomIndicatorsAndLogging(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s := NewScanner(signature.NewRegistry(0), []string{"Log4Shell"}, zap.New(core))

	if _, ok := s.Scan("exploit"); ok {
		t.Error("default indicators should be replaced")
	}
	if _, ok := s.Scan("${jndi} log4shell attempt"); !ok {
		t.Fatal("custom indicator should match")
	}
	if logs.FilterMessage("Zero-day indicators detected").Len() != 1 {
		t.Errorf("expected one detection log entry, got %d", logs.Len())
	}
}
