// Package mitre maps predicted threats and signature types to MITRE ATT&CK
// techniques.
package mitre

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/signature"
)

// AttackFramework holds a small in-memory ATT&CK catalog.
type AttackFramework struct {
	techniques map[string]*Technique
	tactics    map[string]*Tactic
	byThreat   map[string][]string
	byType     map[signature.Type][]string
	mu         sync.RWMutex
	logger     *zap.Logger
}

// Technique represents a MITRE ATT&CK technique
type Technique struct {
	ID      string   `json:"id"`      // e.g., "T1190"
	Name    string   `json:"name"`    // e.g., "Exploit Public-Facing Application"
	Tactics []string `json:"tactics"` // e.g., ["initial-access"]
	URL     string   `json:"url"`
}

// Tactic represents a MITRE ATT&CK tactic
type Tactic struct {
	ID        string `json:"id"`         // e.g., "TA0001"
	Name      string `json:"name"`       // e.g., "Initial Access"
	ShortName string `json:"short_name"` // e.g., "initial-access"
	URL       string `json:"url"`
}

// Mapping links a threat label to one technique.
type Mapping struct {
	TechniqueID   string `json:"technique_id"`
	TechniqueName string `json:"technique_name"`
	TacticID      string `json:"tactic_id"`
	TacticName    string `json:"tactic_name"`
	Evidence      string `json:"evidence"`
}

// NewAttackFramework creates a framework seeded with the techniques the
// engine's predictions and signature types refer to.
func NewAttackFramework(logger *zap.Logger) *AttackFramework {
	if logger == nil {
		logger = zap.NewNop()
	}
	af := &AttackFramework{
		techniques: make(map[string]*Technique),
		tactics:    make(map[string]*Tactic),
		logger:     logger,
	}

	af.initializeCommonTechniques()
	af.initializeTactics()
	af.initializeThreatMappings()

	return af
}

// TechniquesFor returns the technique IDs associated with a predicted threat
// label such as "SQL Injection". Unknown labels return nil.
func (af *AttackFramework) TechniquesFor(threat string) []string {
	af.mu.RLock()
	defer af.mu.RUnlock()

	ids, ok := af.byThreat[strings.ToLower(threat)]
	if !ok {
		af.logger.Debug("No ATT&CK mapping for threat", zap.String("threat", threat))
		return nil
	}
	return append([]string(nil), ids...)
}

// TechniquesForType returns the technique IDs associated with a signature type.
func (af *AttackFramework) TechniquesForType(t signature.Type) []string {
	af.mu.RLock()
	defer af.mu.RUnlock()
	return append([]string(nil), af.byType[t]...)
}

// MapThreat expands a threat label into full technique mappings.
func (af *AttackFramework) MapThreat(threat string) []Mapping {
	ids := af.TechniquesFor(threat)

	af.mu.RLock()
	defer af.mu.RUnlock()

	mappings := make([]Mapping, 0, len(ids))
	for _, id := range ids {
		t, ok := af.techniques[id]
		if !ok {
			continue
		}
		m := Mapping{
			TechniqueID:   t.ID,
			TechniqueName: t.Name,
			Evidence:      fmt.Sprintf("Predicted threat: %s", threat),
		}
		if len(t.Tactics) > 0 {
			if tactic, ok := af.tactics[t.Tactics[0]]; ok {
				m.TacticID = tactic.ID
				m.TacticName = tactic.Name
			}
		}
		mappings = append(mappings, m)
	}
	return mappings
}

// GetTechnique returns a technique by ID
func (af *AttackFramework) GetTechnique(id string) (*Technique, bool) {
	af.mu.RLock()
	defer af.mu.RUnlock()
	t, ok := af.techniques[strings.ToUpper(id)]
	return t, ok
}

// GetTactic returns a tactic by ID or short name
func (af *AttackFramework) GetTactic(id string) (*Tactic, bool) {
	af.mu.RLock()
	defer af.mu.RUnlock()
	if t, ok := af.tactics[strings.ToLower(id)]; ok {
		return t, true
	}
	t, ok := af.tactics[strings.ToUpper(id)]
	return t, ok
}

// TacticDetail is a tactic together with the techniques filed under it.
type TacticDetail struct {
	Tactic
	Techniques []Technique `json:"techniques"`
}

// DescribeTactic looks a tactic up by ID or short name and lists its
// techniques.
func (af *AttackFramework) DescribeTactic(id string) (TacticDetail, bool) {
	tactic, ok := af.GetTactic(id)
	if !ok {
		return TacticDetail{}, false
	}
	detail := TacticDetail{Tactic: *tactic, Techniques: []Technique{}}
	for _, t := range af.GetTechniquesByTactic(tactic.ShortName) {
		detail.Techniques = append(detail.Techniques, *t)
	}
	return detail, true
}

// GetTechniquesByTactic returns all techniques for a given tactic, sorted by ID.
func (af *AttackFramework) GetTechniquesByTactic(tacticID string) []*Technique {
	af.mu.RLock()
	defer af.mu.RUnlock()

	result := make([]*Technique, 0)
	tacticShortName := strings.ToLower(tacticID)

	for _, t := range af.techniques {
		for _, tactic := range t.Tactics {
			if tactic == tacticShortName {
				result = append(result, t)
				break
			}
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (af *AttackFramework) initializeCommonTechniques() {
	af.mu.Lock()
	defer af.mu.Unlock()

	techniques := []*Technique{
		{ID: "T1498", Name: "Network Denial of Service", Tactics: []string{"impact"}},
		{ID: "T1499", Name: "Endpoint Denial of Service", Tactics: []string{"impact"}},
		{ID: "T1190", Name: "Exploit Public-Facing Application", Tactics: []string{"initial-access"}},
		{ID: "T1059.007", Name: "JavaScript", Tactics: []string{"execution"}},
		{ID: "T1189", Name: "Drive-by Compromise", Tactics: []string{"initial-access"}},
		{ID: "T1595", Name: "Active Scanning", Tactics: []string{"reconnaissance"}},
		{ID: "T1110", Name: "Brute Force", Tactics: []string{"credential-access"}},
		{ID: "T1071", Name: "Application Layer Protocol", Tactics: []string{"command-and-control"}},
		{ID: "T1204", Name: "User Execution", Tactics: []string{"execution"}},
		{ID: "T1566", Name: "Phishing", Tactics: []string{"initial-access"}},
		{ID: "T1598", Name: "Phishing for Information", Tactics: []string{"reconnaissance"}},
		{ID: "T1203", Name: "Exploitation for Client Execution", Tactics: []string{"execution"}},
		{ID: "T1068", Name: "Exploitation for Privilege Escalation", Tactics: []string{"privilege-escalation"}},
		{ID: "T1027", Name: "Obfuscated Files or Information", Tactics: []string{"defense-evasion"}},
	}

	for _, t := range techniques {
		t.URL = fmt.Sprintf("https://attack.mitre.org/techniques/%s/", strings.ReplaceAll(t.ID, ".", "/"))
		af.techniques[t.ID] = t
	}
}

func (af *AttackFramework) initializeTactics() {
	af.mu.Lock()
	defer af.mu.Unlock()

	tactics := []*Tactic{
		{ID: "TA0043", Name: "Reconnaissance", ShortName: "reconnaissance"},
		{ID: "TA0001", Name: "Initial Access", ShortName: "initial-access"},
		{ID: "TA0002", Name: "Execution", ShortName: "execution"},
		{ID: "TA0004", Name: "Privilege Escalation", ShortName: "privilege-escalation"},
		{ID: "TA0005", Name: "Defense Evasion", ShortName: "defense-evasion"},
		{ID: "TA0006", Name: "Credential Access", ShortName: "credential-access"},
		{ID: "TA0011", Name: "Command and Control", ShortName: "command-and-control"},
		{ID: "TA0040", Name: "Impact", ShortName: "impact"},
	}

	for _, t := range tactics {
		t.URL = fmt.Sprintf("https://attack.mitre.org/tactics/%s/", t.ID)
		af.tactics[t.ShortName] = t
		af.tactics[t.ID] = t
	}
}

func (af *AttackFramework) initializeThreatMappings() {
	af.mu.Lock()
	defer af.mu.Unlock()

	af.byThreat = map[string][]string{
		"ddos attack":        {"T1498", "T1499"},
		"xss injection":      {"T1189", "T1059.007"},
		"sql injection":      {"T1190"},
		"automated attack":   {"T1595", "T1110"},
		"anomalous behavior": {"T1071"},
	}

	af.byType = map[signature.Type][]string{
		signature.TypeMalware:           {"T1204", "T1027"},
		signature.TypePhishing:          {"T1566"},
		signature.TypeInjection:         {"T1190"},
		signature.TypeDDoS:              {"T1498"},
		signature.TypeZeroDay:           {"T1203", "T1068"},
		signature.TypeSocialEngineering: {"T1598"},
	}
}
