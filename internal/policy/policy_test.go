package policy

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/adamavenir/intercom/internal/types"
)

const samplePolicy = `
rules:
  - pattern: "docs/**"
    action: approve
    max_risk: low
  - pattern: "infra/prod/**"
    action: deny
  - pattern: "src/**"
    action: approve
    max_risk: high
`

func TestEvaluateFirstMatchWins(t *testing.T) {
	rs, err := Compile([]byte(samplePolicy))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	cases := []struct {
		path string
		risk string
		want string
	}{
		{"docs/readme.md", RiskLow, ActionApprove},
		{"docs/deploy/notes.md", RiskLow, ActionApprove},
		{"infra/prod/db.tf", RiskLow, ActionDeny},
		{"src/main.go", RiskHigh, ActionApprove},
		{"Makefile", RiskLow, ActionAsk}, // no rule matches
	}
	for _, tc := range cases {
		got := rs.Evaluate(tc.path, tc.risk)
		if got.Action != tc.want {
			t.Fatalf("%s (%s): got %s, want %s", tc.path, tc.risk, got.Action, tc.want)
		}
	}
}

func TestEvaluateRiskCapDegradesToAsk(t *testing.T) {
	rs, err := Compile([]byte(samplePolicy))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	// docs rule caps at low; a high-risk docs edit still goes to the operator.
	got := rs.Evaluate("docs/readme.md", RiskHigh)
	if got.Action != ActionAsk {
		t.Fatalf("expected ask for over-risk request, got %s", got.Action)
	}
	// Unknown risk is worst case.
	got = rs.Evaluate("src/main.go", "mystery")
	if got.Action != ActionAsk {
		t.Fatalf("expected ask for unknown risk, got %s", got.Action)
	}
	// Deny rules ignore risk.
	got = rs.Evaluate("infra/prod/db.tf", RiskCritical)
	if got.Action != ActionDeny {
		t.Fatalf("expected deny, got %s", got.Action)
	}
}

func TestCompileRejectsBadPolicies(t *testing.T) {
	cases := []string{
		`rules: [{pattern: "a/**", action: shrug}]`,
		`rules: [{pattern: "", action: approve}]`,
		`rules: [{pattern: "a/**", action: approve}, {pattern: "a/**", action: deny}]`,
		`rules: [{pattern: "a/**", action: approve, max_risk: extreme}]`,
		`rules: [{pattern: "a/[", action: approve}]`,
	}
	for _, text := range cases {
		_, err := Compile([]byte(text))
		if !errors.Is(err, types.ErrConfig) {
			t.Fatalf("expected ErrConfig for %q, got %v", text, err)
		}
	}
}

func TestEmptyRuleSetAsksEverything(t *testing.T) {
	rs, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := rs.Evaluate("anything", RiskLow); got.Action != ActionAsk {
		t.Fatalf("expected ask, got %s", got.Action)
	}
}

func TestStoreHotReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte(`rules: [{pattern: "docs/**", action: approve}]`), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := NewStore(path, log)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Watch(); err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer store.Close()

	if got := store.Evaluate("docs/a.md", RiskLow); got.Action != ActionApprove {
		t.Fatalf("expected approve, got %s", got.Action)
	}

	if err := os.WriteFile(path, []byte(`rules: [{pattern: "docs/**", action: deny}]`), 0o644); err != nil {
		t.Fatalf("rewrite policy: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if store.Evaluate("docs/a.md", RiskLow).Action == ActionDeny {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("policy change not picked up")
}

func TestStoreKeepsRulesOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte(`rules: [{pattern: "docs/**", action: approve}]`), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := NewStore(path, log)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Watch(); err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer store.Close()

	if err := os.WriteFile(path, []byte(`rules: [{pattern: "docs/**", action: nonsense}]`), 0o644); err != nil {
		t.Fatalf("rewrite policy: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if got := store.Evaluate("docs/a.md", RiskLow); got.Action != ActionApprove {
		t.Fatalf("expected previous rules to survive bad reload, got %s", got.Action)
	}
}
