package batch

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"kse/internal/domain"
)

func spec(id string, deps ...string) domain.Spec {
	return domain.Spec{ID: id, DependsOn: deps}
}

func tierSpecs(tiers []domain.Tier) [][]string {
	out := make([][]string, 0, len(tiers))
	for _, t := range tiers {
		out = append(out, t.Specs)
	}
	return out
}

func TestTiersDiamond(t *testing.T) {
	m := &domain.Manifest{Specs: []domain.Spec{
		spec("A"),
		spec("B", "A"),
		spec("C", "A"),
		spec("D", "B", "C"),
	}}
	tiers, err := Build(m)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := [][]string{{"A"}, {"B", "C"}, {"D"}}
	if diff := cmp.Diff(want, tierSpecs(tiers)); diff != "" {
		t.Fatalf("tiers mismatch (-want +got):\n%s", diff)
	}
	for i, tier := range tiers {
		if tier.Index != i {
			t.Fatalf("tier %d has index %d", i, tier.Index)
		}
	}
}

func TestTiersUseLongestPath(t *testing.T) {
	m := &domain.Manifest{Specs: []domain.Spec{
		spec("C", "B"),
		spec("D", "A"),
		spec("B", "A"),
		spec("A"),
	}}
	tiers, err := Build(m)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := [][]string{{"A"}, {"D", "B"}, {"C"}}
	if diff := cmp.Diff(want, tierSpecs(tiers)); diff != "" {
		t.Fatalf("tiers mismatch (-want +got):\n%s", diff)
	}
}

func TestIndependentSpecsKeepManifestOrder(t *testing.T) {
	m := &domain.Manifest{Specs: []domain.Spec{spec("zeta"), spec("alpha"), spec("mu")}}
	tiers, err := Build(m)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if diff := cmp.Diff([][]string{{"zeta", "alpha", "mu"}}, tierSpecs(tiers)); diff != "" {
		t.Fatalf("tiers mismatch (-want +got):\n%s", diff)
	}
}

func TestTiersAreDeterministic(t *testing.T) {
	m := &domain.Manifest{Specs: []domain.Spec{
		spec("a"), spec("b", "a"), spec("c", "a"), spec("d", "b"), spec("e"), spec("f", "e", "c"),
	}}
	first, err := Build(m)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := Build(m)
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		if diff := cmp.Diff(first, again); diff != "" {
			t.Fatalf("run %d differs (-first +again):\n%s", i, diff)
		}
	}
}

func TestEveryDependencyInEarlierTier(t *testing.T) {
	specs := []domain.Spec{
		spec("api"), spec("db"), spec("cache", "db"), spec("svc", "api", "cache"),
		spec("ui", "svc"), spec("docs"), spec("e2e", "ui", "docs"),
	}
	tiers, err := Build(&domain.Manifest{Specs: specs})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	tierOf := map[string]int{}
	for _, tier := range tiers {
		for _, id := range tier.Specs {
			tierOf[id] = tier.Index
		}
	}
	if len(tierOf) != len(specs) {
		t.Fatalf("expected every spec placed once, got %v", tierOf)
	}
	for _, s := range specs {
		for _, dep := range s.DependsOn {
			if tierOf[dep] >= tierOf[s.ID] {
				t.Fatalf("%s (tier %d) does not follow dependency %s (tier %d)", s.ID, tierOf[s.ID], dep, tierOf[dep])
			}
		}
	}
}

func TestCycleReportsMembersOnly(t *testing.T) {
	m := &domain.Manifest{Specs: []domain.Spec{
		spec("A", "B"),
		spec("B", "A"),
		spec("C", "A"),
		spec("D"),
	}}
	_, err := Build(m)
	var ce *domain.CycleError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	if diff := cmp.Diff([]string{"A", "B"}, ce.Members); diff != "" {
		t.Fatalf("members mismatch (-want +got):\n%s", diff)
	}
}

func TestCycleMembersAcrossSharedComponent(t *testing.T) {
	g, err := NewGraph([]domain.Spec{
		spec("A", "B"),
		spec("B", "A", "C"),
		spec("C", "B"),
		spec("S", "S"),
		spec("free"),
	})
	if err != nil {
		t.Fatalf("graph: %v", err)
	}
	if diff := cmp.Diff([]string{"A", "B", "C", "S"}, g.CycleMembers()); diff != "" {
		t.Fatalf("members mismatch (-want +got):\n%s", diff)
	}
}

func TestGraphErrors(t *testing.T) {
	if _, err := NewGraph([]domain.Spec{spec("A"), spec("A")}); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate id error, got %v", err)
	}
	if _, err := NewGraph([]domain.Spec{spec("A", "ghost")}); err == nil || !strings.Contains(err.Error(), "ghost") {
		t.Fatalf("expected unknown dependency error, got %v", err)
	}
}

func TestEmptyManifestHasNoTiers(t *testing.T) {
	tiers, err := Build(&domain.Manifest{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(tiers) != 0 {
		t.Fatalf("expected no tiers, got %v", tiers)
	}
}

func TestDependsOnDedupes(t *testing.T) {
	g, err := NewGraph([]domain.Spec{spec("A"), spec("B", "A", "A")})
	if err != nil {
		t.Fatalf("graph: %v", err)
	}
	if diff := cmp.Diff([]string{"A"}, g.DependsOn("B")); diff != "" {
		t.Fatalf("deps mismatch (-want +got):\n%s", diff)
	}
	if _, ok := g.Index("missing"); ok {
		t.Fatalf("unexpected index for missing spec")
	}
}
