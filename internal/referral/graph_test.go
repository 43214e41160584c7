package referral

import (
	"errors"
	"fmt"
	"slices"
	"testing"
)

func chainGraph(t *testing.T, n int) *Graph {
	t.Helper()
	g := NewGraph()
	prev := ""
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("u%d", i)
		if err := g.Add(User{ID: id, UplineID: prev}); err != nil {
			t.Fatalf("Add(%s): %v", id, err)
		}
		prev = id
	}
	return g
}

func TestUplineChainNearestFirst(t *testing.T) {
	g := chainGraph(t, 4)

	got := g.UplineChain("u3", MaxDepth)
	want := []string{"u2", "u1", "u0"}
	if !slices.Equal(got, want) {
		t.Fatalf("UplineChain = %v, want %v", got, want)
	}
	if got := g.UplineChain("u0", MaxDepth); len(got) != 0 {
		t.Fatalf("root chain = %v", got)
	}
	if got := g.UplineChain("missing", MaxDepth); got != nil {
		t.Fatalf("unknown user chain = %v", got)
	}
}

func TestUplineChainIsBounded(t *testing.T) {
	g := chainGraph(t, 15)

	if got := g.UplineChain("u14", 50); len(got) != MaxDepth {
		t.Fatalf("len = %d, want %d", len(got), MaxDepth)
	}
	got := g.UplineChain("u14", 3)
	if !slices.Equal(got, []string{"u13", "u12", "u11"}) {
		t.Fatalf("UplineChain(3) = %v", got)
	}
}

func TestAddErrors(t *testing.T) {
	g := NewGraph()
	if err := g.Add(User{ID: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := g.Add(User{ID: "a"}); !errors.Is(err, ErrUserExists) {
		t.Fatalf("duplicate err = %v", err)
	}
	if err := g.Add(User{ID: "b", UplineID: "ghost"}); !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("unknown upline err = %v", err)
	}
	if g.Len() != 1 {
		t.Fatalf("failed Add mutated graph, len = %d", g.Len())
	}
}

func TestLinkRejectsCycles(t *testing.T) {
	g := NewGraph()
	for _, u := range []User{{ID: "a"}, {ID: "b", UplineID: "a"}, {ID: "c", UplineID: "b"}, {ID: "x"}} {
		if err := g.Add(u); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name, user, upline string
		want               error
	}{
		{"self", "x", "x", ErrCycleDetected},
		{"ancestor under descendant", "a", "c", ErrCycleDetected},
		{"already linked", "c", "x", ErrUplineAlreadySet},
		{"unknown upline", "x", "ghost", ErrUnknownUser},
		{"unknown user", "ghost", "a", ErrUnknownUser},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := g.Link(tt.user, tt.upline); !errors.Is(err, tt.want) {
				t.Fatalf("Link(%s, %s) = %v, want %v", tt.user, tt.upline, err, tt.want)
			}
		})
	}

	if err := g.Link("x", "c"); err != nil {
		t.Fatalf("valid link: %v", err)
	}
	if got := g.UplineChain("x", MaxDepth); !slices.Equal(got, []string{"c", "b", "a"}) {
		t.Fatalf("chain after link = %v", got)
	}
	u, _ := g.User("x")
	if u.UplineID != "c" {
		t.Fatalf("UplineID = %q", u.UplineID)
	}
}

func TestDownlineCounts(t *testing.T) {
	g := NewGraph()
	users := []User{
		{ID: "root"},
		{ID: "a", UplineID: "root"}, {ID: "b", UplineID: "root"},
		{ID: "a1", UplineID: "a"}, {ID: "a2", UplineID: "a"}, {ID: "b1", UplineID: "b"},
		{ID: "a1x", UplineID: "a1"},
	}
	for _, u := range users {
		if err := g.Add(u); err != nil {
			t.Fatal(err)
		}
	}

	counts := g.DownlineCounts("root")
	if counts[0] != 2 || counts[1] != 3 || counts[2] != 1 || counts[3] != 0 {
		t.Fatalf("counts = %v", counts)
	}
	if got := g.DirectDownlines("a"); !slices.Equal(got, []string{"a1", "a2"}) {
		t.Fatalf("DirectDownlines = %v", got)
	}
}
