package graph

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"spores/internal/config"
	"spores/internal/dynamics"
	"spores/internal/spore"
	"spores/internal/tree"
)

func TestBackwardTraversalKeepsControl(t *testing.T) {
	cases := []Link{
		{From: "a", To: "b", Control: 1, Dt: 0.1, DtSign: 1},
		{From: "a", To: "b", Control: -1, Dt: 0.1, DtSign: 1},
		{From: "a", To: "b", Control: 2, Dt: 0.05, DtSign: -1},
		{From: "a", To: "b", Control: -0.5, Dt: 0.02, DtSign: -1},
		{From: "a", To: "b", Control: 0, Dt: 0, DtSign: 1},
	}
	for _, l := range cases {
		fwd := l.Traverse(Forward)
		if fwd.Control != l.Control || fwd.Dt != l.RawDt() || fwd.From != "a" {
			t.Fatalf("forward traversal altered %+v: %+v", l, fwd)
		}
		back := l.Traverse(Backward)
		if back.Control != l.Control {
			t.Fatalf("backward traversal flipped control of %+v: %+v", l, back)
		}
		if back.Dt != -l.RawDt() || back.From != "b" || back.To != "a" {
			t.Fatalf("backward traversal of %+v: %+v", l, back)
		}
	}
}

func TestLinkDirectionFollowsSign(t *testing.T) {
	if (Link{Dt: 0.1, DtSign: -1}).Direction() != Backward {
		t.Fatal("expected backward direction")
	}
	if (Link{Dt: 0.1, DtSign: 1}).Direction() != Forward {
		t.Fatal("expected forward direction")
	}
}

func TestAddNodeDeduplicatesWithinThreshold(t *testing.T) {
	g := New(1e-3, spore.NewCounterAllocator())
	a, created, err := g.AddNode("a", dynamics.State{1, 1}, false)
	if err != nil || !created {
		t.Fatalf("add a: created=%v err=%v", created, err)
	}
	b, created, err := g.AddNode("b", dynamics.State{1 + 5e-4, 1}, false)
	if err != nil {
		t.Fatalf("add b: %v", err)
	}
	if created || b != a {
		t.Fatalf("expected b to fold into a, got %s created=%v", b, created)
	}
	if resolved, ok := g.Resolve("b"); !ok || resolved != "a" {
		t.Fatalf("expected alias b -> a, got %s %v", resolved, ok)
	}
	c, created, err := g.AddNode("c", dynamics.State{1 + 2e-3, 1}, false)
	if err != nil || !created || c != "c" {
		t.Fatalf("expected distinct node c, got %s created=%v err=%v", c, created, err)
	}
	root, created, err := g.AddNode("root", dynamics.State{1, 1}, true)
	if err != nil || !created || root != "root" {
		t.Fatalf("exempt node should not dedupe, got %s created=%v err=%v", root, created, err)
	}
	if g.NumNodes() != 3 {
		t.Fatalf("expected 3 nodes, got %d", g.NumNodes())
	}
	n, _ := g.Node("a")
	if len(n.Origins) != 2 {
		t.Fatalf("expected origins a and b, got %v", n.Origins)
	}
}

func TestDedupeAcrossCellBoundary(t *testing.T) {
	g := New(1e-3, spore.NewCounterAllocator())
	if _, _, err := g.AddNode("a", dynamics.State{0.0009999, 0}, false); err != nil {
		t.Fatalf("add a: %v", err)
	}
	id, created, err := g.AddNode("b", dynamics.State{0.0010001, 0}, false)
	if err != nil || created || id != "a" {
		t.Fatalf("expected neighbour cell match, got %s created=%v err=%v", id, created, err)
	}
}

func TestAddNodeRejectsNonFinite(t *testing.T) {
	g := New(1e-3, spore.NewCounterAllocator())
	if _, _, err := g.AddNode("x", dynamics.State{math.NaN(), 0}, false); !errors.Is(err, dynamics.ErrNonFinite) {
		t.Fatalf("expected non-finite error, got %v", err)
	}
}

func TestAddLinkValidation(t *testing.T) {
	g := New(1e-3, spore.NewCounterAllocator())
	_, _, _ = g.AddNode("a", dynamics.State{0, 0}, true)
	_, _, _ = g.AddNode("b", dynamics.State{1, 0}, false)

	if _, err := g.AddLink(Link{From: "a", To: "zz", Dt: 0.1, DtSign: 1}); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("expected unknown node, got %v", err)
	}
	if _, err := g.AddLink(Link{From: "a", To: "b", Dt: -0.1, DtSign: 1}); err == nil {
		t.Fatal("expected error for negative magnitude")
	}
	if _, err := g.AddLink(Link{From: "a", To: "b", Dt: 0.1, DtSign: 0}); err == nil {
		t.Fatal("expected error for zero sign")
	}
	first, err := g.AddLink(Link{From: "a", To: "b", Control: 1, Dt: 0.1, DtSign: 1})
	if err != nil {
		t.Fatalf("add link: %v", err)
	}
	again, err := g.AddLink(Link{From: "a", To: "b", Control: 1, Dt: 0.1, DtSign: 1})
	if err != nil || again.ID != first.ID {
		t.Fatalf("expected duplicate link to be reused, got %+v err=%v", again, err)
	}
	if g.NumLinks() != 1 {
		t.Fatalf("expected 1 link, got %d", g.NumLinks())
	}
}

func TestMergeNodesRewiresLinks(t *testing.T) {
	g := New(1e-3, spore.NewCounterAllocator())
	_, _, _ = g.AddNode("p1", dynamics.State{0, 0}, true)
	_, _, _ = g.AddNode("p2", dynamics.State{1, 0}, true)
	_, _, _ = g.AddNode("x", dynamics.State{0.5, 0.5}, false)
	_, _, _ = g.AddNode("y", dynamics.State{0.5, 0.6}, false)
	l1, _ := g.AddLink(Link{From: "p1", To: "x", Control: 1, Dt: 0.1, DtSign: 1})
	l2, _ := g.AddLink(Link{From: "p2", To: "y", Control: -1, Dt: 0.1, DtSign: -1})

	if err := g.MergeNodes("x", "y"); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if _, ok := g.nodes["y"]; ok {
		t.Fatal("expected y to be removed")
	}
	if l, _ := g.Link(l2.ID); l.To != "x" {
		t.Fatalf("expected link rewired to x, got %+v", l)
	}
	if got := len(g.InLinks("x")); got != 2 {
		t.Fatalf("expected 2 in-links on x, got %d", got)
	}
	if l, _ := g.Link(l1.ID); l.Control != 1 {
		t.Fatal("merge changed link control")
	}
	if err := g.SetLinkDt(l2.ID, 0.07); err != nil {
		t.Fatalf("set dt: %v", err)
	}
	if l, _ := g.Link(l2.ID); l.Dt != 0.07 || l.DtSign != 1 {
		t.Fatalf("unexpected link after dt update: %+v", l)
	}
}

func TestSettleFoldsMovedNode(t *testing.T) {
	g := New(1e-3, spore.NewCounterAllocator())
	_, _, _ = g.AddNode("p", dynamics.State{0, 0}, true)
	_, _, _ = g.AddNode("a", dynamics.State{0.5, 0.5}, false)
	_, _, _ = g.AddNode("b", dynamics.State{0.9, 0.9}, false)
	moved, _ := g.AddLink(Link{From: "p", To: "b", Control: 1, Dt: 0.1, DtSign: 1})

	if id, err := g.Settle("b"); err != nil || id != "b" {
		t.Fatalf("isolated node must stay: id=%s err=%v", id, err)
	}
	if err := g.MoveNode("b", dynamics.State{0.5, 0.5004}); err != nil {
		t.Fatalf("move: %v", err)
	}
	id, err := g.Settle("b")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if id != "a" || g.NumNodes() != 2 {
		t.Fatalf("expected b folded into a, got id=%s nodes=%d", id, g.NumNodes())
	}
	if l, _ := g.Link(moved.ID); l.To != "a" {
		t.Fatalf("expected link rewired to a, got %+v", l)
	}
	if got, ok := g.Resolve("b"); !ok || got != "a" {
		t.Fatalf("expected b to resolve to a, got %s %v", got, ok)
	}
	if id, err := g.Settle("p"); err != nil || id != "p" {
		t.Fatalf("exempt node must stay: id=%s err=%v", id, err)
	}
	if _, err := g.Settle("missing"); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("expected unknown node error, got %v", err)
	}
}

func TestExportDocument(t *testing.T) {
	g := New(1e-3, spore.NewCounterAllocator())
	_, _, _ = g.AddNode("1", dynamics.State{0, 0}, true)
	_, _, _ = g.AddNode("2", dynamics.State{0.1, 0.2}, false)
	_, _, _ = g.AddNode("3", dynamics.State{-0.1, -0.2}, false)
	_, _ = g.AddLink(Link{From: "1", To: "2", Control: 1, Dt: 0.1, DtSign: 1})
	_, _ = g.AddLink(Link{From: "1", To: "3", Control: -1, Dt: 0.1, DtSign: -1})

	doc := Export(g)
	if doc.Statistics.TotalSpores != 3 || doc.Statistics.TotalLinks != 2 {
		t.Fatalf("unexpected statistics: %+v", doc.Statistics)
	}
	if doc.Spores[0].Index != 0 || len(doc.Spores[0].OutLinks) != 2 || len(doc.Spores[0].InLinks) != 0 {
		t.Fatalf("unexpected root entry: %+v", doc.Spores[0])
	}
	back := doc.Links[1]
	if back.LinkNumber != 2 || back.RawDt != -0.1 || back.Direction != Backward || back.Dt != 0.1 {
		t.Fatalf("unexpected link entry: %+v", back)
	}

	data, err := doc.MarshalIndent()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"spores", "links", "statistics"} {
		if _, ok := raw[key]; !ok {
			t.Fatalf("missing top-level key %q", key)
		}
	}
	link := raw["links"].([]any)[0].(map[string]any)
	for _, key := range []string{"link_number", "parent_spore_id", "child_spore_id", "control", "dt", "dt_sign", "raw_dt", "direction"} {
		if _, ok := link[key]; !ok {
			t.Fatalf("missing link key %q", key)
		}
	}

	if g.NumNodes() != 3 || g.NumLinks() != 2 {
		t.Fatal("export mutated the graph")
	}
}

func TestDocumentRoundTrip(t *testing.T) {
	g := New(1e-3, spore.NewCounterAllocator())
	_, _, _ = g.AddNode("1", dynamics.State{0, 0}, true)
	_, _, _ = g.AddNode("2", dynamics.State{0.1, 0.2}, false)
	_, _ = g.AddLink(Link{From: "1", To: "2", Control: 1, Dt: 0.1, DtSign: 1, Slot: "forward_max", Generation: 1})

	path := filepath.Join(t.TempDir(), "graph.json")
	if err := WriteDocument(path, Export(g)); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	doc, err := ParseDocument(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	restored, err := FromDocument(doc, 1e-3, spore.NewCounterAllocator())
	if err != nil {
		t.Fatalf("from document: %v", err)
	}
	links := restored.Links()
	if len(links) != 1 || links[0].Slot != "forward_max" || links[0].Generation != 1 {
		t.Fatalf("unexpected restored links: %+v", links)
	}
	if n, ok := restored.Node("1"); !ok || !n.Exempt {
		t.Fatalf("expected exempt root, got %+v", n)
	}
}

func TestFromDocumentRejectsDuplicateLinks(t *testing.T) {
	g := New(1e-3, spore.NewCounterAllocator())
	_, _, _ = g.AddNode("1", dynamics.State{0, 0}, true)
	_, _, _ = g.AddNode("2", dynamics.State{0.1, 0.2}, false)
	_, _, _ = g.AddNode("3", dynamics.State{-0.1, -0.2}, false)
	_, _ = g.AddLink(Link{From: "1", To: "2", Control: 1, Dt: 0.1, DtSign: 1})
	_, _ = g.AddLink(Link{From: "1", To: "3", Control: -1, Dt: 0.1, DtSign: -1})

	doc := Export(g)
	doc.Links[1].LinkID = doc.Links[0].LinkID
	if _, err := FromDocument(doc, 1e-3, spore.NewCounterAllocator()); err == nil {
		t.Fatal("expected duplicate link error")
	}
}

func TestLinkMatrixDuplicatesReverse(t *testing.T) {
	g := New(1e-3, spore.NewCounterAllocator())
	_, _, _ = g.AddNode("1", dynamics.State{0, 0}, true)
	_, _, _ = g.AddNode("2", dynamics.State{0.1, 0.2}, false)
	_, _ = g.AddLink(Link{From: "1", To: "2", Control: 2, Dt: 0.05, DtSign: 1})

	m := BuildLinkMatrix(g)
	if m.Cells[0][1] != "+2 +0.050" {
		t.Fatalf("unexpected forward cell %q", m.Cells[0][1])
	}
	if m.Cells[1][0] != "+2 -0.050" {
		t.Fatalf("unexpected reverse cell %q", m.Cells[1][0])
	}

	var buf bytes.Buffer
	if err := m.WriteCSV(&buf); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 3 || records[0][1] != "1" || records[2][1] != "+2 -0.050" {
		t.Fatalf("unexpected csv: %v", records)
	}
}

func TestPickerQueries(t *testing.T) {
	g := New(1e-3, spore.NewCounterAllocator())
	_, _, _ = g.AddNode("r", dynamics.State{0, 0}, true)
	_, _, _ = g.AddNode("c", dynamics.State{1, 0}, false)
	_, _, _ = g.AddNode("gc", dynamics.State{2, 0}, false)
	_, _ = g.AddLink(Link{From: "r", To: "c", Control: 1, Dt: 0.1, DtSign: 1})
	_, _ = g.AddLink(Link{From: "c", To: "gc", Control: -1, Dt: 0.02, DtSign: 1})

	n, ok := g.Closest(dynamics.State{1.9, 0.1})
	if !ok || n.ID != "gc" {
		t.Fatalf("expected gc, got %+v", n)
	}
	if got := g.Neighbors("r", 1); len(got) != 1 || got[0] != "c" {
		t.Fatalf("unexpected depth-1 neighbours: %v", got)
	}
	if got := g.Neighbors("r", 2); len(got) != 1 || got[0] != "gc" {
		t.Fatalf("unexpected depth-2 neighbours: %v", got)
	}
	if got := g.Neighbors("gc", 2); len(got) != 1 || got[0] != "r" {
		t.Fatalf("expected traversal against link orientation, got %v", got)
	}
	if _, ok := New(1e-3, nil).Closest(dynamics.State{}); ok {
		t.Fatal("expected no node in empty graph")
	}
}

func TestAddTree(t *testing.T) {
	cfg := config.Default()
	system, err := dynamics.NewPendulum(cfg.Pendulum)
	if err != nil {
		t.Fatalf("new pendulum: %v", err)
	}
	logic, err := spore.NewLogic(system, cfg.Spore)
	if err != nil {
		t.Fatalf("new logic: %v", err)
	}
	ids := spore.NewCounterAllocator()
	builder, err := tree.NewBuilder(system, cfg.Tree, ids, nil)
	if err != nil {
		t.Fatalf("new builder: %v", err)
	}
	tr, err := builder.BuildUniform(logic.NewSpore(ids.NextSporeID(), dynamics.State{}), 0.1, 0.2)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	g := New(cfg.Tree.DistanceThreshold, ids)
	if err := g.AddTree(tr); err != nil {
		t.Fatalf("add tree: %v", err)
	}
	if g.NumNodes() != 13 || g.NumLinks() != 12 {
		t.Fatalf("expected 13 nodes and 12 links, got %d and %d", g.NumNodes(), g.NumLinks())
	}
	for _, l := range g.Links() {
		if l.Slot == "" || l.Generation == 0 {
			t.Fatalf("link missing slot metadata: %+v", l)
		}
	}
	clone := g.Clone()
	_ = clone.MoveNode(tr.Children[0].ID, dynamics.State{9, 9})
	if n, _ := g.Node(tr.Children[0].ID); n.Position == (dynamics.State{9, 9}) {
		t.Fatal("clone shares node storage")
	}
}
