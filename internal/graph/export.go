package graph

import (
	"encoding/json"
	"fmt"
	"os"

	"spores/internal/dynamics"
	"spores/internal/spore"
)

type SporeEntry struct {
	Index    int        `json:"index"`
	SporeID  string     `json:"spore_id"`
	Position [2]float64 `json:"position"`
	IsGoal   bool       `json:"is_goal,omitempty"`
	Exempt   bool       `json:"exempt,omitempty"`
	InLinks  []int      `json:"in_links"`
	OutLinks []int      `json:"out_links"`
}

type LinkEntry struct {
	LinkNumber    int       `json:"link_number"`
	LinkID        string    `json:"link_id"`
	ParentSporeID string    `json:"parent_spore_id"`
	ChildSporeID  string    `json:"child_spore_id"`
	Control       float64   `json:"control"`
	Dt            float64   `json:"dt"`
	DtSign        float64   `json:"dt_sign"`
	RawDt         float64   `json:"raw_dt"`
	Direction     Direction `json:"direction"`
	Slot          string    `json:"slot,omitempty"`
	Generation    int       `json:"generation,omitempty"`
}

type Statistics struct {
	TotalSpores int `json:"total_spores"`
	TotalLinks  int `json:"total_links"`
}

// Document is the graph exchange format read by visualization and analysis tools.
type Document struct {
	Spores     []SporeEntry `json:"spores"`
	Links      []LinkEntry  `json:"links"`
	Statistics Statistics   `json:"statistics"`
}

// Export snapshots g. Spore indices start at 0 and link numbers at 1; in_links and
// out_links hold link numbers.
func Export(g *BufferGraph) Document {
	doc := Document{
		Spores: make([]SporeEntry, 0, g.NumNodes()),
		Links:  make([]LinkEntry, 0, g.NumLinks()),
	}
	numbers := make(map[string]int, g.NumLinks())
	for i, l := range g.Links() {
		numbers[l.ID] = i + 1
		doc.Links = append(doc.Links, LinkEntry{
			LinkNumber:    i + 1,
			LinkID:        l.ID,
			ParentSporeID: l.From,
			ChildSporeID:  l.To,
			Control:       l.Control,
			Dt:            l.Dt,
			DtSign:        l.DtSign,
			RawDt:         l.RawDt(),
			Direction:     l.Direction(),
			Slot:          l.Slot,
			Generation:    l.Generation,
		})
	}
	for i, n := range g.Nodes() {
		entry := SporeEntry{
			Index:    i,
			SporeID:  n.ID,
			Position: [2]float64(n.Position),
			IsGoal:   n.IsGoal,
			Exempt:   n.Exempt,
			InLinks:  []int{},
			OutLinks: []int{},
		}
		for _, l := range g.InLinks(n.ID) {
			entry.InLinks = append(entry.InLinks, numbers[l.ID])
		}
		for _, l := range g.OutLinks(n.ID) {
			entry.OutLinks = append(entry.OutLinks, numbers[l.ID])
		}
		doc.Spores = append(doc.Spores, entry)
	}
	doc.Statistics = Statistics{TotalSpores: len(doc.Spores), TotalLinks: len(doc.Links)}
	return doc
}

func (d Document) MarshalIndent() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

// ParseDocument reads an exported graph.
func ParseDocument(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("parse graph document: %w", err)
	}
	return doc, nil
}

// FromDocument rebuilds a graph from an export. Positions are taken as already
// deduplicated.
func FromDocument(doc Document, threshold float64, ids spore.IdAllocator) (*BufferGraph, error) {
	g := New(threshold, ids)
	for _, e := range doc.Spores {
		if _, dup := g.nodes[e.SporeID]; dup {
			return nil, fmt.Errorf("graph document: duplicate spore %s", e.SporeID)
		}
		n := &Node{
			ID:       e.SporeID,
			Position: dynamics.State(e.Position),
			Exempt:   e.Exempt || e.IsGoal,
			IsGoal:   e.IsGoal,
			Origins:  []string{e.SporeID},
		}
		g.nodes[n.ID] = n
		g.nodeOrder = append(g.nodeOrder, n.ID)
		g.index(n)
	}
	for _, e := range doc.Links {
		if _, dup := g.links[e.LinkID]; dup && e.LinkID != "" {
			return nil, fmt.Errorf("graph document: duplicate link %s", e.LinkID)
		}
		if _, err := g.AddLink(Link{
			ID:         e.LinkID,
			From:       e.ParentSporeID,
			To:         e.ChildSporeID,
			Control:    e.Control,
			Dt:         e.Dt,
			DtSign:     e.DtSign,
			Slot:       e.Slot,
			Generation: e.Generation,
		}); err != nil {
			return nil, fmt.Errorf("graph document: link %d: %w", e.LinkNumber, err)
		}
	}
	return g, nil
}

func WriteDocument(path string, doc Document) error {
	data, err := doc.MarshalIndent()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
