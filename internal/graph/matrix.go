package graph

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// LinkMatrix is a square table indexed by export order. Cell [i][j] describes
// the step from spore i to spore j as "control dt". Every link appears twice: in
// its stored orientation and reversed, with the same control and negated time.
type LinkMatrix struct {
	SporeIDs []string
	Cells    [][]string
}

func BuildLinkMatrix(g *BufferGraph) LinkMatrix {
	nodes := g.Nodes()
	index := make(map[string]int, len(nodes))
	m := LinkMatrix{
		SporeIDs: make([]string, len(nodes)),
		Cells:    make([][]string, len(nodes)),
	}
	for i, n := range nodes {
		index[n.ID] = i
		m.SporeIDs[i] = n.ID
		m.Cells[i] = make([]string, len(nodes))
	}
	for _, l := range g.Links() {
		for _, dir := range []Direction{Forward, Backward} {
			step := l.Traverse(dir)
			from, okFrom := index[step.From]
			to, okTo := index[step.To]
			if !okFrom || !okTo {
				continue
			}
			m.Cells[from][to] = formatStep(step)
		}
	}
	return m
}

func formatStep(s Step) string {
	control := strconv.FormatFloat(s.Control, 'g', -1, 64)
	if s.Control >= 0 {
		control = "+" + control
	}
	return fmt.Sprintf("%s %+.3f", control, s.Dt)
}

// WriteCSV writes a header row of 1-based spore numbers followed by one row per
// spore.
func (m LinkMatrix) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	header := make([]string, 0, len(m.SporeIDs)+1)
	header = append(header, "")
	for i := range m.SporeIDs {
		header = append(header, strconv.Itoa(i+1))
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for i, row := range m.Cells {
		record := make([]string, 0, len(row)+1)
		record = append(record, strconv.Itoa(i+1))
		record = append(record, row...)
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
