// Package mapper converts geometries to H3 cells.
package mapper

import (
	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/geosync/internal/core/model"
)

type Interface interface {
	CellsForGeometry(g orb.Geometry, res int) (model.Cells, error)
	ToParent(cell string, parentRes int) (string, error)
	Coarsen(cells model.Cells, res, maxCells int) (model.Cells, int, error)
}
