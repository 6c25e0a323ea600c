// Package estimator guesses which compute product a job submitted directly to slurm corresponds to.
package estimator

import (
	"golang.org/x/exp/slices"

	"github.com/G-Research/slurm-provider/internal/slurm/model"
)

// Estimate is the product a scheduler job is registered as, and the owner it is registered for.
type Estimate struct {
	Product  model.Product
	Replicas int
	Account  model.AccountMapping
}

type Estimator struct {
	// Sorted by (cpu+gpu, memory, name, category).
	products []model.Product
}

func New(products []model.Product) *Estimator {
	sorted := slices.Clone(products)
	slices.SortFunc(sorted, less)
	return &Estimator{products: sorted}
}

func less(a, b model.Product) bool {
	if a.Cpu+a.Gpu != b.Cpu+b.Gpu {
		return a.Cpu+a.Gpu < b.Cpu+b.Gpu
	}
	if a.MemoryInGigs != b.MemoryInGigs {
		return a.MemoryInGigs < b.MemoryInGigs
	}
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	return a.Category < b.Category
}

// Estimate picks a product for row among the categories of candidates. A product matching the request
// exactly wins; otherwise the smallest product that is at least as large on every axis is used. ok is
// false if no product is large enough.
func (e *Estimator) Estimate(row model.AccountingRow, candidates []model.AccountMapping) (Estimate, bool) {
	accounts := make(map[string]model.AccountMapping, len(candidates))
	for _, c := range candidates {
		if _, exists := accounts[c.ProductCategory]; !exists {
			accounts[c.ProductCategory] = c
		}
	}

	memoryInGigs := int(row.MemoryRequestedMb / 1000)
	var bestFit *model.Product
	for i := range e.products {
		p := &e.products[i]
		if _, ok := accounts[p.Category]; !ok {
			continue
		}
		if p.Cpu == row.CpusRequested && p.MemoryInGigs == memoryInGigs && p.Gpu == row.GpusRequested {
			return Estimate{
				Product:  *p,
				Replicas: atLeastOne(row.NodesRequested),
				Account:  accounts[p.Category],
			}, true
		}
		if bestFit == nil && fits(*p, row) {
			bestFit = p
		}
	}
	if bestFit == nil {
		return Estimate{}, false
	}

	multiplier := float64(row.CpusRequested) / float64(bestFit.Cpu)
	return Estimate{
		Product:  *bestFit,
		Replicas: atLeastOne(int(multiplier * float64(row.NodesRequested))),
		Account:  accounts[bestFit.Category],
	}, true
}

func fits(p model.Product, row model.AccountingRow) bool {
	return p.Cpu >= row.CpusRequested &&
		int64(p.MemoryInGigs)*1000 >= row.MemoryRequestedMb &&
		p.Gpu >= row.GpusRequested
}

func atLeastOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
