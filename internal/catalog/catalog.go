// Package catalog reads the replicated drug formulary from the local store.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-pod/internal/domain/entity"
	"github.com/drfirst/go-pod/internal/store"
)

// ErrDrugNotFound is returned when a drug id is not in the local formulary.
var ErrDrugNotFound = errors.New("drug not found")

// Catalog provides typed access to drugs and their dose regimens.
type Catalog struct {
	drugs    *store.Collection
	regimens *store.Collection
	logger   *zap.Logger
}

// New creates a catalog over a store backend.
func New(b store.Backend, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		drugs:    store.NewCollection(b, entity.KindDrug),
		regimens: store.NewCollection(b, entity.KindDoseRegimen),
		logger:   logger,
	}
}

// Drug loads a drug by id.
func (c *Catalog) Drug(ctx context.Context, id string) (entity.Drug, error) {
	row, err := c.drugs.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return entity.Drug{}, fmt.Errorf("%w: %s", ErrDrugNotFound, id)
	}
	if err != nil {
		return entity.Drug{}, fmt.Errorf("load drug %s: %w", id, err)
	}
	var d entity.Drug
	if err := store.Decode(row, &d); err != nil {
		return entity.Drug{}, err
	}
	return d, nil
}

// Regimens returns the regimens of a drug in the order they were first stored.
// Rows that no longer decode are logged and left out.
func (c *Catalog) Regimens(ctx context.Context, drugID string) ([]entity.DoseRegimen, error) {
	rows, err := c.regimens.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list regimens: %w", err)
	}
	var out []entity.DoseRegimen
	for _, row := range rows {
		var r entity.DoseRegimen
		if err := store.Decode(row, &r); err != nil {
			c.logger.Warn("skipping undecodable regimen", zap.String("id", row.ID), zap.Error(err))
			continue
		}
		if r.DrugID == drugID {
			out = append(out, r)
		}
	}
	return out, nil
}
