// Package classify decides which data-layout family an application belongs
// to.
//
// Evidence is gathered by an ordered list of strategies, cheapest and most
// certain first. The first strategy that recognises the application wins;
// an application no strategy recognises is FamilyUnknown.
package classify

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/BrowserMover/internal/domain/catalog"
	"github.com/GriffinCanCode/BrowserMover/internal/domain/discovery"
	"github.com/GriffinCanCode/BrowserMover/internal/executor"
	"github.com/GriffinCanCode/BrowserMover/internal/shared/types"
)

// Strategy is one tier of classification evidence.
type Strategy interface {
	Name() string
	// Classify returns the family and true when the strategy recognises
	// id, or false to defer to the next tier.
	Classify(ctx context.Context, id string) (types.Family, bool)
}

// Verdict is a classification together with the tier that produced it.
type Verdict struct {
	Family   types.Family `json:"family"`
	Strategy string       `json:"strategy,omitempty"`
}

// Classifier runs strategies in order.
type Classifier struct {
	catalog    *catalog.Catalog
	strategies []Strategy
	logger     *zap.Logger
}

// New creates a classifier with the standard tiers: allow-list, native
// libraries, data-directory markers, then name heuristics.
func New(cat *catalog.Catalog, exec executor.Executor, resolver discovery.Resolver, roots RootFunc, logger *zap.Logger) *Classifier {
	return NewWithStrategies(cat, logger,
		AllowList{Catalog: cat},
		NativeLibraries{Catalog: cat, Resolver: resolver},
		DataMarkers{Catalog: cat, Exec: exec, Roots: roots},
		NameHeuristic{Catalog: cat, Resolver: resolver},
	)
}

// NewWithStrategies creates a classifier over an explicit strategy list.
func NewWithStrategies(cat *catalog.Catalog, logger *zap.Logger, strategies ...Strategy) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{catalog: cat, strategies: strategies, logger: logger.Named("classify")}
}

// Classify returns the family of id.
func (c *Classifier) Classify(ctx context.Context, id string) types.Family {
	return c.ClassifyDetailed(ctx, id).Family
}

// ClassifyDetailed returns the family of id and the strategy that decided it.
func (c *Classifier) ClassifyDetailed(ctx context.Context, id string) Verdict {
	// Engine components ship browser libraries but never hold a profile.
	if c.catalog.IsNonBrowser(id) {
		return Verdict{Family: types.FamilyUnknown, Strategy: "non-browser"}
	}
	for _, s := range c.strategies {
		if ctx.Err() != nil {
			break
		}
		if family, ok := s.Classify(ctx, id); ok && family.Known() {
			c.logger.Debug("Classified application",
				zap.String("id", id),
				zap.String("family", family.String()),
				zap.String("strategy", s.Name()),
			)
			return Verdict{Family: family, Strategy: s.Name()}
		}
	}
	return Verdict{Family: types.FamilyUnknown}
}

// ClassifyPair classifies both applications concurrently.
func (c *Classifier) ClassifyPair(ctx context.Context, source, target string) (Verdict, Verdict) {
	var src, dst Verdict
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		src = c.ClassifyDetailed(gctx, source)
		return nil
	})
	g.Go(func() error {
		dst = c.ClassifyDetailed(gctx, target)
		return nil
	})
	_ = g.Wait()
	return src, dst
}
