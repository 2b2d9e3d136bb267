package kiln

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// RunOptions controls a full build invocation.
type RunOptions struct {
	// Jobs above 1 builds independent groups of recipes concurrently,
	// preparing up to Jobs sources at once.
	Jobs int
	// ManifestPath is where the version manifest is written. Empty skips
	// writing.
	ManifestPath string
	// Report appends the sources section to the manifest.
	Report bool
}

// Run resolves root, builds its closure and writes the manifest. The
// manifest is only written when every recipe built successfully.
func Run(ctx context.Context, set *RecipeSet, root string, bc *BuildContext, b *Builder, opts RunOptions) (*Manifest, error) {
	order, err := Resolve(set, root)
	if err != nil {
		return nil, err
	}

	if opts.Jobs > 1 {
		err = buildParallel(ctx, b, bc, order, opts.Jobs)
	} else {
		err = buildSequential(ctx, b, bc, order)
	}
	if err != nil {
		return nil, err
	}

	m := NewManifest(bc, order, opts.Report)
	if opts.ManifestPath != "" {
		if err := WriteManifest(opts.ManifestPath, m); err != nil {
			return nil, err
		}
		status(b.Out, "Wrote manifest %s", opts.ManifestPath)
	}
	return m, nil
}

func buildSequential(ctx context.Context, b *Builder, bc *BuildContext, order []*Recipe) error {
	isCriticalAtomic.Store(1)
	defer isCriticalAtomic.Store(0)

	for _, r := range order {
		if err := b.Build(ctx, bc, r); err != nil {
			return err
		}
	}
	return nil
}

// buildParallel runs every independent group of order in its own
// goroutine. At most jobs sources are fetched and unpacked at once, and
// steps run one recipe at a time in resolved order, so a path written by
// two recipes ends up with the later recipe's content. The project recipe
// depends on everything, so it is held back until every group is done.
func buildParallel(ctx context.Context, b *Builder, bc *BuildContext, order []*Recipe, jobs int) error {
	isCriticalAtomic.Store(1)
	defer isCriticalAtomic.Store(0)

	body := order
	var tail []*Recipe
	if n := len(order); n > 0 && order[n-1].Name == bc.Project {
		body, tail = order[:n-1], order[n-1:]
	}

	turns := make(map[string]int, len(body))
	for i, r := range body {
		turns[r.Name] = i
	}
	sched := newSchedule(len(body), jobs)

	groups := Partition(body)
	debugf("building %d groups, preparing up to %d sources at once\n", len(groups), jobs)

	g, gctx := errgroup.WithContext(ctx)
	for _, group := range groups {
		group := group
		g.Go(func() error {
			for _, r := range group {
				if err := b.Build(gctx, bc.scheduled(sched, turns[r.Name]), r); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, r := range tail {
		if err := b.Build(ctx, bc, r); err != nil {
			return err
		}
	}
	return nil
}

// schedule coordinates the recipes of a parallel build. A nil schedule
// imposes nothing.
type schedule struct {
	slots chan struct{}
	done  []chan struct{}
	once  []sync.Once
}

func newSchedule(n, jobs int) *schedule {
	s := &schedule{
		slots: make(chan struct{}, jobs),
		done:  make([]chan struct{}, n),
		once:  make([]sync.Once, n),
	}
	for i := range s.done {
		s.done[i] = make(chan struct{})
	}
	return s
}

// acquire takes one of the source preparation slots.
func (s *schedule) acquire(ctx context.Context) (func(), error) {
	if s == nil {
		return func() {}, nil
	}
	select {
	case s.slots <- struct{}{}:
		return func() { <-s.slots }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// wait blocks until the recipe before turn has finished its steps.
func (s *schedule) wait(ctx context.Context, turn int) error {
	if s == nil || turn == 0 {
		return nil
	}
	select {
	case <-s.done[turn-1]:
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish lets the recipe after turn run its steps.
func (s *schedule) finish(turn int) {
	if s == nil {
		return
	}
	s.once[turn].Do(func() { close(s.done[turn]) })
}

// pass waits for turn and hands it on without doing anything.
func (s *schedule) pass(ctx context.Context, turn int) error {
	if err := s.wait(ctx, turn); err != nil {
		return err
	}
	s.finish(turn)
	return nil
}
