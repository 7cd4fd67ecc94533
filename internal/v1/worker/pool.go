package worker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/meshdocs/meshdocs/internal/v1/api"
	"github.com/meshdocs/meshdocs/internal/v1/storage"
)

// Pool runs a fixed number of compactors against the shared task stream.
type Pool struct {
	compactors []*Compactor
}

// NewPool builds concurrency compactors with unique consumer names derived
// from the hostname, so stale claims are attributable to a process.
func NewPool(apiClient *api.Client, store storage.Storage, concurrency int,
	block, minLifetime, claimTTL time.Duration) *Pool {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = uuid.NewString()[:8]
	}

	compactors := make([]*Compactor, 0, concurrency)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", host, i)
		compactors = append(compactors,
			NewCompactor(apiClient, store, consumer, block, minLifetime, claimTTL))
	}
	return &Pool{compactors: compactors}
}

// Run blocks until ctx is cancelled and every compactor has drained out.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range p.compactors {
		c := c
		g.Go(func() error {
			return c.Run(ctx)
		})
	}
	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}
