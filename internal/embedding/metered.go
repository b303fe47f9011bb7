package embedding

import (
	"context"
	"time"

	"github.com/scribelab/corrigenda/internal/domain"
	"github.com/scribelab/corrigenda/internal/observe"
)

// MeteredClient decorates an EmbeddingClient with latency and failure
// metrics. Both providers go through it, so embed latency stays comparable
// when the provider changes.
type MeteredClient struct {
	inner   domain.EmbeddingClient
	metrics *observe.Metrics
}

var _ domain.EmbeddingClient = (*MeteredClient)(nil)

// Metered wraps client with metric recording. A nil metrics returns the
// client unchanged.
func Metered(client domain.EmbeddingClient, metrics *observe.Metrics) domain.EmbeddingClient {
	if metrics == nil {
		return client
	}
	return &MeteredClient{inner: client, metrics: metrics}
}

func (c *MeteredClient) Embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	vec, err := c.inner.Embed(ctx, text)
	c.record(ctx, start, err)
	return vec, err
}

func (c *MeteredClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	vecs, err := c.inner.EmbedBatch(ctx, texts)
	c.record(ctx, start, err)
	return vecs, err
}

func (c *MeteredClient) record(ctx context.Context, start time.Time, err error) {
	c.metrics.EmbedDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		c.metrics.EmbedErrors.Add(ctx, 1)
	}
}
