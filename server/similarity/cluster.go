package similarity

import (
	"context"

	"github.com/pkg/errors"

	"github.com/hrygo/memosense/plugin/ai/cluster"
	"github.com/hrygo/memosense/plugin/ai/vector"
	"github.com/hrygo/memosense/store"
)

// ClusterSources 按来源聚类
// Each source is represented by the normalized centroid of its chunk vectors.
func (e *Engine) ClusterSources(ctx context.Context, maxK int, opts ...cluster.Option) ([]cluster.Cluster, error) {
	records, err := e.store.ListEmbeddings(ctx, &store.FindEmbedding{})
	if err != nil {
		return nil, err
	}

	bySource := map[string][][]float32{}
	order := []string{}
	for _, record := range records {
		if _, ok := bySource[record.SourceID]; !ok {
			order = append(order, record.SourceID)
		}
		bySource[record.SourceID] = append(bySource[record.SourceID], record.Vector)
	}

	items := make([]cluster.Item, 0, len(order))
	for _, sourceID := range order {
		centroid, err := vector.Centroid(bySource[sourceID])
		if err != nil {
			return nil, errors.Wrapf(err, "centroid of %s", sourceID)
		}
		items = append(items, cluster.Item{ID: sourceID, Vector: centroid})
	}
	return cluster.KMeans(items, maxK, opts...)
}
