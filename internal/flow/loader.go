package flow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"msggw/internal/store"
)

// Docs supplies a tenant's active flow documents in list order.
type Docs interface {
	ActiveFlowDocs(ctx context.Context, tenantID string) ([]store.FlowDoc, error)
}

// StoreLoader decodes flow documents into executable graphs, caching each
// decode keyed by the document's UpdatedAt so edits take effect on the next
// message without re-parsing per event.
type StoreLoader struct {
	Docs Docs

	mu    sync.Mutex
	cache map[string]cachedGraph
}

type cachedGraph struct {
	updatedAt time.Time
	graph     *Graph
}

func NewStoreLoader(docs Docs) *StoreLoader {
	return &StoreLoader{Docs: docs, cache: make(map[string]cachedGraph)}
}

func (l *StoreLoader) ActiveFlows(ctx context.Context, tenantID string) ([]*Graph, error) {
	docs, err := l.Docs.ActiveFlowDocs(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Graph, 0, len(docs))
	for _, d := range docs {
		if c, ok := l.cache[d.ID]; ok && c.updatedAt.Equal(d.UpdatedAt) {
			out = append(out, c.graph)
			continue
		}
		g, err := Decode(d.ID, d.TenantID, d.Name, d.IsActive, d.Definition)
		if err != nil {
			// a broken flow must not take the tenant's other flows down
			slog.Error("flow decode failed", "err", err, "flow_id", d.ID, "tenant_id", d.TenantID)
			continue
		}
		l.cache[d.ID] = cachedGraph{updatedAt: d.UpdatedAt, graph: g}
		out = append(out, g)
	}
	return out, nil
}
