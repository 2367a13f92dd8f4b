// Package opensearch implements store.Store for OpenSearch clusters.
package opensearch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/disaster37/opensearch/v2"

	"github.com/utafrali/riverbulk/internal/domain"
	"github.com/utafrali/riverbulk/internal/store"
)

// Config configures the OpenSearch connection.
type Config struct {
	URL         string
	Username    string
	Password    string
	Sniff       bool
	Healthcheck bool
	// WritePool is the thread pool consulted for admission. Defaults to "write".
	WritePool string
}

// Store is an OpenSearch-backed implementation of store.Store.
type Store struct {
	client    *opensearch.Client
	url       string
	writePool string
	logger    *slog.Logger
}

var _ store.Store = (*Store)(nil)

// New creates a store connected to cfg.URL.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	options := []opensearch.ClientOptionFunc{
		opensearch.SetURL(cfg.URL),
		opensearch.SetSniff(cfg.Sniff),
		opensearch.SetHealthcheck(cfg.Healthcheck),
	}
	if cfg.Username != "" {
		options = append(options, opensearch.SetBasicAuth(cfg.Username, cfg.Password))
	}

	client, err := opensearch.NewClient(options...)
	if err != nil {
		return nil, fmt.Errorf("opensearch: failed to create client: %w", err)
	}

	pool := cfg.WritePool
	if pool == "" {
		pool = store.DefaultWritePool
	}
	return &Store{client: client, url: cfg.URL, writePool: pool, logger: logger}, nil
}

// Ping checks whether the cluster answers on the configured URL.
func (s *Store) Ping(ctx context.Context) error {
	_, code, err := s.client.Ping(s.url).Do(ctx)
	if err != nil {
		return fmt.Errorf("opensearch ping: %w", err)
	}
	if code >= 300 {
		return fmt.Errorf("opensearch ping: unexpected status %d", code)
	}
	return nil
}

// SubmitBatch sends the batch as one bulk request.
func (s *Store) SubmitBatch(ctx context.Context, index, typ string, batch domain.Batch) (*store.BulkResult, error) {
	if err := store.ValidateBatch(batch); err != nil {
		return nil, err
	}

	bulk := s.client.Bulk().Index(index)
	for _, op := range batch {
		switch op.Kind {
		case domain.OpIndex:
			req := opensearch.NewBulkIndexRequest().Index(index).Id(op.ID).Doc(op.Source)
			if routing := op.EffectiveRouting(); routing != "" {
				req.Routing(routing)
			}
			bulk.Add(req)
		case domain.OpDelete:
			req := opensearch.NewBulkDeleteRequest().Index(index).Id(op.ID)
			if routing := op.EffectiveRouting(); routing != "" {
				req.Routing(routing)
			}
			bulk.Add(req)
		}
	}

	resp, err := bulk.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("opensearch bulk: %w", err)
	}

	result := &store.BulkResult{
		TookMillis: int64(resp.Took),
		Items:      make([]store.ItemResult, 0, len(resp.Items)),
	}
	for _, entry := range resp.Items {
		for action, item := range entry {
			if item == nil {
				continue
			}
			r := store.ItemResult{ID: item.Id, Action: action, Status: item.Status}
			if item.Error != nil {
				r.Error = item.Error.Type + ": " + item.Error.Reason
			}
			result.Items = append(result.Items, r)
		}
	}

	s.logger.Debug("bulk request executed",
		slog.String("index", index),
		slog.String("type", typ),
		slog.Int("items", len(result.Items)),
		slog.Bool("errors", resp.Errors),
	)
	return result, nil
}

// ThreadPoolStats reads the write pool of every node. Nodes that do not
// report the configured pool are left out.
func (s *Store) ThreadPoolStats(ctx context.Context) ([]domain.NodeStats, error) {
	resp, err := s.client.NodesStats().Metric("thread_pool").Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("opensearch nodes stats: %w", err)
	}

	nodes := make([]domain.NodeStats, 0, len(resp.Nodes))
	for id, node := range resp.Nodes {
		if node == nil || node.ThreadPool[s.writePool] == nil {
			s.logger.WarnContext(ctx, "node does not report the write pool, ignoring it",
				slog.String("node", id),
				slog.String("pool", s.writePool),
			)
			continue
		}
		pool := node.ThreadPool[s.writePool]
		nodes = append(nodes, domain.NodeStats{NodeID: id, Threads: pool.Threads, Active: pool.Active})
	}
	return nodes, nil
}

// Refresh makes prior writes to the index visible.
func (s *Store) Refresh(ctx context.Context, index string) error {
	if _, err := s.client.Refresh(index).Do(ctx); err != nil {
		return fmt.Errorf("opensearch refresh: %w", err)
	}
	return nil
}

// GetMapping captures the mappings and portable settings of the index.
// A missing index or one without mappings returns nil.
func (s *Store) GetMapping(ctx context.Context, index, typ string) (*domain.Mapping, error) {
	resp, err := s.client.GetMapping().Index(index).Do(ctx)
	if err != nil {
		if opensearch.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opensearch get mapping: %w", err)
	}

	entry, _ := resp[index].(map[string]any)
	mappings, _ := entry["mappings"].(map[string]any)
	if len(mappings) == 0 {
		return nil, nil
	}

	settingsResp, err := s.client.IndexGetSettings(index).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("opensearch get settings: %w", err)
	}
	var settings map[string]any
	if res, ok := settingsResp[index]; ok && res != nil {
		indexSettings, _ := res.Settings["index"].(map[string]any)
		settings = store.PortableSettings(indexSettings)
	}

	return &domain.Mapping{
		Index:    index,
		Type:     typ,
		Source:   mappings,
		Settings: settings,
	}, nil
}

// DeleteMapping deletes the index that owns the mapping.
func (s *Store) DeleteMapping(ctx context.Context, index, typ string) (bool, error) {
	resp, err := s.client.DeleteIndex(index).Do(ctx)
	if err != nil {
		if opensearch.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("opensearch delete index: %w", err)
	}
	s.logger.Info("opensearch index deleted",
		slog.String("index", index),
		slog.String("type", typ),
		slog.Bool("acknowledged", resp.Acknowledged),
	)
	return resp.Acknowledged, nil
}

// PutMapping recreates the index with the captured mappings and settings.
func (s *Store) PutMapping(ctx context.Context, index, typ string, mapping *domain.Mapping) (bool, error) {
	if mapping == nil {
		return false, fmt.Errorf("opensearch create index %s: nil mapping", index)
	}

	body := map[string]any{"mappings": mapping.Source}
	if len(mapping.Settings) > 0 {
		body["settings"] = mapping.Settings
	}

	resp, err := s.client.CreateIndex(index).BodyJson(body).Do(ctx)
	if err != nil {
		return false, fmt.Errorf("opensearch create index: %w", err)
	}
	s.logger.Info("opensearch index created",
		slog.String("index", index),
		slog.String("type", typ),
		slog.Bool("acknowledged", resp.Acknowledged),
	)
	return resp.Acknowledged, nil
}

// IndexDocument writes a single document under id.
func (s *Store) IndexDocument(ctx context.Context, index, id string, doc any) error {
	resp, err := s.client.Index().Index(index).Id(id).BodyJson(doc).Do(ctx)
	if err != nil {
		return fmt.Errorf("opensearch index: %w", err)
	}
	if resp.Result != "created" && resp.Result != "updated" {
		return fmt.Errorf("opensearch index: unexpected result %q", resp.Result)
	}
	return nil
}
