// Package elasticsearch implements store.Store on top of the official
// Elasticsearch client.
package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/utafrali/riverbulk/internal/domain"
	"github.com/utafrali/riverbulk/internal/store"
)

// Store is an Elasticsearch-backed implementation of store.Store.
type Store struct {
	client    *elasticsearch.Client
	writePool string
	logger    *slog.Logger
}

var _ store.Store = (*Store)(nil)

// Config configures the Elasticsearch connection.
type Config struct {
	Addresses []string
	Username  string
	Password  string
	// WritePool is the thread pool consulted for admission. Defaults to "write".
	WritePool string
}

// esErrorResponse is used to decode Elasticsearch error responses.
type esErrorResponse struct {
	Error struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
	Status int `json:"status"`
}

// esBulkItem is a single action result of a bulk response.
type esBulkItem struct {
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

// esBulkResponse is the structure used to decode Elasticsearch bulk responses.
type esBulkResponse struct {
	Took   int64                   `json:"took"`
	Errors bool                    `json:"errors"`
	Items  []map[string]esBulkItem `json:"items"`
}

type esNodesStatsResponse struct {
	Nodes map[string]struct {
		Name       string `json:"name"`
		ThreadPool map[string]struct {
			Threads int `json:"threads"`
			Active  int `json:"active"`
			Queue   int `json:"queue"`
		} `json:"thread_pool"`
	} `json:"nodes"`
}

type esAcknowledgedResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

// New creates a store connected to the given addresses.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("elasticsearch: failed to create client: %w", err)
	}

	pool := cfg.WritePool
	if pool == "" {
		pool = store.DefaultWritePool
	}
	return &Store{client: client, writePool: pool, logger: logger}, nil
}

// decodeError turns an error response into an error prefixed with op.
func decodeError(op string, res *esapi.Response) error {
	var errResp esErrorResponse
	if decErr := json.NewDecoder(res.Body).Decode(&errResp); decErr == nil && errResp.Error.Type != "" {
		return fmt.Errorf("elasticsearch %s: %s: %s", op, errResp.Error.Type, errResp.Error.Reason)
	}
	return fmt.Errorf("elasticsearch %s: unexpected status %s", op, res.Status())
}

// Ping checks whether the Elasticsearch cluster is reachable.
func (s *Store) Ping(ctx context.Context) error {
	res, err := s.client.Ping(s.client.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("elasticsearch ping: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return fmt.Errorf("elasticsearch ping: unexpected status %s", res.Status())
	}
	return nil
}

// SubmitBatch sends the batch through the bulk NDJSON API.
func (s *Store) SubmitBatch(ctx context.Context, index, typ string, batch domain.Batch) (*store.BulkResult, error) {
	if err := store.ValidateBatch(batch); err != nil {
		return nil, err
	}

	body, err := encodeBulk(index, batch)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch bulk: %w", err)
	}

	res, err := s.client.Bulk(
		bytes.NewReader(body),
		s.client.Bulk.WithIndex(index),
		s.client.Bulk.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch bulk: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return nil, decodeError("bulk", res)
	}

	var bulkResp esBulkResponse
	if err := json.NewDecoder(res.Body).Decode(&bulkResp); err != nil {
		return nil, fmt.Errorf("elasticsearch bulk: decode response: %w", err)
	}

	result := &store.BulkResult{
		TookMillis: bulkResp.Took,
		Items:      make([]store.ItemResult, 0, len(bulkResp.Items)),
	}
	for _, entry := range bulkResp.Items {
		for action, item := range entry {
			r := store.ItemResult{ID: item.ID, Action: action, Status: item.Status}
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
		slog.Bool("errors", bulkResp.Errors),
	)
	return result, nil
}

// encodeBulk renders the batch as action and source lines.
func encodeBulk(index string, batch domain.Batch) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)

	for _, op := range batch {
		meta := map[string]any{
			"_index": index,
			"_id":    op.ID,
		}
		if routing := op.EffectiveRouting(); routing != "" {
			meta["routing"] = routing
		}

		switch op.Kind {
		case domain.OpIndex:
			if err := enc.Encode(map[string]any{"index": meta}); err != nil {
				return nil, fmt.Errorf("encode action: %w", err)
			}
			if err := enc.Encode(op.Source); err != nil {
				return nil, fmt.Errorf("encode document %s: %w", op.ID, err)
			}
		case domain.OpDelete:
			if err := enc.Encode(map[string]any{"delete": meta}); err != nil {
				return nil, fmt.Errorf("encode action: %w", err)
			}
		default:
			return nil, store.ErrControlOperation
		}
	}
	return buf.Bytes(), nil
}

// ThreadPoolStats reads the write pool of every node. Nodes that do not
// report the configured pool are left out.
func (s *Store) ThreadPoolStats(ctx context.Context) ([]domain.NodeStats, error) {
	res, err := s.client.Nodes.Stats(
		s.client.Nodes.Stats.WithMetric("thread_pool"),
		s.client.Nodes.Stats.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch nodes stats: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return nil, decodeError("nodes stats", res)
	}

	var statsResp esNodesStatsResponse
	if err := json.NewDecoder(res.Body).Decode(&statsResp); err != nil {
		return nil, fmt.Errorf("elasticsearch nodes stats: decode response: %w", err)
	}

	nodes := make([]domain.NodeStats, 0, len(statsResp.Nodes))
	for id, node := range statsResp.Nodes {
		pool, ok := node.ThreadPool[s.writePool]
		if !ok {
			s.logger.WarnContext(ctx, "node does not report the write pool, ignoring it",
				slog.String("node", id),
				slog.String("pool", s.writePool),
			)
			continue
		}
		nodes = append(nodes, domain.NodeStats{
			NodeID:  id,
			Threads: pool.Threads,
			Active:  pool.Active,
		})
	}
	return nodes, nil
}

// Refresh makes prior writes to the index visible.
func (s *Store) Refresh(ctx context.Context, index string) error {
	res, err := s.client.Indices.Refresh(
		s.client.Indices.Refresh.WithIndex(index),
		s.client.Indices.Refresh.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("elasticsearch refresh: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return decodeError("refresh", res)
	}
	return nil
}

// GetMapping captures the mappings and the index settings needed to
// recreate the index. A missing index or an index without mappings
// returns nil.
func (s *Store) GetMapping(ctx context.Context, index, typ string) (*domain.Mapping, error) {
	res, err := s.client.Indices.GetMapping(
		s.client.Indices.GetMapping.WithIndex(index),
		s.client.Indices.GetMapping.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch get mapping: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if res.IsError() {
		return nil, decodeError("get mapping", res)
	}

	var mappingResp map[string]struct {
		Mappings map[string]any `json:"mappings"`
	}
	if err := json.NewDecoder(res.Body).Decode(&mappingResp); err != nil {
		return nil, fmt.Errorf("elasticsearch get mapping: decode response: %w", err)
	}
	entry, ok := mappingResp[index]
	if !ok || len(entry.Mappings) == 0 {
		return nil, nil
	}

	settings, err := s.indexSettings(ctx, index)
	if err != nil {
		return nil, err
	}

	return &domain.Mapping{
		Index:    index,
		Type:     typ,
		Source:   entry.Mappings,
		Settings: settings,
	}, nil
}

// indexSettings returns the static settings that a recreated index must carry.
func (s *Store) indexSettings(ctx context.Context, index string) (map[string]any, error) {
	res, err := s.client.Indices.GetSettings(
		s.client.Indices.GetSettings.WithIndex(index),
		s.client.Indices.GetSettings.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch get settings: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return nil, decodeError("get settings", res)
	}

	var settingsResp map[string]struct {
		Settings struct {
			Index map[string]any `json:"index"`
		} `json:"settings"`
	}
	if err := json.NewDecoder(res.Body).Decode(&settingsResp); err != nil {
		return nil, fmt.Errorf("elasticsearch get settings: decode response: %w", err)
	}
	return store.PortableSettings(settingsResp[index].Settings.Index), nil
}

// DeleteMapping deletes the index. Mapping types no longer exist, so the
// index is the unit that owns the mapping.
func (s *Store) DeleteMapping(ctx context.Context, index, typ string) (bool, error) {
	res, err := s.client.Indices.Delete(
		[]string{index},
		s.client.Indices.Delete.WithContext(ctx),
	)
	if err != nil {
		return false, fmt.Errorf("elasticsearch delete index: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if res.IsError() {
		return false, decodeError("delete index", res)
	}

	var ack esAcknowledgedResponse
	if err := json.NewDecoder(res.Body).Decode(&ack); err != nil {
		return false, fmt.Errorf("elasticsearch delete index: decode response: %w", err)
	}
	s.logger.Info("elasticsearch index deleted",
		slog.String("index", index),
		slog.String("type", typ),
		slog.Bool("acknowledged", ack.Acknowledged),
	)
	return ack.Acknowledged, nil
}

// PutMapping recreates the index with the captured mappings and settings.
func (s *Store) PutMapping(ctx context.Context, index, typ string, mapping *domain.Mapping) (bool, error) {
	if mapping == nil {
		return false, fmt.Errorf("elasticsearch create index %s: nil mapping", index)
	}

	body := map[string]any{"mappings": mapping.Source}
	if len(mapping.Settings) > 0 {
		body["settings"] = mapping.Settings
	}
	data, err := json.Marshal(body)
	if err != nil {
		return false, fmt.Errorf("elasticsearch create index: marshal body: %w", err)
	}

	res, err := s.client.Indices.Create(
		index,
		s.client.Indices.Create.WithBody(bytes.NewReader(data)),
		s.client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return false, fmt.Errorf("elasticsearch create index: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return false, decodeError("create index", res)
	}

	var ack esAcknowledgedResponse
	if err := json.NewDecoder(res.Body).Decode(&ack); err != nil {
		return false, fmt.Errorf("elasticsearch create index: decode response: %w", err)
	}
	s.logger.Info("elasticsearch index created",
		slog.String("index", index),
		slog.String("type", typ),
		slog.Bool("acknowledged", ack.Acknowledged),
	)
	return ack.Acknowledged, nil
}

// IndexDocument writes a single document under id.
func (s *Store) IndexDocument(ctx context.Context, index, id string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("elasticsearch index: marshal document: %w", err)
	}

	res, err := s.client.Index(
		index,
		bytes.NewReader(data),
		s.client.Index.WithDocumentID(id),
		s.client.Index.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("elasticsearch index: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return decodeError("index", res)
	}
	return nil
}
