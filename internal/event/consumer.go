package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/utafrali/riverbulk/internal/bulk"
	pkgkafka "github.com/utafrali/riverbulk/pkg/kafka"
	"github.com/utafrali/riverbulk/pkg/logger"
	"github.com/utafrali/riverbulk/pkg/validator"
)

// Change feed event types consumed by the river.
const (
	TypeDocumentIndexed   = "river.document.indexed"
	TypeDocumentUpdated   = "river.document.updated"
	TypeDocumentDeleted   = "river.document.deleted"
	TypeCollectionDropped = "river.collection.dropped"
)

// DocumentEventData is the payload of the document events. Index and Type
// fall back to the river defaults when empty. Source is required for indexed
// and updated events; the coordinator rejects index operations without one.
type DocumentEventData struct {
	Index   string         `json:"index,omitempty"`
	Type    string         `json:"type,omitempty"`
	ID      string         `json:"id" validate:"required"`
	Source  map[string]any `json:"source"`
	Routing string         `json:"routing,omitempty"`
	Parent  string         `json:"parent,omitempty"`
}

// CollectionDroppedData is the payload of a collection.dropped event.
type CollectionDroppedData struct {
	Index string `json:"index,omitempty"`
	Type  string `json:"type,omitempty"`
}

// Coordinators resolves the coordinator of an index/type pair.
type Coordinators interface {
	Get(index, typ string) (*bulk.Coordinator, error)
}

// Consumer turns change feed events into bulk operations.
type Consumer struct {
	coordinators Coordinators
	defaultIndex string
	defaultType  string
	logger       *slog.Logger
}

// NewConsumer creates a new change feed consumer.
func NewConsumer(coordinators Coordinators, defaultIndex, defaultType string, logger *slog.Logger) *Consumer {
	return &Consumer{
		coordinators: coordinators,
		defaultIndex: defaultIndex,
		defaultType:  defaultType,
		logger:       logger,
	}
}

// Handle processes a Kafka event based on its type.
func (c *Consumer) Handle(ctx context.Context, event *pkgkafka.Event) error {
	switch event.EventType {
	case TypeDocumentIndexed, TypeDocumentUpdated, TypeDocumentDeleted:
		return c.handleDocument(ctx, event)
	case TypeCollectionDropped:
		return c.handleCollectionDropped(ctx, event)
	default:
		c.logger.WarnContext(ctx, "unknown event type received",
			slog.String("event_type", event.EventType),
			slog.String("event_id", event.EventID),
		)
		return nil
	}
}

func (c *Consumer) target(index, typ string) (string, string) {
	if index == "" {
		index = c.defaultIndex
	}
	if typ == "" {
		typ = c.defaultType
	}
	return index, typ
}

func (c *Consumer) handleDocument(ctx context.Context, event *pkgkafka.Event) error {
	var data DocumentEventData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return fmt.Errorf("unmarshal %s data: %w", event.EventType, err)
	}
	if err := validator.Validate(data); err != nil {
		// A malformed payload never becomes valid on retry.
		c.logger.WarnContext(ctx, "dropping invalid document event",
			slog.String("event_type", event.EventType),
			slog.String("event_id", event.EventID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	index, typ := c.target(data.Index, data.Type)
	coord, err := c.coordinators.Get(index, typ)
	if err != nil {
		return fmt.Errorf("resolve coordinator %s/%s: %w", index, typ, err)
	}

	switch event.EventType {
	case TypeDocumentIndexed:
		err = coord.AddIndexOperation(data.ID, data.Source, data.Routing, data.Parent)
	case TypeDocumentUpdated:
		err = coord.UpdateIndexOperation(data.ID, data.Source, data.Routing, data.Parent)
	case TypeDocumentDeleted:
		err = coord.AddDeleteOperation(data.ID, data.Routing, data.Parent)
	}
	var valErr *validator.ValidationError
	if errors.As(err, &valErr) {
		c.logger.WarnContext(ctx, "dropping invalid document event",
			slog.String("event_type", event.EventType),
			slog.String("event_id", event.EventID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("queue %s for %s/%s: %w", event.EventType, index, typ, err)
	}

	c.logger.Log(ctx, logger.LevelTrace, "queued document operation",
		slog.String("event_type", event.EventType),
		slog.String("index", index),
		slog.String("type", typ),
		slog.String("id", data.ID),
	)
	return nil
}

// handleCollectionDropped queues a full reindex of the target.
func (c *Consumer) handleCollectionDropped(ctx context.Context, event *pkgkafka.Event) error {
	var data CollectionDroppedData
	if len(event.Data) > 0 {
		if err := json.Unmarshal(event.Data, &data); err != nil {
			return fmt.Errorf("unmarshal %s data: %w", event.EventType, err)
		}
	}

	index, typ := c.target(data.Index, data.Type)
	coord, err := c.coordinators.Get(index, typ)
	if err != nil {
		return fmt.Errorf("resolve coordinator %s/%s: %w", index, typ, err)
	}
	if err := coord.TriggerFullReindex(); err != nil {
		return fmt.Errorf("trigger reindex for %s/%s: %w", index, typ, err)
	}

	c.logger.InfoContext(ctx, "collection dropped, full reindex queued",
		slog.String("index", index),
		slog.String("type", typ),
		slog.String("event_id", event.EventID),
	)
	return nil
}
