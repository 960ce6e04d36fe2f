// Package stream relays DynamoDB Streams records of the items table to canopy
// servers as change events, so observers see writes made by any process.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/canopy/event"
	"github.com/jacentio/canopy/internal/metrics"
	"github.com/jacentio/canopy/store/dynamo"
)

// errSkip marks records that carry no change event.
var errSkip = errors.New("skip record")

// Publisher delivers relayed events.
type Publisher interface {
	Publish(ctx context.Context, e event.Event) error
}

// Handler converts DynamoDB stream records into change events.
type Handler struct {
	pub       Publisher
	counterID int64
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewHandler creates a new stream handler. counterID is the id of the table's
// sequence row, which is never relayed.
func NewHandler(pub Publisher, counterID int64, logger *slog.Logger, m *metrics.Metrics) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		pub:       pub,
		counterID: counterID,
		logger:    logger,
		metrics:   m,
	}
}

// HandleRecords publishes one event per INSERT, MODIFY and REMOVE record, in
// record order. Malformed records are logged and skipped. A publish failure
// aborts the batch so Lambda retries it; events already published are delivered
// again, which observers apply idempotently.
// This function is designed to be used as an AWS Lambda handler.
func (h *Handler) HandleRecords(ctx context.Context, ev events.DynamoDBEvent) error {
	for _, record := range ev.Records {
		e, err := h.convert(record)
		if errors.Is(err, errSkip) {
			h.metrics.RelayRecord("skipped")
			continue
		}
		if err != nil {
			h.metrics.RelayRecord("malformed")
			h.logger.Warn("skipping malformed record",
				"eventID", record.EventID,
				"eventName", record.EventName,
				"error", err,
			)
			continue
		}

		if err := h.pub.Publish(ctx, e); err != nil {
			h.metrics.RelayRecord("failed")
			h.logger.Error("failed to publish record",
				"eventID", record.EventID,
				"error", err,
			)
			return fmt.Errorf("publish %s: %w", record.EventID, err) // Will retry, eventually DLQ
		}
		h.metrics.RelayRecord("published")
		h.logger.Debug("record relayed",
			"eventID", record.EventID,
			"type", e.Type,
		)
	}
	return nil
}

// convert maps one stream record to its change event.
func (h *Handler) convert(record events.DynamoDBEventRecord) (event.Event, error) {
	id, ok := getNumberAttr(record.Change.Keys, "id")
	if !ok {
		return event.Event{}, errors.New("record key has no numeric id")
	}
	if id == h.counterID {
		return event.Event{}, errSkip
	}

	switch record.EventName {
	case "INSERT", "MODIFY":
		if len(record.Change.NewImage) == 0 {
			return event.Event{}, errors.New("record has no new image; enable NEW_AND_OLD_IMAGES")
		}
		item, err := dynamo.DecodeItem(ConvertImage(record.Change.NewImage))
		if err != nil {
			return event.Event{}, err
		}
		if record.EventName == "INSERT" {
			return event.Added(item), nil
		}
		if len(record.Change.OldImage) > 0 {
			if old, err := dynamo.DecodeItem(ConvertImage(record.Change.OldImage)); err == nil && old.Equal(item) {
				return event.Event{}, errSkip
			}
		}
		return event.Updated(item), nil
	case "REMOVE":
		return event.Removed(id), nil
	default:
		return event.Event{}, errSkip
	}
}

// getNumberAttr extracts a number attribute from a DynamoDB stream image.
func getNumberAttr(image map[string]events.DynamoDBAttributeValue, key string) (int64, bool) {
	v, ok := image[key]
	if !ok || v.DataType() != events.DataTypeNumber {
		return 0, false
	}
	n, err := strconv.ParseInt(v.Number(), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ConvertImage converts a DynamoDB stream image to SDK attribute values.
// Attribute types the items table never stores are dropped.
func ConvertImage(image map[string]events.DynamoDBAttributeValue) map[string]types.AttributeValue {
	result := make(map[string]types.AttributeValue, len(image))
	for k, v := range image {
		switch v.DataType() {
		case events.DataTypeString:
			result[k] = &types.AttributeValueMemberS{Value: v.String()}
		case events.DataTypeNumber:
			result[k] = &types.AttributeValueMemberN{Value: v.Number()}
		case events.DataTypeBinary:
			result[k] = &types.AttributeValueMemberB{Value: v.Binary()}
		case events.DataTypeBoolean:
			result[k] = &types.AttributeValueMemberBOOL{Value: v.Boolean()}
		case events.DataTypeNull:
			result[k] = &types.AttributeValueMemberNULL{Value: true}
		}
	}
	return result
}
