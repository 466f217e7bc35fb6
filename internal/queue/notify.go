// Package queue provides the SQS producer for billing notification events.
// Events are advisory: the downstream notification system renders them into
// user-facing messages, and publish failures never roll back the economic
// transaction that produced them.
package queue

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"coinbank/internal/config"
	"coinbank/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code passes the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// BillingEventPublisher sends BillingEvents to the notification queue. It
// implements the EventPublisher interfaces in the economy and billing
// packages.
type BillingEventPublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewBillingEventPublisher creates a publisher for the configured queue.
func NewBillingEventPublisher(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *BillingEventPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &BillingEventPublisher{
		client:   client,
		queueURL: awsCfg.NotificationQueue,
		logger:   logger,
	}
}

// Publish serializes the event and sends it. The event type rides along as a
// message attribute so consumers can filter without decoding the body.
func (p *BillingEventPublisher) Publish(ctx context.Context, event types.BillingEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to encode billing event", err)
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(event.Type)),
			},
		},
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamQueue,
			"failed to publish billing event", err)
	}

	p.logger.DebugContext(ctx, "billing event published",
		slog.String("event_id", event.EventID),
		slog.String("type", string(event.Type)),
		slog.String("user_id", event.UserID))
	return nil
}
