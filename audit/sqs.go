package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/hoistsec/hoist/types"
)

// SQSAPI is the subset of the SQS client the sink uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSSink delivers audit events to an SQS queue. The event id rides
// along as a message attribute so downstream consumers can deduplicate.
type SQSSink struct {
	client   SQSAPI
	queueURL string
}

// NewSQSSink creates a sink writing to the given queue.
func NewSQSSink(client SQSAPI, queueURL string) *SQSSink {
	return &SQSSink{client: client, queueURL: queueURL}
}

// Write implements Sink.
func (s *SQSSink) Write(ctx context.Context, event types.AuditEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"event_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.ID),
			},
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.Type),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send audit event %s: %w", event.ID, err)
	}
	return nil
}

// Close implements Sink.
func (s *SQSSink) Close() error {
	return nil
}
