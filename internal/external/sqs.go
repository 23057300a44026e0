package external

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"sesrelay/internal/types"
)

// SQS caps a single ReceiveMessage call.
const (
	sqsMaxBatch   = 10
	sqsMaxWaitSec = 20
)

// SQSAPI defines the subset of the SQS client used by SQSQueue.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// SQSQueue implements types.Queue for one queue URL.
type SQSQueue struct {
	api      SQSAPI
	queueURL string
}

// NewSQSQueue creates an SQSQueue from an AWS config. A non-empty region
// overrides the region in awsCfg.
func NewSQSQueue(awsCfg aws.Config, queueURL, region string) *SQSQueue {
	return &SQSQueue{
		api: sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if region != "" {
				o.Region = region
			}
		}),
		queueURL: queueURL,
	}
}

// NewSQSQueueWithAPI creates an SQSQueue with a pre-configured API.
func NewSQSQueueWithAPI(api SQSAPI, queueURL string) *SQSQueue {
	return &SQSQueue{api: api, queueURL: queueURL}
}

// ReceiveBatch long-polls the queue. maxMessages and wait are clamped to the
// SQS limits.
func (q *SQSQueue) ReceiveBatch(ctx context.Context, maxMessages int, wait time.Duration) ([]types.QueueMessage, error) {
	maxMessages = min(max(maxMessages, 1), sqsMaxBatch)
	waitSec := min(max(int32(wait/time.Second), 0), sqsMaxWaitSec)

	out, err := q.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: int32(maxMessages),
		WaitTimeSeconds:     waitSec,
	})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamQueue,
			fmt.Sprintf("failed to receive from %s", q.queueURL), err)
	}

	msgs := make([]types.QueueMessage, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, types.QueueMessage{
			MessageID:     aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Body:          aws.ToString(m.Body),
		})
	}
	return msgs, nil
}

// Delete removes a message by receipt handle.
func (q *SQSQueue) Delete(ctx context.Context, receiptHandle string) error {
	_, err := q.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamQueue,
			fmt.Sprintf("failed to delete from %s", q.queueURL), err)
	}
	return nil
}

// Ping checks that the queue is reachable. It backs the health endpoint.
func (q *SQSQueue) Ping(ctx context.Context) error {
	_, err := q.api.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(q.queueURL),
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamQueue,
			fmt.Sprintf("queue %s unreachable", q.queueURL), err)
	}
	return nil
}

var _ types.Queue = (*SQSQueue)(nil)
