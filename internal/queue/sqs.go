package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/imalyk/go-asset-pipeline/pkg/asset"
)

// SQSAPI is the subset of the SQS client the queue needs.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// SQSQueue receives records from an SQS queue. Unacknowledged records come back
// once their visibility timeout lapses; Nack makes them visible immediately.
type SQSQueue struct {
	client            SQSAPI
	queueURL          string
	waitTimeSeconds   int32
	visibilityTimeout int32
}

func NewSQSQueue(client SQSAPI, queueURL string, waitTimeSeconds, visibilityTimeout int32) *SQSQueue {
	return &SQSQueue{
		client:            client,
		queueURL:          queueURL,
		waitTimeSeconds:   waitTimeSeconds,
		visibilityTimeout: visibilityTimeout,
	}
}

const sqsMaxBatch = 10

func (q *SQSQueue) Receive(ctx context.Context, max int) ([]Message, error) {
	if max <= 0 || max > sqsMaxBatch {
		max = sqsMaxBatch
	}
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(q.queueURL),
		MaxNumberOfMessages:         int32(max),
		WaitTimeSeconds:             q.waitTimeSeconds,
		VisibilityTimeout:           q.visibilityTimeout,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
	})
	if err != nil {
		return nil, asset.Transient("sqs receive", err)
	}

	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		body := aws.ToString(m.Body)
		msg := Message{
			ID:      aws.ToString(m.MessageId),
			Body:    unwrapSNS([]byte(body)),
			receipt: aws.ToString(m.ReceiptHandle),
		}
		if count, err := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]); err == nil && count > 0 {
			msg.Attempts = count - 1
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (q *SQSQueue) Ack(ctx context.Context, msgs ...Message) error {
	for start := 0; start < len(msgs); start += sqsMaxBatch {
		end := min(start+sqsMaxBatch, len(msgs))
		entries := make([]types.DeleteMessageBatchRequestEntry, 0, end-start)
		for i, msg := range msgs[start:end] {
			entries = append(entries, types.DeleteMessageBatchRequestEntry{
				Id:            aws.String(strconv.Itoa(start + i)),
				ReceiptHandle: aws.String(msg.receipt),
			})
		}
		out, err := q.client.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
			QueueUrl: aws.String(q.queueURL),
			Entries:  entries,
		})
		if err != nil {
			return asset.Transient("sqs delete", err)
		}
		if len(out.Failed) > 0 {
			return asset.Transient("sqs delete", fmt.Errorf("%d of %d deletions failed: %s",
				len(out.Failed), len(entries), aws.ToString(out.Failed[0].Message)))
		}
	}
	return nil
}

func (q *SQSQueue) Nack(ctx context.Context, msgs ...Message) error {
	for _, msg := range msgs {
		_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
			QueueUrl:          aws.String(q.queueURL),
			ReceiptHandle:     aws.String(msg.receipt),
			VisibilityTimeout: 0,
		})
		if err != nil {
			return asset.Transient("sqs change visibility", err)
		}
	}
	return nil
}

type snsEnvelope struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

// unwrapSNS returns the inner message when body is an SNS notification delivered to SQS.
func unwrapSNS(body []byte) []byte {
	var env snsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return body
	}
	if env.Type == "Notification" && env.Message != "" {
		return []byte(env.Message)
	}
	return body
}
