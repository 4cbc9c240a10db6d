// Package queue narrows the agent's dependency on Amazon SQS down to
// the three operations the Dispatcher needs: long-poll receive, delete,
// and visibility-timeout extension. Nothing upstream of this package
// imports the AWS SDK directly.
package queue

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// Message is a single queue delivery. ReceiptHandle is opaque to the
// caller and must be passed back unchanged to Delete/ExtendVisibility.
type Message struct {
	Body          string
	ReceiptHandle string
}

// QueueClient is the narrow capability interface the Dispatcher depends
// on, letting tests substitute an in-memory fake instead of a real SQS
// client.
type QueueClient interface {
	Receive(ctx context.Context, maxMessages int32, waitSeconds int32) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
	ExtendVisibility(ctx context.Context, receiptHandle string, seconds int32) error
}

// SQSClient is the production QueueClient backed by aws-sdk-go-v2.
type SQSClient struct {
	client   *sqs.Client
	queueURL string
}

func NewSQSClient(client *sqs.Client, queueURL string) *SQSClient {
	return &SQSClient{client: client, queueURL: queueURL}
}

func (q *SQSClient) Receive(ctx context.Context, maxMessages int32, waitSeconds int32) ([]Message, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: maxMessages,
		WaitTimeSeconds:     waitSeconds,
		AttributeNames:      []types.QueueAttributeName{types.QueueAttributeNameAll},
	})
	if err != nil {
		return nil, fmt.Errorf("queue: receive: %w", err)
	}

	messages := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		messages = append(messages, Message{
			Body:          aws.ToString(m.Body),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
		})
	}
	return messages, nil
}

func (q *SQSClient) Delete(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("queue: delete: %w", err)
	}
	return nil
}

func (q *SQSClient) ExtendVisibility(ctx context.Context, receiptHandle string, seconds int32) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	})
	if err != nil {
		return fmt.Errorf("queue: extend visibility: %w", err)
	}
	return nil
}
