package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSAPI is the part of the SQS client used here
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, in *sqs.DeleteMessageBatchInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
	SendMessageBatch(ctx context.Context, in *sqs.SendMessageBatchInput, opts ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, opts ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// SQS implements Client on Amazon SQS
type SQS struct {
	api SQSAPI
}

func NewSQS(cfg aws.Config) *SQS {
	return &SQS{api: sqs.NewFromConfig(cfg)}
}

// NewSQSWithAPI wraps an existing client
func NewSQSWithAPI(api SQSAPI) *SQS {
	return &SQS{api: api}
}

func (s *SQS) Receive(ctx context.Context, queueURL string, max int, wait, visibility time.Duration) ([]Message, error) {
	out, err := s.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(queueURL),
		MaxNumberOfMessages:   int32(max),
		WaitTimeSeconds:       int32(wait / time.Second),
		VisibilityTimeout:     int32(visibility / time.Second),
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive messages: %w", err)
	}

	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		attrs := make(map[string]string, len(m.MessageAttributes))
		for name, value := range m.MessageAttributes {
			attrs[name] = aws.ToString(value.StringValue)
		}
		msgs = append(msgs, Message{
			ID:            aws.ToString(m.MessageId),
			Body:          aws.ToString(m.Body),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			MD5OfBody:     aws.ToString(m.MD5OfBody),
			Attributes:    attrs,
		})
	}
	return msgs, nil
}

func (s *SQS) DeleteBatch(ctx context.Context, queueURL string, entries []Entry) error {
	for _, chunk := range Chunks(entries) {
		in := &sqs.DeleteMessageBatchInput{QueueUrl: aws.String(queueURL)}
		for _, e := range chunk {
			in.Entries = append(in.Entries, types.DeleteMessageBatchRequestEntry{
				Id:            aws.String(e.ID),
				ReceiptHandle: aws.String(e.ReceiptHandle),
			})
		}
		out, err := s.api.DeleteMessageBatch(ctx, in)
		if err != nil {
			return fmt.Errorf("failed to delete messages: %w", err)
		}
		if len(out.Failed) > 0 {
			return fmt.Errorf("failed to delete %d messages: %s", len(out.Failed), failures(out.Failed))
		}
	}
	return nil
}

func (s *SQS) SendBatch(ctx context.Context, queueURL string, msgs []OutMessage) error {
	for _, chunk := range Chunks(msgs) {
		in := &sqs.SendMessageBatchInput{QueueUrl: aws.String(queueURL)}
		for _, m := range chunk {
			entry := types.SendMessageBatchRequestEntry{
				Id:          aws.String(m.ID),
				MessageBody: aws.String(m.Body),
			}
			if m.GroupID != "" {
				entry.MessageGroupId = aws.String(m.GroupID)
			}
			if m.DeduplicationID != "" {
				entry.MessageDeduplicationId = aws.String(m.DeduplicationID)
			}
			if len(m.Attributes) > 0 {
				entry.MessageAttributes = make(map[string]types.MessageAttributeValue, len(m.Attributes))
				for name, value := range m.Attributes {
					entry.MessageAttributes[name] = types.MessageAttributeValue{
						DataType:    aws.String("String"),
						StringValue: aws.String(value),
					}
				}
			}
			in.Entries = append(in.Entries, entry)
		}
		out, err := s.api.SendMessageBatch(ctx, in)
		if err != nil {
			return fmt.Errorf("failed to send messages: %w", err)
		}
		if len(out.Failed) > 0 {
			return fmt.Errorf("failed to send %d messages: %s", len(out.Failed), failures(out.Failed))
		}
	}
	return nil
}

func (s *SQS) Depth(ctx context.Context, queueURL string) (int, error) {
	out, err := s.api.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(queueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get queue attributes: %w", err)
	}
	raw := out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)]
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid queue depth %q: %w", raw, err)
	}
	return n, nil
}

func failures(entries []types.BatchResultErrorEntry) string {
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, aws.ToString(e.Id)+": "+aws.ToString(e.Message))
	}
	return strings.Join(parts, "; ")
}
