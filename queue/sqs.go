package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
)

var (
	sqsReceivedMeter = metrics.NewRegisteredMeter("withdraw/queue/received", nil)
	sqsSentMeter     = metrics.NewRegisteredMeter("withdraw/queue/sent", nil)
	sqsDeletedMeter  = metrics.NewRegisteredMeter("withdraw/queue/deleted", nil)
	sqsDLQMeter      = metrics.NewRegisteredMeter("withdraw/queue/dlq", nil)
	sqsErrorCounter  = metrics.NewRegisteredCounter("withdraw/queue/errors", nil)
)

// SQSConfig carries the connection settings for the SQS-backed queue.
// Endpoint is only set for localstack-style deployments; empty means the
// default AWS endpoint resolution.
type SQSConfig struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// SQSQueue implements Queue over aws-sdk-go-v2. Queue names passed to the
// interface methods are full queue URLs.
type SQSQueue struct {
	client *sqs.Client
	log    log.Logger
}

// NewSQSQueue dials SQS with the given settings.
func NewSQSQueue(ctx context.Context, cfg SQSConfig) (*SQSQueue, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	var clientOpts []func(*sqs.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	return &SQSQueue{
		client: sqs.NewFromConfig(awsCfg, clientOpts...),
		log:    log.New("service", "sqs"),
	}, nil
}

// Receive implements Queue.
func (q *SQSQueue) Receive(ctx context.Context, queue string, max int, wait, visibility time.Duration) ([]Message, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(queue),
		MaxNumberOfMessages:   int32(max),
		WaitTimeSeconds:       int32(wait / time.Second),
		VisibilityTimeout:     int32(visibility / time.Second),
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		sqsErrorCounter.Inc(1)
		return nil, fmt.Errorf("%w: receive from %s: %v", ErrRetryable, queue, err)
	}
	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, Message{
			MessageID:     aws.ToString(m.MessageId),
			Body:          aws.ToString(m.Body),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Attributes:    decodeAttributes(m.MessageAttributes),
		})
	}
	sqsReceivedMeter.Mark(int64(len(msgs)))
	return msgs, nil
}

// Delete implements Queue.
func (q *SQSQueue) Delete(ctx context.Context, queue string, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queue),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		sqsErrorCounter.Inc(1)
		return fmt.Errorf("%w: delete from %s: %v", ErrRetryable, queue, err)
	}
	sqsDeletedMeter.Mark(1)
	return nil
}

// Send implements Queue.
func (q *SQSQueue) Send(ctx context.Context, queue string, body string, attrs map[string]string) error {
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(queue),
		MessageBody:       aws.String(body),
		MessageAttributes: encodeAttributes(attrs),
	})
	if err != nil {
		sqsErrorCounter.Inc(1)
		return fmt.Errorf("%w: send to %s: %v", ErrRetryable, queue, err)
	}
	sqsSentMeter.Mark(1)
	return nil
}

// SendToDLQ implements Queue.
func (q *SQSQueue) SendToDLQ(ctx context.Context, dlq string, body string, errText string, retryCount int) error {
	if err := q.Send(ctx, dlq, body, dlqAttributes(errText, retryCount)); err != nil {
		return err
	}
	sqsDLQMeter.Mark(1)
	q.log.Warn("Message dead-lettered", "queue", dlq, "retries", retryCount, "err", errText)
	return nil
}

func encodeAttributes(attrs map[string]string) map[string]sqstypes.MessageAttributeValue {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]sqstypes.MessageAttributeValue, len(attrs))
	for k, v := range attrs {
		out[k] = sqstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}
	return out
}

func decodeAttributes(attrs map[string]sqstypes.MessageAttributeValue) map[string]string {
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = aws.ToString(v.StringValue)
	}
	return out
}
