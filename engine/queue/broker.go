// Package queue is the sole owner of all SQS operations. It hides the client
// behind the Broker type so the runtime only sees messages, receipt handles,
// and queue depth.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/civilnas/indexer/pkg/fn"
	"github.com/civilnas/indexer/pkg/metrics"
)

// Message attribute names on the wire.
const (
	AttrTaskType          = "task_type"
	AttrFileType          = "file_type"
	AttrRetryCount        = "RetryCount"
	AttrFailedAt          = "FailedAt"
	AttrOriginalMessageID = "OriginalMessageId"
	AttrErrorMessage      = "ErrorMessage"
	AttrReprocessedAt     = "ReprocessedAt"
)

// maxErrorMessageLen bounds the ErrorMessage attribute on DLQ entries.
const maxErrorMessageLen = 256

// sqsBatchMax is the SQS per-call cap for batch operations.
const sqsBatchMax = 10

// api is the slice of the SQS client the broker uses.
type api interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Message is a received work item.
type Message struct {
	ID            string
	ReceiptHandle string
	Body          string
	Attributes    map[string]string
}

// RetryCount reads the tracked retry attribute, zero when absent.
func (m Message) RetryCount() int {
	n, _ := strconv.Atoi(m.Attributes[AttrRetryCount])
	return n
}

// Depth is a point-in-time view of queue backlog.
type Depth struct {
	Available int
	InFlight  int
	Delayed   int
}

// Total is the full backlog.
func (d Depth) Total() int { return d.Available + d.InFlight + d.Delayed }

// Broker wraps one primary queue and its DLQ.
type Broker struct {
	client   api
	queueURL string
	dlqURL   string
	log      *slog.Logger

	deleteFailed *metrics.Counter
	dlqSent      *metrics.Counter
}

// New creates a Broker. dlqURL may be empty for queues without a DLQ
// (the conversion queue, the preview queue in enqueue-only callers).
func New(client *sqs.Client, queueURL, dlqURL string, log *slog.Logger, met *metrics.Registry) *Broker {
	return newBroker(client, queueURL, dlqURL, log, met)
}

func newBroker(client api, queueURL, dlqURL string, log *slog.Logger, met *metrics.Registry) *Broker {
	if log == nil {
		log = slog.Default()
	}
	if met == nil {
		met = metrics.New()
	}
	return &Broker{
		client:       client,
		queueURL:     queueURL,
		dlqURL:       dlqURL,
		log:          log,
		deleteFailed: met.Counter("indexer_queue_message_delete_failed_total", "Messages whose delete failed after fallback"),
		dlqSent:      met.Counter("indexer_queue_dlq_sent_total", "Messages routed to the DLQ"),
	}
}

// QueueURL returns the primary queue URL.
func (b *Broker) QueueURL() string { return b.queueURL }

// DLQURL returns the dead-letter queue URL, empty when none is configured.
func (b *Broker) DLQURL() string { return b.dlqURL }

// ReceiveBatch long-polls for up to n messages. It may return fewer, or none.
// Transient errors are retried with capped backoff; the caller's loop never
// has to die on a receive error.
func (b *Broker) ReceiveBatch(ctx context.Context, n, waitSeconds, visibilityTimeout int) ([]Message, error) {
	if n > sqsBatchMax {
		n = sqsBatchMax
	}
	result := fn.Retry(ctx, fn.RetryOpts{MaxAttempts: 3, InitialWait: time.Second, MaxWait: 10 * time.Second, Jitter: true},
		func(ctx context.Context) fn.Result[*sqs.ReceiveMessageOutput] {
			return fn.FromPair(b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
				QueueUrl:              aws.String(b.queueURL),
				MaxNumberOfMessages:   int32(n),
				WaitTimeSeconds:       int32(waitSeconds),
				VisibilityTimeout:     int32(visibilityTimeout),
				MessageAttributeNames: []string{"All"},
			}))
		})
	out, err := result.Unwrap()
	if err != nil {
		return nil, fmt.Errorf("queue: receive: %w", err)
	}

	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, fromSQS(m))
	}
	return msgs, nil
}

func fromSQS(m types.Message) Message {
	attrs := make(map[string]string, len(m.MessageAttributes))
	for k, v := range m.MessageAttributes {
		if v.StringValue != nil {
			attrs[k] = *v.StringValue
		}
	}
	return Message{
		ID:            aws.ToString(m.MessageId),
		ReceiptHandle: aws.ToString(m.ReceiptHandle),
		Body:          aws.ToString(m.Body),
		Attributes:    attrs,
	}
}

// DeleteBatch removes messages from the primary queue in chunks of ten.
// A failed delete is the most dangerous error in the system (the message
// comes back and loops forever), so per-message failures fall back to
// single deletes and anything still failing is surfaced and counted.
func (b *Broker) DeleteBatch(ctx context.Context, msgs []Message) error {
	var failed []Message
	for _, chunk := range fn.Chunk(msgs, sqsBatchMax) {
		entries := make([]types.DeleteMessageBatchRequestEntry, len(chunk))
		byID := make(map[string]Message, len(chunk))
		for i, m := range chunk {
			id := strconv.Itoa(i)
			entries[i] = types.DeleteMessageBatchRequestEntry{
				Id:            aws.String(id),
				ReceiptHandle: aws.String(m.ReceiptHandle),
			}
			byID[id] = m
		}
		out, err := b.client.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
			QueueUrl: aws.String(b.queueURL),
			Entries:  entries,
		})
		if err != nil {
			failed = append(failed, chunk...)
			continue
		}
		for _, f := range out.Failed {
			if m, ok := byID[aws.ToString(f.Id)]; ok {
				b.log.Warn("queue: batch delete entry failed",
					"message_id", m.ID, "code", aws.ToString(f.Code))
				failed = append(failed, m)
			}
		}
	}

	var lastErr error
	for _, m := range failed {
		if _, err := b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(b.queueURL),
			ReceiptHandle: aws.String(m.ReceiptHandle),
		}); err != nil {
			b.deleteFailed.Inc()
			b.log.Error("queue: message delete failed", "message_id", m.ID, "error", err)
			lastErr = err
		}
	}
	if lastErr != nil {
		return fmt.Errorf("queue: delete batch: %w", lastErr)
	}
	return nil
}

// ExtendVisibility pushes out the visibility timeout of an in-flight message.
func (b *Broker) ExtendVisibility(ctx context.Context, receiptHandle string, seconds int) error {
	_, err := b.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(b.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: int32(seconds),
	})
	if err != nil {
		return fmt.Errorf("queue: extend visibility: %w", err)
	}
	return nil
}

// SendToDLQ copies a failed message to the DLQ, tagged with the failure
// reason. The caller still deletes the original from the primary queue.
func (b *Broker) SendToDLQ(ctx context.Context, msg Message, errorReason string) error {
	if b.dlqURL == "" {
		return fmt.Errorf("queue: no DLQ configured")
	}
	if len(errorReason) > maxErrorMessageLen {
		errorReason = errorReason[:maxErrorMessageLen]
	}
	attrs := map[string]types.MessageAttributeValue{
		AttrFailedAt:          stringAttr(time.Now().UTC().Format(time.RFC3339)),
		AttrOriginalMessageID: stringAttr(msg.ID),
		AttrErrorMessage:      stringAttr(errorReason),
	}
	if rc := msg.Attributes[AttrRetryCount]; rc != "" {
		attrs[AttrRetryCount] = stringAttr(rc)
	}
	_, err := b.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(b.dlqURL),
		MessageBody:       aws.String(msg.Body),
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("queue: send to DLQ: %w", err)
	}
	b.dlqSent.Inc()
	return nil
}

// Requeue publishes a body with attributes to the primary queue.
func (b *Broker) Requeue(ctx context.Context, body string, attrs map[string]string) error {
	msgAttrs := make(map[string]types.MessageAttributeValue, len(attrs))
	for k, v := range attrs {
		msgAttrs[k] = stringAttr(v)
	}
	_, err := b.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(b.queueURL),
		MessageBody:       aws.String(body),
		MessageAttributes: msgAttrs,
	})
	if err != nil {
		return fmt.Errorf("queue: requeue: %w", err)
	}
	return nil
}

// SendBatch publishes up to ten bodies per call to the primary queue.
// Returns the number sent successfully.
func (b *Broker) SendBatch(ctx context.Context, bodies []string, attrs map[string]string) (int, error) {
	msgAttrs := make(map[string]types.MessageAttributeValue, len(attrs))
	for k, v := range attrs {
		msgAttrs[k] = stringAttr(v)
	}
	sent := 0
	for _, chunk := range fn.Chunk(bodies, sqsBatchMax) {
		entries := make([]types.SendMessageBatchRequestEntry, len(chunk))
		for i, body := range chunk {
			entries[i] = types.SendMessageBatchRequestEntry{
				Id:                aws.String(strconv.Itoa(i)),
				MessageBody:       aws.String(body),
				MessageAttributes: msgAttrs,
			}
		}
		out, err := b.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(b.queueURL),
			Entries:  entries,
		})
		if err != nil {
			return sent, fmt.Errorf("queue: send batch: %w", err)
		}
		sent += len(out.Successful)
		for _, f := range out.Failed {
			b.log.Warn("queue: batch send entry failed",
				"id", aws.ToString(f.Id), "code", aws.ToString(f.Code))
		}
	}
	return sent, nil
}

// DeleteMessage removes a single message by receipt handle.
func (b *Broker) DeleteMessage(ctx context.Context, receiptHandle string) error {
	_, err := b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(b.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		b.deleteFailed.Inc()
		return fmt.Errorf("queue: delete: %w", err)
	}
	return nil
}

// Depth reports the queue backlog from queue attributes.
func (b *Broker) Depth(ctx context.Context) (Depth, error) {
	out, err := b.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(b.queueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
			types.QueueAttributeNameApproximateNumberOfMessagesDelayed,
		},
	})
	if err != nil {
		return Depth{}, fmt.Errorf("queue: depth: %w", err)
	}
	atoi := func(k types.QueueAttributeName) int {
		n, _ := strconv.Atoi(out.Attributes[string(k)])
		return n
	}
	return Depth{
		Available: atoi(types.QueueAttributeNameApproximateNumberOfMessages),
		InFlight:  atoi(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible),
		Delayed:   atoi(types.QueueAttributeNameApproximateNumberOfMessagesDelayed),
	}, nil
}

func stringAttr(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(v),
	}
}
