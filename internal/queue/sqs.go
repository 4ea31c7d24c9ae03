// Package queue carries generation jobs from the API to workers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// GenerationJob is a run whose credits are already reserved. Workers drive it
// to a terminal state and only then delete the message.
type GenerationJob struct {
	RunID         string    `json:"run_id"`
	UserID        string    `json:"user_id"`
	Pipeline      string    `json:"pipeline"`
	Prompt        string    `json:"prompt"`
	ReservationID string    `json:"reservation_id"`
	CreatedAt     time.Time `json:"created_at"`

	// ReceiptHandle identifies the delivery; it is never serialized.
	ReceiptHandle string `json:"-"`
	// Receives is how many times the message has been delivered.
	Receives int `json:"-"`
}

type Queue interface {
	Enqueue(ctx context.Context, job GenerationJob) error
	Receive(ctx context.Context, maxMessages int) ([]GenerationJob, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// SQSAPI is the subset of the SQS client the queue uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type SQSQueue struct {
	client   SQSAPI
	queueURL string
	wait     int32
}

func NewSQSQueueWithConfig(cfg aws.Config, queueURL string) *SQSQueue {
	return NewSQSQueueWithClient(sqs.NewFromConfig(cfg), queueURL)
}

func NewSQSQueueWithClient(client SQSAPI, queueURL string) *SQSQueue {
	return &SQSQueue{
		client:   client,
		queueURL: queueURL,
		wait:     20,
	}
}

func (q *SQSQueue) Enqueue(ctx context.Context, job GenerationJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"UserID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(job.UserID),
			},
			"RunID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(job.RunID),
			},
		},
	}

	_, err = q.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	return nil
}

func (q *SQSQueue) Receive(ctx context.Context, maxMessages int) ([]GenerationJob, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(q.queueURL),
		MaxNumberOfMessages:         int32(min(max(maxMessages, 1), 10)),
		WaitTimeSeconds:             q.wait,
		MessageAttributeNames:       []string{"All"},
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
	}

	result, err := q.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("receive messages: %w", err)
	}

	jobs := make([]GenerationJob, 0, len(result.Messages))
	for _, msg := range result.Messages {
		var job GenerationJob
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &job); err != nil {
			slog.Warn("dropping unreadable job", "message_id", aws.ToString(msg.MessageId), "error", err)
			_ = q.Delete(ctx, aws.ToString(msg.ReceiptHandle))
			continue
		}
		job.ReceiptHandle = aws.ToString(msg.ReceiptHandle)
		if n, err := strconv.Atoi(msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]); err == nil {
			job.Receives = n
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

func (q *SQSQueue) Delete(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}

	_, err := q.client.DeleteMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}

	return nil
}

// InMemoryQueue hands out each job once; Delete is a no-op.
type InMemoryQueue struct {
	mu      sync.Mutex
	jobs    []GenerationJob
	deleted []string
	seq     int
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		jobs: make([]GenerationJob, 0),
	}
}

func (q *InMemoryQueue) Enqueue(ctx context.Context, job GenerationJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	job.ReceiptHandle = "mem-" + strconv.Itoa(q.seq)
	job.Receives = 1
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *InMemoryQueue) Receive(ctx context.Context, maxMessages int) ([]GenerationJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := maxMessages
	if count > len(q.jobs) {
		count = len(q.jobs)
	}

	result := make([]GenerationJob, count)
	copy(result, q.jobs[:count])
	q.jobs = q.jobs[count:]

	return result, nil
}

func (q *InMemoryQueue) Delete(ctx context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = append(q.deleted, receiptHandle)
	return nil
}

func (q *InMemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func (q *InMemoryQueue) Deleted() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.deleted))
	copy(out, q.deleted)
	return out
}
