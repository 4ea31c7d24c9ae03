// Package notifications delivers operational events to an SNS topic: credit
// alerts for a user, provider circuit transitions and failed runs.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/felipepmaragno/adventure-engine/internal/domain"
)

type Type string

const (
	TypeCreditsWarning  Type = "credits_warning"
	TypeCreditsCritical Type = "credits_critical"
	TypeCreditsExceeded Type = "credits_exceeded"
	TypeProviderDown    Type = "provider_down"
	TypeProviderUp      Type = "provider_up"
	TypeRunFailed       Type = "run_failed"
)

type Notification struct {
	Type       Type           `json:"type"`
	UserID     string         `json:"user_id,omitempty"`
	RunID      string         `json:"run_id,omitempty"`
	ProviderID string         `json:"provider_id,omitempty"`
	Message    string         `json:"message"`
	Data       map[string]any `json:"data,omitempty"`
	SentAt     time.Time      `json:"sent_at"`
}

// CreditAlert builds the notification for a credit usage level ("warning",
// "critical" or "exceeded").
func CreditAlert(userID, level string, data map[string]any) Notification {
	typ := TypeCreditsWarning
	switch level {
	case "critical":
		typ = TypeCreditsCritical
	case "exceeded":
		typ = TypeCreditsExceeded
	}
	return Notification{
		Type:    typ,
		UserID:  userID,
		Message: "credit usage reached " + level + " level",
		Data:    data,
	}
}

func ProviderDown(providerID string) Notification {
	return Notification{
		Type:       TypeProviderDown,
		ProviderID: providerID,
		Message:    fmt.Sprintf("provider %s circuit opened", providerID),
	}
}

func ProviderUp(providerID string) Notification {
	return Notification{
		Type:       TypeProviderUp,
		ProviderID: providerID,
		Message:    fmt.Sprintf("provider %s recovered", providerID),
	}
}

// RunFailed describes a run that ended in the failed state. The last attempt
// names the step and provider the run died on.
func RunFailed(run *domain.GenerationRun) Notification {
	data := map[string]any{
		"pipeline_id": run.PipelineID,
		"error_kind":  string(run.ErrorKind),
		"attempts":    len(run.StepResults),
	}
	if n := len(run.StepResults); n > 0 {
		last := run.StepResults[n-1]
		data["step"] = last.StepName
		if last.ProviderUsed != "" {
			data["provider_id"] = last.ProviderUsed
		}
	}
	return Notification{
		Type:    TypeRunFailed,
		UserID:  run.UserID,
		RunID:   run.ID,
		Message: fmt.Sprintf("generation %s failed: %s", run.ID, run.ErrorKind),
		Data:    data,
	}
}

// group is the ordering scope on FIFO topics: a user's events stay in order,
// and so do a provider's.
func (n Notification) group() string {
	switch {
	case n.UserID != "":
		return "user:" + n.UserID
	case n.ProviderID != "":
		return "provider:" + n.ProviderID
	default:
		return string(n.Type)
	}
}

type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

// SNSPublisher is the subset of the SNS client the notifier uses.
type SNSPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SNSNotifier struct {
	client   SNSPublisher
	topicArn string
	fifo     bool
}

func NewSNSNotifierWithConfig(cfg aws.Config, topicArn string) *SNSNotifier {
	return NewSNSNotifierWithClient(sns.NewFromConfig(cfg), topicArn)
}

func NewSNSNotifierWithClient(client SNSPublisher, topicArn string) *SNSNotifier {
	return &SNSNotifier{
		client:   client,
		topicArn: topicArn,
		fifo:     strings.HasSuffix(topicArn, ".fifo"),
	}
}

func (n *SNSNotifier) Send(ctx context.Context, notification Notification) error {
	if notification.SentAt.IsZero() {
		notification.SentAt = time.Now().UTC()
	}

	message, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn:          aws.String(n.topicArn),
		Message:           aws.String(string(message)),
		MessageAttributes: attributes(notification),
	}
	if n.fifo {
		group := notification.group()
		input.MessageGroupId = aws.String(group)
		input.MessageDeduplicationId = aws.String(fmt.Sprintf("%s:%s:%d", notification.Type, group, notification.SentAt.UnixNano()))
	}

	if _, err := n.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("publish %s notification: %w", notification.Type, err)
	}

	slog.Info("notification sent",
		"type", notification.Type,
		"user_id", notification.UserID,
		"run_id", notification.RunID,
		"provider_id", notification.ProviderID,
	)
	return nil
}

// attributes exposes the routing fields so subscriptions can filter on them.
func attributes(n Notification) map[string]snstypes.MessageAttributeValue {
	attrs := map[string]snstypes.MessageAttributeValue{
		"Type": stringAttr(string(n.Type)),
	}
	if n.UserID != "" {
		attrs["UserID"] = stringAttr(n.UserID)
	}
	if n.RunID != "" {
		attrs["RunID"] = stringAttr(n.RunID)
	}
	if n.ProviderID != "" {
		attrs["ProviderID"] = stringAttr(n.ProviderID)
	}
	return attrs
}

func stringAttr(v string) snstypes.MessageAttributeValue {
	return snstypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}

const defaultInMemoryLimit = 256

// InMemoryNotifier keeps the most recent notifications. It stands in for SNS
// when no topic is configured.
type InMemoryNotifier struct {
	mu    sync.Mutex
	sent  []Notification
	limit int
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{limit: defaultInMemoryLimit}
}

func (n *InMemoryNotifier) Send(ctx context.Context, notification Notification) error {
	if notification.SentAt.IsZero() {
		notification.SentAt = time.Now().UTC()
	}

	n.mu.Lock()
	n.sent = append(n.sent, notification)
	if len(n.sent) > n.limit {
		n.sent = append([]Notification(nil), n.sent[len(n.sent)-n.limit:]...)
	}
	n.mu.Unlock()

	slog.Info("notification recorded",
		"type", notification.Type,
		"user_id", notification.UserID,
		"run_id", notification.RunID,
		"provider_id", notification.ProviderID,
	)
	return nil
}

// Sent returns the retained notifications, oldest first.
func (n *InMemoryNotifier) Sent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Notification, len(n.sent))
	copy(out, n.sent)
	return out
}
