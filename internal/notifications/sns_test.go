package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/felipepmaragno/adventure-engine/internal/domain"
)

type mockSNS struct {
	published   []*sns.PublishInput
	PublishFunc func(ctx context.Context, params *sns.PublishInput) (*sns.PublishOutput, error)
}

func (m *mockSNS) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	m.published = append(m.published, params)
	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, params)
	}
	return &sns.PublishOutput{MessageId: aws.String("msg-1")}, nil
}

func TestSNSNotifier_CreditAlert(t *testing.T) {
	client := &mockSNS{}
	n := NewSNSNotifierWithClient(client, "arn:aws:sns:us-east-1:123:credits")

	err := n.Send(context.Background(), CreditAlert("user-1", "critical", map[string]any{"committed": 19}))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if len(client.published) != 1 {
		t.Fatalf("published = %d, want 1", len(client.published))
	}
	in := client.published[0]
	if aws.ToString(in.TopicArn) != "arn:aws:sns:us-east-1:123:credits" {
		t.Errorf("TopicArn = %s", aws.ToString(in.TopicArn))
	}
	if got := aws.ToString(in.MessageAttributes["Type"].StringValue); got != "credits_critical" {
		t.Errorf("Type attribute = %s, want credits_critical", got)
	}
	if got := aws.ToString(in.MessageAttributes["UserID"].StringValue); got != "user-1" {
		t.Errorf("UserID attribute = %s, want user-1", got)
	}
	if in.MessageGroupId != nil {
		t.Error("standard topic must not carry a message group")
	}

	var body Notification
	if err := json.Unmarshal([]byte(aws.ToString(in.Message)), &body); err != nil {
		t.Fatalf("message is not JSON: %v", err)
	}
	if body.UserID != "user-1" || body.SentAt.IsZero() {
		t.Errorf("body = %+v", body)
	}
}

func TestSNSNotifier_ProviderTransition(t *testing.T) {
	client := &mockSNS{}
	n := NewSNSNotifierWithClient(client, "arn")

	_ = n.Send(context.Background(), ProviderDown("openai"))

	attrs := client.published[0].MessageAttributes
	if _, ok := attrs["UserID"]; ok {
		t.Error("UserID attribute set for a provider notification")
	}
	if got := aws.ToString(attrs["ProviderID"].StringValue); got != "openai" {
		t.Errorf("ProviderID attribute = %s", got)
	}
}

func TestSNSNotifier_FIFOTopic(t *testing.T) {
	client := &mockSNS{}
	n := NewSNSNotifierWithClient(client, "arn:aws:sns:us-east-1:123:alerts.fifo")

	_ = n.Send(context.Background(), ProviderUp("fal"))
	_ = n.Send(context.Background(), CreditAlert("user-9", "warning", nil))

	if got := aws.ToString(client.published[0].MessageGroupId); got != "provider:fal" {
		t.Errorf("provider group = %s", got)
	}
	if got := aws.ToString(client.published[1].MessageGroupId); got != "user:user-9" {
		t.Errorf("user group = %s", got)
	}
	if aws.ToString(client.published[0].MessageDeduplicationId) == aws.ToString(client.published[1].MessageDeduplicationId) {
		t.Error("distinct notifications share a deduplication id")
	}
}

func TestSNSNotifier_PublishError(t *testing.T) {
	client := &mockSNS{PublishFunc: func(context.Context, *sns.PublishInput) (*sns.PublishOutput, error) {
		return nil, errors.New("throttled")
	}}
	n := NewSNSNotifierWithClient(client, "arn")

	if err := n.Send(context.Background(), Notification{Type: TypeRunFailed}); err == nil {
		t.Error("expected error")
	}
}

func TestRunFailed(t *testing.T) {
	run := domain.NewGenerationRun("run-1", "user-1", "adventure", "x")
	_ = run.Start()
	run.AppendStepResult(domain.StepResult{StepName: "outline", ProviderUsed: "openai", ErrorKind: domain.KindNetwork})
	run.AppendStepResult(domain.StepResult{StepName: "outline", ErrorKind: domain.KindProviderUnavailable})
	_ = run.Fail(domain.KindProviderUnavailable, "no provider")

	n := RunFailed(run)

	if n.Type != TypeRunFailed || n.UserID != "user-1" || n.RunID != "run-1" {
		t.Errorf("notification = %+v", n)
	}
	if n.Data["error_kind"] != "provider_unavailable" || n.Data["attempts"] != 2 {
		t.Errorf("data = %v", n.Data)
	}
	if n.Data["step"] != "outline" {
		t.Errorf("step = %v", n.Data["step"])
	}
	if _, ok := n.Data["provider_id"]; ok {
		t.Error("last attempt had no provider, none should be reported")
	}
}

func TestCreditAlertLevels(t *testing.T) {
	tests := []struct {
		level string
		want  Type
	}{
		{"warning", TypeCreditsWarning},
		{"critical", TypeCreditsCritical},
		{"exceeded", TypeCreditsExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := CreditAlert("u", tt.level, nil).Type; got != tt.want {
				t.Errorf("Type = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestInMemoryNotifier(t *testing.T) {
	n := NewInMemoryNotifier()
	n.limit = 2

	_ = n.Send(context.Background(), ProviderDown("a"))
	_ = n.Send(context.Background(), ProviderUp("a"))
	_ = n.Send(context.Background(), ProviderDown("b"))

	sent := n.Sent()
	if len(sent) != 2 {
		t.Fatalf("retained = %d, want 2", len(sent))
	}
	if sent[0].Type != TypeProviderUp || sent[1].ProviderID != "b" {
		t.Errorf("retained the wrong notifications: %+v", sent)
	}
}
