// Package sns publishes entity change notifications from the outbox to AWS SNS topics.
package sns

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/aalmada/BookStore-sub002/adapters"
)

// Client is the subset of the SNS API used by the publisher.
type Client interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher sends outbox messages to SNS.
// Destination format: "sns:arn:aws:sns:region:account:topic".
// FIFO topics (ARN ending in ".fifo") get one message group per tenant and
// entity, and the outbox message ID as deduplication ID.
type Publisher struct {
	client  Client
	groupID func(msg *adapters.OutboxMessage) string
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithClient sets the SNS client.
func WithClient(client Client) Option {
	return func(p *Publisher) {
		p.client = client
	}
}

// WithMessageGroupID uses a fixed message group for FIFO topics.
func WithMessageGroupID(groupID string) Option {
	return func(p *Publisher) {
		p.groupID = func(*adapters.OutboxMessage) string { return groupID }
	}
}

// New creates a Publisher.
func New(opts ...Option) *Publisher {
	p := &Publisher{groupID: entityGroup}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func entityGroup(msg *adapters.OutboxMessage) string {
	return msg.TenantID + "/" + msg.AggregateID
}

// Destination implements bookstore.Publisher.
func (p *Publisher) Destination() string {
	return "sns"
}

// Publish sends each message. All messages are attempted; failures are joined.
func (p *Publisher) Publish(ctx context.Context, messages []*adapters.OutboxMessage) error {
	if p.client == nil {
		return fmt.Errorf("sns: client not configured")
	}

	var errs []error
	for _, msg := range messages {
		input, err := p.input(msg)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := p.client.Publish(ctx, input); err != nil {
			errs = append(errs, fmt.Errorf("sns: failed to publish to %s: %w", *input.TopicArn, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Publisher) input(msg *adapters.OutboxMessage) (*sns.PublishInput, error) {
	topicARN := extractTopicARN(msg.Destination)
	if topicARN == "" {
		return nil, fmt.Errorf("sns: invalid destination %q: missing topic ARN", msg.Destination)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(topicARN),
		Message:  aws.String(string(msg.Payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event-type": stringAttribute(msg.EventType),
		},
	}
	for k, v := range msg.Headers {
		input.MessageAttributes[k] = stringAttribute(v)
	}

	if strings.HasSuffix(topicARN, ".fifo") {
		input.MessageGroupId = aws.String(p.groupID(msg))
		if msg.ID != "" {
			input.MessageDeduplicationId = aws.String(msg.ID)
		}
	}
	return input, nil
}

func stringAttribute(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}

func extractTopicARN(destination string) string {
	arn, ok := strings.CutPrefix(destination, "sns:")
	if !ok {
		return ""
	}
	return arn
}
