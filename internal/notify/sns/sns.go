// Package sns sends SMS to external emergency services through Amazon SNS.
package sns

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awssns "github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/linnemanlabs/lifeline/internal/notify"
)

type publisher interface {
	Publish(ctx context.Context, in *awssns.PublishInput, optFns ...func(*awssns.Options)) (*awssns.PublishOutput, error)
}

// Channel is the "sns" channel.
type Channel struct {
	client publisher
}

// NewClient builds an SNS client from the default AWS credential chain.
func NewClient(ctx context.Context, region string) (*awssns.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("sns: load aws config: %w", err)
	}
	return awssns.NewFromConfig(cfg), nil
}

// New creates the SNS channel.
func New(client publisher) *Channel {
	return &Channel{client: client}
}

// Name implements notify.Channel.
func (c *Channel) Name() string { return notify.ChannelSNS }

// Send publishes a transactional SMS to the recipient's phone.
func (c *Channel) Send(ctx context.Context, to notify.Recipient, p notify.Payload) (notify.Delivery, error) {
	out, err := c.client.Publish(ctx, &awssns.PublishInput{
		PhoneNumber: aws.String(to.Phone),
		Message:     aws.String(p.Title + "\n" + p.Body),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"AWS.SNS.SMS.SMSType": {
				DataType:    aws.String("String"),
				StringValue: aws.String("Transactional"),
			},
		},
	})
	if err != nil {
		return notify.Delivery{}, classify(err)
	}
	return notify.Delivery{ProviderID: aws.ToString(out.MessageId)}, nil
}

func classify(err error) error {
	err = fmt.Errorf("sns: publish: %w", err)
	var (
		invalid  *types.InvalidParameterException
		invalidV *types.InvalidParameterValueException
		authz    *types.AuthorizationErrorException
		optedOut *types.EndpointDisabledException
		notFound *types.NotFoundException
	)
	if errors.As(err, &invalid) || errors.As(err, &invalidV) || errors.As(err, &authz) ||
		errors.As(err, &optedOut) || errors.As(err, &notFound) {
		return notify.Permanent(err)
	}
	return notify.Transient(err)
}
