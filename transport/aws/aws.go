// Package aws provides an AWS SNS/SQS transport for tenantflow. Sinks publish
// to SNS topics; subscribers read through an SQS queue per topic and group.
//
// Tenant topic names are dotted ("prod.tenant.acme.alerts") which SNS and SQS
// reject, so every name is passed through TopicName before it reaches AWS.
package aws

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/tenantflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "aws"

const (
	localstackAccountID = "000000000000"
	accountIDLength     = 12
	maxTopicName        = 256
	maxQueueName        = 80
)

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// TopicResolverFactory allows overriding the topic resolver creation for testing.
var TopicResolverFactory = sns.NewGenerateArnTopicResolver

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sns.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sns.NewSubscriber(cfg, sqsCfg, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.AWSCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

// TopicName maps a tenantflow topic onto the SNS alphabet: every character
// outside [A-Za-z0-9_-] becomes '-', and the result is cut to 256 bytes.
func TopicName(topic string) string {
	return sanitize(topic, maxTopicName)
}

func sanitize(name string, limit int) string {
	out := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, name)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// target is where the transport talks to: account, region and an optional
// endpoint override (LocalStack).
type target struct {
	accountID string
	region    string
	endpoint  *url.URL
}

func (t target) fields() watermill.LogFields {
	f := watermill.LogFields{"account_id": t.accountID, "region": t.region}
	if t.endpoint != nil {
		f["endpoint"] = t.endpoint.String()
	}
	return f
}

// resolveTarget fills account and region from cfg, falling back to the
// loaded region. Against a custom endpoint a missing or malformed account id
// is replaced with the LocalStack default.
func resolveTarget(cfg transport.Config, fallbackRegion string) (target, error) {
	t := target{
		accountID: strings.Trim(cfg.GetAWSAccountID(), "\"' "),
		region:    cfg.GetAWSRegion(),
	}
	if t.region == "" {
		t.region = fallbackRegion
	}
	if raw := cfg.GetAWSEndpoint(); raw != "" {
		u, err := url.Parse(raw)
		if err != nil {
			return target{}, fmt.Errorf("parse aws endpoint %q: %w", raw, err)
		}
		t.endpoint = u
		if len(t.accountID) != accountIDLength {
			t.accountID = localstackAccountID
		}
	}
	return t, nil
}

// Build creates the sides of an AWS SNS/SQS transport requested by cfg's role.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	awsCfg, err := loadConfig(ctx, cfg)
	if err != nil {
		logger.Error("Failed to load AWS config", err, watermill.LogFields{"region": cfg.GetAWSRegion()})
		return transport.Transport{}, err
	}
	t, err := resolveTarget(cfg, awsCfg.Region)
	if err != nil {
		return transport.Transport{}, err
	}
	resolver, err := newTopicResolver(t)
	if err != nil {
		logger.Error("Failed to create SNS topic resolver", err, t.fields())
		return transport.Transport{}, err
	}

	role := cfg.GetTransportRole()
	fields := t.fields()
	fields["role"] = role.String()
	logger.Info("Building AWS transport", fields)

	return transport.Assemble(role,
		func() (message.Publisher, error) {
			return PublisherFactory(sns.PublisherConfig{
				TopicResolver: resolver,
				AWSConfig:     awsCfg,
				OptFns:        snsOptions(t),
				Marshaler:     sns.DefaultMarshalerUnmarshaler{},
			}, logger)
		},
		func() (message.Subscriber, error) {
			return SubscriberFactory(
				sns.SubscriberConfig{
					AWSConfig:            awsCfg,
					OptFns:               snsOptions(t),
					TopicResolver:        resolver,
					GenerateSqsQueueName: queueNameGenerator(cfg.GetKafkaConsumerGroup()),
				},
				sqs.SubscriberConfig{AWSConfig: awsCfg, OptFns: sqsOptions(t)},
				logger,
			)
		},
	)
}

func loadConfig(ctx context.Context, cfg transport.Config) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region := cfg.GetAWSRegion(); region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if key, secret := cfg.GetAWSAccessKeyID(), cfg.GetAWSSecretAccessKey(); key != "" && secret != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentials(key, secret)))
	}
	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	if region := cfg.GetAWSRegion(); region != "" {
		awsCfg.Region = region
	}
	return awsCfg, nil
}

// topicResolver sanitizes tenantflow topic names before resolving the ARN.
type topicResolver struct {
	next sns.TopicResolver
}

func (r topicResolver) ResolveTopic(ctx context.Context, topic string) (sns.TopicArn, error) {
	return r.next.ResolveTopic(ctx, TopicName(topic))
}

func newTopicResolver(t target) (sns.TopicResolver, error) {
	next, err := TopicResolverFactory(t.accountID, t.region)
	if err != nil {
		return nil, err
	}
	return topicResolver{next: next}, nil
}

// queueNameGenerator names the SQS queue after the topic, suffixed with the
// consumer group so each group gets its own copy of every message.
func queueNameGenerator(group string) func(context.Context, sns.TopicArn) (string, error) {
	return func(_ context.Context, arn sns.TopicArn) (string, error) {
		topic, err := sns.ExtractTopicNameFromTopicArn(arn)
		if err != nil {
			return "", err
		}
		name := string(topic)
		if group != "" {
			name += "-" + group
		}
		return sanitize(name, maxQueueName), nil
	}
}

func snsOptions(t target) []func(*amazonsns.Options) {
	if t.endpoint == nil {
		return nil
	}
	endpoint := smithyendpoints.Endpoint{URI: *t.endpoint}
	return []func(*amazonsns.Options){amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{Endpoint: endpoint})}
}

func sqsOptions(t target) []func(*amazonsqs.Options) {
	if t.endpoint == nil {
		return nil
	}
	endpoint := smithyendpoints.Endpoint{URI: *t.endpoint}
	return []func(*amazonsqs.Options){amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{Endpoint: endpoint})}
}

func staticCredentials(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{AccessKeyID: accessKeyID, SecretAccessKey: secretAccessKey}, nil
	})
}
