// Package ses provides the fallback delivery transport over AWS SES.
package ses

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/loftpress/newsletter-engine/internal/delivery"
	"github.com/loftpress/newsletter-engine/internal/pkg/logger"
)

// sendEmailAPI is the slice of the sesv2 client the transport uses
type sendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Transport sends mail through SES. SES has no shared-payload bulk
// call for pre-rendered content, so the batch size is capped at one
// message and merge tags are substituted locally before each send.
type Transport struct {
	client sendEmailAPI
	region string
}

// NewTransport creates an SES transport from static credentials.
func NewTransport(accessKey, secretKey, region string) (*Transport, error) {
	if region == "" {
		region = "us-east-1"
	}
	if accessKey == "" || secretKey == "" {
		return nil, fmt.Errorf("SES credentials not configured")
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("initialize AWS config: %w", err)
	}

	return &Transport{client: sesv2.NewFromConfig(cfg), region: region}, nil
}

// MaxBatchSize caps chunks at one message so the dispatcher's
// per-chunk failure isolation applies per recipient.
func (t *Transport) MaxBatchSize() int { return 1 }

// SendBatch delivers msg to the single personalization in the chunk.
func (t *Transport) SendBatch(ctx context.Context, msg *delivery.Message, persons []delivery.Personalization) (*delivery.Result, error) {
	if len(persons) == 0 {
		return &delivery.Result{}, nil
	}
	if len(persons) > 1 {
		return nil, fmt.Errorf("SES transport dispatches one message per call, got %d", len(persons))
	}
	p := persons[0]

	subject := substitute(msg.Subject, p.Substitutions)
	html := substitute(msg.HTML, p.Substitutions)
	plain := substitute(msg.Plain, p.Substitutions)

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", msg.FromName, msg.FromEmail)),
		Destination:      &types.Destination{ToAddresses: []string{p.Email}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(html), Charset: aws.String("UTF-8")},
				},
			},
		},
	}
	if plain != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(plain), Charset: aws.String("UTF-8")}
	}
	for name, value := range msg.Headers {
		input.Content.Simple.Headers = append(input.Content.Simple.Headers, types.MessageHeader{
			Name:  aws.String(name),
			Value: aws.String(substitute(value, p.Substitutions)),
		})
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}
	for name, value := range p.CustomArgs {
		input.EmailTags = append(input.EmailTags, types.MessageTag{
			Name:  aws.String(name),
			Value: aws.String(value),
		})
	}

	out, err := t.client.SendEmail(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("ses send: %w", err)
	}

	messageID := ""
	if out.MessageId != nil {
		messageID = *out.MessageId
	}
	logger.Debug("ses message accepted", "recipient", p.Email, "message_id", messageID)
	return &delivery.Result{Accepted: 1, MessageID: messageID}, nil
}

// substitute resolves {{key}} merge tags from the personalization map.
// Unknown tags are left in place for the audit trail.
func substitute(s string, subs map[string]string) string {
	if len(subs) == 0 || s == "" {
		return s
	}
	pairs := make([]string, 0, len(subs)*2)
	for k, v := range subs {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(s)
}
