// Package bedrock provides the AWS Bedrock Converse implementation of llm.LLMClient.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"storyforge/pkg/generation/llm"
	"storyforge/pkg/generation/llmerrors"
)

// ConverseAPI is the subset of the Bedrock runtime client this package uses.
type ConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Client wraps a Bedrock Converse endpoint for a single model id.
type Client struct {
	api   ConverseAPI
	model string
}

// New wraps an existing Converse client.
func New(api ConverseAPI, model string) *Client {
	return &Client{api: api, model: model}
}

// Credentials selects how NewFromConfig authenticates. A static key pair wins over Profile; the
// zero value falls back to the AWS default chain.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Profile         string
}

// NewFromConfig builds a Converse client for region using creds.
func NewFromConfig(ctx context.Context, region, model string, creds Credentials) (*Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	switch {
	case creds.AccessKeyID != "":
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken),
		))
	case creds.Profile != "":
		opts = append(opts, awsconfig.WithSharedConfigProfile(creds.Profile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return New(bedrockruntime.NewFromConfig(awsCfg), model), nil
}

// Complete sends one Converse request.
//
//nolint:gocritic // value receiver for request matches the llm interface
func (c *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	system, messages, err := convertMessages(in.Messages)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, err.Error())
	}

	inference := &brtypes.InferenceConfiguration{
		Temperature: aws.Float32(in.Temperature),
	}
	if in.MaxTokens > 0 {
		inference.MaxTokens = aws.Int32(int32(in.MaxTokens)) //nolint:gosec // bounded by config validation
	}

	out, err := c.api.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:         aws.String(c.model),
		System:          system,
		Messages:        messages,
		InferenceConfig: inference,
	})
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}

	text := extractText(out)
	resp := llm.CompletionResponse{
		Content:    text,
		StopReason: stopReason(out.StopReason),
	}
	if out.Usage != nil {
		resp.Usage = llm.Usage{
			InputTokens:  int32OrZero(out.Usage.InputTokens),
			OutputTokens: int32OrZero(out.Usage.OutputTokens),
		}
	}
	return resp, nil
}

// GetModelName returns the Bedrock model id.
func (c *Client) GetModelName() string {
	return c.model
}

func convertMessages(in []llm.CompletionMessage) ([]brtypes.SystemContentBlock, []brtypes.Message, error) {
	var system []brtypes.SystemContentBlock
	messages := make([]brtypes.Message, 0, len(in))

	for _, msg := range in {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		switch msg.Role {
		case llm.RoleSystem:
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: content})
		case llm.RoleUser:
			messages = append(messages, textMessage(brtypes.ConversationRoleUser, content))
		case llm.RoleAssistant:
			messages = append(messages, textMessage(brtypes.ConversationRoleAssistant, content))
		default:
			return nil, nil, fmt.Errorf("unsupported role %q", msg.Role)
		}
	}

	if len(messages) == 0 {
		return nil, nil, errors.New("no user or assistant content to send")
	}
	return system, messages, nil
}

func textMessage(role brtypes.ConversationRole, content string) brtypes.Message {
	return brtypes.Message{
		Role:    role,
		Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: content}},
	}
}

func extractText(out *bedrockruntime.ConverseOutput) string {
	if out == nil {
		return ""
	}
	msgOut, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return ""
	}
	var builder strings.Builder
	for _, block := range msgOut.Value.Content {
		if textBlock, ok := block.(*brtypes.ContentBlockMemberText); ok {
			builder.WriteString(textBlock.Value)
		}
	}
	return builder.String()
}

func stopReason(r brtypes.StopReason) string {
	switch r {
	case brtypes.StopReasonEndTurn, brtypes.StopReasonStopSequence, "":
		return "end_turn"
	case brtypes.StopReasonMaxTokens:
		return "max_tokens"
	default:
		return string(r)
	}
}

func int32OrZero(v *int32) int {
	if v == nil {
		return 0
	}
	return int(*v)
}

// classifyError maps Bedrock exceptions onto llmerrors types.
func classifyError(err error) error {
	var throttled *brtypes.ThrottlingException
	if errors.As(err, &throttled) {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeRateLimit, err, "bedrock throttled the request")
	}
	var denied *brtypes.AccessDeniedException
	if errors.As(err, &denied) {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeAuth, err, "bedrock access denied")
	}
	var unavailable *brtypes.ServiceUnavailableException
	var internal *brtypes.InternalServerException
	var modelTimeout *brtypes.ModelTimeoutException
	if errors.As(err, &unavailable) || errors.As(err, &internal) || errors.As(err, &modelTimeout) {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "bedrock temporarily unavailable")
	}
	var invalid *brtypes.ValidationException
	if errors.As(err, &invalid) {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "bedrock rejected the request")
	}

	status := 0
	var withStatus interface{ HTTPStatusCode() int }
	if errors.As(err, &withStatus) {
		status = withStatus.HTTPStatusCode()
	}
	return llmerrors.Classify(err, status, "bedrock")
}
