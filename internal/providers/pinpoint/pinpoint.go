// Package pinpoint delivers verification codes as SMS messages through
// AWS Pinpoint.
package pinpoint

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint/types"
	"github.com/naniwallet/authgate/internal/models"
)

const (
	providerID    = "pinpoint"
	channelName   = "SMS"
	maxAddresslen = 15
	maxOTPlen     = 6
)

var reNum = regexp.MustCompile(`\+?([0-9]){8,15}`)

// SMS implements the AWS Pinpoint SMS provider.
type SMS struct {
	cfg Config
	p   *pinpoint.Client
}

// Config represents the AWS Pinpoint credentials and SMS options.
type Config struct {
	ApplicationID    string        `koanf:"application_id"`
	AccessKey        string        `koanf:"access_key"`
	SecretKey        string        `koanf:"secret_key"`
	Region           string        `koanf:"region"`
	SMSSenderID      string        `koanf:"sms_sender_id"`
	SMSMessageType   string        `koanf:"sms_message_type"`
	SMSEntityID      string        `koanf:"sms_entity_id"`
	SMSTemplateID    string        `koanf:"sms_template_id"`
	DefaultPhoneCode string        `koanf:"default_phone_code"`
	Timeout          time.Duration `koanf:"timeout"`
}

// NewSMS returns an SMS provider backed by AWS Pinpoint.
func NewSMS(cfg Config) (*SMS, error) {
	if cfg.ApplicationID == "" {
		return nil, errors.New("invalid application_id")
	}
	if cfg.Region == "" {
		return nil, errors.New("invalid region")
	}
	if cfg.AccessKey == "" {
		return nil, errors.New("invalid access_key")
	}
	if cfg.SecretKey == "" {
		return nil, errors.New("invalid secret_key")
	}

	if cfg.Timeout.Seconds() < 1 {
		cfg.Timeout = time.Second * 3
	}

	if cfg.SMSMessageType != string(types.MessageTypeTransactional) && cfg.SMSMessageType != string(types.MessageTypePromotional) {
		return nil, errors.New("invalid sms_message_type: must be TRANSACTIONAL or PROMOTIONAL")
	}

	cfgAws, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, err
	}

	return &SMS{cfg: cfg, p: pinpoint.NewFromConfig(cfgAws)}, nil
}

// ID returns the Provider's ID.
func (p *SMS) ID() string {
	return providerID
}

// Channel returns the channel the provider delivers on.
func (p *SMS) Channel() models.Channel {
	return models.ChannelSMS
}

// ChannelName returns the Provider's name.
func (p *SMS) ChannelName() string {
	return channelName
}

// ValidateAddress "validates" a phone number.
func (p *SMS) ValidateAddress(to string) error {
	if !reNum.MatchString(to) {
		return errors.New("invalid mobile number")
	}
	return nil
}

// Push sends the message as an SMS via Pinpoint.
func (p *SMS) Push(ch models.Challenge, subject string, body []byte) error {
	input := &pinpoint.SendMessagesInput{
		ApplicationId: aws.String(p.cfg.ApplicationID),
		MessageRequest: &types.MessageRequest{
			Addresses: map[string]types.AddressConfiguration{
				p.sanitizePhone(ch.To): {
					ChannelType: types.ChannelTypeSms,
				},
			},
			MessageConfiguration: &types.DirectMessageConfiguration{
				SMSMessage: &types.SMSMessage{
					Body:        aws.String(string(body)),
					MessageType: types.MessageType(p.cfg.SMSMessageType),
					SenderId:    aws.String(p.cfg.SMSSenderID),
					EntityId:    aws.String(p.cfg.SMSEntityID),
					TemplateId:  aws.String(p.cfg.SMSTemplateID),
				},
			},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
	defer cancel()

	_, err := p.p.SendMessages(ctx, input)
	return err
}

// MaxAddressLen returns the maximum allowed length for the mobile number.
func (p *SMS) MaxAddressLen() int {
	return maxAddresslen
}

// MaxOTPLen returns the maximum allowed length of the OTP value.
func (p *SMS) MaxOTPLen() int {
	return maxOTPlen
}

// MaxBodyLen returns the max permitted body size.
func (p *SMS) MaxBodyLen() int {
	return 140
}

func (p *SMS) sanitizePhone(phone string) string {
	phone = strings.TrimSpace(phone)

	if strings.HasPrefix(phone, "+") {
		return phone
	} else if strings.HasPrefix(phone, "00") {
		return "+" + phone[2:]
	}

	return p.cfg.DefaultPhoneCode + phone
}
