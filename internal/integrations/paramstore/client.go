package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the subset of *ssm.Client used here.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter reads a single decrypted parameter value.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client reads SecureString parameters from SSM.
type Client struct {
	api ssmAPI
}

func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	withDecryption := true
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("paramstore: parameter missing value")
	}
	return *out.Parameter.Value, nil
}

// tokenPayload is the JSON shape stored for every channel secret.
type tokenPayload struct {
	Token string `json:"token"`
}

// Secret is a lazily fetched secret parameter. The first Value call reads
// SSM; the outcome, including an error, is reused for the process lifetime.
type Secret struct {
	getter Getter
	name   string

	once  sync.Once
	value string
	err   error
}

// NewSecret returns the secret stored under prefix + "/" + suffix.
func NewSecret(getter Getter, prefix, suffix string) (*Secret, error) {
	if getter == nil {
		return nil, errors.New("paramstore: getter must not be nil")
	}
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return nil, errors.New("paramstore: parameter prefix must not be empty")
	}
	return &Secret{getter: getter, name: prefix + "/" + strings.TrimLeft(suffix, "/")}, nil
}

func (s *Secret) Name() string { return s.name }

func (s *Secret) Value(ctx context.Context) (string, error) {
	s.once.Do(func() {
		s.value, s.err = fetchToken(ctx, s.getter, s.name)
	})
	return s.value, s.err
}

func fetchToken(ctx context.Context, getter Getter, name string) (string, error) {
	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("paramstore: fetch %s: %w", name, err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("paramstore: %s is not a JSON token payload: %w", name, err)
	}
	if tp.Token == "" {
		return "", fmt.Errorf("paramstore: %s holds an empty token", name)
	}
	return tp.Token, nil
}
