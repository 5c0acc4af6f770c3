package paramstore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	getOut *ssm.GetParameterOutput
	getErr error
	names  []string
}

func (f *fakeAPI) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.names = append(f.names, *in.Name)
	if in.WithDecryption == nil || !*in.WithDecryption {
		return nil, errors.New("decryption not requested")
	}
	return f.getOut, f.getErr
}

func strPtr(s string) *string { return &s }

func valueOut(v string) *ssm.GetParameterOutput {
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{
		Name: strPtr("p"), Value: strPtr(v), Type: types.ParameterTypeSecureString,
	}}
}

func TestGetParameter(t *testing.T) {
	client, err := New(&fakeAPI{getOut: valueOut(`{"token":"EAAG"}`)})
	require.NoError(t, err)
	v, err := client.GetParameter(context.Background(), " /sales/whatsapp-token ")
	require.NoError(t, err)
	require.Equal(t, `{"token":"EAAG"}`, v)
}

func TestGetParameter_Errors(t *testing.T) {
	cases := []struct {
		name string
		api  *fakeAPI
		key  string
		want string
	}{
		{"missing value", &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: strPtr("p")}}}, "p", "missing value"},
		{"api error", &fakeAPI{getErr: errors.New("AccessDenied")}, "p", "AccessDenied"},
		{"empty name", &fakeAPI{}, "  ", "required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, err := New(tc.api)
			require.NoError(t, err)
			_, err = client.GetParameter(context.Background(), tc.key)
			require.ErrorContains(t, err, tc.want)
		})
	}

	_, err := (&Client{}).GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "not initialized")

	_, err = New(nil)
	require.ErrorContains(t, err, "must not be nil")
}

type fakeGetter struct {
	val   string
	err   error
	calls int
}

func (f *fakeGetter) GetParameter(context.Context, string) (string, error) {
	f.calls++
	return f.val, f.err
}

func TestSecret_FetchedOnce(t *testing.T) {
	g := &fakeGetter{val: `{"token":"app-secret"}`}
	s, err := NewSecret(g, "/sales-assistant/", "whatsapp-app-secret")
	require.NoError(t, err)
	require.Equal(t, "/sales-assistant/whatsapp-app-secret", s.Name())

	for i := 0; i < 3; i++ {
		v, err := s.Value(context.Background())
		require.NoError(t, err)
		require.Equal(t, "app-secret", v)
	}
	require.Equal(t, 1, g.calls)
}

func TestSecret_BadPayloads(t *testing.T) {
	cases := map[string]*fakeGetter{
		"not json":    {val: "plain"},
		"empty token": {val: `{"token":""}`},
		"getter fail": {err: errors.New("throttled")},
	}
	for name, g := range cases {
		t.Run(name, func(t *testing.T) {
			s, err := NewSecret(g, "/p", "x")
			require.NoError(t, err)
			_, err = s.Value(context.Background())
			require.Error(t, err)
		})
	}
}

func TestNewSecret_Validation(t *testing.T) {
	_, err := NewSecret(nil, "/p", "x")
	require.Error(t, err)
	_, err = NewSecret(&fakeGetter{}, " / ", "x")
	require.ErrorContains(t, err, "prefix")
}
