package transport

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SAP/leanix-custom-report-tools/pkg/workspacetest"
)

func TestParseProxyURL(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "empty", input: ""},
		{name: "http", input: "http://proxy.corp:3128", want: "proxy.corp:3128"},
		{name: "https with spaces", input: "  https://proxy.corp  ", want: "proxy.corp"},
		{name: "unsupported scheme", input: "ftp://proxy.corp", wantErr: true},
		{name: "missing host", input: "http://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseProxyURL(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			assert.Equal(t, tt.want, got.Host)
		})
	}
}

func TestNewClientDefaults(t *testing.T) {
	client, err := NewClient(Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, client.Timeout)

	client, err = NewClient(Options{Timeout: time.Second, ProxyURL: "http://proxy:8080"})
	require.NoError(t, err)
	assert.Equal(t, time.Second, client.Timeout)

	_, err = NewClient(Options{ProxyURL: "gopher://proxy"})
	require.Error(t, err)
}

func TestNewClientRoutesThroughProxy(t *testing.T) {
	proxy := workspacetest.NewProxy(t)
	client, err := NewClient(Options{ProxyURL: proxy.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)

	_, err = client.Get("https://workspace.invalid/services/mtm/v1/oauth2/token")
	require.Error(t, err)
	assert.Contains(t, proxy.Connects(), "workspace.invalid:443")
}

func TestNewClientWithoutProxyGoesDirect(t *testing.T) {
	proxy := workspacetest.NewProxy(t)
	srv := workspacetest.NewServer(t, "api", "Demo")
	client, err := NewClient(Options{Base: srv.Client().Transport})
	require.NoError(t, err)

	resp, err := client.Get(srv.URL + "/echo")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, proxy.Connects())
}
