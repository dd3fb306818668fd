package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthCommand(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		wantErr    string
		wantOutput string
	}{
		{name: "healthy", status: http.StatusOK, wantOutput: "✓ Server is healthy (status: 200)"},
		{name: "unhealthy", status: http.StatusServiceUnavailable, wantErr: "unhealthy status: 503"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/health", r.URL.Path)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			out, err := runApp(t, "--server-url", srv.URL, "server", "health")
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, out, tt.wantOutput)
			assert.Contains(t, out, "URL: "+srv.URL)
		})
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := runApp(t, "server", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "txscope CLI")
	assert.Contains(t, out, "Version: dev")
}
