package uri_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"

	"github.com/mosaicart/market-mirror/internal/logger"
	"github.com/mosaicart/market-mirror/internal/mocks"
	"github.com/mosaicart/market-mirror/internal/uri"
)

func TestMain(m *testing.M) {
	// Initialize logger for tests
	err := logger.Initialize(logger.Config{
		Debug: false,
	})
	if err != nil {
		panic(err)
	}

	code := m.Run()
	os.Exit(code)
}

func headResponse(status int) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader(nil)),
	}
}

func TestResolver_Resolve(t *testing.T) {
	tests := []struct {
		name        string
		uri         string
		config      *uri.Config
		setupMocks  func(*mocks.MockHTTPClient)
		expected    string
		expectedErr string
	}{
		{
			name: "regular HTTPS URL passes through",
			uri:  "https://example.com/metadata.json",
			config: &uri.Config{
				IPFSGateways:    []string{"https://ipfs.io"},
				ArweaveGateways: []string{"https://arweave.net"},
			},
			expected: "https://example.com/metadata.json",
		},
		{
			name: "IPFS URI resolved through first working gateway",
			uri:  "ipfs://QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG",
			config: &uri.Config{
				IPFSGateways: []string{"https://ipfs.io"},
			},
			setupMocks: func(mockHTTP *mocks.MockHTTPClient) {
				mockHTTP.
					EXPECT().
					Head(gomock.Any(), "https://ipfs.io/ipfs/QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG").
					Return(headResponse(http.StatusOK), nil)
			},
			expected: "https://ipfs.io/ipfs/QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG",
		},
		{
			name: "IPFS gateway URL re-resolved through configured gateway",
			uri:  "https://other-gateway.example/ipfs/QmXxx",
			config: &uri.Config{
				IPFSGateways: []string{"https://ipfs.io"},
			},
			setupMocks: func(mockHTTP *mocks.MockHTTPClient) {
				mockHTTP.
					EXPECT().
					Head(gomock.Any(), "https://ipfs.io/ipfs/QmXxx").
					Return(headResponse(http.StatusOK), nil)
			},
			expected: "https://ipfs.io/ipfs/QmXxx",
		},
		{
			name: "Arweave URI resolved through gateway",
			uri:  "ar://abc123",
			config: &uri.Config{
				ArweaveGateways: []string{"https://arweave.net"},
			},
			setupMocks: func(mockHTTP *mocks.MockHTTPClient) {
				mockHTTP.
					EXPECT().
					Head(gomock.Any(), "https://arweave.net/abc123").
					Return(headResponse(http.StatusOK), nil)
			},
			expected: "https://arweave.net/abc123",
		},
		{
			name: "no working gateway",
			uri:  "ipfs://QmXxx",
			config: &uri.Config{
				IPFSGateways: []string{"https://ipfs.io", "https://gateway.pinata.cloud"},
			},
			setupMocks: func(mockHTTP *mocks.MockHTTPClient) {
				mockHTTP.
					EXPECT().
					Head(gomock.Any(), "https://ipfs.io/ipfs/QmXxx").
					Return(headResponse(http.StatusNotFound), nil)
				mockHTTP.
					EXPECT().
					Head(gomock.Any(), "https://gateway.pinata.cloud/ipfs/QmXxx").
					Return(nil, errors.New("connection refused"))
			},
			expectedErr: "no working gateway found",
		},
		{
			name:        "IPFS URI with no gateways configured",
			uri:         "ipfs://QmXxx",
			config:      &uri.Config{},
			expectedErr: "no gateways configured",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockHTTP := mocks.NewMockHTTPClient(ctrl)
			if tt.setupMocks != nil {
				tt.setupMocks(mockHTTP)
			}

			resolver := uri.NewResolver(mockHTTP, tt.config)
			resolved, err := resolver.Resolve(context.Background(), tt.uri)

			if tt.expectedErr != "" {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.expectedErr)
				return
			}

			assert.NoError(t, err)
			assert.Equal(t, tt.expected, resolved)
		})
	}
}
