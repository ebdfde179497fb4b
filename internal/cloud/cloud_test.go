package cloud

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airguard-gateway/internal/config"
	"airguard-gateway/internal/errs"
	"airguard-gateway/internal/packet"
)

func testPacket() packet.Packet {
	return packet.Packet{
		BatchID:     "5A17C2EF",
		SessionMs:   10342,
		SampleCount: 187,
		Lat:         packet.Float(33.88863),
		ReceivedTS:  time.Date(2025, 10, 6, 13, 25, 23, 0, time.UTC),
	}
}

func TestDeliver_PostsJSONWithBearer(t *testing.T) {
	var (
		gotAuth string
		gotType string
		gotBody map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	p := New(config.CloudConfig{URL: srv.URL, Token: "s3cret", Timeout: time.Second}, nil)
	require.NoError(t, p.Deliver(context.Background(), testPacket()))

	assert.Equal(t, "Bearer s3cret", gotAuth)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, "5A17C2EF", gotBody["batchId"])
	assert.Equal(t, "2025-10-06T13:25:23Z", gotBody["receivedTs"])
	assert.NotContains(t, gotBody, "lon")
	assert.Equal(t, Stats{Enabled: true, Sent: 1}, p.Stats())
}

func TestDeliver_NoTokenNoHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New(config.CloudConfig{URL: srv.URL, Timeout: time.Second}, nil)
	require.NoError(t, p.Deliver(context.Background(), testPacket()))
}

func TestDeliver_OnlyOKAndCreatedSucceed(t *testing.T) {
	for _, code := range []int{http.StatusAccepted, http.StatusNoContent, http.StatusBadRequest, http.StatusInternalServerError} {
		t.Run(http.StatusText(code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(code)
				_, _ = w.Write([]byte("nope\n"))
			}))
			defer srv.Close()

			p := New(config.CloudConfig{URL: srv.URL, Timeout: time.Second}, nil)
			err := p.Deliver(context.Background(), testPacket())
			require.Error(t, err)
			assert.True(t, errs.IsPublish(err))
			assert.Equal(t, uint64(1), p.Stats().Failed)
		})
	}
}

func TestDeliver_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	p := New(config.CloudConfig{URL: srv.URL, Timeout: 50 * time.Millisecond}, nil)
	start := time.Now()
	err := p.Deliver(context.Background(), testPacket())
	require.Error(t, err)
	assert.True(t, errs.IsPublish(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDeliver_UnreachableIsPublishError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := New(config.CloudConfig{URL: url, Timeout: time.Second}, nil)
	err := p.Deliver(context.Background(), testPacket())
	assert.True(t, errs.IsPublish(err))
}

func TestDeliver_UnconfiguredIsNoop(t *testing.T) {
	p := New(config.CloudConfig{}, nil)
	require.NoError(t, p.Deliver(context.Background(), testPacket()))
	assert.Equal(t, Stats{}, p.Stats())
}
