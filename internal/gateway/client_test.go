package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", "secret", time.Second)
}

func TestCreateInstance(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/instance/create", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("apikey"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "wa-1-1", body["instanceName"])
		webhook := body["webhook"].(map[string]any)
		assert.Equal(t, "http://svc/webhooks/whatsapp", webhook["url"])

		_, _ = w.Write([]byte(`{"instance":{"instanceName":"wa-1-1","instanceId":"abc","status":"created"},"qrcode":{"code":"2@q","base64":""}}`))
	})

	out, err := c.CreateInstance(context.Background(), "wa-1-1", "http://svc/webhooks/whatsapp")
	require.NoError(t, err)
	assert.Equal(t, "abc", out.InstanceID)
	require.NotNil(t, out.QR)
	assert.Equal(t, "2@q", out.QR.Code)
}

func TestConnectionState_BothShapes(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/instance/connectionState/old" {
			_, _ = w.Write([]byte(`{"state":"close"}`))
			return
		}
		_, _ = w.Write([]byte(`{"instance":{"state":"open"}}`))
	})

	s, err := c.ConnectionState(context.Background(), "new")
	require.NoError(t, err)
	assert.Equal(t, "open", s)

	s, err = c.ConnectionState(context.Background(), "old")
	require.NoError(t, err)
	assert.Equal(t, "close", s)
}

func TestDo_APIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":400,"error":"Bad Request","response":{"message":["instance name in use"]}}`))
	})

	err := c.Restart(context.Background(), "x")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "instance name in use", apiErr.Message)
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "plain", errorMessage([]byte(`{"message":"plain"}`), 500))
	assert.Equal(t, "a; b", errorMessage([]byte(`{"message":["a","b"]}`), 500))
	assert.Equal(t, "boom", errorMessage([]byte(`{"error":"boom"}`), 500))
	assert.Equal(t, "not json", errorMessage([]byte("not json"), 500))
	assert.Equal(t, "Bad Gateway", errorMessage(nil, http.StatusBadGateway))
}

func TestSendTextAndFindMessages(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/message/sendText/inst":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "5551", body["number"])
			_, _ = w.Write([]byte(`{"key":{"id":"OUT9"}}`))
		case "/chat/findMessages/inst":
			_, _ = w.Write([]byte(`{"messages":{"total":1,"records":[{"key":{"id":"M1"}}]}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	sent, err := c.SendText(context.Background(), "inst", "5551", "hello")
	require.NoError(t, err)
	assert.Equal(t, "OUT9", sent.ID)

	msgs, err := c.FindMessages(context.Background(), "inst", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "M1", msgs[0]["key"].(map[string]any)["id"])
}
