package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(ClientConfig{
		BaseURL:    srv.URL,
		Username:   "admin",
		Password:   "secret",
		EndpointID: 1,
		Timeout:    5 * time.Second,
	}, zerolog.Nop())
	require.NoError(t, err)
	client.sleep = func(time.Duration) {}
	return client, srv
}

func TestAuthenticateRetriesThenSucceeds(t *testing.T) {
	attempts := 0
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/auth", r.URL.Path)
		var req authRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "admin", req.Username)

		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(authResponse{JWT: "token-123"})
	}))

	err := client.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, "token-123", client.token)
}

func TestAuthenticateFailsAfterRetries(t *testing.T) {
	attempts := 0
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
	}))

	err := client.Authenticate(context.Background())
	require.ErrorIs(t, err, ErrAuth)
	assert.Equal(t, 3, attempts)
}

func TestListStacksMapsStatus(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/stacks", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode([]apiStack{
			{ID: 1, Name: "web", Status: 1, EndpointID: 1},
			{ID: 2, Name: "batch", Status: 2, EndpointID: 1},
			{ID: 3, Name: "broken", Status: 9, EndpointID: 1},
		})
	}))
	client.token = "tok"

	stacks, err := client.ListStacks(context.Background())
	require.NoError(t, err)
	require.Len(t, stacks, 3)
	assert.Equal(t, StatusRunning, stacks[0].Status)
	assert.Equal(t, StatusStopped, stacks[1].Status)
	assert.Equal(t, StatusError, stacks[2].Status)
}

func TestGetStackFile(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/stacks/7/file", r.URL.Path)
		json.NewEncoder(w).Encode(stackFileResponse{StackFileContent: "services:\n  web:\n    image: nginx\n"})
	}))

	content, err := client.GetStackFile(context.Background(), 7)
	require.NoError(t, err)
	assert.Contains(t, content, "image: nginx")
}

func TestCreateStackConflict(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))

	_, err := client.CreateStack(context.Background(), "web", "services: {}", nil)
	require.ErrorIs(t, err, ErrConflict)
}

func TestCreateStack(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/stacks/create/standalone/string", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("endpointId"))

		var req createStackRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "web", req.Name)
		json.NewEncoder(w).Encode(createStackResponse{ID: 42})
	}))

	id, err := client.CreateStack(context.Background(), "web", "services: {}", []EnvVar{{Name: "A", Value: "1"}})
	require.NoError(t, err)
	assert.Equal(t, 42, id)
}

func TestStartStackVerifies(t *testing.T) {
	var listCalls int
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/stacks/5/start":
			w.WriteHeader(http.StatusOK)
		case "/api/stacks":
			listCalls++
			json.NewEncoder(w).Encode([]apiStack{{ID: 5, Name: "web", Status: 1}})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	require.NoError(t, client.StartStack(context.Background(), 5))
	assert.Equal(t, 1, listCalls, "start must be followed by a verification read")
}

func TestStopStackAPIError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(APIError{Message: "endpoint unavailable"})
	}))

	err := client.StopStack(context.Background(), 5)
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "endpoint unavailable", apiErr.Message)
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
}

func TestListContainersForStackUsesComposeLabel(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/endpoints/1/docker/containers/json", r.URL.Path)

		raw := r.URL.Query().Get("filters")
		var filters map[string][]string
		require.NoError(t, json.Unmarshal([]byte(raw), &filters))
		assert.Equal(t, []string{"com.docker.compose.project=web"}, filters["label"])

		json.NewEncoder(w).Encode([]Container{
			{ID: "abc", Names: []string{"/web-app-1"}, State: "running", Labels: map[string]string{composeProjectLabel: "web"}},
		})
	}))

	containers, err := client.ListContainersForStack(context.Background(), "web")
	require.NoError(t, err)
	require.Len(t, containers, 1)
	assert.True(t, containers[0].Running())
}
