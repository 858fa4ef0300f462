package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botpilot/botpilot/internal/answers"
	"github.com/botpilot/botpilot/internal/bots"
	"github.com/botpilot/botpilot/internal/config"
)

func remoteConfig() config.RemoteConfig {
	cfg := config.Defaults().Remote
	cfg.Owner = "octo"
	cfg.Repo = "fleet"
	return cfg
}

func TestTriggerPostsWorkflowDispatch(t *testing.T) {
	var (
		gotPath   string
		gotAuth   string
		gotAccept string
		gotBody   dispatchRequest
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client, err := NewClient(remoteConfig(), WithBaseURL(server.URL+"/"), WithToken("ghp_test"))
	require.NoError(t, err)

	bot := bots.Bot{Name: "wallet", Dir: "bots/wallet", Type: bots.TypePython}
	replies := []string{"n", "2", "3", "4", "5", "6", "7", "8", "9", "10"}
	require.NoError(t, client.Trigger(context.Background(), bot, replies))

	assert.Equal(t, "/repos/octo/fleet/actions/workflows/run-single-bots.yml/dispatches", gotPath)
	assert.Equal(t, "Bearer ghp_test", gotAuth)
	assert.Equal(t, "application/vnd.github+json", gotAccept)
	assert.Equal(t, "main", gotBody.Ref)
	assert.Equal(t, "wallet", gotBody.Inputs["bot_name"])
	assert.Equal(t, "bots/wallet", gotBody.Inputs["bot_path"])
	assert.Equal(t, "python", gotBody.Inputs["bot_type"])
	assert.Equal(t, "60", gotBody.Inputs["duration_minutes"])

	path := filepath.Join(t.TempDir(), "replayed.json")
	require.NoError(t, os.WriteFile(path, []byte(gotBody.Inputs["answers"]), 0o600))
	decoded, err := answers.Load(path)
	require.NoError(t, err)
	assert.Equal(t, replies, decoded, "answers input must keep replay order")
}

func TestTriggerReportsResponseBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"Unexpected inputs provided"}`))
	}))
	defer server.Close()

	client, err := NewClient(remoteConfig(), WithBaseURL(server.URL), WithToken("t"))
	require.NoError(t, err)

	err = client.Trigger(context.Background(), bots.Bot{Name: "wallet"}, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Contains(t, err.Error(), "Unexpected inputs provided")
}

func TestNewClientTokenLookup(t *testing.T) {
	cfg := remoteConfig()
	cfg.TokenEnv = "BOTPILOT_TEST_TOKEN"

	t.Setenv("BOTPILOT_TEST_TOKEN", "")
	t.Setenv("GH_TOKEN", "")
	if _, err := NewClient(cfg); !errors.Is(err, ErrNoToken) {
		t.Fatalf("NewClient() error = %v, want ErrNoToken", err)
	}

	t.Setenv("GH_TOKEN", "from-gh")
	client, err := NewClient(cfg)
	require.NoError(t, err)
	assert.Equal(t, "from-gh", client.token)

	t.Setenv("BOTPILOT_TEST_TOKEN", "from-config")
	client, err = NewClient(cfg)
	require.NoError(t, err)
	assert.Equal(t, "from-config", client.token)
}

func TestNewClientRequiresRepository(t *testing.T) {
	cfg := remoteConfig()
	cfg.Repo = " "
	_, err := NewClient(cfg, WithToken("t"))
	if err == nil || !strings.Contains(err.Error(), "owner and repo") {
		t.Fatalf("NewClient() error = %v", err)
	}
}

func TestNilClient(t *testing.T) {
	var client *Client
	if err := client.Trigger(context.Background(), bots.Bot{}, nil); err == nil {
		t.Fatal("expected error from nil client")
	}
}
