package arbiterd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGitHubClientLookups(t *testing.T) {
	var authHeader string
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets", func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"full_name":"acme/widgets","created_at":"2020-01-02T03:04:05Z","stargazers_count":12,"forks_count":3,"owner":{"login":"acme"}}`))
	})
	mux.HandleFunc("/repos/acme/widgets/pulls/7", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"number":7,"merged":true,"merged_at":"2026-02-01T00:00:00Z","html_url":"https://example.test/pr/7","user":{"login":"alice"}}`))
	})
	mux.HandleFunc("/users/alice", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"login":"alice","created_at":"2015-06-01T00:00:00Z","followers":40}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewGitHubClient(srv.URL+"/", "secret-token", time.Second)
	ctx := context.Background()

	repo, err := client.Repository(ctx, "acme/widgets")
	require.NoError(t, err)
	require.Equal(t, "acme", repo.OwnerLogin)
	require.EqualValues(t, 12, repo.Stars)
	require.EqualValues(t, 3, repo.Forks)
	require.Equal(t, "Bearer secret-token", authHeader)

	pull, err := client.PullRequest(ctx, "acme/widgets", 7)
	require.NoError(t, err)
	require.True(t, pull.Merged)
	require.Equal(t, "alice", pull.AuthorLogin)
	require.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), pull.MergedAt.UTC())

	account, err := client.Account(ctx, "alice")
	require.NoError(t, err)
	require.EqualValues(t, 40, account.Followers)

	_, err = client.Repository(ctx, "acme/missing")
	require.ErrorIs(t, err, ErrRepositoryNotFound)
	_, err = client.PullRequest(ctx, "acme/widgets", 8)
	require.ErrorIs(t, err, ErrPullRequestNotFound)
	_, err = client.Account(ctx, "bob")
	require.ErrorIs(t, err, ErrAccountNotFound)
	_, err = client.Repository(ctx, "not-a-repo")
	require.Error(t, err)
}

func TestSplitRepository(t *testing.T) {
	owner, name, err := SplitRepository(" acme/widgets ")
	require.NoError(t, err)
	require.Equal(t, "acme", owner)
	require.Equal(t, "widgets", name)

	for _, bad := range []string{"", "acme", "/widgets", "acme/", "a/b/c"} {
		_, _, err := SplitRepository(bad)
		require.Error(t, err, bad)
	}
}
