package arbiterd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultGitHubURL = "https://api.github.com"

var (
	// ErrRepositoryNotFound is returned when the provider has no such
	// repository.
	ErrRepositoryNotFound = errors.New("provider: repository not found")
	// ErrPullRequestNotFound is returned when the provider has no such pull
	// request.
	ErrPullRequestNotFound = errors.New("provider: pull request not found")
	// ErrAccountNotFound is returned when the provider has no such account.
	ErrAccountNotFound = errors.New("provider: account not found")
)

// Repository is the provider view of a source repository.
type Repository struct {
	FullName   string
	OwnerLogin string
	CreatedAt  time.Time
	Stars      int64
	Forks      int64
}

// PullRequest is the provider view of a pull request.
type PullRequest struct {
	Number      int
	AuthorLogin string
	Merged      bool
	MergedAt    time.Time
	URL         string
}

// Account is the provider view of a user account.
type Account struct {
	Login     string
	CreatedAt time.Time
	Followers int64
}

// IdentityProvider answers the account and repository lookups the arbiter
// needs before confirming a claim.
type IdentityProvider interface {
	Repository(ctx context.Context, fullName string) (*Repository, error)
	PullRequest(ctx context.Context, fullName string, number int) (*PullRequest, error)
	Account(ctx context.Context, login string) (*Account, error)
}

// SplitRepository validates an "owner/name" reference.
func SplitRepository(fullName string) (string, string, error) {
	owner, name, ok := strings.Cut(strings.TrimSpace(fullName), "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("repository %q must be owner/name", fullName)
	}
	return owner, name, nil
}

// GitHubClient implements IdentityProvider over the GitHub REST API.
type GitHubClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewGitHubClient returns a client for baseURL. An empty token issues
// unauthenticated requests.
func NewGitHubClient(baseURL, token string, timeout time.Duration) *GitHubClient {
	if baseURL == "" {
		baseURL = defaultGitHubURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GitHubClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   strings.TrimSpace(token),
		http:    &http.Client{Timeout: timeout},
	}
}

type githubRepository struct {
	FullName  string    `json:"full_name"`
	CreatedAt time.Time `json:"created_at"`
	Stars     int64     `json:"stargazers_count"`
	Forks     int64     `json:"forks_count"`
	Owner     struct {
		Login string `json:"login"`
	} `json:"owner"`
}

type githubPull struct {
	Number   int        `json:"number"`
	Merged   bool       `json:"merged"`
	MergedAt *time.Time `json:"merged_at"`
	HTMLURL  string     `json:"html_url"`
	User     struct {
		Login string `json:"login"`
	} `json:"user"`
}

type githubUser struct {
	Login     string    `json:"login"`
	CreatedAt time.Time `json:"created_at"`
	Followers int64     `json:"followers"`
}

func (c *GitHubClient) Repository(ctx context.Context, fullName string) (*Repository, error) {
	owner, name, err := SplitRepository(fullName)
	if err != nil {
		return nil, err
	}
	var repo githubRepository
	if err := c.get(ctx, "/repos/"+url.PathEscape(owner)+"/"+url.PathEscape(name), &repo, ErrRepositoryNotFound); err != nil {
		return nil, err
	}
	return &Repository{
		FullName:   repo.FullName,
		OwnerLogin: repo.Owner.Login,
		CreatedAt:  repo.CreatedAt,
		Stars:      repo.Stars,
		Forks:      repo.Forks,
	}, nil
}

func (c *GitHubClient) PullRequest(ctx context.Context, fullName string, number int) (*PullRequest, error) {
	owner, name, err := SplitRepository(fullName)
	if err != nil {
		return nil, err
	}
	if number <= 0 {
		return nil, ErrPullRequestNotFound
	}
	var pull githubPull
	path := "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(name) + "/pulls/" + strconv.Itoa(number)
	if err := c.get(ctx, path, &pull, ErrPullRequestNotFound); err != nil {
		return nil, err
	}
	out := &PullRequest{Number: pull.Number, AuthorLogin: pull.User.Login, Merged: pull.Merged, URL: pull.HTMLURL}
	if pull.MergedAt != nil {
		out.MergedAt = *pull.MergedAt
	}
	return out, nil
}

func (c *GitHubClient) Account(ctx context.Context, login string) (*Account, error) {
	login = strings.TrimSpace(login)
	if login == "" {
		return nil, ErrAccountNotFound
	}
	var user githubUser
	if err := c.get(ctx, "/users/"+url.PathEscape(login), &user, ErrAccountNotFound); err != nil {
		return nil, err
	}
	return &Account{Login: user.Login, CreatedAt: user.CreatedAt, Followers: user.Followers}, nil
}

func (c *GitHubClient) get(ctx context.Context, path string, out interface{}, notFound error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("github %s: %w", path, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return notFound
	case resp.StatusCode >= 300:
		return fmt.Errorf("github %s: unexpected status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("github %s: decode: %w", path, err)
	}
	return nil
}
