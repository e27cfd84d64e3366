package socialgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/graphassets/engine/domain/assets/ingest"
	"github.com/graphassets/engine/infrastructure/resilience"
)

// UpstreamClient fetches follower/following/post data from the upstream
// social graph API over HTTP and persists both the raw rows (via Store)
// and the sync run record (via Runs), satisfying domain/assets/ingest.UpstreamClient.
// Grounded on infrastructure/datafeed.Client's *http.Client + JSON style.
type UpstreamClient struct {
	httpClient *http.Client
	baseURL    string
	store      *Store
	runs       RunRecorder
	retry      resilience.RetryConfig
}

// RunRecorder persists sync run rows; satisfied by infrastructure/assetstore.Store.
type RunRecorder interface {
	CreateFollowersSyncRun(ctx context.Context, id string, targetUserID int64, mode ingest.SyncMode, status ingest.SyncStatus, completedAt *time.Time) error
	CreateFollowingsSyncRun(ctx context.Context, id string, targetUserID int64, mode ingest.SyncMode, status ingest.SyncStatus, completedAt *time.Time) error
	CreatePostsSyncRun(ctx context.Context, id string, targetUserIDs []int64, status ingest.SyncStatus, completedAt *time.Time) error
}

func NewUpstreamClient(baseURL string, timeout time.Duration, store *Store, runs RunRecorder) *UpstreamClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &UpstreamClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		store:      store,
		runs:       runs,
		retry:      resilience.DefaultRetryConfig(),
	}
}

type followersPage struct {
	UserIDs []int64 `json:"user_ids"`
}

type postsPage struct {
	Posts []struct {
		PostID    int64 `json:"post_id"`
		AuthorID  int64 `json:"author_id"`
		CreatedAt int64 `json:"created_at_unix"`
	} `json:"posts"`
}

// SyncFollowers satisfies ingest.UpstreamClient: fetches the users who
// follow targetUserID and replaces the stored edge set.
func (c *UpstreamClient) SyncFollowers(ctx context.Context, targetUserID int64, mode ingest.SyncMode) (*ingest.SyncRun, error) {
	var page followersPage
	err := resilience.Retry(ctx, c.retry, func() error {
		return c.getJSON(ctx, fmt.Sprintf("/users/%d/followers", targetUserID), &page)
	})
	runID := uuid.NewString()
	now := time.Now()
	if err != nil {
		_ = c.runs.CreateFollowersSyncRun(ctx, runID, targetUserID, mode, ingest.SyncStatusError, nil)
		return nil, classifyUpstreamError(err)
	}
	if err := c.store.ReplaceFollowersOf(ctx, targetUserID, page.UserIDs); err != nil {
		return nil, err
	}
	if err := c.runs.CreateFollowersSyncRun(ctx, runID, targetUserID, mode, ingest.SyncStatusSuccess, &now); err != nil {
		return nil, err
	}
	return &ingest.SyncRun{
		ID:          runID,
		TargetID:    strconv.FormatInt(targetUserID, 10),
		Kind:        ingest.KindFollowers,
		Status:      ingest.SyncStatusSuccess,
		SyncMode:    mode,
		CompletedAt: &now,
	}, nil
}

// SyncFollowed satisfies ingest.UpstreamClient: fetches who targetUserID
// follows and replaces the stored edge set.
func (c *UpstreamClient) SyncFollowed(ctx context.Context, targetUserID int64, mode ingest.SyncMode) (*ingest.SyncRun, error) {
	var page followersPage
	err := resilience.Retry(ctx, c.retry, func() error {
		return c.getJSON(ctx, fmt.Sprintf("/users/%d/following", targetUserID), &page)
	})
	runID := uuid.NewString()
	now := time.Now()
	if err != nil {
		_ = c.runs.CreateFollowingsSyncRun(ctx, runID, targetUserID, mode, ingest.SyncStatusError, nil)
		return nil, classifyUpstreamError(err)
	}
	if err := c.store.ReplaceFollowedByOf(ctx, targetUserID, page.UserIDs); err != nil {
		return nil, err
	}
	if err := c.runs.CreateFollowingsSyncRun(ctx, runID, targetUserID, mode, ingest.SyncStatusSuccess, &now); err != nil {
		return nil, err
	}
	return &ingest.SyncRun{
		ID:          runID,
		TargetID:    strconv.FormatInt(targetUserID, 10),
		Kind:        ingest.KindFollowed,
		Status:      ingest.SyncStatusSuccess,
		SyncMode:    mode,
		CompletedAt: &now,
	}, nil
}

// SyncPosts satisfies ingest.UpstreamClient: fetches posts authored by any
// user in targetUserIDs and upserts them.
func (c *UpstreamClient) SyncPosts(ctx context.Context, targetUserIDs []int64) (*ingest.SyncRun, error) {
	var page postsPage
	ids := make([]string, len(targetUserIDs))
	for i, id := range targetUserIDs {
		ids[i] = strconv.FormatInt(id, 10)
	}
	err := resilience.Retry(ctx, c.retry, func() error {
		return c.getJSON(ctx, "/posts?author_ids="+strings.Join(ids, ","), &page)
	})
	runID := uuid.NewString()
	now := time.Now()
	if err != nil {
		_ = c.runs.CreatePostsSyncRun(ctx, runID, targetUserIDs, ingest.SyncStatusError, nil)
		return nil, classifyUpstreamError(err)
	}

	posts := make([]Post, len(page.Posts))
	for i, p := range page.Posts {
		posts[i] = Post{PostID: p.PostID, AuthorUserID: p.AuthorID, CreatedAtUnix: p.CreatedAt}
	}
	if err := c.store.UpsertPosts(ctx, posts); err != nil {
		return nil, err
	}
	if err := c.runs.CreatePostsSyncRun(ctx, runID, targetUserIDs, ingest.SyncStatusSuccess, &now); err != nil {
		return nil, err
	}
	return &ingest.SyncRun{
		ID:          runID,
		Kind:        ingest.KindPosts,
		Status:      ingest.SyncStatusSuccess,
		SyncMode:    ingest.ModeFull,
		CompletedAt: &now,
	}, nil
}

func (c *UpstreamClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return ingest.ErrRateLimited{Detail: path}
	}
	if resp.StatusCode >= 300 {
		return ingest.ErrUpstreamFailed{Detail: fmt.Sprintf("%s: status %d", path, resp.StatusCode)}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func classifyUpstreamError(err error) error {
	switch err.(type) {
	case ingest.ErrRateLimited, ingest.ErrUpstreamFailed:
		return err
	default:
		return ingest.ErrUpstreamFailed{Detail: err.Error()}
	}
}
