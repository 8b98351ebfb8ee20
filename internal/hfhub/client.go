package hfhub

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lamim/rewardforge/internal/config"
)

const (
	// DefaultTimeout bounds repo API and commit calls when the config does
	// not override it.
	DefaultTimeout = 120 * time.Second
	// TransferTimeout bounds LFS uploads and resolve downloads, which move
	// whole weight files.
	TransferTimeout = 600 * time.Second
	// LogPreviewLength is the maximum length for payload previews in logs.
	LogPreviewLength = 500
)

// RepoType selects the hub namespace a repository lives in.
type RepoType string

const (
	RepoTypeModel   RepoType = "model"
	RepoTypeDataset RepoType = "dataset"
)

// apiPath returns the API namespace segment for the repo type.
func (t RepoType) apiPath() string {
	if t == RepoTypeDataset {
		return "datasets"
	}
	return "models"
}

// Client talks to a Hugging Face compatible hub. It pushes trained adapters
// to model repositories and pulls dataset files into the local cache.
type Client struct {
	endpoint   string
	token      string
	private    bool
	maxRetries int
	rateLimit  int
	retryBase  time.Duration

	apiClient      *http.Client // Repo checks and creation
	commitClient   *http.Client // NDJSON commits
	lfsClient      *http.Client // LFS batch and file transfers
	downloadClient *http.Client // Resolve downloads

	limiter *RateLimiterPool
	logger  *slog.Logger
}

// NewClient creates a hub client from the hub configuration. The token may
// be empty for anonymous downloads from public repositories.
func NewClient(cfg config.HubConfig, token string, logger *slog.Logger) *Client {
	apiTimeout := DefaultTimeout
	if cfg.HTTPTimeoutSeconds > 0 {
		apiTimeout = time.Duration(cfg.HTTPTimeoutSeconds) * time.Second
	}
	transferTimeout := TransferTimeout
	if apiTimeout > transferTimeout {
		transferTimeout = apiTimeout
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		endpoint:       strings.TrimRight(cfg.Endpoint, "/"),
		token:          token,
		private:        cfg.Private,
		maxRetries:     maxRetries,
		rateLimit:      cfg.RateLimitPerMinute,
		retryBase:      2 * time.Second,
		apiClient:      &http.Client{Timeout: apiTimeout},
		commitClient:   &http.Client{Timeout: apiTimeout},
		lfsClient:      &http.Client{Timeout: transferTimeout},
		downloadClient: &http.Client{Timeout: transferTimeout},
		limiter:        NewRateLimiterPool(),
		logger:         logger.With("component", "hub_client"),
	}
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) wait(ctx context.Context, host string) error {
	return c.limiter.Wait(ctx, host, c.rateLimit)
}

// withRetry runs fn with exponential backoff and jitter between attempts.
// Waiting stops early when ctx is canceled.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	backoff := c.retryBase

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := backoff + time.Duration(rand.Int63n(int64(backoff/2)+1))
			c.logger.Warn("Retrying hub operation",
				"operation", op,
				"attempt", attempt,
				"max_retries", c.maxRetries,
				"backoff", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}

		err := fn()
		if err == nil {
			if attempt > 0 {
				c.logger.Info("Hub operation succeeded after retry", "operation", op, "attempt", attempt)
			}
			return nil
		}

		lastErr = err
		c.logger.Warn("Hub operation failed",
			"operation", op,
			"attempt", attempt,
			"error", err)
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, c.maxRetries+1, lastErr)
}

// EnsureRepo checks that the model repository exists and creates it when
// the hub reports it missing.
func (c *Client) EnsureRepo(ctx context.Context, repoID string) error {
	checkURL := fmt.Sprintf("%s/api/models/%s", c.endpoint, repoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, checkURL, nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	if err := c.wait(ctx, req.URL.Host); err != nil {
		return err
	}
	resp, err := c.apiClient.Do(req)
	if err == nil && resp.StatusCode == http.StatusOK {
		_ = resp.Body.Close()
		c.logger.Info("Repository already exists", "repo_id", repoID)
		return nil
	}
	if resp != nil {
		_ = resp.Body.Close()
	}

	parts := strings.Split(repoID, "/")
	if len(parts) != 2 {
		return fmt.Errorf("invalid repo id, expected 'owner/name', got %q", repoID)
	}

	payload := map[string]interface{}{
		"name":    parts[1],
		"type":    "model",
		"private": c.private,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	createURL := c.endpoint + "/api/repos/create"
	req, err = http.NewRequestWithContext(ctx, http.MethodPost, createURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug("Creating repository", "url", createURL, "name", parts[1])

	if err := c.wait(ctx, req.URL.Host); err != nil {
		return err
	}
	resp, err = c.apiClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusConflict {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("create repo failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	c.logger.Info("Repository created", "repo_id", repoID)
	return nil
}

// PushAdapter uploads every regular file in an adapter directory to the
// model repository as a single commit. Weight files above the embed
// threshold go through LFS first. It returns the number of adapter payload
// bytes shipped.
func (c *Client) PushAdapter(ctx context.Context, repoID, dir, message string) (int64, error) {
	c.logger.Info("Starting adapter upload", "repo_id", repoID, "dir", dir)

	if err := c.EnsureRepo(ctx, repoID); err != nil {
		return 0, fmt.Errorf("failed to ensure repository: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read adapter directory: %w", err)
	}

	operations := []CommitOperation{gitAttributesOperation()}
	var lfsFiles []LFSPointer
	filePaths := make(map[string]string) // oid -> local path
	var totalBytes int64

	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		localPath := filepath.Join(dir, entry.Name())

		op, err := PrepareFileOperation(localPath, entry.Name())
		if err != nil {
			return 0, fmt.Errorf("failed to prepare %s: %w", entry.Name(), err)
		}
		operations = append(operations, *op)

		if op.LFSFile != nil {
			lfsFiles = append(lfsFiles, LFSPointer{OID: op.LFSFile.SHA256, Size: op.LFSFile.Size})
			filePaths[op.LFSFile.SHA256] = localPath
			totalBytes += op.LFSFile.Size
			c.logger.Debug("File will use LFS", "file", entry.Name(), "size", op.LFSFile.Size)
		} else {
			if info, err := entry.Info(); err == nil {
				totalBytes += info.Size()
			}
			c.logger.Debug("File will be embedded", "file", entry.Name())
		}
	}

	if len(operations) <= 1 {
		return 0, fmt.Errorf("no adapter files found in %s", dir)
	}

	if len(lfsFiles) > 0 {
		c.logger.Info("Uploading LFS files", "count", len(lfsFiles))

		var uploadMap map[string]*LFSUploadInfo
		err := c.withRetry(ctx, "lfs preupload", func() error {
			var err error
			uploadMap, err = c.preuploadLFS(ctx, repoID, lfsFiles)
			return err
		})
		if err != nil {
			return 0, err
		}

		for oid, uploadInfo := range uploadMap {
			localPath := filePaths[oid]
			err := c.withRetry(ctx, "lfs upload", func() error {
				return c.uploadLFSFile(ctx, uploadInfo, localPath)
			})
			if err != nil {
				return 0, fmt.Errorf("failed to upload LFS file %s: %w", localPath, err)
			}
		}
	}

	if err := c.createCommit(ctx, repoID, "main", operations, message); err != nil {
		return 0, fmt.Errorf("failed to create commit: %w", err)
	}

	c.logger.Info("Adapter upload completed",
		"repo_id", repoID,
		"url", fmt.Sprintf("%s/%s", c.endpoint, repoID))

	return totalBytes, nil
}

func (c *Client) createCommit(ctx context.Context, repoID, branch string, operations []CommitOperation, message string) error {
	url := fmt.Sprintf("%s/api/models/%s/commit/%s", c.endpoint, repoID, branch)

	// The commit API takes newline-delimited JSON: one header line, then
	// one line per file, embedded or LFS.
	var ndjsonLines []string

	header := map[string]interface{}{
		"key": "header",
		"value": map[string]string{
			"summary":     message,
			"description": "",
		},
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	ndjsonLines = append(ndjsonLines, string(headerJSON))

	for _, op := range operations {
		var fileLine map[string]interface{}
		if op.LFSFile != nil {
			fileLine = map[string]interface{}{
				"key": "lfsFile",
				"value": map[string]interface{}{
					"path": op.Path,
					"algo": "sha256",
					"oid":  op.LFSFile.SHA256,
					"size": op.LFSFile.Size,
				},
			}
		} else {
			fileLine = map[string]interface{}{
				"key": "file",
				"value": map[string]interface{}{
					"content":  op.Content,
					"path":     op.Path,
					"encoding": "base64",
				},
			}
		}
		fileJSON, err := json.Marshal(fileLine)
		if err != nil {
			return fmt.Errorf("failed to marshal operation for %s: %w", op.Path, err)
		}
		ndjsonLines = append(ndjsonLines, string(fileJSON))
	}

	ndjsonPayload := strings.Join(ndjsonLines, "\n")

	if len(ndjsonPayload) > LogPreviewLength {
		c.logger.Debug("Commit payload (NDJSON)", "preview", ndjsonPayload[:LogPreviewLength]+"...")
	} else {
		c.logger.Debug("Commit payload (NDJSON)", "preview", ndjsonPayload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(ndjsonPayload))
	if err != nil {
		return err
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/x-ndjson")

	c.logger.Debug("Creating commit", "url", url, "operations", len(operations))

	if err := c.wait(ctx, req.URL.Host); err != nil {
		return err
	}
	resp, err := c.commitClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("commit failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	c.logger.Debug("Commit response", "status", resp.StatusCode, "body", string(bodyBytes))
	c.logger.Info("Commit created", "branch", branch, "operations", len(operations))
	return nil
}

// gitAttributesOperation pins the standard hub LFS patterns so weight files
// above the embed threshold resolve through LFS.
func gitAttributesOperation() CommitOperation {
	content := `*.7z filter=lfs diff=lfs merge=lfs -text
*.arrow filter=lfs diff=lfs merge=lfs -text
*.bin filter=lfs diff=lfs merge=lfs -text
*.bz2 filter=lfs diff=lfs merge=lfs -text
*.ckpt filter=lfs diff=lfs merge=lfs -text
*.gz filter=lfs diff=lfs merge=lfs -text
*.h5 filter=lfs diff=lfs merge=lfs -text
*.lfs.* filter=lfs diff=lfs merge=lfs -text
*.model filter=lfs diff=lfs merge=lfs -text
*.msgpack filter=lfs diff=lfs merge=lfs -text
*.npy filter=lfs diff=lfs merge=lfs -text
*.npz filter=lfs diff=lfs merge=lfs -text
*.onnx filter=lfs diff=lfs merge=lfs -text
*.parquet filter=lfs diff=lfs merge=lfs -text
*.pb filter=lfs diff=lfs merge=lfs -text
*.pickle filter=lfs diff=lfs merge=lfs -text
*.pkl filter=lfs diff=lfs merge=lfs -text
*.pt filter=lfs diff=lfs merge=lfs -text
*.pth filter=lfs diff=lfs merge=lfs -text
*.safetensors filter=lfs diff=lfs merge=lfs -text
*.tar filter=lfs diff=lfs merge=lfs -text
*.tar.* filter=lfs diff=lfs merge=lfs -text
*.tflite filter=lfs diff=lfs merge=lfs -text
*.tgz filter=lfs diff=lfs merge=lfs -text
*.wasm filter=lfs diff=lfs merge=lfs -text
*.xz filter=lfs diff=lfs merge=lfs -text
*.zip filter=lfs diff=lfs merge=lfs -text
*.zst filter=lfs diff=lfs merge=lfs -text
*tfevents* filter=lfs diff=lfs merge=lfs -text
`
	return CommitOperation{
		Operation: "add",
		Path:      ".gitattributes",
		Content:   base64.StdEncoding.EncodeToString([]byte(content)),
		Encoding:  "base64",
	}
}
