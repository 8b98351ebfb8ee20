package hfhub

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// DownloadFile fetches one file from a repository revision into destPath.
// The body lands in a temp file and renames into place, so a partial
// download never shows up at destPath.
func (c *Client) DownloadFile(ctx context.Context, kind RepoType, repoID, revision, pathInRepo, destPath string) error {
	url := c.resolveURL(kind, repoID, revision, pathInRepo)
	c.logger.Info("Downloading file", "url", url, "dest", destPath)

	return c.withRetry(ctx, "download "+pathInRepo, func() error {
		return c.downloadOnce(ctx, url, destPath)
	})
}

// resolveURL builds the raw-file URL. Model repos live at the endpoint
// root; every other repo type gets a namespace prefix.
func (c *Client) resolveURL(kind RepoType, repoID, revision, pathInRepo string) string {
	if kind == RepoTypeModel {
		return fmt.Sprintf("%s/%s/resolve/%s/%s", c.endpoint, repoID, revision, pathInRepo)
	}
	return fmt.Sprintf("%s/%s/%s/resolve/%s/%s", c.endpoint, kind.apiPath(), repoID, revision, pathInRepo)
}

func (c *Client) downloadOnce(ctx context.Context, url, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	if err := c.wait(ctx, req.URL.Host); err != nil {
		return err
	}
	resp, err := c.downloadClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, LogPreviewLength))
		return fmt.Errorf("download failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".download-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	written, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write download: %w", err)
	}
	if err := os.Rename(tmp.Name(), destPath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to finalize download: %w", err)
	}

	c.logger.Info("File downloaded", "dest", destPath, "bytes", written)
	return nil
}

// FetchDatasetFile returns a local path for a dataset file, downloading it
// into the cache directory on first use.
func (c *Client) FetchDatasetFile(ctx context.Context, repoID, remotePath, cacheDir string) (string, error) {
	local := filepath.Join(cacheDir, strings.ReplaceAll(repoID, "/", "--"), filepath.FromSlash(remotePath))
	if _, err := os.Stat(local); err == nil {
		c.logger.Debug("Using cached dataset file", "path", local)
		return local, nil
	}

	if err := c.DownloadFile(ctx, RepoTypeDataset, repoID, "main", remotePath, local); err != nil {
		return "", err
	}
	return local, nil
}
