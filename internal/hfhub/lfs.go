package hfhub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
)

// LFSPointer identifies one object for the LFS batch API.
type LFSPointer struct {
	OID  string `json:"oid"` // SHA256 hex string
	Size int64  `json:"size"`
}

// LFSUploadInfo carries the presigned upload target for one object.
type LFSUploadInfo struct {
	OID       string            `json:"oid"`
	Size      int64             `json:"size"`
	UploadURL string            `json:"-"` // From actions.upload.href
	Header    map[string]string `json:"-"` // From actions.upload.header
}

// LFSBatchObject is one object in the batch request and response.
type LFSBatchObject struct {
	OID     string      `json:"oid"`
	Size    int64       `json:"size"`
	Actions *LFSActions `json:"actions,omitempty"` // nil when the server already has the object
}

// LFSActions holds the transfer actions the server granted.
type LFSActions struct {
	Upload *LFSAction `json:"upload,omitempty"`
	Verify *LFSAction `json:"verify,omitempty"`
}

// LFSAction is a single presigned transfer target.
type LFSAction struct {
	Href   string            `json:"href"`
	Header map[string]string `json:"header"`
}

// LFSBatchRequest is the git-lfs batch payload.
type LFSBatchRequest struct {
	Operation string           `json:"operation"` // Always "upload"
	Transfers []string         `json:"transfers"`
	Objects   []LFSBatchObject `json:"objects"`
	HashAlgo  string           `json:"hash_algo"` // Always "sha256"
}

// LFSBatchResponse is the git-lfs batch reply.
type LFSBatchResponse struct {
	Objects  []LFSBatchObject `json:"objects"`
	Transfer string           `json:"transfer,omitempty"`
}

// preuploadLFS asks the repository's LFS batch endpoint for upload
// instructions. Objects the server already stores come back without
// actions, which means no upload is needed.
func (c *Client) preuploadLFS(ctx context.Context, repoID string, files []LFSPointer) (map[string]*LFSUploadInfo, error) {
	if len(files) == 0 {
		return map[string]*LFSUploadInfo{}, nil
	}

	url := fmt.Sprintf("%s/%s.git/info/lfs/objects/batch", c.endpoint, repoID)

	objects := make([]LFSBatchObject, len(files))
	for i, file := range files {
		objects[i] = LFSBatchObject{OID: file.OID, Size: file.Size}
	}
	payload := LFSBatchRequest{
		Operation: "upload",
		Transfers: []string{"basic", "multipart"},
		Objects:   objects,
		HashAlgo:  "sha256",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/vnd.git-lfs+json")
	req.Header.Set("Accept", "application/vnd.git-lfs+json")

	c.logger.Debug("LFS batch request", "url", url, "file_count", len(files))

	if err := c.wait(ctx, req.URL.Host); err != nil {
		return nil, err
	}
	resp, err := c.lfsClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("LFS batch failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var batchResp LFSBatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&batchResp); err != nil {
		return nil, fmt.Errorf("failed to decode LFS batch response: %w", err)
	}

	uploadMap := make(map[string]*LFSUploadInfo)
	for _, obj := range batchResp.Objects {
		info := &LFSUploadInfo{OID: obj.OID, Size: obj.Size}
		if obj.Actions != nil && obj.Actions.Upload != nil {
			info.UploadURL = obj.Actions.Upload.Href
			info.Header = obj.Actions.Upload.Header
		}
		uploadMap[obj.OID] = info
	}

	c.logger.Info("LFS batch completed", "objects", len(uploadMap), "transfer", batchResp.Transfer)
	return uploadMap, nil
}

// uploadLFSFile sends one object to its presigned target, choosing the
// multipart protocol when the server granted chunked part URLs.
func (c *Client) uploadLFSFile(ctx context.Context, uploadInfo *LFSUploadInfo, filePath string) error {
	if uploadInfo.UploadURL == "" {
		c.logger.Debug("LFS file already exists on server", "oid", uploadInfo.OID)
		return nil
	}

	if chunkSizeStr, ok := uploadInfo.Header["chunk_size"]; ok {
		return c.uploadLFSMultipart(ctx, uploadInfo, filePath, chunkSizeStr)
	}
	return c.uploadLFSBasic(ctx, uploadInfo, filePath)
}

func (c *Client) uploadLFSBasic(ctx context.Context, uploadInfo *LFSUploadInfo, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	fileInfo, err := file.Stat()
	if err != nil {
		return err
	}

	c.logger.Debug("Uploading LFS file (basic)", "oid", uploadInfo.OID, "size", fileInfo.Size())

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadInfo.UploadURL, file)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = fileInfo.Size()

	// Extra headers from the batch response, minus multipart bookkeeping.
	for key, value := range uploadInfo.Header {
		if key != "chunk_size" && !isNumericKey(key) {
			req.Header.Set(key, value)
		}
	}

	if err := c.wait(ctx, req.URL.Host); err != nil {
		return err
	}
	resp, err := c.lfsClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("LFS upload failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	c.logger.Info("LFS file uploaded (basic)", "oid", uploadInfo.OID, "size", fileInfo.Size())
	return nil
}

func (c *Client) uploadLFSMultipart(ctx context.Context, uploadInfo *LFSUploadInfo, filePath, chunkSizeStr string) error {
	chunkSize := int64(0)
	if _, err := fmt.Sscanf(chunkSizeStr, "%d", &chunkSize); err != nil || chunkSize <= 0 {
		return fmt.Errorf("invalid chunk_size: %s", chunkSizeStr)
	}

	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	fileInfo, err := file.Stat()
	if err != nil {
		return err
	}

	partURLs := extractPartURLs(uploadInfo.Header)
	if len(partURLs) == 0 {
		return fmt.Errorf("no part URLs in multipart upload response")
	}

	c.logger.Debug("Uploading LFS file (multipart)",
		"oid", uploadInfo.OID,
		"size", fileInfo.Size(),
		"chunk_size", chunkSize,
		"parts", len(partURLs))

	type partResult struct {
		partNumber int
		etag       string
	}
	results := make([]partResult, 0, len(partURLs))

	for partNum, partURL := range partURLs {
		offset := int64(partNum-1) * chunkSize
		length := chunkSize
		if offset+length > fileInfo.Size() {
			length = fileInfo.Size() - offset
		}

		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			return fmt.Errorf("failed to seek to offset %d: %w", offset, err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPut, partURL, io.LimitReader(file, length))
		if err != nil {
			return fmt.Errorf("failed to create request for part %d: %w", partNum, err)
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		req.ContentLength = length

		if err := c.wait(ctx, req.URL.Host); err != nil {
			return err
		}
		resp, err := c.lfsClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to upload part %d: %w", partNum, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			bodyBytes, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			return fmt.Errorf("part %d upload failed with status %d: %s", partNum, resp.StatusCode, string(bodyBytes))
		}

		etag := resp.Header.Get("ETag")
		_ = resp.Body.Close()
		if etag == "" {
			return fmt.Errorf("no ETag returned for part %d", partNum)
		}

		results = append(results, partResult{partNumber: partNum, etag: etag})
		c.logger.Debug("Uploaded part", "part", partNum, "etag", etag)
	}

	// The completion call wants parts in ascending order.
	sort.Slice(results, func(i, j int) bool {
		return results[i].partNumber < results[j].partNumber
	})

	parts := make([]map[string]interface{}, len(results))
	for i, r := range results {
		parts[i] = map[string]interface{}{
			"partNumber": r.partNumber,
			"etag":       r.etag,
		}
	}
	completionJSON, err := json.Marshal(map[string]interface{}{
		"oid":   uploadInfo.OID,
		"parts": parts,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal completion payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadInfo.UploadURL, bytes.NewReader(completionJSON))
	if err != nil {
		return fmt.Errorf("failed to create completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/vnd.git-lfs+json")
	req.Header.Set("Accept", "application/vnd.git-lfs+json")

	if err := c.wait(ctx, req.URL.Host); err != nil {
		return err
	}
	resp, err := c.lfsClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send completion request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("completion request failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	c.logger.Info("LFS file uploaded (multipart)", "oid", uploadInfo.OID, "size", fileInfo.Size(), "parts", len(partURLs))
	return nil
}

// extractPartURLs pulls numbered part URLs out of the action header map
// (keys "1", "2", "3", ...).
func extractPartURLs(header map[string]string) map[int]string {
	partURLs := make(map[int]string)
	for key, value := range header {
		if !isNumericKey(key) {
			continue
		}
		partNum := 0
		if _, err := fmt.Sscanf(key, "%d", &partNum); err == nil && partNum > 0 {
			partURLs[partNum] = value
		}
	}
	return partURLs
}

func isNumericKey(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
