package hfhub

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"
	"os"
)

// CommitOperation is a single file operation inside a commit.
type CommitOperation struct {
	Operation string       `json:"operation"`
	Path      string       `json:"path"`
	Content   string       `json:"content,omitempty"`  // base64 for embedded files
	Encoding  string       `json:"encoding,omitempty"` // "base64" when Content is set
	LFSFile   *LFSFileInfo `json:"lfsFile,omitempty"`  // set for files above LFSThreshold
}

// LFSFileInfo identifies an uploaded LFS object.
type LFSFileInfo struct {
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// LFSThreshold is the size at which files stop being embedded in the
// commit payload and ride LFS instead.
const LFSThreshold = 10 * 1024 * 1024

// PrepareFileOperation builds the commit operation for one local file.
// Files under LFSThreshold are embedded as base64; larger files become LFS
// pointers and upload separately.
func PrepareFileOperation(localPath, pathInRepo string) (*CommitOperation, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	hasher := sha256.New()
	size, err := io.Copy(hasher, file)
	if err != nil {
		return nil, err
	}

	op := &CommitOperation{
		Operation: "add",
		Path:      pathInRepo,
	}

	if size >= LFSThreshold {
		op.LFSFile = &LFSFileInfo{
			SHA256: hex.EncodeToString(hasher.Sum(nil)),
			Size:   size,
		}
		return op, nil
	}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	op.Content = base64.StdEncoding.EncodeToString(data)
	op.Encoding = "base64"
	return op, nil
}
