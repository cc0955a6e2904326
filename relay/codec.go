package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	downloadDirPerm  = fs.FileMode(0o700)
	downloadFilePerm = fs.FileMode(0o644)
)

// Codec converts a local binary payload to its transportable textual
// form on send, and reconstructs a downloadable file on receipt. The
// outbound encoding is delegated to the relay's storage endpoint; only
// the inbound decode is local.
type Codec struct {
	client      *Client
	downloadDir string
	logger      *slog.Logger
}

// NewCodec creates a codec that materializes received attachments
// under downloadDir.
func NewCodec(client *Client, downloadDir string, logger *slog.Logger) *Codec {
	return &Codec{
		client:      client,
		downloadDir: downloadDir,
		logger:      logger,
	}
}

// Encode uploads the payload and returns its transportable form.
func (c *Codec) Encode(ctx context.Context, name string, payload []byte) (*Attachment, error) {
	att, err := c.client.Upload(ctx, name, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	c.logger.Debug("attachment encoded",
		slog.String("name", att.Name),
		slog.String("type", att.MimeType),
		slog.Int("raw_bytes", len(payload)),
	)

	return att, nil
}

// EncodeFile reads a local file and uploads it.
func (c *Codec) EncodeFile(ctx context.Context, path string) (*Attachment, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading attachment %s: %w", path, err)
	}

	return c.Encode(ctx, filepath.Base(path), payload)
}

// Decode reconstructs the binary artifact from its textual form and
// writes it into the download directory under the declared name.
// Purely local: no network call. Returns the path written.
//
// The declared name comes off the wire, so it is reduced to a bare
// file name before use; a name that would escape the download
// directory is rejected.
func (c *Codec) Decode(data, name string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", fmt.Errorf("decoding attachment data: %w", err)
	}

	target, err := c.targetPath(name)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(c.downloadDir, downloadDirPerm); err != nil {
		return "", fmt.Errorf("creating download directory: %w", err)
	}

	if err := os.WriteFile(target, raw, downloadFilePerm); err != nil {
		return "", fmt.Errorf("writing attachment %s: %w", target, err)
	}

	c.logger.Info("attachment saved",
		slog.String("path", target),
		slog.Int("bytes", len(raw)),
	)

	return target, nil
}

// targetPath sanitizes the declared name and uniquifies it so an
// earlier download with the same name is not overwritten.
func (c *Codec) targetPath(name string) (string, error) {
	base := filepath.Base(filepath.Clean(name))
	if base == "" || base == "." || base == ".." || base == string(filepath.Separator) {
		return "", fmt.Errorf("invalid attachment name %q", name)
	}
	if !filepath.IsLocal(base) {
		return "", fmt.Errorf("invalid attachment name %q", name)
	}

	target := filepath.Join(c.downloadDir, base)
	taken, err := pathTaken(target)
	if err != nil {
		return "", err
	}
	if !taken {
		return target, nil
	}

	ext := filepath.Ext(base)
	stem := base[:len(base)-len(ext)]
	for i := 1; ; i++ {
		candidate := filepath.Join(c.downloadDir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
		taken, err := pathTaken(candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}
}

// pathTaken reports whether path already exists. A stat failure other
// than not-exist is an error, not a taken name: treating it as taken
// would make the uniquification loop spin forever.
func pathTaken(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}

	return false, fmt.Errorf("probing download target %s: %w", path, err)
}
