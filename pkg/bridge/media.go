// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/discord-matrix-bridge/pkg/bridge/matrixfmt"
)

// maxDownloadSize caps media transfers in either direction.
const maxDownloadSize = 100 << 20

// MediaProxy moves media between the two networks. Matrix media is served
// to Discord by plain URL construction against the homeserver's download
// endpoint; Discord media is fetched and re-uploaded to the homeserver.
type MediaProxy struct {
	log          zerolog.Logger
	downloadBase string
	matrix       MatrixSender
	http         *http.Client
}

// NewMediaProxy builds a media proxy. downloadBase is the public media
// download endpoint without a trailing slash.
func NewMediaProxy(log zerolog.Logger, downloadBase string, matrix MatrixSender) *MediaProxy {
	return &MediaProxy{
		log:          log.With().Str("component", "media").Logger(),
		downloadBase: strings.TrimSuffix(downloadBase, "/"),
		matrix:       matrix,
		http:         &http.Client{Timeout: 2 * time.Minute},
	}
}

// PublicURL returns the direct download URL for a Matrix content URI.
// Invalid URIs yield an empty string rather than an error; callers treat
// that as media being unavailable.
func (m *MediaProxy) PublicURL(mxc id.ContentURIString) string {
	uri, err := mxc.Parse()
	if err != nil {
		return ""
	}
	return m.downloadBase + "/" + uri.Homeserver + "/" + uri.FileID
}

// FetchFile downloads a staged attachment, decrypting it when the staging
// carries encryption material.
func (m *MediaProxy) FetchFile(ctx context.Context, file matrixfmt.PendingFile) ([]byte, error) {
	data, err := m.fetch(ctx, file.URL)
	if err != nil {
		return nil, err
	}
	if file.Key == "" {
		return data, nil
	}
	return decryptAttachment(data, file.Key, file.IV)
}

// TransferToMatrix downloads external media and re-uploads it to the
// homeserver, returning the new content URI.
func (m *MediaProxy) TransferToMatrix(ctx context.Context, url, mimeType, fileName string) (id.ContentURIString, error) {
	data, err := m.fetch(ctx, url)
	if err != nil {
		return "", err
	}
	mxc, err := m.matrix.Upload(ctx, data, mimeType, fileName)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", fileName, err)
	}
	return mxc, nil
}

func (m *MediaProxy) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build media request: %w", err)
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download media: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadSize+1))
	if err != nil {
		return nil, fmt.Errorf("read media body: %w", err)
	}
	if len(data) > maxDownloadSize {
		return nil, fmt.Errorf("media exceeds %d byte limit", maxDownloadSize)
	}
	return data, nil
}

// decryptAttachment applies the AES-CTR scheme used for encrypted Matrix
// attachments. The key arrives base64url-encoded (JWK), the IV as
// unpadded standard base64.
func decryptAttachment(data []byte, key64, iv64 string) ([]byte, error) {
	key, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(key64, "="))
	if err != nil {
		return nil, fmt.Errorf("decode attachment key: %w", err)
	}
	iv, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(iv64, "="))
	if err != nil {
		return nil, fmt.Errorf("decode attachment iv: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init attachment cipher: %w", err)
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("attachment iv is %d bytes, want %d", len(iv), block.BlockSize())
	}
	plain := make([]byte, len(data))
	cipher.NewCTR(block, iv).XORKeyStream(plain, data)
	return plain, nil
}
