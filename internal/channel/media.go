package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"leadbot/internal/domain"
)

const (
	// Media references stored in place of credentialed download URLs.
	telegramFileRef  = "tg-file:"
	whatsappMediaRef = "wa-media:"

	maxMediaBytes = 20 << 20
)

// download fetches rawURL into memory. Errors never echo the URL since
// provider download links may embed tokens.
func download(ctx context.Context, client *http.Client, rawURL, bearer, contentType string) (*domain.Media, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.New("download: invalid media url")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := client.Do(req)
	if err != nil {
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return nil, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("download: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	if len(data) > maxMediaBytes {
		return nil, fmt.Errorf("download: media exceeds %d bytes", maxMediaBytes)
	}

	if contentType == "" {
		contentType = resp.Header.Get("Content-Type")
	}
	if contentType == "" || strings.HasPrefix(contentType, "application/octet-stream") {
		contentType = http.DetectContentType(data)
	}
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	return &domain.Media{ContentType: contentType, Data: data}, nil
}
