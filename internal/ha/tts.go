package ha

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"vaca/internal/audio"

	"go.uber.org/zap"
)

const maxTTSBytes = 32 << 20

// ResolveMediaURL turns a path relative to Home Assistant into an absolute URL.
// Anything else is returned unchanged.
func (c *Client) ResolveMediaURL(mediaID string) string {
	if strings.HasPrefix(mediaID, "/") {
		return c.baseURL + mediaID
	}
	return mediaID
}

// FetchTTS downloads synthesized speech from Home Assistant.
func (c *Client) FetchTTS(ctx context.Context, ttsURL string) (audio.TTSResult, error) {
	fullURL := c.ResolveMediaURL(ttsURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return audio.TTSResult{}, fmt.Errorf("failed to build TTS request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return audio.TTSResult{}, fmt.Errorf("failed to fetch TTS audio: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return audio.TTSResult{}, fmt.Errorf("failed to fetch TTS audio: %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTTSBytes))
	if err != nil {
		return audio.TTSResult{}, fmt.Errorf("failed to read TTS audio: %w", err)
	}

	ext := extension(fullURL, resp.Header.Get("Content-Type"))
	c.logger.Debug("Fetched TTS audio",
		zap.String("url", fullURL),
		zap.String("extension", ext),
		zap.Int("bytes", len(data)))

	return audio.TTSResult{Extension: ext, Data: data}, nil
}

// extension picks the audio file extension from the URL path, falling back to the
// content type.
func extension(rawURL, contentType string) string {
	if u, err := url.Parse(rawURL); err == nil {
		if ext := strings.TrimPrefix(path.Ext(u.Path), "."); ext != "" {
			return strings.ToLower(ext)
		}
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	switch mediaType {
	case "audio/wav", "audio/x-wav", "audio/wave", "audio/vnd.wave":
		return "wav"
	case "audio/mpeg", "audio/mp3":
		return "mp3"
	case "audio/flac", "audio/x-flac":
		return "flac"
	case "audio/ogg":
		return "ogg"
	default:
		return ""
	}
}
