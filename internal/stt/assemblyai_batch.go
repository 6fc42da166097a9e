package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lexiqai/voice-agent/internal/observability"
	"github.com/lexiqai/voice-agent/internal/resilience"
)

type uploadResponse struct {
	UploadURL string `json:"upload_url"`
}

type transcriptJob struct {
	ID     string `json:"id"`
	Status string `json:"status"` // queued, processing, completed, error
	Text   string `json:"text"`
	Error  string `json:"error"`
}

// Transcribe uploads a recorded file and waits for its transcript.
// It returns ErrNothingToTranscribe when the audio is empty or has no speech.
func (a *AssemblyAI) Transcribe(ctx context.Context, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read audio: %w", err)
	}
	if len(data) == 0 {
		return "", ErrNothingToTranscribe
	}

	start := time.Now()
	text, err := a.transcribe(ctx, data)
	observability.RecordStageOutcome(observability.StageSTT, err == nil)
	if err != nil {
		return "", err
	}

	a.logger.Debug().Dur("elapsed", time.Since(start)).Int("bytes", len(data)).Msg("File transcribed")
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrNothingToTranscribe
	}
	return text, nil
}

func (a *AssemblyAI) transcribe(ctx context.Context, data []byte) (string, error) {
	var upload uploadResponse
	if err := a.call(ctx, http.MethodPost, "/v2/upload", "application/octet-stream", data, &upload); err != nil {
		return "", fmt.Errorf("upload audio: %w", err)
	}

	body, err := json.Marshal(map[string]string{"audio_url": upload.UploadURL})
	if err != nil {
		return "", err
	}
	var job transcriptJob
	if err := a.call(ctx, http.MethodPost, "/v2/transcript", "application/json", body, &job); err != nil {
		return "", fmt.Errorf("create transcript: %w", err)
	}

	ticker := time.NewTicker(a.opts.PollInterval)
	defer ticker.Stop()
	for {
		switch job.Status {
		case "completed":
			return job.Text, nil
		case "error":
			return "", fmt.Errorf("transcript %s failed: %s", job.ID, job.Error)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
		if err := a.call(ctx, http.MethodGet, "/v2/transcript/"+job.ID, "", nil, &job); err != nil {
			return "", fmt.Errorf("poll transcript: %w", err)
		}
	}
}

// call performs one REST request with retries on transient failures
func (a *AssemblyAI) call(ctx context.Context, method, path, contentType string, body []byte, out any) error {
	return a.opts.Breaker.Call(func() error {
		return resilience.Retry(ctx, func(ctx context.Context) error {
			var reader io.Reader
			if body != nil {
				reader = bytes.NewReader(body)
			}
			req, err := http.NewRequestWithContext(ctx, method, a.opts.BaseURL+path, reader)
			if err != nil {
				return err
			}
			req.Header.Set("Authorization", a.apiKey())
			if contentType != "" {
				req.Header.Set("Content-Type", contentType)
			}

			resp, err := a.opts.HTTPClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode >= 300 {
				msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
				err := fmt.Errorf("assemblyai %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
				if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
					return resilience.NewRetryableError(err)
				}
				return err
			}
			return json.NewDecoder(resp.Body).Decode(out)
		}, a.opts.Retry, resilience.IsRetryableNetworkError)
	})
}
