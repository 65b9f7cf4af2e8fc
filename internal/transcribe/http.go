package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/vigil/internal/audio"
	"github.com/ent0n29/vigil/internal/reliability"
)

// HTTPProvider posts WAV audio to a whisper-server compatible /inference
// endpoint.
type HTTPProvider struct {
	name    string
	baseURL string
	client  *http.Client
}

func NewHTTPProvider(name, baseURL string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{
		name:    name,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) Name() string { return p.name }

func (p *HTTPProvider) Transcribe(ctx context.Context, req Request) (Result, error) {
	if len(req.Samples) == 0 {
		return Result{Source: p.name}, nil
	}
	wav, err := audio.EncodeWAV(req.Samples, req.SampleRate)
	if err != nil {
		return Result{}, err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		_ = mw.Close()
		return Result{}, err
	}
	if _, err := fw.Write(wav); err != nil {
		_ = mw.Close()
		return Result{}, err
	}
	_ = mw.WriteField("temperature", "0.0")
	_ = mw.WriteField("response_format", "json")
	if hint := whisperLanguage(req.LanguageHint); hint != "" {
		_ = mw.WriteField("language", hint)
	}
	if err := mw.Close(); err != nil {
		return Result{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/inference", &body)
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, &Error{Provider: p.name, Code: "transport", Retryable: true, Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, &Error{
			Provider:  p.name,
			Code:      fmt.Sprintf("http_%d", resp.StatusCode),
			Retryable: reliability.IsRetryableHTTPStatus(resp.StatusCode),
			Err:       fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(b))),
		}
	}

	var out struct {
		Text     string  `json:"text"`
		Language string  `json:"language"`
		Score    float64 `json:"confidence"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return Result{}, &Error{Provider: p.name, Code: "decode", Err: err}
	}
	res := Result{
		Text:       strings.TrimSpace(out.Text),
		Language:   out.Language,
		Confidence: out.Score,
		Source:     p.name,
	}
	if res.Language == "" {
		res.Language = req.LanguageHint
	}
	if res.Confidence == 0 && res.Text != "" {
		res.Confidence = 0.8
	}
	return res, nil
}

// whisperLanguage maps session language names to whisper language codes.
// Pidgin has no whisper code and is left to auto-detection.
func whisperLanguage(lang string) string {
	switch strings.ToLower(strings.TrimSpace(lang)) {
	case "english", "en":
		return "en"
	case "yoruba", "yo":
		return "yo"
	case "igbo", "ig":
		return "ig"
	case "hausa", "ha":
		return "ha"
	default:
		return ""
	}
}
