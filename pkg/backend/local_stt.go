package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// LocalSTTClient posts audio straight to a local speech-to-text service,
// bypassing the conversation backend entirely. Per spec §6's local-mode STT
// wire format (matching pjcall.py::local_transcribe): multipart
// file=<wav>, lang=<code>, response either {"text":"..."} or a bare string.
type LocalSTTClient struct {
	url        string
	httpClient *http.Client
}

// NewLocalSTTClient builds a client against url (config.LocalSTTURL).
func NewLocalSTTClient(url string) *LocalSTTClient {
	return &LocalSTTClient{url: url, httpClient: &http.Client{Timeout: 30 * time.Second}}
}

// Transcribe posts wav (+ lang, if non-empty) as multipart/form-data and
// returns the recognized text.
func (c *LocalSTTClient) Transcribe(ctx context.Context, wav []byte, lang string) (string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if lang != "" {
		if err := writer.WriteField("lang", lang); err != nil {
			return "", err
		}
	}
	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(wav); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return "", newAPIError(resp.StatusCode, string(b))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Text, nil
	}
	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain, nil
	}
	return strings.TrimSpace(string(raw)), nil
}
