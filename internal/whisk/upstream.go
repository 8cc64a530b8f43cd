package whisk

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/OtokoNoIzumi/Project-QRRag/internal/config"
)

// Upstream is the raw generation backend. It knows nothing about caching;
// the Client wraps it.
type Upstream interface {
	Caption(ctx context.Context, image []byte) (string, error)
	StoryPrompt(ctx context.Context, instruction string) (string, error)
	Render(ctx context.Context, prompt, aspectRatio string, count int) ([][]byte, error)
	Close() error
}

const captionInstruction = "Describe the person in this photo in one detailed sentence " +
	"suitable for reuse as an image generation subject description. Mention pose, " +
	"clothing, expression and notable features. Respond with the description only."

// geminiUpstream talks to the Generative Language API: the SDK for caption
// and prompt text, and the prediction endpoint for image rendering.
type geminiUpstream struct {
	client       *genai.Client
	captionModel string
	promptModel  string
	imageModel   string
	endpoint     string
	apiKey       string
	httpClient   *http.Client
}

func newGeminiUpstream(ctx context.Context, cfg config.UpstreamConfig) (Upstream, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("upstream api key is not configured")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create generative client: %w", err)
	}
	return &geminiUpstream{
		client:       client,
		captionModel: cfg.CaptionModel,
		promptModel:  cfg.PromptModel,
		imageModel:   cfg.ImageModel,
		endpoint:     strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:       cfg.APIKey,
		httpClient: &http.Client{
			// Image rendering is the slowest upstream call.
			Timeout: 120 * time.Second,
		},
	}, nil
}

func (u *geminiUpstream) Caption(ctx context.Context, image []byte) (string, error) {
	model := u.client.GenerativeModel(u.captionModel)
	resp, err := model.GenerateContent(ctx,
		genai.ImageData("png", image),
		genai.Text(captionInstruction),
	)
	if err != nil {
		return "", fmt.Errorf("caption request failed: %w", err)
	}
	text, err := firstText(resp)
	if err != nil {
		return "", fmt.Errorf("caption response: %w", err)
	}
	return text, nil
}

func (u *geminiUpstream) StoryPrompt(ctx context.Context, instruction string) (string, error) {
	model := u.client.GenerativeModel(u.promptModel)
	resp, err := model.GenerateContent(ctx, genai.Text(instruction))
	if err != nil {
		return "", fmt.Errorf("story prompt request failed: %w", err)
	}
	text, err := firstText(resp)
	if err != nil {
		return "", fmt.Errorf("story prompt response: %w", err)
	}
	return text, nil
}

// firstText extracts the first text part of a generation response.
func firstText(resp *genai.GenerateContentResponse) (string, error) {
	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				return strings.TrimSpace(string(text)), nil
			}
		}
	}
	return "", fmt.Errorf("no text candidates returned")
}

type predictRequest struct {
	Instances  []predictInstance `json:"instances"`
	Parameters predictParameters `json:"parameters"`
}

type predictInstance struct {
	Prompt string `json:"prompt"`
}

type predictParameters struct {
	SampleCount int    `json:"sampleCount"`
	AspectRatio string `json:"aspectRatio,omitempty"`
}

type predictResponse struct {
	Predictions []struct {
		BytesBase64Encoded string `json:"bytesBase64Encoded"`
	} `json:"predictions"`
}

// Render calls the image prediction endpoint directly; the text SDK has no
// surface for it.
func (u *geminiUpstream) Render(ctx context.Context, prompt, aspectRatio string, count int) ([][]byte, error) {
	payload, err := json.Marshal(predictRequest{
		Instances:  []predictInstance{{Prompt: prompt}},
		Parameters: predictParameters{SampleCount: count, AspectRatio: aspectRatio},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode render request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:predict", u.endpoint, u.imageModel)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", u.apiKey)

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("render request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("render request returned status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode render response: %w", err)
	}
	if len(decoded.Predictions) == 0 {
		return nil, fmt.Errorf("render response contained no images")
	}

	images := make([][]byte, 0, len(decoded.Predictions))
	for _, prediction := range decoded.Predictions {
		img, err := base64.StdEncoding.DecodeString(prediction.BytesBase64Encoded)
		if err != nil {
			return nil, fmt.Errorf("failed to decode rendered image: %w", err)
		}
		images = append(images, img)
	}
	return images, nil
}

func (u *geminiUpstream) Close() error {
	return u.client.Close()
}
