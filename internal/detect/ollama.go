package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sony/gobreaker"

	"masquerade/internal/logger"
)

// ErrDetectionUnavailable signals that the external detector could not
// produce results (network failure, timeout, circuit open, unparseable
// response). Callers fall back to pattern-only candidates.
var ErrDetectionUnavailable = errors.New("external detection unavailable")

// ExternalDetector is the boundary to a remote classifier. Implementations
// must honor ctx cancellation and return ErrDetectionUnavailable (possibly
// wrapped) on any failure rather than partial garbage.
type ExternalDetector interface {
	Detect(ctx context.Context, text string, hint ContentHint) ([]Candidate, error)
}

// OllamaOptions configures an OllamaDetector.
type OllamaOptions struct {
	Endpoint  string
	Model     string
	Timeout   time.Duration
	Threshold float64 // detections below this confidence are dropped

	CacheSize int
	CacheTTL  time.Duration
}

// OllamaDetector asks a local Ollama model for context-aware detections.
//
// Calls run through a circuit breaker so a dead Ollama instance fails fast
// instead of costing every request its full timeout. Successful responses
// are cached by content hash: repeated messages (retries, multi-turn
// resubmission of history) skip the model entirely.
type OllamaDetector struct {
	url       string
	model     string
	timeout   time.Duration
	threshold float64

	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	cache   *lru.LRU[uint64, []Candidate]
	log     *logger.Logger
}

// NewOllamaDetector creates a detector against the given Ollama endpoint.
func NewOllamaDetector(opts OllamaOptions, log *logger.Logger) *OllamaDetector {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 10_000
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ollama-detector",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if log != nil {
				log.Warnf("breaker_state", "%s: %s -> %s", name, from, to)
			}
		},
	})

	return &OllamaDetector{
		url:       strings.TrimRight(opts.Endpoint, "/") + "/api/generate",
		model:     opts.Model,
		timeout:   opts.Timeout,
		threshold: opts.Threshold,
		client:    &http.Client{},
		breaker:   breaker,
		cache:     lru.NewLRU[uint64, []Candidate](opts.CacheSize, nil, opts.CacheTTL),
		log:       log,
	}
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaResponse struct {
	Response string `json:"response"`
}

// ollamaDetection is the item shape the prompt asks the model to emit.
type ollamaDetection struct {
	Original   string  `json:"original"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// Detect implements ExternalDetector.
func (d *OllamaDetector) Detect(ctx context.Context, text string, hint ContentHint) ([]Candidate, error) {
	if text == "" {
		return nil, nil
	}

	key := xxhash.Sum64String(string(hint) + "\x00" + text)
	if cands, ok := d.cache.Get(key); ok {
		return cands, nil
	}

	result, err := d.breaker.Execute(func() (any, error) {
		return d.query(ctx, text, hint)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open", ErrDetectionUnavailable)
		}
		return nil, fmt.Errorf("%w: %v", ErrDetectionUnavailable, err)
	}

	cands := result.([]Candidate)
	d.cache.Add(key, cands)
	return cands, nil
}

const maxOllamaResponse = 10 << 20 // 10 MB

func (d *OllamaDetector) query(ctx context.Context, text string, hint ContentHint) ([]Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	reqBody, err := json.Marshal(ollamaRequest{
		Model:  d.model,
		Prompt: buildPrompt(text, hint),
		Stream: false,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close on HTTP response body

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxOllamaResponse+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > maxOllamaResponse {
		if d.log != nil {
			d.log.Warnf("response_truncate", "ollama response truncated at %d bytes", maxOllamaResponse)
		}
		body = body[:maxOllamaResponse]
	}

	var ollamaResp ollamaResponse
	if err := json.Unmarshal(body, &ollamaResp); err != nil {
		return nil, fmt.Errorf("ollama response parse error: %w", err)
	}

	detections, err := parseDetections(ollamaResp.Response)
	if err != nil {
		return nil, err
	}
	return d.toCandidates(detections), nil
}

// buildPrompt asks for a strict JSON array. The code hint shifts the model's
// attention toward credentials and connection strings.
func buildPrompt(text string, hint ContentHint) string {
	focus := "names of people, organizations, locations, email addresses, phone numbers and other identifying values"
	if hint == HintCode {
		focus = "API keys, passwords, connection strings, tokens and other credentials embedded in source code"
	}
	return fmt.Sprintf(`Analyze the following %s for sensitive values, focusing on %s.
Return ONLY a JSON array of detections. Each item must have:
- "original": the exact text found
- "type": one of: person, organization, location, email, phone, ssn, credit_card, api_key, database_url, ip_address
- "confidence": float 0.0-1.0

Content to analyze:
%s

Return ONLY the JSON array, no explanation. Example: [{"original":"John Smith","type":"person","confidence":0.95}]`,
		hint, focus, text)
}

// parseDetections extracts the first JSON array from a model's free-text
// response. Models add prose and markdown fences despite instructions, so
// parsing is best-effort: fences are stripped, then the outermost brackets
// are located and everything around them discarded.
func parseDetections(raw string) ([]ollamaDetection, error) {
	raw = strings.ReplaceAll(raw, "```json", "")
	raw = strings.ReplaceAll(raw, "```", "")
	raw = strings.TrimSpace(raw)

	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("no JSON array in response")
	}

	var detections []ollamaDetection
	if err := json.Unmarshal([]byte(raw[start:end+1]), &detections); err != nil {
		return nil, fmt.Errorf("detection parse error: %w", err)
	}
	return detections, nil
}

// externalTypeMap translates the labels remote models actually emit into
// the closed EntityType set. Unknown labels map to TypeCustom rather than
// being dropped: a detected value is still sensitive even if mislabeled.
var externalTypeMap = map[string]EntityType{
	"person":        TypePerson,
	"name":          TypePerson,
	"personal_name": TypePerson,
	"organization":  TypeOrganization,
	"company":       TypeOrganization,
	"location":      TypeLocation,
	"address":       TypeLocation,
	"email":         TypeEmail,
	"phone":         TypePhone,
	"phone_number":  TypePhone,
	"ssn":           TypeSSN,
	"credit_card":   TypeCreditCard,
	"creditcard":    TypeCreditCard,
	"api_key":       TypeAPIKey,
	"apikey":        TypeAPIKey,
	"token":         TypeAPIKey,
	"password":      TypeAPIKey,
	"database_url":  TypeDatabaseURL,
	"ip_address":    TypeIPAddress,
	"ip":            TypeIPAddress,
}

// toCandidates filters and converts raw detections. Items with an empty
// value or an out-of-range confidence are skipped; confidences below the
// configured threshold are dropped.
func (d *OllamaDetector) toCandidates(detections []ollamaDetection) []Candidate {
	out := make([]Candidate, 0, len(detections))
	for _, det := range detections {
		if strings.TrimSpace(det.Original) == "" {
			continue
		}
		if det.Confidence < 0 || det.Confidence > 1 {
			if d.log != nil {
				d.log.Debugf("detection_skip", "invalid confidence %s", strconv.FormatFloat(det.Confidence, 'f', -1, 64))
			}
			continue
		}
		if det.Confidence < d.threshold {
			continue
		}
		typ, ok := externalTypeMap[strings.ToLower(strings.TrimSpace(det.Type))]
		if !ok {
			typ = TypeCustom
		}
		out = append(out, Candidate{
			Type:       typ,
			Value:      det.Original,
			Confidence: det.Confidence,
			Source:     SourceExternal,
		})
	}
	return out
}
