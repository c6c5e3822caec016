package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"regexp"
	"time"
	"unicode"

	"github.com/sethvargo/go-retry"

	"github.com/nhle/mailtriage/internal/model"
)

const (
	defaultModel     = "THUDM/glm-4-9b-chat"
	defaultMaxTokens = 200
	defaultTimeout   = 30 * time.Second

	// maxErrorBody caps how much of a failed response ends up in logs.
	maxErrorBody = 512
)

var (
	// ErrNoDigits means the model reply contained no decimal digits.
	ErrNoDigits = errors.New("no category number in reply")

	// ErrOutOfRange means the reply named a category that does not exist.
	ErrOutOfRange = errors.New("category number out of range")
)

// Options configures the Classifier.
type Options struct {
	URL         string
	APIKey      string
	Model       string
	Temperature float64
	TopP        float64
	MaxTokens   int

	// Timeout bounds one Classify call including retries.
	Timeout time.Duration

	// Retries is how many times a transient failure (network error, 429,
	// 5xx) is retried.
	Retries int

	Departments     []string
	DefaultCategory model.Category
}

// OptionsFrom extracts classifier settings from the agent config.
func OptionsFrom(cfg *model.Config) Options {
	return Options{
		URL:             cfg.APIURL,
		APIKey:          cfg.APIKey,
		Model:           cfg.APIModel,
		Temperature:     cfg.APITemperature,
		TopP:            cfg.APITopP,
		MaxTokens:       cfg.APIMaxTokens,
		Timeout:         cfg.APITimeout(),
		Retries:         cfg.APIRetries,
		Departments:     cfg.Departments,
		DefaultCategory: model.Category(cfg.DefaultCategory),
	}
}

// Classifier asks a chat-completions endpoint which department should
// handle an email. Every failure resolves to the default category.
type Classifier struct {
	opts        Options
	instruction string
	client      *http.Client
	logger      *slog.Logger

	// backoff is the first retry delay; shortened in tests.
	backoff time.Duration
}

// New creates a Classifier.
func New(opts Options, logger *slog.Logger) *Classifier {
	if opts.Model == "" {
		opts.Model = defaultModel
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Classifier{
		opts:        opts,
		instruction: buildInstruction(opts.Departments),
		client:      &http.Client{Timeout: opts.Timeout},
		logger:      logger.With("component", "classifier"),
		backoff:     500 * time.Millisecond,
	}
}

// Classify returns the category for an email body. It never fails: network
// errors, timeouts, non-200 responses and unusable replies all yield the
// default category with ProvenanceFallback.
func (c *Classifier) Classify(
	ctx context.Context, body string,
) model.ClassificationResult {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	reply, err := c.complete(ctx, body)
	if err != nil {
		c.logger.Warn("classification request failed, using default category",
			"error", err,
			"category", c.opts.DefaultCategory,
		)
		return c.fallback("", err)
	}

	category, err := ExtractCategory(reply, len(c.opts.Departments))
	if err != nil {
		c.logger.Warn("unusable classification reply, using default category",
			"error", err,
			"reply", truncate(reply, maxErrorBody),
			"category", c.opts.DefaultCategory,
		)
		return c.fallback(reply, err)
	}

	c.logger.Info("classified message",
		"category", category,
		"department", c.departmentName(category),
	)

	return model.ClassificationResult{
		Category:   category,
		Provenance: model.ProvenanceModel,
		Raw:        reply,
	}
}

func (c *Classifier) fallback(raw string, cause error) model.ClassificationResult {
	return model.ClassificationResult{
		Category:   c.opts.DefaultCategory,
		Provenance: model.ProvenanceFallback,
		Raw:        raw,
		Reason:     cause.Error(),
	}
}

func (c *Classifier) departmentName(category model.Category) string {
	if int(category) < len(c.opts.Departments) {
		return c.opts.Departments[category]
	}
	return category.Key()
}

// complete calls the endpoint, retrying transient failures with
// exponential backoff inside the caller's deadline.
func (c *Classifier) complete(ctx context.Context, body string) (string, error) {
	b := retry.WithMaxRetries(uint64(c.opts.Retries), retry.NewExponential(c.backoff))

	var reply string
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		text, err := c.callAPI(ctx, body)
		if err != nil {
			if isRetryable(ctx, err) {
				c.logger.Debug("retrying classification", "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		reply = text
		return nil
	})
	if err != nil {
		return "", err
	}
	return reply, nil
}

// callAPI makes a single chat-completions request and returns the first
// choice's content.
func (c *Classifier) callAPI(ctx context.Context, body string) (string, error) {
	reqBody := chatRequest{
		Model:       c.opts.Model,
		Messages:    buildMessages(c.instruction, body),
		Temperature: c.opts.Temperature,
		TopP:        c.opts.TopP,
		MaxTokens:   c.opts.MaxTokens,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.opts.URL, bytes.NewReader(bodyBytes),
	)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling classification API: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", &statusError{
			code: resp.StatusCode,
			body: truncate(string(respBody), maxErrorBody),
		}
	}

	var result chatResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", errors.New("response has no choices")
	}

	return result.Choices[0].Message.Content, nil
}

// categoryPattern matches the first run of decimal digits in any script,
// so full-width replies such as "２" count.
var categoryPattern = regexp.MustCompile(`\p{Nd}+`)

// ExtractCategory parses the first run of decimal digits in text as one
// integer ("12" is 12, not 1) and checks it against n categories.
func ExtractCategory(text string, n int) (model.Category, error) {
	match := categoryPattern.FindString(text)
	if match == "" {
		return 0, ErrNoDigits
	}

	idx, ok := parseDigits(match)
	if !ok || idx >= n {
		return 0, fmt.Errorf("%w: %s (have %d)", ErrOutOfRange, match, n)
	}

	return model.Category(idx), nil
}

// parseDigits converts a run of Unicode decimal digits to an int. It
// reports false on overflow.
func parseDigits(s string) (int, bool) {
	var v int
	for _, r := range s {
		d, ok := digitValue(r)
		if !ok || v > (math.MaxInt-d)/10 {
			return 0, false
		}
		v = v*10 + d
	}
	return v, true
}

// digitValue returns the value of a decimal digit rune. Unicode encodes
// every set of decimal digits as a contiguous run from zero to nine, so the
// offset into its Nd range gives the value.
func digitValue(r rune) (int, bool) {
	for _, rg := range unicode.Nd.R16 {
		if lo, hi := rune(rg.Lo), rune(rg.Hi); r >= lo && r <= hi && rg.Stride == 1 {
			return int(r-lo) % 10, true
		}
	}
	for _, rg := range unicode.Nd.R32 {
		if lo, hi := rune(rg.Lo), rune(rg.Hi); r >= lo && r <= hi && rg.Stride == 1 {
			return int(r-lo) % 10, true
		}
	}
	return 0, false
}

// statusError is a non-200 reply from the endpoint.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.code, e.body)
}

func isRetryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	// Transport failures; malformed replies are not retried.
	return errors.Is(err, io.ErrUnexpectedEOF) || isNetworkError(err)
}

func isNetworkError(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) || errors.Is(err, io.EOF)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// --- chat-completions wire types ---

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}
