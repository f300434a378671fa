// Package text is the adapter for the remote text-classification service.
// It owns the translation from that service's label vocabulary into the
// internal category set, and converts every transport failure into a
// service_unavailable layer result for the orchestrator to act on.
package text

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"golang.org/x/time/rate"

	"github.com/haven-social/gatekeeper/moderation/verdict"
	"github.com/haven-social/gatekeeper/util"
)

// DefaultMaxChars caps how much post text is transmitted per request, to
// bound remote cost and latency.
const DefaultMaxChars = 4096

type Classifier struct {
	Client   *http.Client
	Host     string
	APIToken string
	// Timeout bounds a single classification call, including transport
	// retries. Exceeding it cancels this call only.
	Timeout  time.Duration
	Limiter  *rate.Limiter
	MaxChars int
	Mapping  map[string][]verdict.Category
	Logger   *slog.Logger
}

type classifyRequest struct {
	Text string `json:"text"`
}

type classifyResponse struct {
	Labels []classifyLabel `json:"labels"`
}

type classifyLabel struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

func NewClassifier(host, token string, timeout time.Duration) *Classifier {
	return &Classifier{
		Client:   util.RobustHTTPClient(),
		Host:     host,
		APIToken: token,
		Timeout:  timeout,
		MaxChars: DefaultMaxChars,
		Mapping:  DefaultLabelMapping(),
		Logger:   slog.Default().With("classifier", "text"),
	}
}

// DefaultLabelMapping maps the text service's label vocabulary into internal
// categories. One remote label can map to several categories. Labels absent
// from this table are logged and ignored: an unknown label is no signal, not
// a "safe" signal.
func DefaultLabelMapping() map[string][]verdict.Category {
	return map[string][]verdict.Category{
		"csam":               {verdict.CategoryChildSafety},
		"minor_sexualized":   {verdict.CategoryChildSafety, verdict.CategorySexualExplicit},
		"minor_endangerment": {verdict.CategoryChildSafety},
		"sexual_explicit":    {verdict.CategorySexualExplicit},
		"sexual_suggestive":  {verdict.CategorySexualExplicit},
		"violence_graphic":   {verdict.CategoryViolence},
		"violence_threat":    {verdict.CategoryViolence},
		"hate_speech":        {verdict.CategoryHate},
		"harassment_hate":    {verdict.CategoryHate},
		"self_harm":          {verdict.CategorySelfHarm},
		"suicide_ideation":   {verdict.CategorySelfHarm},
		"spam":               {verdict.CategorySpam},
		"scam":               {verdict.CategorySpam},
	}
}

// Classify sends one item's text to the remote service and maps the labels
// it asserts. Scores are not re-thresholded locally: a returned label is the
// service's own binary decision, and duplicating its policy here would mean
// maintaining it in two places.
func (c *Classifier) Classify(ctx context.Context, payload string) verdict.LayerResult {
	res := verdict.LayerResult{Layer: verdict.LayerTextClassifier}

	maxChars := c.MaxChars
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	if runes := []rune(payload); len(runes) > maxChars {
		payload = string(runes[:maxChars])
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			c.Logger.Warn("text classify rate limit wait failed", "err", err)
			res.ErrKind = verdict.ErrorServiceUnavailable
			return res
		}
	}

	labels, err := c.fetchLabels(ctx, payload)
	if err != nil {
		c.Logger.Warn("text classify request failed", "err", err)
		textAPIErrorCount.Inc()
		res.ErrKind = verdict.ErrorServiceUnavailable
		return res
	}

	for _, label := range labels {
		cats, ok := c.Mapping[label.Name]
		if !ok {
			c.Logger.Info("unrecognized text classifier label", "label", label.Name)
			res.UnmappedLabels = append(res.UnmappedLabels, label.Name)
			continue
		}
		for _, cat := range cats {
			res.Hits = append(res.Hits, verdict.Hit{ID: label.Name, Category: cat})
			res.Categories = append(res.Categories, cat)
		}
	}
	res.Categories = verdict.SortCategories(res.Categories)
	res.Flagged = len(res.Categories) > 0
	return res
}

func (c *Classifier) fetchLabels(ctx context.Context, payload string) ([]classifyLabel, error) {
	body, err := json.Marshal(classifyRequest{Text: payload})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.Host+"/v1/classify/text", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Token %s", c.APIToken))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "gatekeeper/"+versioninfo.Short())

	start := time.Now()
	defer func() {
		textAPIDuration.Observe(time.Since(start).Seconds())
	}()

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("text classifier request failed: %w", err)
	}
	defer resp.Body.Close()

	textAPICount.WithLabelValues(fmt.Sprint(resp.StatusCode)).Inc()
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("text classifier request failed statusCode=%d", resp.StatusCode)
	}

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read text classifier resp body: %w", err)
	}

	var respObj classifyResponse
	if err := json.Unmarshal(respBytes, &respObj); err != nil {
		return nil, fmt.Errorf("failed to parse text classifier resp JSON: %w", err)
	}
	return respObj.Labels, nil
}
