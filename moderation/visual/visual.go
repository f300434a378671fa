// Package visual is the adapter for the remote vision-classification
// service. One image reference per call; the same mapping and fail-closed
// discipline as the text adapter.
package visual

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

type Classifier struct {
	Client   *http.Client
	Host     string
	APIToken string
	Timeout  time.Duration
	Limiter  *rate.Limiter
	Mapping  map[string][]verdict.Category
	Logger   *slog.Logger
}

type scanRequest struct {
	URL string `json:"url"`
}

type scanResponse struct {
	Labels []scanLabel `json:"labels"`
}

type scanLabel struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

func NewClassifier(host, token string, timeout time.Duration) *Classifier {
	return &Classifier{
		Client:   util.RobustHTTPClient(),
		Host:     host,
		APIToken: token,
		Timeout:  timeout,
		Mapping:  DefaultLabelMapping(),
		Logger:   slog.Default().With("classifier", "image"),
	}
}

// DefaultLabelMapping maps the vision service's label vocabulary into
// internal categories. Unlisted labels are logged and ignored.
func DefaultLabelMapping() map[string][]verdict.Category {
	return map[string][]verdict.Category{
		"csam":            {verdict.CategoryChildSafety},
		"csem":            {verdict.CategoryChildSafety},
		"minor_depicted":  {verdict.CategoryChildSafety},
		"porn":            {verdict.CategorySexualExplicit},
		"sexual":          {verdict.CategorySexualExplicit},
		"nudity":          {verdict.CategorySexualExplicit},
		"very_bloody":     {verdict.CategoryViolence},
		"human_corpse":    {verdict.CategoryViolence},
		"graphic_weapon":  {verdict.CategoryViolence},
		"hate_symbol":     {verdict.CategoryHate},
		"yes_self_harm":   {verdict.CategorySelfHarm},
		"spam_overlay":    {verdict.CategorySpam},
	}
}

// Classify sends one image reference to the remote service and maps whatever
// labels come back. Failure of any kind is reported as service_unavailable;
// the orchestrator decides what that means for the item.
func (c *Classifier) Classify(ctx context.Context, imageRef string) verdict.LayerResult {
	res := verdict.LayerResult{Layer: verdict.LayerImageClassifier}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			c.Logger.Warn("image classify rate limit wait failed", "err", err)
			res.ErrKind = verdict.ErrorServiceUnavailable
			return res
		}
	}

	labels, err := c.fetchLabels(ctx, imageRef)
	if err != nil {
		c.Logger.Warn("image classify request failed", "err", err, "ref", imageRef)
		imageAPIErrorCount.Inc()
		res.ErrKind = verdict.ErrorServiceUnavailable
		return res
	}

	for _, label := range labels {
		cats, ok := c.Mapping[label.Name]
		if !ok {
			c.Logger.Info("unrecognized image classifier label", "label", label.Name, "ref", imageRef)
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

func (c *Classifier) fetchLabels(ctx context.Context, imageRef string) ([]scanLabel, error) {
	c.Logger.Debug("sending image ref to classifier", "ref", imageRef)

	body, err := json.Marshal(scanRequest{URL: imageRef})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.Host+"/v1/classify/image", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Token %s", c.APIToken))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "gatekeeper/"+versioninfo.Short())

	start := time.Now()
	defer func() {
		imageAPIDuration.Observe(time.Since(start).Seconds())
	}()

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("image classifier request failed: %w", err)
	}
	defer resp.Body.Close()

	imageAPICount.WithLabelValues(fmt.Sprint(resp.StatusCode)).Inc()
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("image classifier request failed statusCode=%d", resp.StatusCode)
	}

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read image classifier resp body: %w", err)
	}

	var respObj scanResponse
	if err := json.Unmarshal(respBytes, &respObj); err != nil {
		return nil, fmt.Errorf("failed to parse image classifier resp JSON: %w", err)
	}
	return respObj.Labels, nil
}
