package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"skolebot/internal/domain"
)

// ErrNotPublished reports that the plan for the requested week does not
// exist yet. It is the retryable outcome; everything else is a transport
// or server error.
var ErrNotPublished = errors.New("weekly plan not published")

// Source fetches the weekly plan for one child.
type Source interface {
	FetchWeekPlan(ctx context.Context, child string, p domain.WeekPeriod) (string, error)
}

// Disabled is the source used when no plan URL is configured; every fetch
// fails with a configuration error so misrouted checks surface in the log.
type Disabled struct{}

func (Disabled) FetchWeekPlan(ctx context.Context, child string, p domain.WeekPeriod) (string, error) {
	return "", errors.New("no plan source configured")
}

// HTTPSource fetches plans from a URL template with one %s (child) and two
// %d (year, week) verbs, e.g. "https://school.example/plans/%s/%d/%d".
type HTTPSource struct {
	urlTemplate string
	client      *http.Client
}

func NewHTTPSource(urlTemplate string, timeout time.Duration) (*HTTPSource, error) {
	if urlTemplate == "" {
		return nil, errors.New("plan URL template is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSource{
		urlTemplate: urlTemplate,
		client:      &http.Client{Timeout: timeout},
	}, nil
}

func (s *HTTPSource) FetchWeekPlan(ctx context.Context, child string, p domain.WeekPeriod) (string, error) {
	url := fmt.Sprintf(s.urlTemplate, child, p.Year, p.Week)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build plan request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch plan: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("%w: %s %s", ErrNotPublished, child, p)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read plan body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("fetch plan: HTTP %d: %s", resp.StatusCode, string(body))
	}
	return string(body), nil
}
