// Package analysis runs AI analysis jobs for submitted artifacts and feeds
// their outcome back into the approval pipeline.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Outcome is what a provider returns for one piece of content.
// A nil Confidence means the provider produced no score.
type Outcome struct {
	ResultText       string   `json:"result_text"`
	Confidence       *float64 `json:"confidence,omitempty"`
	ProviderID       string   `json:"provider_id,omitempty"`
	ProcessingTimeMs int64    `json:"processing_time_ms,omitempty"`
}

// Provider analyzes artifact content.
type Provider interface {
	Analyze(ctx context.Context, content string) (Outcome, error)
}

// ProviderFunc adapts a plain function to Provider.
type ProviderFunc func(ctx context.Context, content string) (Outcome, error)

func (f ProviderFunc) Analyze(ctx context.Context, content string) (Outcome, error) {
	return f(ctx, content)
}

// Result is delivered once on the channel of an AsyncProvider.
type Result struct {
	Outcome Outcome
	Err     error
}

// AsyncProvider starts an analysis and delivers its result later.
type AsyncProvider interface {
	AnalyzeAsync(ctx context.Context, content string) <-chan Result
}

// FromAsync adapts an AsyncProvider to Provider. The returned Provider
// gives up when ctx is done even if the channel never delivers.
func FromAsync(p AsyncProvider) Provider {
	return ProviderFunc(func(ctx context.Context, content string) (Outcome, error) {
		select {
		case res, ok := <-p.AnalyzeAsync(ctx, content):
			if !ok {
				return Outcome{}, errors.New("async provider closed without a result")
			}
			return res.Outcome, res.Err
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
	})
}

// ErrProviderTimeout is returned when a provider call exceeds the
// configured timeout.
var ErrProviderTimeout = errors.New("analysis provider timed out")

// ProviderError wraps a failure reported by a provider.
type ProviderError struct {
	ProviderID string
	Err        error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.ProviderID, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// namer is implemented by providers that report a stable id.
type namer interface {
	Name() string
}

func providerName(p Provider) string {
	if n, ok := p.(namer); ok {
		return n.Name()
	}
	return "custom"
}

// StubProvider is a deterministic provider for development and tests. With
// Confidence nil it returns no score, so the keyword fallback decides.
type StubProvider struct {
	Confidence *float64
	Delay      time.Duration
}

func (StubProvider) Name() string { return "stub" }

func (p StubProvider) Analyze(ctx context.Context, content string) (Outcome, error) {
	if p.Delay > 0 {
		t := time.NewTimer(p.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
	}
	words := len(strings.Fields(content))
	text := fmt.Sprintf("stub analysis of %d words: %s", words, content)
	out := Outcome{ResultText: text, ProviderID: p.Name()}
	if p.Confidence != nil {
		c := *p.Confidence
		out.Confidence = &c
	}
	return out, nil
}

// HTTPProvider posts content to an analysis service and expects an
// Outcome-shaped JSON body back.
type HTTPProvider struct {
	Endpoint string
	Client   *http.Client
}

func (HTTPProvider) Name() string { return "http" }

type httpAnalyzeRequest struct {
	Content string `json:"content"`
}

func (p HTTPProvider) Analyze(ctx context.Context, content string) (Outcome, error) {
	body, err := json.Marshal(httpAnalyzeRequest{Content: content})
	if err != nil {
		return Outcome{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Outcome{}, &ProviderError{ProviderID: p.Name(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		return Outcome{}, &ProviderError{ProviderID: p.Name(), Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Outcome{}, &ProviderError{ProviderID: p.Name(), Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))}
	}
	var out Outcome
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Outcome{}, &ProviderError{ProviderID: p.Name(), Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.ProviderID == "" {
		out.ProviderID = p.Name()
	}
	return out, nil
}
