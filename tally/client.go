package tally

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sugawarayuuta/sonnet"
	"go.uber.org/zap"

	"github.com/justicevae/votewatch/config"
)

const delegatesQuery = `query GetDelegates($input: DelegatesInput!) {
  delegates(input: $input) {
    nodes {
      ... on Delegate {
        account { address ens name }
        statement { isSeekingDelegation }
      }
    }
    pageInfo { firstCursor lastCursor count }
  }
}`

// 注册表中的受托人
type Delegate struct {
	Address             string `json:"address"`
	ENS                 string `json:"ens,omitempty"`
	Name                string `json:"name,omitempty"`
	IsSeekingDelegation bool   `json:"isSeekingDelegation"`
}

// 请求节奏：成功后缓慢减小间隔，限流时增大
type Timing struct {
	MinDelay   time.Duration
	MaxDelay   time.Duration
	Increase   time.Duration
	Decrease   time.Duration
	MaxRetries int
}

func DefaultTiming() Timing {
	return Timing{
		MinDelay:   600 * time.Millisecond,
		MaxDelay:   2 * time.Second,
		Increase:   200 * time.Millisecond,
		Decrease:   10 * time.Millisecond,
		MaxRetries: 5,
	}
}

type Client struct {
	cfg    config.RegistryConfig
	timing Timing
	http   *http.Client
	logger *zap.Logger
}

func NewClient(cfg config.RegistryConfig, logger *zap.Logger) *Client {
	return &Client{
		cfg:    cfg,
		timing: DefaultTiming(),
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// WithTiming 覆盖请求节奏
func (c *Client) WithTiming(t Timing) *Client {
	c.timing = t
	return c
}

type rateLimitError struct {
	retryAfter time.Duration
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("registry rate limited (retry after %s)", e.retryAfter)
}

type request struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type response struct {
	Data struct {
		Delegates struct {
			Nodes []struct {
				Account struct {
					Address string  `json:"address"`
					ENS     *string `json:"ens"`
					Name    *string `json:"name"`
				} `json:"account"`
				Statement *struct {
					IsSeekingDelegation *bool `json:"isSeekingDelegation"`
				} `json:"statement"`
			} `json:"nodes"`
			PageInfo struct {
				FirstCursor string `json:"firstCursor"`
				LastCursor  string `json:"lastCursor"`
				Count       int    `json:"count"`
			} `json:"pageInfo"`
		} `json:"delegates"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// FetchDelegates 翻页拉取全部受托人
// 超过 MaxDuration、限流重试耗尽或中途出错时返回已拉取的部分
func (c *Client) FetchDelegates(ctx context.Context) ([]Delegate, error) {
	var (
		all         []Delegate
		cursor      string
		page        int
		delay       = c.timing.MinDelay
		successes   int
		rateLimited int
		lastErr     error
		started     = time.Now()
		maxDuration = c.cfg.MaxDuration
		pageSize    = c.cfg.PageSize
	)
	if pageSize <= 0 {
		pageSize = 20
	}

	for {
		if maxDuration > 0 && time.Since(started) > maxDuration {
			c.logger.Warn("Registry fetch reached maximum duration, returning partial results",
				zap.Duration("max_duration", maxDuration),
				zap.Int("delegates", len(all)),
				zap.Error(lastErr))
			return all, nil
		}

		nodes, next, err := c.fetchPage(ctx, cursor, pageSize)
		if err != nil {
			successes = 0
			lastErr = err

			var rl *rateLimitError
			if errors.As(err, &rl) {
				rateLimited++
				if rateLimited > c.timing.MaxRetries {
					c.logger.Warn("Registry rate limit retries exhausted, returning partial results",
						zap.Int("retries", c.timing.MaxRetries),
						zap.Int("delegates", len(all)))
					return all, nil
				}
				if rl.retryAfter > 0 {
					delay = max(delay, rl.retryAfter)
				} else {
					delay = min(c.timing.MaxDelay, delay+c.timing.Increase)
				}
				c.logger.Info("Registry rate limited",
					zap.Int("attempt", rateLimited),
					zap.Duration("delay", delay))
				if err := sleep(ctx, delay); err != nil {
					return nil, err
				}
				continue
			}

			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if len(all) > 0 {
				c.logger.Warn("Registry fetch failed, returning delegates collected so far",
					zap.Int("delegates", len(all)),
					zap.Error(err))
				return all, nil
			}
			return nil, err
		}

		rateLimited = 0
		lastErr = nil
		all = append(all, nodes...)
		page++
		successes++
		if successes >= 3 {
			delay = max(c.timing.MinDelay, delay-c.timing.Decrease)
		}

		c.logger.Debug("Fetched registry page",
			zap.Int("page", page),
			zap.Int("received", len(nodes)),
			zap.Int("total", len(all)))

		if len(nodes) == 0 || next == "" || next == cursor {
			c.logger.Info("Fetched registry delegates", zap.Int("delegates", len(all)), zap.Int("pages", page))
			return all, nil
		}
		cursor = next

		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (c *Client) fetchPage(ctx context.Context, cursor string, pageSize int) ([]Delegate, string, error) {
	pageInput := map[string]any{"limit": pageSize}
	if cursor != "" {
		pageInput["afterCursor"] = cursor
	}
	body, err := sonnet.Marshal(request{
		Query: delegatesQuery,
		Variables: map[string]any{
			"input": map[string]any{
				"filters": map[string]any{"organizationId": c.cfg.OrganizationID},
				"page":    pageInput,
			},
		},
	})
	if err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Api-Key", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("registry request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, "", &rateLimitError{retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read registry response: %w", err)
	}
	if !strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		return nil, "", fmt.Errorf("registry returned non-JSON response with status %d", resp.StatusCode)
	}

	var out response
	if err := sonnet.Unmarshal(raw, &out); err != nil {
		return nil, "", fmt.Errorf("failed to decode registry response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || len(out.Errors) > 0 {
		msg := resp.Status
		if len(out.Errors) > 0 {
			msg = out.Errors[0].Message
		}
		return nil, "", fmt.Errorf("registry error: %d - %s", resp.StatusCode, msg)
	}

	nodes := out.Data.Delegates.Nodes
	delegates := make([]Delegate, 0, len(nodes))
	for _, n := range nodes {
		d := Delegate{Address: strings.ToLower(n.Account.Address)}
		if n.Account.ENS != nil {
			d.ENS = *n.Account.ENS
		}
		if n.Account.Name != nil {
			d.Name = *n.Account.Name
		}
		if n.Statement != nil && n.Statement.IsSeekingDelegation != nil {
			d.IsSeekingDelegation = *n.Statement.IsSeekingDelegation
		}
		delegates = append(delegates, d)
	}
	return delegates, out.Data.Delegates.PageInfo.LastCursor, nil
}

func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
