package whoop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xaenox/whoop-insight-bot/internal/models"
	"github.com/xaenox/whoop-insight-bot/pkg/config"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	profileEndpoint  = "v1/user/profile/basic"
	bodyEndpoint     = "v1/user/measurement/body"
	cycleEndpoint    = "v1/cycle"
	recoveryEndpoint = "v1/recovery"
	sleepEndpoint    = "v1/activity/sleep"
	workoutEndpoint  = "v1/activity/workout"
)

// APIError is a non-2xx answer from the WHOOP API.
type APIError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("whoop %s: status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// DateRange filters collections by start time. Zero bounds are omitted.
type DateRange struct {
	Start time.Time
	End   time.Time
}

func formatDate(t time.Time) string {
	return t.UTC().Format("2006-01-02") + "T00:00:00.000Z"
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	User         struct {
		ID int64 `json:"id"`
	} `json:"user"`
}

type page[T any] struct {
	Records   []T    `json:"records"`
	NextToken string `json:"next_token"`
}

// Client is an authenticated WHOOP API session.
type Client struct {
	apiURL     string
	http       *http.Client
	userID     int64
	maxRecords int
	pageSize   int
	logger     *zap.Logger
}

// Authenticate performs the password grant and returns a client whose
// requests carry the bearer token. base may be nil.
func Authenticate(ctx context.Context, cfg config.WhoopConfig, base *http.Client, logger *zap.Logger) (*Client, error) {
	if base == nil {
		base = &http.Client{Timeout: cfg.Timeout}
	}

	logger.Info("Authenticating with WHOOP API...")

	body, err := json.Marshal(map[string]string{
		"grant_type": "password",
		"username":   cfg.Username,
		"password":   cfg.Password,
	})
	if err != nil {
		return nil, err
	}

	endpoint := strings.TrimRight(cfg.AuthURL, "/") + "/oauth/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := base.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error requesting token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{Endpoint: "oauth/token", StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, fmt.Errorf("error decoding token: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("token response has no access token")
	}

	token := &oauth2.Token{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
	}
	if tok.ExpiresIn > 0 {
		token.Expiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	}

	httpClient := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, base), oauth2.StaticTokenSource(token))
	httpClient.Timeout = base.Timeout

	logger.Info("Authenticated successfully", zap.Int64("user_id", tok.User.ID))

	return &Client{
		apiURL:     strings.TrimRight(cfg.APIURL, "/"),
		http:       httpClient,
		userID:     tok.User.ID,
		maxRecords: cfg.MaxRecords,
		pageSize:   cfg.PageSize,
		logger:     logger,
	}, nil
}

// UserID is the account id taken from the token response.
func (c *Client) UserID() int64 {
	return c.userID
}

func (c *Client) Profile(ctx context.Context) (models.Profile, error) {
	var p models.Profile
	err := c.get(ctx, profileEndpoint, nil, &p)
	return p, err
}

func (c *Client) BodyMeasurement(ctx context.Context) (models.BodyMeasurement, error) {
	var m models.BodyMeasurement
	err := c.get(ctx, bodyEndpoint, nil, &m)
	return m, err
}

func (c *Client) Cycles(ctx context.Context, r DateRange) ([]models.Cycle, error) {
	return paginate[models.Cycle](ctx, c, cycleEndpoint, r)
}

func (c *Client) Recoveries(ctx context.Context, r DateRange) ([]models.Recovery, error) {
	return paginate[models.Recovery](ctx, c, recoveryEndpoint, r)
}

func (c *Client) Sleeps(ctx context.Context, r DateRange) ([]models.Sleep, error) {
	return paginate[models.Sleep](ctx, c, sleepEndpoint, r)
}

func (c *Client) Workouts(ctx context.Context, r DateRange) ([]models.Workout, error) {
	return paginate[models.Workout](ctx, c, workoutEndpoint, r)
}

// paginate follows next_token until it runs out or maxRecords are
// collected, then truncates to maxRecords. Any failed page aborts the
// whole collection.
func paginate[T any](ctx context.Context, c *Client, endpoint string, r DateRange) ([]T, error) {
	params := url.Values{}
	if c.pageSize > 0 {
		params.Set("limit", fmt.Sprint(c.pageSize))
	}
	if !r.Start.IsZero() {
		params.Set("start", formatDate(r.Start))
	}
	if !r.End.IsZero() {
		params.Set("end", formatDate(r.End))
	}

	var records []T
	for pages := 1; ; pages++ {
		var p page[T]
		if err := c.get(ctx, endpoint, params, &p); err != nil {
			return nil, err
		}
		records = append(records, p.Records...)

		c.logger.Debug("Fetched page",
			zap.String("endpoint", endpoint),
			zap.Int("page", pages),
			zap.Int("records", len(p.Records)))

		if (c.maxRecords > 0 && len(records) >= c.maxRecords) || p.NextToken == "" {
			break
		}
		params.Set("nextToken", p.NextToken)
	}

	if c.maxRecords > 0 && len(records) > c.maxRecords {
		records = records[:c.maxRecords]
	}
	return records, nil
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	u := c.apiURL + "/" + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("error requesting %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("error decoding %s: %w", endpoint, err)
	}
	return nil
}
