// Package nightscout is the client for the remote diary service.
package nightscout

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pv/cgmrig/internal/cgm"
)

// DefaultTimeout bounds a single HTTP request.
const DefaultTimeout = 30 * time.Second

// Client talks to the Nightscout REST API v1
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client. apiSecret is the plain secret; it is hashed
// before being sent.
func NewClient(baseURL, apiSecret string, timeout time.Duration, logger *slog.Logger) *Client {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	var secret string
	if apiSecret != "" {
		sum := sha1.Sum([]byte(apiSecret))
		secret = hex.EncodeToString(sum[:])
	}

	return &Client{
		baseURL: baseURL,
		secret:  secret,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With("component", "nightscout"),
	}
}

// LatestCalibration returns the newest calibration entry or nil when the
// diary has none.
func (c *Client) LatestCalibration(ctx context.Context) (*cgm.CalibrationCurve, error) {
	q := url.Values{}
	q.Set("count", "1")

	var entries []Entry
	if err := c.getJSON(ctx, "entries/cal.json", q, &entries); err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Slope == 0 {
			continue
		}
		curve := curveFromEntry(e)
		return &curve, nil
	}
	return nil, nil
}

// SGVsSince returns sensor glucose entries at or after since, ascending.
func (c *Client) SGVsSince(ctx context.Context, since time.Time, limit int) ([]cgm.Reading, error) {
	q := url.Values{}
	q.Set("find[date][$gte]", strconv.FormatInt(since.UnixMilli(), 10))
	if limit > 0 {
		q.Set("count", strconv.Itoa(limit))
	}

	var entries []Entry
	if err := c.getJSON(ctx, "entries/sgv.json", q, &entries); err != nil {
		return nil, err
	}

	readings := make([]cgm.Reading, 0, len(entries))
	for _, e := range entries {
		if e.Type != "" && e.Type != EntrySGV {
			continue
		}
		readings = append(readings, readingFromEntry(e))
	}
	cgm.SortReadings(readings)
	return readings, nil
}

// BGChecksSince returns finger-stick treatments at or after since, ascending.
func (c *Client) BGChecksSince(ctx context.Context, since time.Time) ([]cgm.BGCheck, error) {
	q := url.Values{}
	q.Set("find[eventType]", EventBGCheck)
	q.Set("find[created_at][$gte]", since.UTC().Format(time.RFC3339))

	var treatments []Treatment
	if err := c.getJSON(ctx, "treatments.json", q, &treatments); err != nil {
		return nil, err
	}

	checks := make([]cgm.BGCheck, 0, len(treatments))
	for _, t := range treatments {
		check := checkFromTreatment(t)
		if check.Time.IsZero() {
			c.logger.Warn("skipping treatment with bad created_at", "id", t.ID, "created_at", t.CreatedAt)
			continue
		}
		checks = append(checks, check)
	}
	cgm.SortBGChecks(checks)
	return checks, nil
}

// LatestSensorInsert returns the newest sensor change or start, nil when
// none is recorded.
func (c *Client) LatestSensorInsert(ctx context.Context) (*cgm.SensorInsert, error) {
	q := url.Values{}
	q.Set("find[eventType][$regex]", sensorInsertPattern)
	q.Set("count", "1")

	var treatments []Treatment
	if err := c.getJSON(ctx, "treatments.json", q, &treatments); err != nil {
		return nil, err
	}

	var latest *cgm.SensorInsert
	for _, t := range treatments {
		ts := t.Time()
		if ts.IsZero() {
			continue
		}
		if latest == nil || ts.After(latest.Time) {
			latest = &cgm.SensorInsert{Time: ts}
		}
	}
	return latest, nil
}

// PostReading uploads a reading as an sgv entry.
func (c *Client) PostReading(ctx context.Context, r cgm.Reading) error {
	return c.postJSON(ctx, "entries.json", []Entry{entryFromReading(r)})
}

// PostCalibration uploads a curve as a cal entry.
func (c *Client) PostCalibration(ctx context.Context, curve cgm.CalibrationCurve) error {
	return c.postJSON(ctx, "entries.json", []Entry{entryFromCurve(curve)})
}

// PostBGCheck uploads a finger-stick check as a treatment.
func (c *Client) PostBGCheck(ctx context.Context, check cgm.BGCheck) error {
	return c.postJSON(ctx, "treatments.json", []Treatment{treatmentFromCheck(check)})
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, v any) error {
	body, err := c.do(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("unmarshal %s response failed: %w", path, err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload failed: %w", path, err)
	}
	_, err = c.do(ctx, http.MethodPost, path, nil, payload)
	return err
}

// do executes a request against /api/v1
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload []byte) ([]byte, error) {
	u := fmt.Sprintf("%s/api/v1/%s", c.baseURL, path)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("build request %s failed: %w", u, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.secret != "" {
		req.Header.Set("api-secret", c.secret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s failed: %w", u, err)
	}

	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		return nil, fmt.Errorf("read response from %s failed: %w", u, readErr)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s %s: status %d (%s)", method, u, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return body, nil
}
