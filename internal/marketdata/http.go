package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/BTreeMap/LabLab/internal/models"
)

// maxPayloadBytes bounds how much of an upstream response is read.
const maxPayloadBytes = 4 << 20

// HTTPSource reads market data from a LabLab-compatible data service:
// GET {base}/scenarios/{id} and GET {base}/wallets/{id}/assets. Responses may
// be bare JSON or wrapped in the {status, message, result} envelope.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource creates a source for baseURL. A nil client uses http.DefaultClient;
// per-attempt deadlines come from the caller's context.
func NewHTTPSource(baseURL string, client *http.Client) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (s *HTTPSource) GetScenario(ctx context.Context, id string) (*models.Scenario, error) {
	var sc models.Scenario
	if err := s.get(ctx, "/scenarios/"+url.PathEscape(id), &sc); err != nil {
		return nil, err
	}
	if sc.ID == "" {
		sc.ID = id
	}
	return &sc, nil
}

func (s *HTTPSource) GetWalletAssets(ctx context.Context, walletID string) ([]models.WalletAsset, error) {
	var assets []models.WalletAsset
	if err := s.get(ctx, "/wallets/"+url.PathEscape(walletID)+"/assets", &assets); err != nil {
		return nil, err
	}
	return assets, nil
}

func (s *HTTPSource) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusServiceUnavailable:
		slog.Debug("HTTPSource.get: service unavailable", "path", path)
		return fmt.Errorf("GET %s: %w", path, ErrServiceUnavailable)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("GET %s: %w", path, ErrNotFound)
	case resp.StatusCode >= 300:
		return fmt.Errorf("GET %s: unexpected status %d", path, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return fmt.Errorf("GET %s: reading body: %w", path, err)
	}
	if err := decodePayload(body, out); err != nil {
		return fmt.Errorf("GET %s: %w: %v", path, ErrMalformed, err)
	}
	return nil
}

// decodePayload accepts either the API envelope or the bare document.
func decodePayload(body []byte, out any) error {
	var env struct {
		Status string          `json:"status"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &env); err == nil && env.Status != "" {
		if env.Status != string(models.APIStatusOK) || len(env.Result) == 0 {
			return fmt.Errorf("envelope status %q without result", env.Status)
		}
		return json.Unmarshal(env.Result, out)
	}
	return json.Unmarshal(body, out)
}
