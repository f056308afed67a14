// Package testutil provides common test utilities and helpers for LabLab tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/LabLab/internal/models"
	"github.com/BTreeMap/LabLab/internal/store"
)

// InstructionsStage builds an instructions stage.
func InstructionsStage(id string) models.Stage {
	return models.Stage{ID: id, Type: models.StageTypeInstructions, Title: "Instructions", Instructions: &models.InstructionsContent{Content: "# Welcome"}}
}

// BreakStage builds a break stage of the given length.
func BreakStage(id string, seconds int) models.Stage {
	return models.Stage{ID: id, Type: models.StageTypeBreak, Title: "Break", Break: &models.BreakConfig{DurationSeconds: seconds}}
}

// ScenarioStage builds a scenario stage over scenarioID.
func ScenarioStage(id, scenarioID string) models.Stage {
	return models.Stage{ID: id, Type: models.StageTypeScenario, Title: "Market", Scenario: &models.ScenarioRef{ScenarioID: scenarioID}}
}

// SurveyStage builds a survey stage.
func SurveyStage(id string, questions ...models.Question) models.Stage {
	return models.Stage{ID: id, Type: models.StageTypeSurvey, Title: "Survey", Survey: &models.SurveyConfig{Questions: questions}}
}

// ChoiceQuestion builds a multiple choice question.
func ChoiceQuestion(id string, required bool, options ...string) models.Question {
	return models.Question{ID: id, Type: models.QuestionTypeMultipleChoice, Text: id, Required: required, Options: options}
}

// TextQuestion builds a free text question.
func TextQuestion(id string, required bool) models.Question {
	return models.Question{ID: id, Type: models.QuestionTypeText, Text: id, Required: required}
}

// SeedExperiment stores an experiment built from stages and returns it.
func SeedExperiment(t *testing.T, st store.Store, id string, stages ...models.Stage) models.Experiment {
	t.Helper()
	exp := models.Experiment{ID: id, Name: "Study " + id, Stages: stages}
	if err := st.SaveExperiment(t.Context(), exp); err != nil {
		t.Fatalf("failed to seed experiment %s: %v", id, err)
	}
	return exp
}

// SeedMarket stores a scenario with the given per-asset prices and a wallet
// holding amount of each asset. Asset ids and symbols are the map keys.
func SeedMarket(t *testing.T, st store.Store, scenarioID string, rounds int, prices map[string][]float64, amount float64) models.Scenario {
	t.Helper()
	walletID := scenarioID + "-wallet"
	sc := models.Scenario{ID: scenarioID, Rounds: rounds, RoundDurationSeconds: 1, WalletID: walletID}
	wallet := models.Wallet{ID: walletID}
	for symbol, series := range prices {
		sc.AssetPrices = append(sc.AssetPrices, models.AssetPriceSeries{AssetID: symbol, Symbol: symbol, Prices: series})
		wallet.Assets = append(wallet.Assets, models.WalletAsset{ID: symbol, Symbol: symbol, Name: symbol, Amount: amount})
	}
	if err := st.SaveScenario(t.Context(), sc); err != nil {
		t.Fatalf("failed to seed scenario %s: %v", scenarioID, err)
	}
	if err := st.SaveWallet(t.Context(), wallet); err != nil {
		t.Fatalf("failed to seed wallet %s: %v", walletID, err)
	}
	return sc
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes a response envelope and checks its status
// field. The result is returned undecoded.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus models.APIStatus) json.RawMessage {
	t.Helper()
	var response struct {
		Status string          `json:"status"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	if response.Status != string(expectedStatus) {
		t.Errorf("expected status '%s', got '%s'", expectedStatus, response.Status)
	}
	return response.Result
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	}
	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
