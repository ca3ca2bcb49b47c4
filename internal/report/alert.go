package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	alertContentTypeConstant      = "application/json"
	alertTimeoutConstant          = 10 * time.Second
	alertFailureTemplateConstant  = "alert delivery failed: %w"
	alertStatusTemplateConstant   = "alert endpoint returned status %d"
	alertDeliveredMessageConstant = "gate failure alert delivered"
	alertEndpointFieldConstant    = "endpoint"
	gateFailureCountFieldConstant = "gate_failures"
)

// AlertDispatcher notifies an external channel when a run fails its gates.
type AlertDispatcher interface {
	Dispatch(executionContext context.Context, runReport RunReport) error
}

// WebhookDispatcher posts the gate failure summary to an HTTP endpoint.
type WebhookDispatcher struct {
	endpointURL string
	httpClient  *http.Client
	logger      *zap.Logger
}

// NewWebhookDispatcher constructs a dispatcher for the endpoint.
func NewWebhookDispatcher(endpointURL string, logger *zap.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookDispatcher{
		endpointURL: endpointURL,
		httpClient:  &http.Client{Timeout: alertTimeoutConstant},
		logger:      logger,
	}
}

type alertPayload struct {
	Timestamp       string   `json:"timestamp"`
	CommitHash      string   `json:"commit_hash"`
	ProductionReady bool     `json:"production_ready"`
	AverageScore    float64  `json:"average_score"`
	GateFailures    []string `json:"gate_failures"`
}

// Dispatch posts the failure summary. Delivery errors are returned to the
// caller; the audit outcome itself is never changed by alerting problems.
func (dispatcher *WebhookDispatcher) Dispatch(executionContext context.Context, runReport RunReport) error {
	payload := alertPayload{
		Timestamp:       runReport.Provenance.Timestamp,
		CommitHash:      runReport.Provenance.CommitHash,
		ProductionReady: runReport.ProductionReady,
		AverageScore:    runReport.AverageScore,
		GateFailures:    runReport.GateFailures,
	}

	serialized, marshalError := json.Marshal(payload)
	if marshalError != nil {
		return fmt.Errorf(alertFailureTemplateConstant, marshalError)
	}

	request, requestError := http.NewRequestWithContext(executionContext, http.MethodPost, dispatcher.endpointURL, bytes.NewReader(serialized))
	if requestError != nil {
		return fmt.Errorf(alertFailureTemplateConstant, requestError)
	}
	request.Header.Set("Content-Type", alertContentTypeConstant)

	response, sendError := dispatcher.httpClient.Do(request)
	if sendError != nil {
		return fmt.Errorf(alertFailureTemplateConstant, sendError)
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf(alertStatusTemplateConstant, response.StatusCode)
	}

	dispatcher.logger.Info(alertDeliveredMessageConstant,
		zap.String(alertEndpointFieldConstant, dispatcher.endpointURL),
		zap.Int(gateFailureCountFieldConstant, len(runReport.GateFailures)))
	return nil
}
