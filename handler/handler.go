// Package handler adapts Lambda events to the usecase layer.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"sales-assistant/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

var newCorrelationID = uuid.NewString

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// statusFor maps a usecase error to the HTTP status it would deserve.
func statusFor(err error) (int, usecase.ErrorCode) {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		return http.StatusInternalServerError, usecase.ErrorInternal
	}
	switch ue.Code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, ue.Code
	case usecase.ErrorUnknownSender:
		return http.StatusNotFound, ue.Code
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests, ue.Code
	case usecase.ErrorUpstream:
		return http.StatusBadGateway, ue.Code
	default:
		return http.StatusInternalServerError, usecase.ErrorInternal
	}
}

func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return newCorrelationID()
}

func header(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func jsonResponse(status int, corrID string, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: corrID,
		},
		Body: string(body),
	}
}

func textResponse(status int, corrID, body string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "text/plain",
			correlationHeader: corrID,
		},
		Body: body,
	}
}
