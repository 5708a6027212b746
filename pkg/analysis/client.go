// Package analysis is the client for the remote consultation analysis API.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"consultation-capture/pkg/config"
	"consultation-capture/pkg/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	transcribePath = "/consultations/transcribe"
	scanImagePath  = "/prescriptions/scan-image"
	notesPath      = "/consultations/{id}/notes"
)

type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

func NewClient(cfg config.AnalysisConfig, logger *zap.Logger) *Client {
	c := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Accept", "application/json")
	if cfg.RequestTimeout > 0 {
		c.SetTimeout(cfg.RequestTimeout)
	}
	if cfg.AuthToken != "" {
		c.SetAuthToken(cfg.AuthToken)
	}
	return &Client{http: c, logger: logger.Named("analysis")}
}

// Transcribe uploads one audio payload as a single multipart request. The
// patient identifier is optional.
func (c *Client) Transcribe(ctx context.Context, payload *models.AudioPayload, patientID string) (*models.ConsultationResult, error) {
	req := c.http.R().
		SetContext(ctx).
		SetMultipartField("file", fileName(payload.FileName, "recording.webm"), payload.MimeType, bytes.NewReader(payload.Data))
	if patientID != "" {
		req.SetMultipartFormData(map[string]string{"patient_id": patientID})
	}

	c.logger.Debug("Analysis: submitting audio",
		zap.String("file_name", payload.FileName),
		zap.Int64("size_bytes", payload.SizeBytes))
	return c.analyze(req, transcribePath)
}

// ScanImage submits a prescription image through the same result contract.
func (c *Client) ScanImage(ctx context.Context, payload *models.ImagePayload) (*models.ConsultationResult, error) {
	req := c.http.R().
		SetContext(ctx).
		SetMultipartField("file", fileName(payload.FileName, "upload"), payload.MimeType, bytes.NewReader(payload.Data))

	c.logger.Debug("Analysis: submitting image",
		zap.String("file_name", payload.FileName),
		zap.Int64("size_bytes", payload.SizeBytes))
	return c.analyze(req, scanImagePath)
}

// SaveNotes stores derived notes against a consultation. The response body
// is ignored.
func (c *Client) SaveNotes(ctx context.Context, consultationID, notes string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", consultationID).
		SetBody(map[string]string{"notes": notes}).
		Post(notesPath)
	if err != nil {
		return fmt.Errorf("%w: saving notes: %v", models.ErrRequestFailed, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: saving notes: %s", models.ErrRequestFailed, describe(resp))
	}

	c.logger.Info("Analysis: notes saved", zap.String("consultation_id", consultationID))
	return nil
}

func (c *Client) analyze(req *resty.Request, path string) (*models.ConsultationResult, error) {
	resp, err := req.Post(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrRequestFailed, err)
	}
	if resp.IsError() {
		c.logger.Warn("Analysis: request rejected",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode()))
		return nil, fmt.Errorf("%w: %s", models.ErrRequestFailed, describe(resp))
	}

	var result models.ConsultationResult
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", models.ErrRequestFailed, err)
	}
	if result.ConsultationID == "" {
		return nil, fmt.Errorf("%w: response has no consultation_id", models.ErrRequestFailed)
	}

	c.logger.Info("Analysis: result received",
		zap.String("path", path),
		zap.String("consultation_id", result.ConsultationID),
		zap.Duration("took", resp.Time()))
	return &result, nil
}

// describe prefers the API's own error detail over the raw body.
func describe(resp *resty.Response) string {
	var body struct {
		Detail  any    `json:"detail"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err == nil {
		switch d := body.Detail.(type) {
		case string:
			if d != "" {
				return fmt.Sprintf("%d %s", resp.StatusCode(), d)
			}
		case nil:
		default:
			return fmt.Sprintf("%d %v", resp.StatusCode(), d)
		}
		if body.Message != "" {
			return fmt.Sprintf("%d %s", resp.StatusCode(), body.Message)
		}
	}
	return resp.Status()
}

func fileName(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}
