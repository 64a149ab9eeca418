package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/arjunv/jobdispatch/internal/email"
	"github.com/arjunv/jobdispatch/internal/store"
)

// RegisterDefaults wires the five job kinds the dispatch engine ships
// with, grounded on the original task handler set: email, data
// processing, report generation, image processing, and webhook delivery.
// Callers that need different business logic can Register over any of
// these before starting the worker pool.
func RegisterDefaults(r *Registry, smtp email.SMTPConfig, httpClient *http.Client) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	r.Register(store.KindEmail, func(ctx context.Context, job *store.Job) (store.JSONMap, error) {
		to, _ := job.Payload["to"].(string)
		subject, _ := job.Payload["subject"].(string)
		body, _ := job.Payload["body"].(string)

		if err := email.SendText(smtp, to, subject, body); err != nil {
			return nil, fmt.Errorf("send mail: %w", err)
		}
		return store.JSONMap{
			"status":  "sent",
			"to":      to,
			"subject": subject,
		}, nil
	})

	r.Register(store.KindDataProcessing, func(ctx context.Context, job *store.Job) (store.JSONMap, error) {
		fileURL, _ := job.Payload["file_url"].(string)
		operation, _ := job.Payload["operation"].(string)
		if operation == "" {
			operation = "process"
		}
		if err := simulate(ctx, 5*time.Second); err != nil {
			return nil, err
		}
		return store.JSONMap{
			"status":         "processed",
			"file_url":       fileURL,
			"operation":      operation,
			"rows_processed": 1000,
		}, nil
	})

	r.Register(store.KindReportGeneration, func(ctx context.Context, job *store.Job) (store.JSONMap, error) {
		reportType, _ := job.Payload["report_type"].(string)
		if err := simulate(ctx, 3*time.Second); err != nil {
			return nil, err
		}
		return store.JSONMap{
			"status":      "generated",
			"report_type": reportType,
			"report_url":  fmt.Sprintf("https://reports.example.com/%s.pdf", reportType),
		}, nil
	})

	r.Register(store.KindImageProcessing, func(ctx context.Context, job *store.Job) (store.JSONMap, error) {
		imageURL, _ := job.Payload["image_url"].(string)
		filters, _ := job.Payload["filters"].([]any)
		if err := simulate(ctx, 4*time.Second); err != nil {
			return nil, err
		}
		return store.JSONMap{
			"status":          "processed",
			"image_url":       imageURL,
			"filters_applied": filters,
			"output_url":      fmt.Sprintf("https://images.example.com/processed_%s", imageURL),
		}, nil
	})

	r.Register(store.KindWebhook, func(ctx context.Context, job *store.Job) (store.JSONMap, error) {
		url, _ := job.Payload["url"].(string)
		data := job.Payload["data"]

		body, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal webhook payload: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("call webhook: %w", err)
		}
		defer resp.Body.Close()

		return store.JSONMap{
			"status":        "called",
			"url":           url,
			"response_code": resp.StatusCode,
		}, nil
	})
}

// simulate stands in for work a real handler would do. It still honors
// cancellation so a shutting-down pool does not block on it.
func simulate(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
