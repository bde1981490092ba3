// Package notifier talks to the downstream warehouse fulfillment system.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/curacare/fulfillment/internal/core/domain"
)

type dispatchPayload struct {
	OrderID    string `json:"order_id"`
	PatientID  string `json:"patient_id"`
	MedicineID string `json:"medicine_id"`
	Qty        int    `json:"qty"`
	TraceID    string `json:"trace_id"`
}

type dispatchResponse struct {
	Status      string `json:"status"`
	DispatchRef string `json:"dispatch_ref"`
}

// WebhookNotifier posts committed orders to the warehouse webhook. Calls
// are bounded by the caller's context; the client timeout is a backstop.
type WebhookNotifier struct {
	client *http.Client
	url    string
	log    zerolog.Logger
}

func NewWebhookNotifier(url string, timeout time.Duration, log zerolog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{
		client: &http.Client{Timeout: timeout},
		url:    url,
		log:    log,
	}
}

func (n *WebhookNotifier) Dispatch(ctx context.Context, order domain.Order) (*domain.DispatchAck, error) {
	body, err := json.Marshal(dispatchPayload{
		OrderID:    order.ID,
		PatientID:  order.PatientID,
		MedicineID: order.MedicineID,
		Qty:        order.Qty,
		TraceID:    order.TraceID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode dispatch payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post dispatch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("warehouse returned %d", resp.StatusCode)
	}

	var out dispatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode dispatch response: %w", err)
	}

	ref := out.DispatchRef
	if ref == "" {
		// some warehouse deployments only echo a status; mint a local ref
		ref = "WH-" + strings.ToUpper(uuid.NewString()[:8])
	}
	return &domain.DispatchAck{
		OrderID:     order.ID,
		DispatchRef: ref,
		Status:      out.Status,
	}, nil
}
