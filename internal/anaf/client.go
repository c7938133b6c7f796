// Package anaf talks to the e-Factura REST API and its OAuth2 endpoints.
package anaf

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vipul43/efactura-worker/internal/service"
)

// maxResponseSize bounds any single response body (download archives included).
const maxResponseSize = 64 << 20

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

type Client struct {
	baseURL     string
	httpClient  *http.Client
	callTimeout time.Duration
	logger      *zap.Logger
}

func NewClient(baseURL string, callTimeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{},
		callTimeout: callTimeout,
		logger:      logger,
	}
}

type listResponse struct {
	Messages     []map[string]interface{} `json:"mesaje"`
	Error        string                   `json:"eroare"`
	Title        string                   `json:"titlu"`
	TotalPages   int                      `json:"numar_total_pagini"`
	CurrentPage  int                      `json:"index_pagina_curenta"`
	TotalRecords int                      `json:"numar_total_inregistrari"`
}

// ListMessages fetches one page of the paginated message listing.
func (c *Client) ListMessages(ctx context.Context, accessToken string, req service.ListRequest) (*service.MessagePage, error) {
	q := url.Values{}
	q.Set("startTime", strconv.FormatInt(req.Start.UnixMilli(), 10))
	q.Set("endTime", strconv.FormatInt(req.End.UnixMilli(), 10))
	q.Set("cif", req.AccountID)
	q.Set("pagina", strconv.Itoa(req.Page))
	if req.Filter != "" {
		q.Set("filtru", req.Filter)
	}

	body, err := c.do(ctx, http.MethodGet, "/listaMesajePaginatieFactura?"+q.Encode(), accessToken, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	var resp listResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse listing response: %w", err)
	}

	if resp.Error != "" {
		return &service.MessagePage{CurrentPage: req.Page, ErrorMessage: resp.Error}, nil
	}

	page := &service.MessagePage{
		Messages:    make([]service.MessageDescriptor, 0, len(resp.Messages)),
		TotalPages:  resp.TotalPages,
		CurrentPage: resp.CurrentPage,
	}
	if page.CurrentPage == 0 {
		page.CurrentPage = req.Page
	}
	for _, raw := range resp.Messages {
		page.Messages = append(page.Messages, descriptor(raw))
	}

	c.logger.Debug("listing page fetched",
		zap.String("account_id", req.AccountID),
		zap.Int("page", page.CurrentPage),
		zap.Int("total_pages", page.TotalPages),
		zap.Int("messages", len(page.Messages)))

	return page, nil
}

// DownloadMessage fetches the zip archive of one message.
func (c *Client) DownloadMessage(ctx context.Context, accessToken string, downloadID string) ([]byte, error) {
	q := url.Values{}
	q.Set("id", downloadID)

	body, err := c.do(ctx, http.MethodGet, "/descarcare?"+q.Encode(), accessToken, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to download message: %w", err)
	}

	// The endpoint answers errors with a JSON document and a 200 status.
	if len(body) > 0 && body[0] == '{' {
		var e struct {
			Error string `json:"eroare"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("download %s rejected: %s", downloadID, e.Error)
		}
	}
	return body, nil
}

// ConvertToPDF renders an invoice XML through the transformation endpoint.
func (c *Client) ConvertToPDF(ctx context.Context, accessToken string, xmlDoc []byte, standard string) ([]byte, error) {
	body, err := c.do(ctx, http.MethodPost, "/transformare/"+url.PathEscape(standard), accessToken, xmlDoc, "text/plain")
	if err != nil {
		return nil, fmt.Errorf("failed to convert to pdf: %w", err)
	}
	if !bytes.HasPrefix(body, []byte("%PDF")) {
		return nil, fmt.Errorf("transformation returned no pdf: %s", truncate(string(body), 200))
	}
	return body, nil
}

type stateHeader struct {
	State      string `xml:"stare,attr" json:"stare"`
	DownloadID string `xml:"id_descarcare,attr" json:"id_descarcare"`
	Errors     []struct {
		Message string `xml:"errorMessage,attr" json:"errorMessage"`
	} `xml:"Errors" json:"Errors"`
}

// UploadState reads the processing state of an uploaded invoice.
func (c *Client) UploadState(ctx context.Context, accessToken string, uploadID string) (*service.UploadState, error) {
	q := url.Values{}
	q.Set("id_incarcare", uploadID)

	body, err := c.do(ctx, http.MethodGet, "/stareMesaj?"+q.Encode(), accessToken, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to read upload state: %w", err)
	}

	var h stateHeader
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		err = json.Unmarshal(trimmed, &h)
	} else {
		err = xml.Unmarshal(trimmed, &h)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse upload state: %w", err)
	}

	msgs := make([]string, 0, len(h.Errors))
	for _, e := range h.Errors {
		if e.Message != "" {
			msgs = append(msgs, e.Message)
		}
	}
	return &service.UploadState{
		State:      h.State,
		DownloadID: h.DownloadID,
		Errors:     strings.Join(msgs, "; "),
	}, nil
}

func (c *Client) do(ctx context.Context, method, path, accessToken string, payload []byte, contentType string) ([]byte, error) {
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: truncate(string(body), 500)}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, errors.Join(service.ErrUnauthorized, apiErr)
		}
		return nil, apiErr
	}
	return body, nil
}

var (
	issuerPattern      = regexp.MustCompile(`cif_emitent=(\d+)`)
	beneficiaryPattern = regexp.MustCompile(`cif_beneficiar=(\d+)`)
	uploadPattern      = regexp.MustCompile(`id_incarcare=(\d+)`)
)

// descriptor maps a raw listing entry. Issuer and beneficiary are carried
// only inside the free-text details.
func descriptor(raw map[string]interface{}) service.MessageDescriptor {
	d := service.MessageDescriptor{
		ID:         stringField(raw, "id"),
		DownloadID: stringField(raw, "id_descarcare"),
		UploadID:   stringField(raw, "id_solicitare"),
		Type:       stringField(raw, "tip"),
		TaxID:      stringField(raw, "cif"),
		CreatedAt:  stringField(raw, "data_creare"),
		Details:    stringField(raw, "detalii"),
		Raw:        raw,
	}
	if m := issuerPattern.FindStringSubmatch(d.Details); m != nil {
		d.IssuerTaxID = m[1]
	}
	if m := beneficiaryPattern.FindStringSubmatch(d.Details); m != nil {
		d.BeneficiaryTaxID = m[1]
	}
	if d.UploadID == "" {
		if m := uploadPattern.FindStringSubmatch(d.Details); m != nil {
			d.UploadID = m[1]
		}
	}
	return d
}

// stringField reads key as a string; the API sends ids both quoted and bare.
func stringField(raw map[string]interface{}, key string) string {
	switch v := raw[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
