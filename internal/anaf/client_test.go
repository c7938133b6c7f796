package anaf

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/vipul43/efactura-worker/internal/service"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, 5*time.Second, zap.NewNop())
}

func TestClient_ListMessages(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/listaMesajePaginatieFactura" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected authorization %q", got)
		}
		q := r.URL.Query()
		if q.Get("startTime") != "1735689600000" || q.Get("endTime") != "1738281600000" {
			t.Errorf("expected millisecond window, got %s..%s", q.Get("startTime"), q.Get("endTime"))
		}
		if q.Get("cif") != "1000001" || q.Get("pagina") != "2" || q.Get("filtru") != "P" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		io.WriteString(w, `{
			"mesaje": [
				{"data_creare": "202501151230", "cif": "1000001", "id_solicitare": "5001", "detalii": "Factura cu id_incarcare=5001 emisa de cif_emitent=2000002 pentru cif_beneficiar=1000001", "tip": "FACTURA PRIMITA", "id": "3001"},
				{"data_creare": "202501161230", "cif": "1000001", "detalii": "Erori factura", "tip": "ERORI FACTURA", "id": 3002}
			],
			"numar_total_pagini": 3,
			"index_pagina_curenta": 2
		}`)
	})

	page, err := client.ListMessages(context.Background(), "tok", service.ListRequest{
		AccountID: "1000001", Start: start, End: end, Page: 2, Filter: service.FilterReceived,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if page.TotalPages != 3 || page.CurrentPage != 2 {
		t.Errorf("unexpected paging %d/%d", page.CurrentPage, page.TotalPages)
	}
	if len(page.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(page.Messages))
	}

	m := page.Messages[0]
	if m.ExternalID() != "3001" || m.UploadID != "5001" || m.Type != "FACTURA PRIMITA" {
		t.Errorf("unexpected descriptor %+v", m)
	}
	if m.IssuerTaxID != "2000002" || m.BeneficiaryTaxID != "1000001" {
		t.Errorf("expected tax ids from details, got %s/%s", m.IssuerTaxID, m.BeneficiaryTaxID)
	}
	if page.Messages[1].ExternalID() != "3002" {
		t.Errorf("expected numeric id to be read, got %q", page.Messages[1].ExternalID())
	}
}

func TestClient_ListMessages_ErrorPayload(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"eroare": "Nu exista mesaje in intervalul selectat", "titlu": "Lista Mesaje"}`)
	})

	page, err := client.ListMessages(context.Background(), "tok", service.ListRequest{AccountID: "1", Page: 1})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if page.ErrorMessage == "" || len(page.Messages) != 0 {
		t.Errorf("expected error payload without messages, got %+v", page)
	}
}

func TestClient_StatusHandling(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		unauthorized bool
	}{
		{"unauthorized", http.StatusUnauthorized, true},
		{"forbidden", http.StatusForbidden, true},
		{"server error", http.StatusInternalServerError, false},
		{"too many requests", http.StatusTooManyRequests, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, "nope")
			})

			_, err := client.DownloadMessage(context.Background(), "tok", "3001")
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if errors.Is(err, service.ErrUnauthorized) != tt.unauthorized {
				t.Errorf("unauthorized classification mismatch for %d: %v", tt.status, err)
			}
			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.StatusCode != tt.status {
				t.Errorf("expected APIError with status %d, got %v", tt.status, err)
			}
		})
	}
}

func TestClient_DownloadMessage(t *testing.T) {
	t.Run("archive", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/descarcare" || r.URL.Query().Get("id") != "3001" {
				t.Errorf("unexpected request %s", r.URL)
			}
			w.Write([]byte("PK\x03\x04rest"))
		})
		data, err := client.DownloadMessage(context.Background(), "tok", "3001")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if !strings.HasPrefix(string(data), "PK") {
			t.Errorf("expected archive bytes, got %q", data)
		}
	})

	t.Run("error document", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{"eroare": "Pentru id=3001 nu exista inregistrata nici o factura"}`)
		})
		if _, err := client.DownloadMessage(context.Background(), "tok", "3001"); err == nil {
			t.Fatal("expected error for an error document")
		}
	})
}

func TestClient_CallTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()
	client := NewClient(srv.URL, 50*time.Millisecond, zap.NewNop())

	_, err := client.DownloadMessage(context.Background(), "tok", "3001")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestClient_ConvertToPDF(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/transformare/FCN" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "text/plain" {
			t.Errorf("expected text/plain body, got %s", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "<Invoice/>" {
			t.Errorf("expected xml body, got %q", body)
		}
		io.WriteString(w, "%PDF-1.7 ...")
	})

	pdf, err := client.ConvertToPDF(context.Background(), "tok", []byte("<Invoice/>"), "FCN")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !strings.HasPrefix(string(pdf), "%PDF") {
		t.Errorf("unexpected pdf %q", pdf)
	}
}

func TestClient_UploadState(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantState  string
		wantDL     string
		wantErrors string
	}{
		{
			name:      "xml ok",
			body:      `<?xml version="1.0"?><header xmlns="mfp:anaf:dgti:efactura:stareMesajFactura:v1" stare="ok" id_descarcare="3001"/>`,
			wantState: "ok",
			wantDL:    "3001",
		},
		{
			name:       "xml with errors",
			body:       `<header stare="nok" id_descarcare="3002"><Errors errorMessage="E: schema invalid"/></header>`,
			wantState:  "nok",
			wantDL:     "3002",
			wantErrors: "E: schema invalid",
		},
		{
			name:      "json",
			body:      `{"stare": "in prelucrare"}`,
			wantState: "in prelucrare",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/stareMesaj" || r.URL.Query().Get("id_incarcare") != "5001" {
					t.Errorf("unexpected request %s", r.URL)
				}
				io.WriteString(w, tt.body)
			})

			st, err := client.UploadState(context.Background(), "tok", "5001")
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if st.State != tt.wantState || st.DownloadID != tt.wantDL || st.Errors != tt.wantErrors {
				t.Errorf("unexpected state %+v", st)
			}
		})
	}
}

func TestOAuth_ExchangeAndRefresh(t *testing.T) {
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "operator-7"}).SignedString([]byte("k"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client-1" || pass != "secret-1" {
			t.Errorf("expected basic client auth, got %q/%q", user, pass)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.PostForm.Get("grant_type") {
		case "authorization_code":
			if r.PostForm.Get("code") != "code-1" || r.PostForm.Get("token_content_type") != "jwt" {
				t.Errorf("unexpected exchange form %v", r.PostForm)
			}
			io.WriteString(w, `{"access_token":"`+access+`","refresh_token":"refresh-1","token_type":"Bearer","expires_in":7776000,"scope":"efactura"}`)
		case "refresh_token":
			if r.PostForm.Get("refresh_token") != "refresh-1" {
				t.Errorf("unexpected refresh form %v", r.PostForm)
			}
			io.WriteString(w, `{"access_token":"opaque","refresh_token":"refresh-2","token_type":"Bearer","expires_in":7776000}`)
		default:
			t.Errorf("unexpected grant type %q", r.PostForm.Get("grant_type"))
		}
	}))
	defer srv.Close()

	o := NewOAuth("client-1", "secret-1", "https://worker.example/callback", srv.URL+"/authorize", srv.URL+"/token", zap.NewNop())

	g, err := o.ExchangeCode(context.Background(), "code-1")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if g.AccessToken != access || g.RefreshToken != "refresh-1" || g.Scope != "efactura" {
		t.Errorf("unexpected grant %+v", g)
	}
	if g.Subject != "operator-7" {
		t.Errorf("expected subject from jwt, got %q", g.Subject)
	}

	g, err = o.RefreshGrant(context.Background(), "refresh-1")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if g.AccessToken != "opaque" || g.RefreshToken != "refresh-2" || g.Subject != "" {
		t.Errorf("unexpected refreshed grant %+v", g)
	}

	authURL := o.AuthorizationURL()
	if !strings.Contains(authURL, "token_content_type=jwt") || !strings.Contains(authURL, "client_id=client-1") {
		t.Errorf("unexpected authorization url %s", authURL)
	}
}
