package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/Artifex-Works/patron/core/pkg/api"
	"github.com/Artifex-Works/patron/core/pkg/contracts"
	"github.com/Artifex-Works/patron/core/pkg/engine"
	"github.com/Artifex-Works/patron/core/pkg/escrow"
	"github.com/Artifex-Works/patron/core/pkg/store"
)

const (
	testSecret        = "api-test-secret"
	testWebhookSecret = "webhook-test-secret"
	clientID          = "client-1"
	artistID          = "artist-1"
	adminID           = "admin-1"
)

type testRig struct {
	handler http.Handler
	gateway *escrow.MemoryGateway
	engine  *engine.Engine
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	gw := escrow.NewMemoryGateway()
	eng := engine.New(store.NewMemoryStore(), gw,
		engine.WithClock(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }),
	)
	srv := api.NewServer(eng, testWebhookSecret)
	handler := api.AuthMiddleware(api.NewJWTValidator(testSecret))(srv.Routes())
	return &testRig{handler: handler, gateway: gw, engine: eng}
}

func token(t *testing.T, subject, role string) string {
	t.Helper()
	claims := &api.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (rig *testRig) do(t *testing.T, actor, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if actor != "" {
		role := ""
		if actor == adminID {
			role = "admin"
		}
		req.Header.Set("Authorization", "Bearer "+token(t, actor, role))
	}
	w := httptest.NewRecorder()
	rig.handler.ServeHTTP(w, req)
	return w
}

func (rig *testRig) createContract(t *testing.T, totalMinor int64, feeKind string, feeAmount int64) string {
	t.Helper()
	w := rig.do(t, clientID, "POST", "/contracts", map[string]any{
		"client_id":   clientID,
		"artist_id":   artistID,
		"description": "cover illustration",
		"total_minor": totalMinor,
		"currency":    "JPY",
		"fee_policy":  map[string]any{"kind": feeKind, "amount": feeAmount},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var c contracts.Contract
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &c))
	require.NotEmpty(t, c.ID)
	require.Equal(t, int64(1), c.Version)
	return c.ID
}

func decodeTicketID(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	require.NotEmpty(t, payload.ID)
	return payload.ID
}

func TestCreateContract_RequiresAuth(t *testing.T) {
	rig := newTestRig(t)
	w := rig.do(t, "", "POST", "/contracts", map[string]any{"client_id": clientID})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateContract_OnlyParties(t *testing.T) {
	rig := newTestRig(t)
	w := rig.do(t, "stranger-9", "POST", "/contracts", map[string]any{
		"client_id":   clientID,
		"artist_id":   artistID,
		"total_minor": 1000,
		"currency":    "JPY",
		"fee_policy":  map[string]any{"kind": "flat", "amount": 0},
	})
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestCancellationFlow_SettlesThroughAPI(t *testing.T) {
	rig := newTestRig(t)
	// Scenario: 500,000 total, 10% fee, client-requested cancel at 0%
	// progress: artist keeps the fee, client gets the rest.
	contractID := rig.createContract(t, 500_000, "percent", 10)

	w := rig.do(t, clientID, "POST", "/contracts/"+contractID+"/cancellations",
		map[string]any{"reason": "project no longer needed, sorry"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	ticketID := decodeTicketID(t, w)

	w = rig.do(t, artistID, "POST", "/cancellations/"+ticketID+"/respond",
		map[string]any{"decision": "accept"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = rig.do(t, artistID, "POST", "/contracts/"+contractID+"/cancellation-proof",
		map[string]any{"upload_refs": []string{"s3://proof/1.png"}, "work_progress": 0})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	proofID := decodeTicketID(t, w)

	w = rig.do(t, clientID, "POST", "/proofs/"+proofID+"/review",
		map[string]any{"decision": "accept"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Contract is settled.
	w = rig.do(t, clientID, "GET", "/contracts/"+contractID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var c contracts.Contract
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &c))
	require.Equal(t, contracts.ContractCancelled, c.Status)

	// Release intents: 50,000 to the artist, 450,000 back to the client.
	byParty := map[string]int64{}
	for _, in := range rig.gateway.Intents() {
		require.Equal(t, escrow.IntentRelease, in.Kind)
		byParty[in.PartyID] += in.Amount.AmountMinor
	}
	require.Equal(t, int64(50_000), byParty[artistID])
	require.Equal(t, int64(450_000), byParty[clientID])
}

func TestOutcomePreview(t *testing.T) {
	rig := newTestRig(t)
	contractID := rig.createContract(t, 1_000_000, "percent", 10)

	w := rig.do(t, clientID, "GET",
		fmt.Sprintf("/contracts/%s/outcome-preview?requested_by=artist&work_progress=30", contractID), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var out struct {
		ArtistAmount struct {
			AmountMinor int64 `json:"amount_minor"`
		} `json:"artist_amount"`
		ClientAmount struct {
			AmountMinor int64 `json:"amount_minor"`
		} `json:"client_amount"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	// Artist-requested: (total - fee) * wp / 100 = 900,000 * 30% = 270,000.
	require.Equal(t, int64(270_000), out.ArtistAmount.AmountMinor)
	require.Equal(t, int64(730_000), out.ClientAmount.AmountMinor)

	w = rig.do(t, clientID, "GET",
		"/contracts/"+contractID+"/outcome-preview?requested_by=nobody&work_progress=30", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPaidRevisionFlow_WebhookConfirms(t *testing.T) {
	rig := newTestRig(t)
	contractID := rig.createContract(t, 200_000, "flat", 0)

	w := rig.do(t, clientID, "POST", "/contracts/"+contractID+"/revisions",
		map[string]any{"description": "make the background warmer", "paid_fee": 15_000})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	ticketID := decodeTicketID(t, w)

	w = rig.do(t, artistID, "POST", "/revisions/"+ticketID+"/respond",
		map[string]any{"decision": "accept"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = rig.do(t, clientID, "POST", "/revisions/"+ticketID+"/pay", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var paid contracts.RevisionTicket
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &paid))
	require.NotEmpty(t, paid.EscrowIntentID)
	require.Equal(t, contracts.RevisionAccepted, paid.Status)

	// Unknown webhook secret is rejected.
	req := httptest.NewRequest("POST", "/webhooks/escrow",
		bytes.NewBufferString(fmt.Sprintf(`{"intent_id":%q}`, paid.EscrowIntentID)))
	req.Header.Set("X-Webhook-Secret", "wrong")
	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Proper confirmation flips the ticket to paid.
	req = httptest.NewRequest("POST", "/webhooks/escrow",
		bytes.NewBufferString(fmt.Sprintf(`{"intent_id":%q}`, paid.EscrowIntentID)))
	req.Header.Set("X-Webhook-Secret", testWebhookSecret)
	rec = httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Replaying the same confirmation stays 200.
	req = httptest.NewRequest("POST", "/webhooks/escrow",
		bytes.NewBufferString(fmt.Sprintf(`{"intent_id":%q}`, paid.EscrowIntentID)))
	req.Header.Set("X-Webhook-Secret", testWebhookSecret)
	rec = httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestOpenChange_SchemaRejectsUnknownFields(t *testing.T) {
	rig := newTestRig(t)
	contractID := rig.createContract(t, 100_000, "flat", 0)

	w := rig.do(t, clientID, "POST", "/contracts/"+contractID+"/changes", map[string]any{
		"reason":  "need a different pose for printing",
		"changes": map[string]any{"total_minor": 999},
	})
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

	w = rig.do(t, clientID, "POST", "/contracts/"+contractID+"/changes", map[string]any{
		"reason":  "need a different pose for printing",
		"changes": map[string]any{"description": "standing pose, same palette"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestResolveDispute_RequiresAdminRole(t *testing.T) {
	rig := newTestRig(t)
	contractID := rig.createContract(t, 100_000, "flat", 0)

	w := rig.do(t, clientID, "POST", "/contracts/"+contractID+"/cancellations",
		map[string]any{"reason": "want to stop this commission"})
	require.Equal(t, http.StatusCreated, w.Code)
	cancelID := decodeTicketID(t, w)

	w = rig.do(t, artistID, "POST", "/cancellations/"+cancelID+"/respond",
		map[string]any{"decision": "reject", "reason": "most of the work is already done"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = rig.do(t, clientID, "POST", "/contracts/"+contractID+"/resolutions", map[string]any{
		"target_type": "cancel",
		"target_id":   cancelID,
		"description": "artist refuses a reasonable cancellation",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resolutionID := decodeTicketID(t, w)

	w = rig.do(t, artistID, "POST", "/resolutions/"+resolutionID+"/counterproof", map[string]any{
		"description":  "line art and colors are complete",
		"proof_images": []string{"s3://proof/wip.png"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Non-admin parties cannot resolve.
	w = rig.do(t, clientID, "POST", "/resolutions/"+resolutionID+"/resolve",
		map[string]any{"decision": "favorClient"})
	require.Equal(t, http.StatusForbidden, w.Code)

	w = rig.do(t, adminID, "POST", "/resolutions/"+resolutionID+"/resolve",
		map[string]any{"decision": "favorClient", "note": "artist proof shows partial work only"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res contracts.ResolutionTicket
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Equal(t, contracts.ResolutionResolved, res.Status)
}

func TestAuditTrailEndpoint(t *testing.T) {
	rig := newTestRig(t)
	contractID := rig.createContract(t, 100_000, "flat", 0)

	w := rig.do(t, clientID, "GET", "/contracts/"+contractID+"/audit", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var entries []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	require.NotEmpty(t, entries)
}

func TestGetContract_UnknownIs409(t *testing.T) {
	rig := newTestRig(t)
	w := rig.do(t, clientID, "GET", "/contracts/nope", nil)
	require.Equal(t, http.StatusConflict, w.Code)
}
