//go:build integration

package app

import (
	"context"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bissquit/booking-dispatch/internal/auth"
	"github.com/bissquit/booking-dispatch/internal/config"
	"github.com/bissquit/booking-dispatch/internal/domain"
	"github.com/bissquit/booking-dispatch/internal/testutil"
)

const (
	openAPISpecPath = "../../api/openapi/openapi.yaml"
	testJWTSecret   = "integration-secret"
)

var (
	testServer    *httptest.Server
	testValidator *testutil.OpenAPIValidator
	testDB        *pgxpool.Pool
	testMailpit   *testutil.MailpitClient
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	pg, err := testutil.NewPostgresContainer(ctx)
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	mailpit, err := testutil.NewMailpitContainer(ctx)
	if err != nil {
		log.Fatalf("start mailpit: %v", err)
	}
	testMailpit = mailpit.Client()

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Database.URL = pg.ConnectionString
	cfg.Database.ConnectTimeout = 30 * time.Second
	cfg.Log = config.LogConfig{Level: "error", Format: "text"}
	cfg.Auth.JWTSecret = testJWTSecret
	cfg.Queue.PollInterval = 200 * time.Millisecond
	cfg.Queue.NumWorkers = 2
	cfg.Email = config.EmailConfig{
		Enabled:     true,
		SMTPHost:    mailpit.SMTPHost,
		SMTPPort:    mailpit.SMTPPort,
		FromAddress: "bookings@example.com",
	}
	cfg.Links.BaseURL = "https://book.example.com"

	application, err := New(&cfg)
	if err != nil {
		log.Fatalf("create app: %v", err)
	}

	testDB, err = pg.Pool(ctx)
	if err != nil {
		log.Fatalf("open pool: %v", err)
	}

	testServer = httptest.NewServer(application.Router())

	testValidator, err = testutil.LoadOpenAPIValidator(openAPISpecPath)
	if err != nil {
		log.Fatalf("load OpenAPI validator: %v", err)
	}

	code := m.Run()

	testServer.Close()
	testDB.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown app: %v", err)
	}
	_ = mailpit.Terminate(ctx)
	_ = pg.Terminate(ctx)

	os.Exit(code)
}

func newOperatorClient(t *testing.T, role domain.Role) *testutil.Client {
	t.Helper()
	validator, err := auth.NewJWTValidator(testJWTSecret, "")
	require.NoError(t, err)
	token, err := validator.IssueToken("ops-1", role, time.Hour)
	require.NoError(t, err)
	return testutil.NewClientWithValidator(t, testServer.URL, testValidator).WithToken(token)
}

func seedBooking(t *testing.T, id, email string, start time.Time) {
	t.Helper()
	ctx := context.Background()

	_, err := testDB.Exec(ctx, `
		INSERT INTO event_types (id, tenant_id, title)
		VALUES ('et-app', 'tenant-1', 'Intro Call')
		ON CONFLICT (id) DO NOTHING
	`)
	require.NoError(t, err)

	_, err = testDB.Exec(ctx, `
		INSERT INTO bookings (id, tenant_id, event_type_id, title, attendee_name, attendee_email, start_time, end_time)
		VALUES ($1, 'tenant-1', 'et-app', 'Intro Call', 'Ada', $2, $3, $4)
	`, id, email, start, start.Add(30*time.Minute))
	require.NoError(t, err)
}

type recordEnvelope struct {
	Data struct {
		ID     string `json:"id"`
		Type   string `json:"type"`
		Status string `json:"status"`
		Region string `json:"region"`
	} `json:"data"`
}

func getRecord(t *testing.T, client *testutil.Client, id string) recordEnvelope {
	t.Helper()
	resp, err := client.GET("/api/v1/queue/records/" + id)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rec recordEnvelope
	testutil.DecodeJSON(t, resp, &rec)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	client := testutil.NewClient(testServer.URL)

	for _, path := range []string{"/healthz", "/readyz", "/version"} {
		resp, err := client.GET(path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		_ = resp.Body.Close()
	}
}

func TestAPIRequiresToken(t *testing.T) {
	client := testutil.NewClientWithValidator(t, testServer.URL, testValidator)

	resp, err := client.GET("/api/v1/queue/stats")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = client.WithToken("not-a-jwt").GET("/api/v1/queue/stats")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestBookingLifecycleDelivers(t *testing.T) {
	client := newOperatorClient(t, domain.RoleOperator)
	email := "ada.lifecycle@example.com"
	seedBooking(t, "booking-app-1", email, time.Now().Add(72*time.Hour))

	resp, err := client.POST("/api/v1/queue/bookings/booking-app-1/events", map[string]any{"event": "created"})
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var created struct {
		Data struct {
			RecordIDs []string `json:"record_ids"`
		} `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &created)
	require.Len(t, created.Data.RecordIDs, 2)

	messages, err := testMailpit.WaitForRecipient(email, 1, 15*time.Second)
	require.NoError(t, err)
	assert.Contains(t, messages[0].Subject, "Intro Call")

	// the confirmation is archived as sent, the reminder is still waiting
	var sent, pending string
	require.Eventually(t, func() bool {
		sent, pending = "", ""
		for _, id := range created.Data.RecordIDs {
			rec := getRecord(t, client, id)
			switch {
			case rec.Data.Region == "history" && rec.Data.Status == "sent":
				sent = id
			case rec.Data.Region == "pending":
				pending = id
			}
		}
		return sent != "" && pending != ""
	}, 10*time.Second, 200*time.Millisecond)

	_, err = testDB.Exec(context.Background(), `UPDATE bookings SET status = 'cancelled' WHERE id = 'booking-app-1'`)
	require.NoError(t, err)

	resp, err = client.POST("/api/v1/queue/bookings/booking-app-1/events", map[string]any{"event": "cancelled"})
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	_ = resp.Body.Close()

	rec := getRecord(t, client, pending)
	assert.Equal(t, "history", rec.Data.Region)
	assert.Equal(t, "cancelled", rec.Data.Status)

	_, err = testMailpit.WaitForRecipient(email, 2, 15*time.Second)
	require.NoError(t, err)
}

func TestCancelRecordRequiresAdmin(t *testing.T) {
	operator := newOperatorClient(t, domain.RoleOperator)
	admin := newOperatorClient(t, domain.RoleAdmin)
	seedBooking(t, "booking-app-2", "grace.cancel@example.com", time.Now().Add(96*time.Hour))

	resp, err := operator.POST("/api/v1/queue/bookings/booking-app-2/events", map[string]any{"event": "created"})
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var created struct {
		Data struct {
			RecordIDs []string `json:"record_ids"`
		} `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &created)
	reminder := created.Data.RecordIDs[len(created.Data.RecordIDs)-1]

	resp, err = operator.POST("/api/v1/queue/records/"+reminder+"/cancel", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = admin.POST("/api/v1/queue/records/"+reminder+"/cancel", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rec recordEnvelope
	testutil.DecodeJSON(t, resp, &rec)
	assert.Equal(t, "cancelled", rec.Data.Status)
}
