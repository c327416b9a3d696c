package affiliation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPostgresResolver_FallsThroughToWorkExperience(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM "memberSegmentAffiliations"`).
		WithArgs("m1", "seg-1", at).
		WillReturnRows(sqlmock.NewRows([]string{"organizationId"}))
	mock.ExpectQuery(`"dateStart" IS NOT NULL`).
		WithArgs("m1", at).
		WillReturnRows(sqlmock.NewRows([]string{"organizationId"}).AddRow("org-1"))

	resolver := NewPostgresResolver(db, zap.NewNop())
	orgID, err := resolver.Resolve(context.Background(), "m1", "seg-1", at)

	require.NoError(t, err)
	assert.Equal(t, "org-1", orgID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresResolver_NoAffiliation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	for i := 0; i < 3; i++ {
		mock.ExpectQuery(`SELECT "organizationId"`).
			WillReturnRows(sqlmock.NewRows([]string{"organizationId"}))
	}

	resolver := NewPostgresResolver(db, zap.NewNop())
	orgID, err := resolver.Resolve(context.Background(), "m1", "seg-1", time.Now())

	require.NoError(t, err)
	assert.Empty(t, orgID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHTTPResolver_Resolve(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/affiliations", r.URL.Path)
		assert.Equal(t, "m1", r.URL.Query().Get("memberId"))
		assert.Equal(t, "seg-1", r.URL.Query().Get("segmentId"))
		assert.Equal(t, "2024-03-01T00:00:00Z", r.URL.Query().Get("timestamp"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"organizationId":"org-9"}`))
	}))
	defer server.Close()

	resolver := NewHTTPResolver(server.URL, 2*time.Second, zap.NewNop())
	orgID, err := resolver.Resolve(context.Background(), "m1", "seg-1", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))

	require.NoError(t, err)
	assert.Equal(t, "org-9", orgID)
}

func TestHTTPResolver_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	resolver := NewHTTPResolver(server.URL, 2*time.Second, zap.NewNop())
	orgID, err := resolver.Resolve(context.Background(), "m1", "seg-1", time.Now())

	require.NoError(t, err)
	assert.Empty(t, orgID)
}

func TestHTTPResolver_RetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"organizationId":"org-2"}`))
	}))
	defer server.Close()

	resolver := NewHTTPResolver(server.URL, 2*time.Second, zap.NewNop())
	orgID, err := resolver.Resolve(context.Background(), "m1", "seg-1", time.Now())

	require.NoError(t, err)
	assert.Equal(t, "org-2", orgID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
