package audit

import (
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/protein-classifier/protein-classifier/internal/db/models"
	"github.com/protein-classifier/protein-classifier/internal/db/repositories"
)

// ---------------------------------------------------------------------------
// Masking
// ---------------------------------------------------------------------------

func TestMaskIP(t *testing.T) {
	tests := []struct {
		name string
		ip   string
		want string
	}{
		{"ipv4", "203.0.113.42", "203.0.113.0/24"},
		{"ipv4 loopback", "127.0.0.1", "127.0.0.0/24"},
		{"ipv6", "2001:db8:1:2:3:4:5:6", "2001:db8:1::/48"},
		{"ipv6 compressed", "2001:db8::1", "2001:db8:::/48"},
		{"empty", "", "unknown"},
		{"unparseable passes through", "not-an-ip", "not-an-ip"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MaskIP(tt.ip); got != tt.want {
				t.Errorf("MaskIP(%q) = %q, want %q", tt.ip, got, tt.want)
			}
		})
	}
}

func TestMaskIP_NeverContainsFullAddress(t *testing.T) {
	for _, ip := range []string{"203.0.113.42", "10.1.2.3", "2001:db8:1:2:3:4:5:6"} {
		masked := MaskIP(ip)
		if masked == ip {
			t.Errorf("MaskIP(%q) returned the input unmasked", ip)
		}
	}
}

// ---------------------------------------------------------------------------
// Event IDs
// ---------------------------------------------------------------------------

func TestNewEventID_Format(t *testing.T) {
	now := time.Unix(1724500000, 0)
	id := NewEventID(now)

	if !regexp.MustCompile(`^1724500000_[0-9a-f]{16}$`).MatchString(id) {
		t.Errorf("NewEventID() = %q, want <unixts>_<16 hex chars>", id)
	}
}

func TestNewEventID_Unique(t *testing.T) {
	now := time.Now()
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewEventID(now)
		if seen[id] {
			t.Fatalf("duplicate event ID %q", id)
		}
		seen[id] = true
	}
}

// ---------------------------------------------------------------------------
// Recorder
// ---------------------------------------------------------------------------

func newTestRecorder(t *testing.T) (sqlmock.Sqlmock, *Recorder) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	repo := repositories.NewAuditRepository(sqlx.NewDb(db, "sqlmock"))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return mock, NewRecorder(repo, 30, logger)
}

// waitForExpectations polls until the async write lands or the deadline passes.
func waitForExpectations(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mock.ExpectationsWereMet() == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("async audit write never arrived: %v", mock.ExpectationsWereMet())
}

func TestRecord_WritesAsynchronously(t *testing.T) {
	mock, recorder := newTestRecorder(t)

	mock.ExpectExec("INSERT INTO audit_events").
		WillReturnResult(sqlmock.NewResult(0, 1))

	recorder.Record(Entry{
		MaskedAPIKey: "****1234",
		MaskedIP:     "203.0.113.0/24",
		Endpoint:     "/classify",
		Action:       "classify",
		Status:       models.AuditStatusSuccess,
		Metadata:     map[string]any{"sequences": 1},
	})

	waitForExpectations(t, mock)
}

func TestRecord_FailureNeverPropagates(t *testing.T) {
	mock, recorder := newTestRecorder(t)

	// The insert is retried once; after the second failure the event drops.
	mock.ExpectExec("INSERT INTO audit_events").
		WillReturnError(io.ErrUnexpectedEOF)
	mock.ExpectExec("INSERT INTO audit_events").
		WillReturnError(io.ErrUnexpectedEOF)

	// Record has no error return; this must not panic or block.
	recorder.Record(Entry{
		Endpoint: "/classify",
		Action:   "classify",
		Status:   models.AuditStatusError,
	})

	waitForExpectations(t, mock)
}

func TestRecord_TransientFailureRetriedOnce(t *testing.T) {
	mock, recorder := newTestRecorder(t)

	mock.ExpectExec("INSERT INTO audit_events").
		WillReturnError(io.ErrUnexpectedEOF)
	mock.ExpectExec("INSERT INTO audit_events").
		WillReturnResult(sqlmock.NewResult(0, 1))

	recorder.Record(Entry{
		MaskedAPIKey: "****1234",
		Endpoint:     "/classify",
		Action:       "classify",
		Status:       models.AuditStatusSuccess,
	})

	waitForExpectations(t, mock)
}

func TestRecord_NilRecorderIsNoOp(t *testing.T) {
	var recorder *Recorder
	recorder.Record(Entry{Endpoint: "/classify"})
}

func TestRecord_DefaultsAnonymousIdentity(t *testing.T) {
	mock, recorder := newTestRecorder(t)

	mock.ExpectExec("INSERT INTO audit_events").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "anonymous", "unknown",
			"/classify", "classify", "error", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	recorder.Record(Entry{
		Endpoint:  "/classify",
		Action:    "classify",
		Status:    models.AuditStatusError,
		ErrorCode: "ERR_UNAUTHORIZED",
	})

	waitForExpectations(t, mock)
}
