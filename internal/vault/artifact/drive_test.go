package artifact

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeObjectWriter captures uploads without touching real cloud storage.
type fakeObjectWriter struct {
	failWith    error
	objectName  string
	contentType string
	content     []byte
}

func (f *fakeObjectWriter) Write(_ context.Context, objectName, contentType string, content []byte) error {
	f.objectName = objectName
	f.contentType = contentType
	f.content = content
	return f.failWith
}

func newTestDriveBackend(writer objectWriter) *DriveBackend {
	return &DriveBackend{
		bucket:       "fleet-reports",
		objectPrefix: "renders/",
		writer:       writer,
		logger:       zap.NewNop(),
	}
}

func TestDriveBackend_PutReturnsPublicLink(t *testing.T) {
	writer := &fakeObjectWriter{}
	backend := newTestDriveBackend(writer)

	location, err := backend.Put(context.Background(), "report_6_25_118545.csv", []byte("a,b\n"))
	require.NoError(t, err)

	assert.Equal(t, "https://storage.googleapis.com/fleet-reports/renders/report_6_25_118545.csv", location)
	assert.Equal(t, "renders/report_6_25_118545.csv", writer.objectName)
	assert.Equal(t, "text/csv", writer.contentType)
	assert.Equal(t, []byte("a,b\n"), writer.content)
}

func TestDriveBackend_PutUploadFailure(t *testing.T) {
	writer := &fakeObjectWriter{failWith: errors.New("quota exceeded")}
	backend := newTestDriveBackend(writer)

	_, err := backend.Put(context.Background(), "report.csv", []byte("a,b\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersist)
}

func TestNewDriveBackend_RequiresBucket(t *testing.T) {
	_, err := NewDriveBackend(context.Background(), "", "", "", zap.NewNop())
	assert.Error(t, err)
}

func TestDriveBackend_Name(t *testing.T) {
	assert.Equal(t, "drive", newTestDriveBackend(&fakeObjectWriter{}).Name())
}
