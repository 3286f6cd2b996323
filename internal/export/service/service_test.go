package service

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realm-export/backend/internal/audit"
	auditdomain "realm-export/backend/internal/audit/domain"
	"realm-export/backend/internal/config"
	"realm-export/backend/internal/export/domain"
	"realm-export/backend/internal/export/lock"
	"realm-export/backend/internal/platform/rbac"
	"realm-export/backend/internal/policy/engine"
	"realm-export/backend/internal/upload"
)

func TestRequest_NonAdminDenied(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	_, err := h.svc.Request(callerCtx(memberID), "")
	require.ErrorIs(t, err, rbac.ErrPermissionDenied)
	assert.Equal(t, "Must be an organization administrator", err.Error())
	assert.Empty(t, h.repo.entries, "denied request must not write an audit record")
	assert.Zero(t, h.exporter.callCount())
}

func TestRequest_Unauthenticated(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	_, err := h.svc.Request(context.Background(), "")
	require.ErrorIs(t, err, rbac.ErrUnauthenticated)
	assert.Empty(t, h.repo.entries)
}

func TestRequest_AdminExport(t *testing.T) {
	for _, bc := range backendCases {
		t.Run(bc.name, func(t *testing.T) {
			h := newHarness(t, harnessOpts{backend: bc.backend(t)})
			ctx := callerCtx(adminID)

			res, err := h.svc.Request(ctx, "")
			require.NoError(t, err)
			require.NotEmpty(t, res.URI)
			assert.False(t, res.Queued)

			require.Equal(t, 1, h.exporter.callCount())
			call := h.exporter.calls[0]
			assert.True(t, call.PublicOnly)
			assert.Equal(t, 6, call.Threads)
			assert.Contains(t, call.OutputDir, "zulip-export-")
			assert.Equal(t, testOrgID, call.Org.ID)

			// The transient tarball and its directory are gone.
			_, err = os.Stat(h.exporter.paths[0])
			assert.True(t, os.IsNotExist(err), "tarball should be removed, stat err = %v", err)
			_, err = os.Stat(call.OutputDir)
			assert.True(t, os.IsNotExist(err), "scratch dir should be removed, stat err = %v", err)
			assert.Empty(t, dirEntries(t, h.tmpDir))

			// Exactly one export event, carrying the URI.
			exports := h.repo.byType(testOrgID, auditdomain.EventRealmExported)
			require.Len(t, exports, 1)
			latest, err := audit.NewRecorder(h.repo, nil, nil).LatestByType(context.Background(), testOrgID, auditdomain.EventRealmExported)
			require.NoError(t, err)
			assert.Equal(t, res.AuditLogID, latest.ID)
			assert.Equal(t, adminID, latest.ActingUserID)
			assert.Equal(t, res.URI, latest.URI())

			// The URI resolves to the bytes the exporter produced.
			rc, err := upload.NewResolver(h.backend).Open(context.Background(), latest.URI())
			assert.Equal(t, "zulip!", readAll(t, rc, err))
		})
	}
}

func TestRequest_S3URIShape(t *testing.T) {
	store := &memoryObjectStore{}
	h := newHarness(t, harnessOpts{backend: upload.NewS3Backend(store, testBucket, testPublicURL)})

	res, err := h.svc.Request(callerCtx(adminID), "")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(res.URI, testPublicURL+"/"), res.URI)

	key := strings.TrimPrefix(res.URI, testPublicURL+"/")
	assert.Equal(t, []byte("zulip!"), store.objects[testBucket+"/"+key])
}

func TestRequest_RateLimited(t *testing.T) {
	for _, bc := range backendCases {
		t.Run(bc.name, func(t *testing.T) {
			h := newHarness(t, harnessOpts{backend: bc.backend(t)})
			h.seedExports(5)

			_, err := h.svc.Request(callerCtx(adminID), "")
			require.ErrorIs(t, err, domain.ErrRateLimited)
			assert.Equal(t, "Exceeded rate limit.", err.Error())
			assert.Len(t, h.repo.byType(testOrgID, auditdomain.EventRealmExported), 5)
			assert.Zero(t, h.exporter.callCount())
		})
	}
}

func TestRequest_FifthExportAllowed(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.seedExports(4)

	_, err := h.svc.Request(callerCtx(adminID), "")
	require.NoError(t, err)
	_, err = h.svc.Request(callerCtx(adminID), "")
	require.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Len(t, h.repo.byType(testOrgID, auditdomain.EventRealmExported), 5)
}

func TestRequest_ExportFailureLeavesNoRecord(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.exporter.fail = errBoom

	_, err := h.svc.Request(callerCtx(adminID), "")
	require.ErrorIs(t, err, domain.ErrExportFailed)
	assert.Empty(t, h.repo.entries)
	assert.Empty(t, dirEntries(t, h.tmpDir), "scratch dir removed on failure")

	// The lock was released: the next request proceeds.
	h.exporter.fail = nil
	_, err = h.svc.Request(callerCtx(adminID), "")
	require.NoError(t, err)
}

func TestRequest_UploadFailureCleansUp(t *testing.T) {
	store := &memoryObjectStore{putErr: errBoom}
	h := newHarness(t, harnessOpts{backend: upload.NewS3Backend(store, testBucket, testPublicURL)})

	_, err := h.svc.Request(callerCtx(adminID), "")
	require.ErrorIs(t, err, domain.ErrExportFailed)
	assert.Empty(t, h.repo.entries)
	require.Equal(t, 1, h.exporter.callCount())
	_, statErr := os.Stat(h.exporter.paths[0])
	assert.True(t, os.IsNotExist(statErr))
	assert.Empty(t, dirEntries(t, h.tmpDir))
}

func TestRequest_ExportInProgress(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	release, err := h.locker.Acquire(context.Background(), lock.OrgKey(testOrgID), time.Minute)
	require.NoError(t, err)
	defer release()

	_, err = h.svc.Request(callerCtx(adminID), "")
	require.ErrorIs(t, err, domain.ErrExportInProgress)
	assert.Zero(t, h.exporter.callCount())
	assert.Empty(t, h.repo.entries)
}

func TestRequest_ExportTypePolicy(t *testing.T) {
	h := newHarness(t, harnessOpts{policy: engine.NewOPAEvaluator("", nil)})

	_, err := h.svc.Request(callerCtx(adminID), engine.ExportTypeFull)
	require.ErrorIs(t, err, domain.ErrExportTypeNotAllowed)
	assert.Zero(t, h.exporter.callCount())

	_, err = h.svc.Request(callerCtx(ownerID), engine.ExportTypeFull)
	require.NoError(t, err)
	require.Equal(t, 1, h.exporter.callCount())
	assert.False(t, h.exporter.calls[0].PublicOnly)
}

func TestRequest_NoPolicyOnlyPublic(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	_, err := h.svc.Request(callerCtx(ownerID), engine.ExportTypeFull)
	require.ErrorIs(t, err, domain.ErrExportTypeNotAllowed)
}

func TestRequest_QueueMode(t *testing.T) {
	for _, bc := range backendCases {
		t.Run(bc.name, func(t *testing.T) {
			h := newHarness(t, harnessOpts{mode: config.DispatchQueue, backend: bc.backend(t)})
			ctx := callerCtx(adminID)

			res, err := h.svc.Request(ctx, "")
			require.NoError(t, err)
			assert.True(t, res.Queued)
			assert.Empty(t, res.URI)
			assert.Zero(t, h.exporter.callCount(), "queue mode does not export in-request")

			require.Len(t, h.publisher.jobs, 1)
			job := h.publisher.jobs[0]
			assert.Equal(t, res.AuditLogID, job.AuditLogID)
			assert.Equal(t, 6, job.Threads)
			assert.True(t, job.PublicOnly)

			entry, _ := h.repo.GetByID(ctx, res.AuditLogID)
			require.NotNil(t, entry)
			assert.True(t, entry.Pending())

			require.NoError(t, h.svc.RunJob(context.Background(), job))
			entry, _ = h.repo.GetByID(ctx, res.AuditLogID)
			require.False(t, entry.Pending())
			assert.Equal(t, 6, h.exporter.calls[0].Threads)
			assert.Empty(t, dirEntries(t, h.tmpDir))

			rc, _, err := h.svc.Download(ctx, res.AuditLogID)
			assert.Equal(t, "zulip!", readAll(t, rc, err))

			// Redelivery of the same job is a no-op.
			require.NoError(t, h.svc.RunJob(context.Background(), job))
			assert.Equal(t, 1, h.exporter.callCount())
		})
	}
}

func TestRequest_QueuePublishFailureDiscardsRecord(t *testing.T) {
	h := newHarness(t, harnessOpts{mode: config.DispatchQueue, publisher: &fakePublisher{err: errBoom}})

	_, err := h.svc.Request(callerCtx(adminID), "")
	require.ErrorIs(t, err, domain.ErrExportFailed)
	assert.Empty(t, h.repo.entries)

	// The discarded record does not use up an export slot.
	h.publisher.err = nil
	_, err = h.svc.Request(callerCtx(adminID), "")
	require.NoError(t, err)
}

func TestRequest_QueueJobConsumedImmediately(t *testing.T) {
	h := newHarness(t, harnessOpts{mode: config.DispatchQueue})
	var runErr error
	h.publisher.deliver = func(job domain.Job) {
		runErr = h.svc.RunJob(context.Background(), job)
	}

	res, err := h.svc.Request(callerCtx(adminID), "")
	require.NoError(t, err)
	require.NoError(t, runErr)
	assert.Equal(t, 1, h.exporter.callCount(), "a worker that sees the job at once must still run it")

	entry, _ := h.repo.GetByID(context.Background(), res.AuditLogID)
	require.NotNil(t, entry)
	assert.False(t, entry.Pending())
}

func TestRunJob_MissingRecordSkipped(t *testing.T) {
	h := newHarness(t, harnessOpts{mode: config.DispatchQueue})

	err := h.svc.RunJob(context.Background(), domain.Job{AuditLogID: "gone", OrgID: testOrgID, Threads: 6})
	require.NoError(t, err)
	assert.Zero(t, h.exporter.callCount())
}

func TestRunJob_FailureLeavesPending(t *testing.T) {
	h := newHarness(t, harnessOpts{mode: config.DispatchQueue})
	res, err := h.svc.Request(callerCtx(adminID), "")
	require.NoError(t, err)
	h.exporter.fail = errBoom

	err = h.svc.RunJob(context.Background(), h.publisher.jobs[0])
	require.ErrorIs(t, err, domain.ErrExportFailed)

	entry, _ := h.repo.GetByID(context.Background(), res.AuditLogID)
	assert.True(t, entry.Pending())
	failed := h.repo.byType(testOrgID, auditdomain.EventRealmExportFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, res.AuditLogID, failed[0].URI())
}

func TestNew_QueueModeRequiresPublisher(t *testing.T) {
	_, err := New(Deps{}, Options{Threads: 6, DispatchMode: config.DispatchQueue})
	assert.Error(t, err)
	_, err = New(Deps{}, Options{Threads: 0, DispatchMode: config.DispatchSync})
	assert.Error(t, err)
}

func TestList_NewestFirst(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.seedExports(3)

	exports, err := h.svc.List(callerCtx(adminID))
	require.NoError(t, err)
	require.Len(t, exports, 3)
	assert.True(t, exports[0].ExportTime.After(exports[1].ExportTime))

	_, err = h.svc.List(callerCtx(memberID))
	assert.ErrorIs(t, err, rbac.ErrPermissionDenied)
}

func TestLatest(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	_, err := h.svc.Latest(callerCtx(adminID))
	require.ErrorIs(t, err, domain.ErrExportNotFound)

	res, err := h.svc.Request(callerCtx(adminID), "")
	require.NoError(t, err)
	latest, err := h.svc.Latest(callerCtx(adminID))
	require.NoError(t, err)
	assert.Equal(t, res.AuditLogID, latest.ID)
	assert.Equal(t, res.URI, latest.ExportURL)
}

func TestDownload(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := callerCtx(adminID)
	res, err := h.svc.Request(ctx, "")
	require.NoError(t, err)

	rc, export, err := h.svc.Download(ctx, res.AuditLogID)
	assert.Equal(t, "zulip!", readAll(t, rc, err))
	assert.Equal(t, res.URI, export.ExportURL)

	_, _, err = h.svc.Download(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrExportNotFound)

	pending, err := audit.NewRecorder(h.repo, nil, nil).Record(ctx, testOrgID, adminID, auditdomain.EventRealmExported, nil)
	require.NoError(t, err)
	_, _, err = h.svc.Download(ctx, pending.ID)
	assert.ErrorIs(t, err, domain.ErrExportPending)

	otherOrgCtx := callerCtx(adminID)
	other, err := audit.NewRecorder(h.repo, nil, nil).Record(otherOrgCtx, "org-2", adminID, auditdomain.EventRealmExported, &res.URI)
	require.NoError(t, err)
	_, _, err = h.svc.Download(ctx, other.ID)
	assert.ErrorIs(t, err, domain.ErrExportNotFound, "exports of another org are invisible")
}

func TestDownload_AfterBackendSwitch(t *testing.T) {
	local := upload.NewLocalBackend(t.TempDir(), "http://testserver")
	s3 := upload.NewS3Backend(&memoryObjectStore{}, testBucket, testPublicURL)
	ctx := callerCtx(adminID)

	before := newHarness(t, harnessOpts{backend: local})
	old, err := before.svc.Request(ctx, "")
	require.NoError(t, err)

	after := newHarness(t, harnessOpts{backend: s3, readable: []upload.Backend{local, s3}})
	after.repo.entries = before.repo.entries
	res, err := after.svc.Request(ctx, "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.URI, testPublicURL+"/"), "new exports go to the active backend")

	rc, _, err := after.svc.Download(ctx, old.AuditLogID)
	assert.Equal(t, "zulip!", readAll(t, rc, err))
	rc, _, err = after.svc.Download(ctx, res.AuditLogID)
	assert.Equal(t, "zulip!", readAll(t, rc, err))

	s3Only := newHarness(t, harnessOpts{backend: s3})
	s3Only.repo.entries = after.repo.entries
	_, _, err = s3Only.svc.Download(ctx, old.AuditLogID)
	assert.ErrorIs(t, err, domain.ErrExportNotFound, "a backend that is not configured cannot resolve its URIs")
}

func TestDownload_ArtifactGone(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := callerCtx(adminID)
	uri := "http://testserver/user_avatars/exports/org-1/deleted/org-1-export.tar.gz"
	entry, err := audit.NewRecorder(h.repo, nil, nil).Record(ctx, testOrgID, adminID, auditdomain.EventRealmExported, &uri)
	require.NoError(t, err)

	_, _, err = h.svc.Download(ctx, entry.ID)
	assert.True(t, errors.Is(err, domain.ErrExportNotFound))
}
