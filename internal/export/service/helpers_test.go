package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"realm-export/backend/internal/audit"
	auditdomain "realm-export/backend/internal/audit/domain"
	"realm-export/backend/internal/config"
	"realm-export/backend/internal/export/domain"
	"realm-export/backend/internal/export/exporter"
	"realm-export/backend/internal/export/lock"
	membershipdomain "realm-export/backend/internal/membership/domain"
	orgdomain "realm-export/backend/internal/organization/domain"
	"realm-export/backend/internal/policy/engine"
	"realm-export/backend/internal/server/middleware"
	"realm-export/backend/internal/upload"
)

// fakeAuditRepo is an in-memory audit repository.
type fakeAuditRepo struct {
	mu      sync.Mutex
	entries []*auditdomain.RealmAuditLog
}

func (f *fakeAuditRepo) GetByID(ctx context.Context, id string) (*auditdomain.RealmAuditLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, nil
}

func (f *fakeAuditRepo) Create(ctx context.Context, l *auditdomain.RealmAuditLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, l)
	return nil
}

func (f *fakeAuditRepo) DeletePending(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, e := range f.entries {
		if e.ID == id && e.ExtraData == nil {
			f.entries = append(f.entries[:i], f.entries[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeAuditRepo) SetExtraData(ctx context.Context, id, extraData string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.ID == id && e.ExtraData == nil {
			e.ExtraData = &extraData
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeAuditRepo) CountByOrgAndType(ctx context.Context, orgID, eventType string, since time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.entries {
		if e.OrgID == orgID && e.EventType == eventType && !e.EventTime.Before(since) {
			n++
		}
	}
	return n, nil
}

func (f *fakeAuditRepo) byType(orgID, eventType string) []*auditdomain.RealmAuditLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*auditdomain.RealmAuditLog
	for _, e := range f.entries {
		if e.OrgID == orgID && e.EventType == eventType {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EventTime.After(out[j].EventTime) })
	return out
}

func (f *fakeAuditRepo) LatestByOrgAndType(ctx context.Context, orgID, eventType string) (*auditdomain.RealmAuditLog, error) {
	if list := f.byType(orgID, eventType); len(list) > 0 {
		return list[0], nil
	}
	return nil, nil
}

func (f *fakeAuditRepo) ListByOrgAndType(ctx context.Context, orgID, eventType string, limit int) ([]*auditdomain.RealmAuditLog, error) {
	list := f.byType(orgID, eventType)
	if len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

type fakeMemberships map[string]membershipdomain.Role

func (f fakeMemberships) GetMembershipByUserAndOrg(ctx context.Context, userID, orgID string) (*membershipdomain.Membership, error) {
	role, ok := f[userID+":"+orgID]
	if !ok {
		return nil, nil
	}
	return &membershipdomain.Membership{UserID: userID, OrgID: orgID, Role: role}, nil
}

type fakeOrgs map[string]*orgdomain.Org

func (f fakeOrgs) GetOrganizationByID(ctx context.Context, id string) (*orgdomain.Org, error) {
	return f[id], nil
}

// recordingExporter writes "zulip!" as the tarball and remembers what it was called with.
type recordingExporter struct {
	mu      sync.Mutex
	calls   []exporter.Params
	paths   []string
	fail    error
	content []byte
}

func (r *recordingExporter) ExportRealm(ctx context.Context, p exporter.Params) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, p)
	if r.fail != nil {
		return "", r.fail
	}
	content := r.content
	if content == nil {
		content = []byte("zulip!")
	}
	path := filepath.Join(p.OutputDir, "tarball.tar.gz")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return "", err
	}
	r.paths = append(r.paths, path)
	return path, nil
}

func (r *recordingExporter) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// memoryObjectStore is an in-memory upload.ObjectStore.
type memoryObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func (m *memoryObjectStore) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	if m.putErr != nil {
		return m.putErr
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[bucket+"/"+key] = b
	return nil
}

func (m *memoryObjectStore) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, upload.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

// fakePublisher records jobs. deliver, when set, is handed each job as soon as it is published,
// like a worker that is already waiting on the topic.
type fakePublisher struct {
	mu      sync.Mutex
	jobs    []domain.Job
	err     error
	deliver func(domain.Job)
}

func (f *fakePublisher) Publish(ctx context.Context, job domain.Job) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	deliver := f.deliver
	f.mu.Unlock()
	if deliver != nil {
		deliver(job)
	}
	return nil
}

const (
	testBucket    = "test-avatar-bucket"
	testPublicURL = "https://test-avatar-bucket.s3.amazonaws.com:443"
	testOrgID     = "org-1"
	adminID       = "iago"
	ownerID       = "desdemona"
	memberID      = "hamlet"
)

type backendCase struct {
	name    string
	backend func(t *testing.T) upload.Backend
}

var backendCases = []backendCase{
	{"local", func(t *testing.T) upload.Backend { return upload.NewLocalBackend(t.TempDir(), "http://testserver") }},
	{"s3", func(t *testing.T) upload.Backend { return upload.NewS3Backend(&memoryObjectStore{}, testBucket, testPublicURL) }},
}

type harness struct {
	svc       *Service
	repo      *fakeAuditRepo
	exporter  *recordingExporter
	publisher *fakePublisher
	locker    *lock.MemoryLocker
	tmpDir    string
	backend   upload.Backend
}

type harnessOpts struct {
	mode      string
	backend   upload.Backend
	policy    engine.Evaluator
	publisher *fakePublisher

	// readable are the backends downloads resolve against; empty means backend alone.
	readable []upload.Backend
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	if o.mode == "" {
		o.mode = config.DispatchSync
	}
	if o.backend == nil {
		o.backend = upload.NewLocalBackend(t.TempDir(), "http://testserver")
	}
	if o.publisher == nil {
		o.publisher = &fakePublisher{}
	}
	if len(o.readable) == 0 {
		o.readable = []upload.Backend{o.backend}
	}
	h := &harness{
		repo:      &fakeAuditRepo{},
		exporter:  &recordingExporter{},
		publisher: o.publisher,
		locker:    lock.NewMemoryLocker(),
		tmpDir:    t.TempDir(),
		backend:   o.backend,
	}
	recorder := audit.NewRecorder(h.repo, middleware.ClientIPFromContext, zap.NewNop())
	svc, err := New(Deps{
		Memberships: fakeMemberships{
			adminID + ":" + testOrgID:  membershipdomain.RoleAdmin,
			ownerID + ":" + testOrgID:  membershipdomain.RoleOwner,
			memberID + ":" + testOrgID: membershipdomain.RoleMember,
		},
		Orgs:       fakeOrgs{testOrgID: {ID: testOrgID, Name: "Zulip Dev", Status: orgdomain.OrgStatusActive}},
		Recorder:   recorder,
		Limiter:    NewRateLimiter(h.repo, 5, 0),
		Dispatcher: NewDispatcher(h.exporter, o.backend, h.tmpDir, noop.NewTracerProvider().Tracer("test"), zap.NewNop()),
		Locker:     h.locker,
		Resolver:   upload.NewResolver(o.readable...),
		Policy:     o.policy,
		Publisher:  o.publisher,
		Logger:     zap.NewNop(),
	}, Options{Threads: 6, DispatchMode: o.mode, LockTTL: time.Minute})
	require.NoError(t, err)
	h.svc = svc
	return h
}

func callerCtx(userID string) context.Context {
	return middleware.WithIdentity(context.Background(), userID, testOrgID, "session-1")
}

func (h *harness) seedExports(n int) {
	base := time.Now().Add(-time.Hour)
	for i := 0; i < n; i++ {
		uri := "https://example.invalid/old.tar.gz"
		h.repo.entries = append(h.repo.entries, &auditdomain.RealmAuditLog{
			ID:           "seed-" + string(rune('a'+i)),
			OrgID:        testOrgID,
			ActingUserID: adminID,
			EventType:    auditdomain.EventRealmExported,
			EventTime:    base.Add(time.Duration(i) * time.Minute),
			ExtraData:    &uri,
		})
	}
}

func readAll(t *testing.T, rc io.ReadCloser, err error) string {
	t.Helper()
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func dirEntries(t *testing.T, dir string) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return entries
}

var errBoom = errors.New("boom")
