package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"realm-export/backend/internal/export/domain"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

// fakeReader serves queued messages, then blocks until ctx is cancelled.
type fakeReader struct {
	msgs      []kafka.Message
	committed []kafka.Message
	fetchErr  error
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.msgs) > 0 {
		m := f.msgs[0]
		f.msgs = f.msgs[1:]
		return m, nil
	}
	if f.fetchErr != nil {
		return kafka.Message{}, f.fetchErr
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.committed = append(f.committed, msgs...)
	return nil
}

func (f *fakeReader) Close() error { return nil }

func TestPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := &Publisher{writer: w}
	job := domain.Job{AuditLogID: "a1", OrgID: "org-1", UserID: "u1", PublicOnly: true, Threads: 6, EnqueuedAt: time.Now().UTC()}

	require.NoError(t, p.Publish(context.Background(), job))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "org-1", string(w.msgs[0].Key))

	var got domain.Job
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, "a1", got.AuditLogID)
	assert.Equal(t, 6, got.Threads)
	assert.True(t, got.PublicOnly)
}

func TestPublisher_PublishError(t *testing.T) {
	p := &Publisher{writer: &fakeWriter{err: errors.New("no leader")}}
	assert.Error(t, p.Publish(context.Background(), domain.Job{AuditLogID: "a1"}))
}

func TestConsumer_Run(t *testing.T) {
	good, _ := json.Marshal(domain.Job{AuditLogID: "a1", OrgID: "org-1"})
	failing, _ := json.Marshal(domain.Job{AuditLogID: "a2", OrgID: "org-1"})
	r := &fakeReader{msgs: []kafka.Message{
		{Value: good, Offset: 1},
		{Value: []byte("not json"), Offset: 2},
		{Value: failing, Offset: 3},
	}}
	c := &Consumer{reader: r, logger: zap.NewNop()}

	ctx, cancel := context.WithCancel(context.Background())
	var handled []string
	err := c.Run(ctx, func(ctx context.Context, job domain.Job) error {
		handled = append(handled, job.AuditLogID)
		if job.AuditLogID == "a2" {
			cancel()
			return errors.New("export failed")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, handled)
	assert.Len(t, r.committed, 3, "malformed and failed jobs are committed too")
}

func TestConsumer_FetchError(t *testing.T) {
	c := &Consumer{reader: &fakeReader{fetchErr: errors.New("broker gone")}, logger: zap.NewNop()}
	assert.Error(t, c.Run(context.Background(), func(context.Context, domain.Job) error { return nil }))
}
