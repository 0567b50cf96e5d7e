package notify

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"docktor/cmd"
	"docktor/internal/pkg/report"
	"docktor/internal/pkg/scanner"
	"docktor/internal/pkg/severity"

	minio "github.com/minio/minio-go/v7"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wneessen/go-mail"
)

func sampleNotification(t *testing.T) *Notification {
	t.Helper()
	dir := t.TempDir()
	md := filepath.Join(dir, "report_nginx_1.25.md")
	require.NoError(t, os.WriteFile(md, []byte("# nginx"), 0o644))

	results := []*scanner.ScanResult{
		scanner.NewScanResult("nginx:1.25", "", []scanner.RawFinding{
			{VulnerabilityID: "CVE-2024-0001", PkgName: "openssl", InstalledVersion: "1.2.3", Severity: "CRITICAL", PrimaryURL: "https://example.com/cve"},
			{VulnerabilityID: "CVE-2024-0002", PkgName: "zlib", InstalledVersion: "1.0", Severity: "LOW"},
		}),
		scanner.NewScanResult("alpine:3.18", "", nil),
		scanner.FailedScanResult("busybox:1", "", errors.New("timeout")),
	}
	scanner.AttachContainers(results, map[string][]string{"nginx:1.25": {"web"}})
	return &Notification{
		RunID:       "run-1",
		Subject:     report.Subject(results, severity.High),
		Text:        "plain body",
		HTML:        "<p>html body</p>",
		Attachments: []report.Attachment{{Filename: "report_nginx_1.25.md", Path: md, MimeType: "text/markdown"}},
		Results:     results,
		Grouped:     report.GroupByImageAndSeverity(results, severity.High),
		Threshold:   severity.High,
	}
}

type fakeNotifier struct {
	name  string
	err   error
	mu    sync.Mutex
	calls int
}

func (f *fakeNotifier) Name() string { return f.name }

func (f *fakeNotifier) Notify(context.Context, *Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func TestDispatch(t *testing.T) {
	ok := &fakeNotifier{name: "ok"}
	broken := &fakeNotifier{name: "broken", err: errors.New("smtp down")}
	alsoBroken := &fakeNotifier{name: "slack", err: errors.New("rate limited")}

	err := Dispatch(context.Background(), []Notifier{broken, ok, alsoBroken}, &Notification{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken: smtp down")
	assert.Contains(t, err.Error(), "slack: rate limited")
	assert.Equal(t, 1, ok.calls, "a failing notifier does not stop the others")

	assert.NoError(t, Dispatch(context.Background(), []Notifier{ok}, &Notification{}))
	assert.NoError(t, Dispatch(context.Background(), nil, &Notification{}))
}

func TestEmail_Notify(t *testing.T) {
	n := sampleNotification(t)
	e := NewEmail(&cmd.SMTPConfig{
		SMTPHost: "localhost",
		SMTPPort: 25,
		MailFrom: "docktor@example.com",
		MailTo:   []string{"a@example.com", "b@example.com"},
	})
	var sent *mail.Msg
	e.send = func(_ context.Context, msg *mail.Msg) error {
		sent = msg
		return nil
	}

	require.NoError(t, e.Notify(context.Background(), n))
	require.NotNil(t, sent)

	var buf bytes.Buffer
	_, err := sent.WriteTo(&buf)
	require.NoError(t, err)
	raw := buf.String()
	assert.Contains(t, raw, "Subject: [Docker Scan] 3 image(s) scanned (threshold HIGH)")
	assert.Contains(t, raw, "a@example.com")
	assert.Contains(t, raw, "b@example.com")
	assert.Contains(t, raw, "plain body")
	assert.Contains(t, raw, "text/html")
	assert.Contains(t, raw, `filename="report_nginx_1.25.md"`)
}

func TestEmail_InvalidConfig(t *testing.T) {
	n := sampleNotification(t)
	e := NewEmail(&cmd.SMTPConfig{MailFrom: "docktor@example.com"})
	e.send = func(context.Context, *mail.Msg) error {
		t.Fatal("must not send")
		return nil
	}
	assert.Error(t, e.Notify(context.Background(), n))

	e.cfg.MailTo = []string{"ops@example.com"}
	e.cfg.MailFrom = "not an address"
	assert.Error(t, e.Notify(context.Background(), n))
}

type fakePoster struct {
	channels []string
	err      error
}

func (f *fakePoster) PostMessageContext(_ context.Context, channelID string, _ ...slack.MsgOption) (string, string, error) {
	f.channels = append(f.channels, channelID)
	return channelID, "1700000000.000100", f.err
}

func TestSlack_Format(t *testing.T) {
	n := sampleNotification(t)
	s := &Slack{client: &fakePoster{}, channel: "C1"}

	msgs, err := s.Format(n)
	require.NoError(t, err)
	require.Len(t, msgs, 2, "clean images are not posted")

	assert.Contains(t, msgs[0], "*nginx:1.25*\nContainers: web")
	assert.Contains(t, msgs[0], "CRITICAL:     1")
	assert.Contains(t, msgs[0], "• CRITICAL: <https://example.com/cve|CVE-2024-0001> openssl 1.2.3")
	assert.NotContains(t, msgs[0], "CVE-2024-0002")
	assert.Contains(t, msgs[1], "*busybox:1*")
	assert.Contains(t, msgs[1], "Scan failed")
}

func TestSlack_Notify(t *testing.T) {
	poster := &fakePoster{}
	s := &Slack{client: poster, channel: "C1"}
	require.NoError(t, s.Notify(context.Background(), sampleNotification(t)))
	assert.Equal(t, []string{"C1", "C1"}, poster.channels)

	poster.err = errors.New("invalid_auth")
	assert.Error(t, s.Notify(context.Background(), sampleNotification(t)))
}

func TestSlack_CancelledWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &Slack{client: &fakePoster{}, channel: "C1", delay: time.Hour}
	_, _, err := s.PostMessage(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	long := truncate("0123456789abcdef", 10)
	assert.Len(t, []rune(long), 10)
	assert.Equal(t, "01234567\n…", long)
}

type upload struct {
	key, file, contentType, body string
}

type fakeStore struct {
	uploads []upload
	err     error
}

func (f *fakeStore) PutObject(_ context.Context, _, objectName string, reader io.Reader, _ int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	body, _ := io.ReadAll(reader)
	f.uploads = append(f.uploads, upload{key: objectName, contentType: opts.ContentType, body: string(body)})
	return minio.UploadInfo{Key: objectName}, f.err
}

func (f *fakeStore) FPutObject(_ context.Context, _, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	f.uploads = append(f.uploads, upload{key: objectName, file: filePath, contentType: opts.ContentType})
	return minio.UploadInfo{Key: objectName}, f.err
}

func TestArchive_Notify(t *testing.T) {
	n := sampleNotification(t)
	store := &fakeStore{}
	a := &Archive{store: store, bucket: "reports"}

	require.NoError(t, a.Notify(context.Background(), n))
	require.Len(t, store.uploads, 3)
	assert.Equal(t, upload{key: "run-1/report.txt", contentType: "text/plain; charset=utf-8", body: "plain body"}, store.uploads[0])
	assert.Equal(t, "run-1/report.html", store.uploads[1].key)
	assert.Equal(t, "run-1/report_nginx_1.25.md", store.uploads[2].key)
	assert.Equal(t, n.Attachments[0].Path, store.uploads[2].file)

	store.err = errors.New("access denied")
	assert.Error(t, a.Notify(context.Background(), n))
}

func TestConsole_Notify(t *testing.T) {
	var buf bytes.Buffer
	c := &Console{Out: &buf}
	require.NoError(t, c.Notify(context.Background(), sampleNotification(t)))
	out := buf.String()
	assert.Contains(t, out, "Subject: [Docker Scan] 3 image(s) scanned (threshold HIGH)")
	assert.Contains(t, out, "nginx:1.25")
	assert.Contains(t, out, "plain body")
	assert.Contains(t, out, "Attachment: report_nginx_1.25.md (text/markdown)")
}
