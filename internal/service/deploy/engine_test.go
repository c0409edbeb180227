package deploy

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
	"github.com/prometheus/client_golang/prometheus"
	"gocloud.dev/blob/memblob"

	"github.com/vague-archive/cloud-platform-sub000/internal/cache"
	"github.com/vague-archive/cloud-platform-sub000/internal/domain"
	"github.com/vague-archive/cloud-platform-sub000/internal/repository"
	"github.com/vague-archive/cloud-platform-sub000/internal/repository/memory"
	"github.com/vague-archive/cloud-platform-sub000/internal/storage"
	"github.com/vague-archive/cloud-platform-sub000/internal/trash"
	"github.com/vague-archive/cloud-platform-sub000/pkg/config"
	"github.com/vague-archive/cloud-platform-sub000/pkg/crypto"
)

type fixture struct {
	engine Engine
	repo   *memory.Repository
	files  *storage.FileStore
	blobs  *storage.BlobStore
	trash  *recordingQueue
	org    domain.Organization
	game   domain.Game
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []trash.Job
}

func (q *recordingQueue) Enqueue(_ context.Context, job trash.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *recordingQueue) paths() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	paths := make([]string, 0, len(q.jobs))
	for _, job := range q.jobs {
		paths = append(paths, job.Path)
	}
	return paths
}

func newTestEngine(t *testing.T, opts ...func(*Engine)) *fixture {
	t.Helper()
	ctx := context.Background()
	repo := memory.New()
	now := time.Now().UTC()
	org := domain.Organization{ID: uuid.NewString(), Slug: "acme", Name: "Acme", CreatedAt: now}
	game := domain.Game{ID: uuid.NewString(), OrganizationID: org.ID, Slug: "tower", Name: "Tower", Purpose: domain.PurposeGame, CreatedAt: now}
	if err := repo.CreateOrganization(ctx, &org); err != nil {
		t.Fatalf("seed organization: %v", err)
	}
	if err := repo.CreateGame(ctx, &game); err != nil {
		t.Fatalf("seed game: %v", err)
	}

	fileBucket := memblob.OpenBucket(nil)
	blobBucket := memblob.OpenBucket(nil)
	t.Cleanup(func() {
		fileBucket.Close()
		blobBucket.Close()
	})
	backend, err := cache.NewMemoryBackend(128)
	if err != nil {
		t.Fatalf("cache backend: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	queue := &recordingQueue{}
	cfg := config.DeployConfig{PublicURL: "https://share.test/", PasswordSecret: "test-secret"}

	f := &fixture{
		repo:  repo,
		files: storage.NewFileStore(fileBucket),
		blobs: storage.NewBlobStore(blobBucket),
		trash: queue,
		org:   org,
		game:  game,
	}
	f.engine = New(repo, f.files, f.blobs, cache.New(backend, logger), queue, logger, NewMetrics(prometheus.NewRegistry()), cfg)
	for _, opt := range opts {
		opt(&f.engine)
	}
	return f
}

func (f *fixture) target(branch string) Target {
	return Target{Organization: f.org.Slug, Game: f.game.Slug, Branch: branch, DeployedBy: "tester"}
}

func (f *fixture) branch(t *testing.T, slug string) *domain.Branch {
	t.Helper()
	branch, err := f.repo.GetBranchBySlug(context.Background(), f.game.ID, slug)
	if err != nil {
		t.Fatalf("load branch %s: %v", slug, err)
	}
	return branch
}

func (f *fixture) deploy(t *testing.T, id string) *domain.Deploy {
	t.Helper()
	d, err := f.repo.GetDeployByID(context.Background(), id)
	if err != nil {
		t.Fatalf("load deploy %s: %v", id, err)
	}
	return d
}

func asset(path, content string) domain.DeployAsset {
	return domain.DeployAsset{Path: path, Digest: digest.FromString(content).String(), ContentLength: int64(len(content))}
}

func buildArchive(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if strings.HasSuffix(name, "/") {
			if err := tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeDir, Mode: 0o755}); err != nil {
				t.Fatalf("write dir header: %v", err)
			}
			continue
		}
		body := entries[name]
		if err := tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(body))}); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatalf("write entry: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}

func TestDeployExtractsArchiveAndActivates(t *testing.T) {
	f := newTestEngine(t)
	ctx := context.Background()
	archive := buildArchive(t, map[string]string{
		"index.html":        "<html></html>",
		"assets/":           "",
		"assets/game.wasm":  "wasm",
		"./assets/data.pck": "pck",
	})

	res, err := f.engine.Deploy(ctx, FullDeployCommand{Target: f.target("Main"), Archive: bytes.NewReader(archive)})
	if err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}
	if res.Outcome != OutcomeActivated || res.Number != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	wantPath := domain.DeployPath(f.org.ID, f.game.ID, "main", 1)
	if res.Path != wantPath {
		t.Fatalf("expected path %s, got %s", wantPath, res.Path)
	}
	if res.URL != "https://share.test/acme/tower/main/" {
		t.Fatalf("unexpected url %s", res.URL)
	}

	keys, err := f.files.List(ctx, res.Path)
	if err != nil {
		t.Fatalf("list deploy: %v", err)
	}
	want := []string{res.Path + "/assets/data.pck", res.Path + "/assets/game.wasm", res.Path + "/index.html"}
	sort.Strings(keys)
	if diff := cmp.Diff(want, keys); diff != "" {
		t.Fatalf("deploy tree mismatch (-want +got):\n%s", diff)
	}

	branch := f.branch(t, "main")
	if !branch.HasActiveDeploy() || *branch.ActiveDeployID != res.DeployID {
		t.Fatalf("expected branch to serve %s, got %v", res.DeployID, branch.ActiveDeployID)
	}
	if *branch.LatestDeployID != res.DeployID {
		t.Fatalf("expected latest deploy %s, got %s", res.DeployID, *branch.LatestDeployID)
	}
	if d := f.deploy(t, res.DeployID); d.State != domain.DeployStateReady || d.DeployedOn == nil || d.DeployingOn != nil {
		t.Fatalf("expected ready deploy, got %+v", d)
	}
}

func TestDeployReplacesPreviousActiveDeploy(t *testing.T) {
	f := newTestEngine(t)
	ctx := context.Background()
	first, err := f.engine.Deploy(ctx, FullDeployCommand{Target: f.target("main"), Archive: bytes.NewReader(buildArchive(t, map[string]string{"a.txt": "1"}))})
	if err != nil {
		t.Fatalf("first deploy: %v", err)
	}
	second, err := f.engine.Deploy(ctx, FullDeployCommand{Target: f.target("main"), Archive: bytes.NewReader(buildArchive(t, map[string]string{"a.txt": "2"}))})
	if err != nil {
		t.Fatalf("second deploy: %v", err)
	}
	if second.Number != 2 {
		t.Fatalf("expected second deploy to be number 2, got %d", second.Number)
	}
	old := f.deploy(t, first.DeployID)
	if !old.Deleted() || *old.DeletedReason != ReasonReplaced {
		t.Fatalf("expected first deploy replaced, got %+v", old)
	}
	if diff := cmp.Diff([]string{first.Path}, f.trash.paths()); diff != "" {
		t.Fatalf("trash jobs mismatch (-want +got):\n%s", diff)
	}
}

func TestDeployRejectsNonGzipArchive(t *testing.T) {
	f := newTestEngine(t)
	ctx := context.Background()
	good, err := f.engine.Deploy(ctx, FullDeployCommand{Target: f.target("main"), Archive: bytes.NewReader(buildArchive(t, map[string]string{"index.html": "ok"}))})
	if err != nil {
		t.Fatalf("seed deploy: %v", err)
	}

	_, err = f.engine.Deploy(ctx, FullDeployCommand{Target: f.target("main"), Archive: strings.NewReader("definitely not gzip")})
	if !errors.Is(err, ErrFailed) {
		t.Fatalf("expected ErrFailed, got %v", err)
	}
	var failed *FailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected *FailedError, got %T", err)
	}
	wantPath := domain.DeployPath(f.org.ID, f.game.ID, "main", 2)
	if failed.Path != wantPath || failed.Organization != "acme" || failed.Game != "tower" || failed.Branch != "main" {
		t.Fatalf("unexpected failure context %+v", failed)
	}
	if !strings.Contains(err.Error(), "failed to deploy acme/tower/main to "+wantPath) {
		t.Fatalf("unexpected message %q", err.Error())
	}

	branch := f.branch(t, "main")
	if *branch.ActiveDeployID != good.DeployID {
		t.Fatalf("expected active deploy to stay %s, got %s", good.DeployID, *branch.ActiveDeployID)
	}
	d := f.deploy(t, *branch.LatestDeployID)
	if d.State != domain.DeployStateFailed || d.Error == nil || d.FailedOn == nil {
		t.Fatalf("expected failed deploy, got %+v", d)
	}
	if !d.Deleted() || *d.DeletedReason != ReasonFailed {
		t.Fatalf("expected failed deploy to be deleted, got %+v", d)
	}
	if diff := cmp.Diff([]string{wantPath}, f.trash.paths()); diff != "" {
		t.Fatalf("trash jobs mismatch (-want +got):\n%s", diff)
	}
}

func TestDeployRejectsEntriesOutsideRoot(t *testing.T) {
	f := newTestEngine(t)
	archive := buildArchive(t, map[string]string{"../escape.txt": "nope"})

	_, err := f.engine.Deploy(context.Background(), FullDeployCommand{Target: f.target("main"), Archive: bytes.NewReader(archive)})
	if !errors.Is(err, ErrFailed) {
		t.Fatalf("expected failed deploy, got %v", err)
	}
	if f.branch(t, "main").HasActiveDeploy() {
		t.Fatal("expected no active deploy")
	}
	keys, err := f.files.List(context.Background(), "share")
	if err != nil {
		t.Fatalf("list files: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected nothing written, got %v", keys)
	}
}

func TestDeployEnforcesArchiveLimit(t *testing.T) {
	f := newTestEngine(t, func(e *Engine) {
		e.cfg.MaxArchiveBytes = 4
	})
	archive := buildArchive(t, map[string]string{"big.bin": "0123456789"})

	_, err := f.engine.Deploy(context.Background(), FullDeployCommand{Target: f.target("main"), Archive: bytes.NewReader(archive)})
	if !errors.Is(err, ErrFailed) || !strings.Contains(err.Error(), "archive exceeds 4 bytes") {
		t.Fatalf("expected archive limit failure, got %v", err)
	}
}

func TestBeginIncrementalNumbersAreGapFree(t *testing.T) {
	f := newTestEngine(t)
	ctx := context.Background()
	const runs = 50

	numbers := make([]int, runs)
	errs := make([]error, runs)
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.engine.BeginIncremental(ctx, BeginCommand{
				Target:   f.target("main"),
				Manifest: []domain.DeployAsset{asset("index.html", "hello")},
			})
			errs[i] = err
			if err == nil {
				numbers[i] = res.Number
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("begin %d failed: %v", i, err)
		}
	}
	sort.Ints(numbers)
	for i, n := range numbers {
		if n != i+1 {
			t.Fatalf("expected numbers 1..%d, got %v", runs, numbers)
		}
	}
	branch := f.branch(t, "main")
	latest := f.deploy(t, *branch.LatestDeployID)
	if latest.Number != runs {
		t.Fatalf("expected latest deploy number %d, got %d", runs, latest.Number)
	}
	if branch.HasActiveDeploy() {
		t.Fatal("begin must not activate a deploy")
	}
}

func TestIncrementalRoundTrip(t *testing.T) {
	f := newTestEngine(t)
	ctx := context.Background()
	contents := map[string]string{
		"index.html":       "<html>game</html>",
		"game.js":          "console.log('hi')",
		"assets/game.wasm": "\x00asm",
		"assets/level.pck": "level-data",
	}
	for _, existing := range []string{"index.html", "game.js"} {
		if _, err := f.blobs.UploadIfAbsent(ctx, strings.NewReader(contents[existing]), "", ""); err != nil {
			t.Fatalf("seed blob: %v", err)
		}
	}
	manifest := []domain.DeployAsset{
		asset("index.html", contents["index.html"]),
		asset("game.js", contents["game.js"]),
		asset("assets/game.wasm", contents["assets/game.wasm"]),
		asset("assets/level.pck", contents["assets/level.pck"]),
	}

	begun, err := f.engine.BeginIncremental(ctx, BeginCommand{Target: f.target("main"), Manifest: manifest})
	if err != nil {
		t.Fatalf("BeginIncremental returned error: %v", err)
	}
	if diff := cmp.Diff(manifest[2:], begun.Missing); diff != "" {
		t.Fatalf("missing assets mismatch (-want +got):\n%s", diff)
	}
	if _, err := f.files.LoadBytes(ctx, begun.Path+"/"+ManifestFile); err != nil {
		t.Fatalf("expected manifest to be stored: %v", err)
	}

	for _, missing := range begun.Missing {
		obj, err := f.engine.UploadAsset(ctx, UploadCommand{
			DeployID: begun.DeployID,
			Digest:   missing.Digest,
			Body:     strings.NewReader(contents[missing.Path]),
		})
		if err != nil {
			t.Fatalf("UploadAsset %s: %v", missing.Path, err)
		}
		if obj.Existed || obj.Digest != missing.Digest || obj.ContentLength != missing.ContentLength {
			t.Fatalf("unexpected blob object %+v", obj)
		}
	}

	res, err := f.engine.ActivateIncremental(ctx, ActivateCommand{DeployID: begun.DeployID, Concurrency: 2})
	if err != nil {
		t.Fatalf("ActivateIncremental returned error: %v", err)
	}
	if res.Outcome != OutcomeActivated || res.Path != begun.Path {
		t.Fatalf("unexpected result %+v", res)
	}
	for path, content := range contents {
		got, err := f.files.LoadBytes(ctx, begun.Path+"/"+path)
		if err != nil {
			t.Fatalf("load %s: %v", path, err)
		}
		if string(got) != content {
			t.Fatalf("content mismatch for %s: %q", path, got)
		}
	}
	if *f.branch(t, "main").ActiveDeployID != begun.DeployID {
		t.Fatal("expected incremental deploy to be active")
	}
}

func TestUploadAssetRejectsDigestMismatch(t *testing.T) {
	f := newTestEngine(t)
	ctx := context.Background()
	begun, err := f.engine.BeginIncremental(ctx, BeginCommand{Target: f.target("main"), Manifest: []domain.DeployAsset{asset("a", "a")}})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	_, err = f.engine.UploadAsset(ctx, UploadCommand{
		DeployID: begun.DeployID,
		Digest:   digest.FromString("a").String(),
		Body:     strings.NewReader("b"),
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestUploadAssetRejectsNonCanonicalDigest(t *testing.T) {
	f := newTestEngine(t)
	ctx := context.Background()
	begun, err := f.engine.BeginIncremental(ctx, BeginCommand{Target: f.target("main"), Manifest: []domain.DeployAsset{asset("a", "a")}})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	_, err = f.engine.UploadAsset(ctx, UploadCommand{
		DeployID: begun.DeployID,
		Digest:   "sha512:" + strings.Repeat("ab", 64),
		Body:     strings.NewReader("a"),
	})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "digest" {
		t.Fatalf("expected digest validation error, got %v", err)
	}
}

type cancelingReader struct {
	cancel context.CancelFunc
}

func (r cancelingReader) Read([]byte) (int, error) {
	r.cancel()
	return 0, errors.New("client went away")
}

func TestDeployFailureSurvivesCancelledRequest(t *testing.T) {
	f := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := f.engine.Deploy(ctx, FullDeployCommand{Target: f.target("main"), Archive: cancelingReader{cancel: cancel}})
	if !errors.Is(err, ErrFailed) {
		t.Fatalf("expected ErrFailed, got %v", err)
	}

	branch := f.branch(t, "main")
	d := f.deploy(t, *branch.LatestDeployID)
	if d.State != domain.DeployStateFailed {
		t.Fatalf("expected failed state, got %s", d.State)
	}
	if !d.Deleted() || *d.DeletedReason != ReasonFailed {
		t.Fatalf("expected failed deploy to be deleted, got %+v", d)
	}
	if diff := cmp.Diff([]string{d.Path}, f.trash.paths()); diff != "" {
		t.Fatalf("trash jobs mismatch (-want +got):\n%s", diff)
	}
}

type gatedBlobs struct {
	BlobStore
	once    sync.Once
	opened  chan struct{}
	release chan struct{}
}

func (b *gatedBlobs) Open(ctx context.Context, d digest.Digest) (io.ReadCloser, error) {
	b.once.Do(func() { close(b.opened) })
	<-b.release
	return b.BlobStore.Open(ctx, d)
}

func TestConcurrentActivateCallsShareResult(t *testing.T) {
	f := newTestEngine(t)
	ctx := context.Background()
	begun, err := f.engine.BeginIncremental(ctx, BeginCommand{Target: f.target("main"), Manifest: []domain.DeployAsset{asset("a.txt", "shared")}})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := f.engine.UploadAsset(ctx, UploadCommand{DeployID: begun.DeployID, Body: strings.NewReader("shared")}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	gate := &gatedBlobs{BlobStore: f.engine.blobs, opened: make(chan struct{}), release: make(chan struct{})}
	f.engine.blobs = gate

	type outcome struct {
		res *Result
		err error
	}
	results := make(chan outcome, 2)
	activate := func() {
		res, err := f.engine.ActivateIncremental(ctx, ActivateCommand{DeployID: begun.DeployID})
		results <- outcome{res, err}
	}
	go activate()
	<-gate.opened
	go activate()
	time.Sleep(50 * time.Millisecond)
	close(gate.release)

	for i := 0; i < 2; i++ {
		got := <-results
		if got.err != nil {
			t.Fatalf("activation %d: %v", i, got.err)
		}
		if got.res.DeployID != begun.DeployID || got.res.Outcome != OutcomeActivated {
			t.Fatalf("unexpected result %+v", got.res)
		}
	}
	if *f.branch(t, "main").ActiveDeployID != begun.DeployID {
		t.Fatal("expected deploy to be active")
	}
}

func TestTerminalDeploysRejectUploadAndActivate(t *testing.T) {
	f := newTestEngine(t)
	ctx := context.Background()

	ready, err := f.engine.BeginIncremental(ctx, BeginCommand{Target: f.target("main"), Manifest: []domain.DeployAsset{asset("a.txt", "ready")}})
	if err != nil {
		t.Fatalf("begin ready: %v", err)
	}
	if _, err := f.engine.UploadAsset(ctx, UploadCommand{DeployID: ready.DeployID, Body: strings.NewReader("ready")}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := f.engine.ActivateIncremental(ctx, ActivateCommand{DeployID: ready.DeployID}); err != nil {
		t.Fatalf("activate: %v", err)
	}

	failed, err := f.engine.BeginIncremental(ctx, BeginCommand{Target: f.target("main"), Manifest: []domain.DeployAsset{asset("a.txt", "never uploaded")}})
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	_, err = f.engine.ActivateIncremental(ctx, ActivateCommand{DeployID: failed.DeployID})
	if !errors.Is(err, ErrFailed) || !strings.Contains(err.Error(), "was never uploaded") {
		t.Fatalf("expected failed activation, got %v", err)
	}
	if d := f.deploy(t, failed.DeployID); d.State != domain.DeployStateFailed {
		t.Fatalf("expected failed state, got %s", d.State)
	}

	blobsBefore, err := f.blobs.Count(ctx)
	if err != nil {
		t.Fatalf("count blobs: %v", err)
	}
	jobsBefore := len(f.trash.paths())
	for _, id := range []string{ready.DeployID, failed.DeployID} {
		_, err := f.engine.UploadAsset(ctx, UploadCommand{DeployID: id, Body: strings.NewReader("late content")})
		if !errors.Is(err, ErrInvalidState) {
			t.Fatalf("upload to %s: expected ErrInvalidState, got %v", id, err)
		}
		_, err = f.engine.ActivateIncremental(ctx, ActivateCommand{DeployID: id})
		if !errors.Is(err, ErrInvalidState) {
			t.Fatalf("activate %s: expected ErrInvalidState, got %v", id, err)
		}
	}
	blobsAfter, err := f.blobs.Count(ctx)
	if err != nil {
		t.Fatalf("count blobs: %v", err)
	}
	if blobsAfter != blobsBefore {
		t.Fatalf("expected no new blobs, had %d now %d", blobsBefore, blobsAfter)
	}
	if got := len(f.trash.paths()); got != jobsBefore {
		t.Fatalf("expected no new trash jobs, had %d now %d", jobsBefore, got)
	}
	if *f.branch(t, "main").ActiveDeployID != ready.DeployID {
		t.Fatal("expected ready deploy to remain active")
	}
}

func beginMany(t *testing.T, f *fixture, n int) []*BeginResult {
	t.Helper()
	ctx := context.Background()
	begun := make([]*BeginResult, 0, n)
	for i := 0; i < n; i++ {
		res, err := f.engine.BeginIncremental(ctx, BeginCommand{Target: f.target("main"), Manifest: []domain.DeployAsset{asset("index.html", "shared")}})
		if err != nil {
			t.Fatalf("begin %d: %v", i, err)
		}
		begun = append(begun, res)
	}
	if _, err := f.engine.UploadAsset(ctx, UploadCommand{DeployID: begun[0].DeployID, Body: strings.NewReader("shared")}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	return begun
}

func TestActivationConvergesOnHighestNumber(t *testing.T) {
	f := newTestEngine(t)
	ctx := context.Background()
	begun := beginMany(t, f, 6)

	order := []int{3, 6, 1, 5, 2, 4}
	want := map[int]Outcome{3: OutcomeActivated, 6: OutcomeActivated, 1: OutcomeSuperseded, 5: OutcomeSuperseded, 2: OutcomeSuperseded, 4: OutcomeSuperseded}
	for _, number := range order {
		res, err := f.engine.ActivateIncremental(ctx, ActivateCommand{DeployID: begun[number-1].DeployID})
		if err != nil {
			t.Fatalf("activate %d: %v", number, err)
		}
		if res.Outcome != want[number] {
			t.Fatalf("activate %d: expected %s, got %s", number, want[number], res.Outcome)
		}
	}

	if got := *f.branch(t, "main").ActiveDeployID; got != begun[5].DeployID {
		t.Fatalf("expected deploy 6 active, got %s", got)
	}
	for _, b := range begun[:5] {
		d := f.deploy(t, b.DeployID)
		if !d.Deleted() {
			t.Fatalf("expected deploy %d deleted", d.Number)
		}
		reason := *d.DeletedReason
		if reason != ReasonReplaced && reason != ReasonSuperseded {
			t.Fatalf("unexpected reason %q for deploy %d", reason, d.Number)
		}
	}
	if got := *f.deploy(t, begun[2].DeployID).DeletedReason; got != ReasonReplaced {
		t.Fatalf("expected deploy 3 replaced, got %q", got)
	}
	if got := len(f.trash.paths()); got != 5 {
		t.Fatalf("expected 5 trash jobs, got %d", got)
	}
	info, err := f.engine.GetCachedDeployInfo(ctx, "acme", "tower", "main")
	if err != nil || info == nil || info.FilePath != begun[5].Path {
		t.Fatalf("expected cached path %s, got %+v (%v)", begun[5].Path, info, err)
	}
}

func TestConcurrentActivationsConverge(t *testing.T) {
	f := newTestEngine(t)
	ctx := context.Background()
	begun := beginMany(t, f, 8)

	var wg sync.WaitGroup
	errs := make([]error, len(begun))
	for i, b := range begun {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = f.engine.ActivateIncremental(ctx, ActivateCommand{DeployID: id})
		}(i, b.DeployID)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("activate %d: %v", i+1, err)
		}
	}

	last := begun[len(begun)-1]
	if got := *f.branch(t, "main").ActiveDeployID; got != last.DeployID {
		t.Fatalf("expected highest deploy active, got %s", got)
	}
	live, err := f.repo.ListLiveDeploysByBranch(ctx, f.branch(t, "main").ID)
	if err != nil {
		t.Fatalf("list live deploys: %v", err)
	}
	if len(live) != 1 || live[0].ID != last.DeployID {
		t.Fatalf("expected only the highest deploy live, got %d deploys", len(live))
	}
	info, err := f.engine.GetCachedDeployInfo(ctx, "acme", "tower", "main")
	if err != nil || info == nil || info.FilePath != last.Path {
		t.Fatalf("expected cached path %s, got %+v (%v)", last.Path, info, err)
	}
}

func TestCachedDeployInfoCachesAbsenceUntilActivation(t *testing.T) {
	f := newTestEngine(t)
	ctx := context.Background()

	info, err := f.engine.GetCachedDeployInfo(ctx, "acme", "tower", "main")
	if err != nil || info != nil {
		t.Fatalf("expected absent info, got %+v (%v)", info, err)
	}

	// a branch appearing behind the engine's back stays invisible while the
	// absence is cached.
	now := time.Now().UTC()
	deployID := uuid.NewString()
	seeded := domain.Deploy{
		ID: deployID, OrganizationID: f.org.ID, GameID: f.game.ID, BranchID: "seeded",
		Number: 1, Path: "share/seeded/1", State: domain.DeployStateReady, CreatedOn: now, UpdatedOn: now,
	}
	if err := f.repo.CreateDeploy(ctx, &seeded); err != nil {
		t.Fatalf("seed deploy: %v", err)
	}
	if err := f.repo.CreateBranch(ctx, &domain.Branch{ID: "seeded", OrganizationID: f.org.ID, GameID: f.game.ID, Slug: "main", ActiveDeployID: &deployID, LatestDeployID: &deployID}); err != nil {
		t.Fatalf("seed branch: %v", err)
	}
	info, err = f.engine.GetCachedDeployInfo(ctx, "acme", "tower", "main")
	if err != nil || info != nil {
		t.Fatalf("expected cached absence, got %+v (%v)", info, err)
	}

	res, err := f.engine.Deploy(ctx, FullDeployCommand{Target: f.target("main"), Archive: bytes.NewReader(buildArchive(t, map[string]string{"index.html": "v2"}))})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	info, err = f.engine.GetCachedDeployInfo(ctx, "ACME", "Tower", "MAIN")
	if err != nil {
		t.Fatalf("GetCachedDeployInfo returned error: %v", err)
	}
	want := &domain.CachedDeployInfo{Purpose: domain.PurposeGame, FilePath: res.Path}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Fatalf("cached info mismatch (-want +got):\n%s", diff)
	}
}

type gatedBranchReads struct {
	repository.Store
	once    sync.Once
	loaded  chan struct{}
	release chan struct{}
}

func (s *gatedBranchReads) GetBranchBySlug(ctx context.Context, gameID, slug string) (*domain.Branch, error) {
	branch, err := s.Store.GetBranchBySlug(ctx, gameID, slug)
	s.once.Do(func() {
		close(s.loaded)
		<-s.release
	})
	return branch, err
}

func TestCachedDeployInfoKeepsActivationOverSlowRead(t *testing.T) {
	f := newTestEngine(t)
	ctx := context.Background()
	first, err := f.engine.Deploy(ctx, FullDeployCommand{Target: f.target("main"), Archive: bytes.NewReader(buildArchive(t, map[string]string{"index.html": "v1"}))})
	if err != nil {
		t.Fatalf("first deploy: %v", err)
	}
	if err := f.engine.cache.Delete(ctx, deployInfoKey("acme", "tower", "main")); err != nil {
		t.Fatalf("evict: %v", err)
	}

	gate := &gatedBranchReads{Store: f.engine.store, loaded: make(chan struct{}), release: make(chan struct{})}
	f.engine.store = gate
	read := make(chan *domain.CachedDeployInfo, 1)
	go func() {
		info, err := f.engine.GetCachedDeployInfo(ctx, "acme", "tower", "main")
		if err != nil {
			t.Errorf("slow read: %v", err)
		}
		read <- info
	}()
	<-gate.loaded

	second, err := f.engine.Deploy(ctx, FullDeployCommand{Target: f.target("main"), Archive: bytes.NewReader(buildArchive(t, map[string]string{"index.html": "v2"}))})
	if err != nil {
		t.Fatalf("second deploy: %v", err)
	}
	close(gate.release)
	if info := <-read; info == nil || info.FilePath != second.Path {
		t.Fatalf("slow read returned %+v, want %s", info, second.Path)
	}

	info, err := f.engine.GetCachedDeployInfo(ctx, "acme", "tower", "main")
	if err != nil {
		t.Fatalf("GetCachedDeployInfo returned error: %v", err)
	}
	if info == nil || info.FilePath != second.Path {
		t.Fatalf("cache serves %+v, want %s (replaced %s)", info, second.Path, first.Path)
	}
}

func TestCachedDeployInfoWithoutCache(t *testing.T) {
	f := newTestEngine(t, func(e *Engine) {
		e.cache = nil
	})
	ctx := context.Background()
	res, err := f.engine.Deploy(ctx, FullDeployCommand{Target: f.target("main"), Archive: bytes.NewReader(buildArchive(t, map[string]string{"index.html": "x"}))})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	info, err := f.engine.GetCachedDeployInfo(ctx, "acme", "tower", "main")
	if err != nil || info == nil || info.FilePath != res.Path {
		t.Fatalf("expected %s, got %+v (%v)", res.Path, info, err)
	}
}

func TestDeleteBranchDiscardsInFlightDeploys(t *testing.T) {
	f := newTestEngine(t)
	ctx := context.Background()
	begun := beginMany(t, f, 2)
	if _, err := f.engine.ActivateIncremental(ctx, ActivateCommand{DeployID: begun[0].DeployID}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	branch := f.branch(t, "main")

	if err := f.engine.DeleteBranch(ctx, branch.ID); err != nil {
		t.Fatalf("DeleteBranch returned error: %v", err)
	}
	if d := f.deploy(t, begun[0].DeployID); !d.Deleted() || *d.DeletedReason != ReasonBranchDeleted {
		t.Fatalf("expected active deploy deleted with branch, got %+v", d)
	}

	res, err := f.engine.ActivateIncremental(ctx, ActivateCommand{DeployID: begun[1].DeployID})
	if err != nil {
		t.Fatalf("activate in-flight deploy: %v", err)
	}
	if res.Outcome != OutcomeBranchGone {
		t.Fatalf("expected branch_gone outcome, got %s", res.Outcome)
	}
	if d := f.deploy(t, begun[1].DeployID); *d.DeletedReason != ReasonBranchGone {
		t.Fatalf("unexpected delete reason %q", *d.DeletedReason)
	}

	again, err := f.engine.BeginIncremental(ctx, BeginCommand{Target: f.target("main"), Manifest: []domain.DeployAsset{asset("index.html", "shared")}})
	if err != nil {
		t.Fatalf("begin on recreated branch: %v", err)
	}
	if again.Number != 3 {
		t.Fatalf("expected recreated branch to continue at 3, got %d", again.Number)
	}
}

func TestBranchPasswordOnlyAppliedOnCreate(t *testing.T) {
	f := newTestEngine(t)
	ctx := context.Background()
	manifest := []domain.DeployAsset{asset("index.html", "x")}

	first := f.target("demo")
	first.Password = "open-sesame"
	if _, err := f.engine.BeginIncremental(ctx, BeginCommand{Target: first, Manifest: manifest}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	second := f.target("demo")
	second.Password = "changed"
	if _, err := f.engine.BeginIncremental(ctx, BeginCommand{Target: second, Manifest: manifest}); err != nil {
		t.Fatalf("begin: %v", err)
	}

	plain, err := crypto.Open("test-secret", f.branch(t, "demo").EncryptedPassword)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain != "open-sesame" {
		t.Fatalf("expected original password, got %q", plain)
	}
}

type conflictingStore struct {
	repository.Store
}

func (s conflictingStore) WithinTx(ctx context.Context, scope string, fn func(ctx context.Context, q repository.Queries) error) error {
	return s.Store.WithinTx(ctx, scope, func(ctx context.Context, q repository.Queries) error {
		return fn(ctx, conflictingQueries{q})
	})
}

type conflictingQueries struct {
	repository.Queries
}

func (conflictingQueries) CreateBranch(context.Context, *domain.Branch) error {
	return repository.ErrConflict
}

func TestTakenBranchSlugIsValidationError(t *testing.T) {
	f := newTestEngine(t)
	f.engine.store = conflictingStore{Store: f.repo}

	_, err := f.engine.BeginIncremental(context.Background(), BeginCommand{Target: f.target("main"), Manifest: []domain.DeployAsset{asset("a", "a")}})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "branch" {
		t.Fatalf("expected branch validation error, got %v", err)
	}
}

func TestUnknownGameIsNotFound(t *testing.T) {
	f := newTestEngine(t)
	target := f.target("main")
	target.Game = "missing"

	_, err := f.engine.Deploy(context.Background(), FullDeployCommand{Target: target, Archive: strings.NewReader("")})
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBeginIncrementalValidation(t *testing.T) {
	good := asset("index.html", "x")
	tests := []struct {
		name     string
		branch   string
		manifest []domain.DeployAsset
	}{
		{name: "empty manifest", branch: "main"},
		{name: "bad slug", branch: "bad slug!", manifest: []domain.DeployAsset{good}},
		{name: "long slug", branch: strings.Repeat("a", maxSlugLength+1), manifest: []domain.DeployAsset{good}},
		{name: "parent path", branch: "main", manifest: []domain.DeployAsset{{Path: "../x", Digest: good.Digest}}},
		{name: "absolute path", branch: "main", manifest: []domain.DeployAsset{{Path: "/x", Digest: good.Digest}}},
		{name: "unclean path", branch: "main", manifest: []domain.DeployAsset{{Path: "a//b", Digest: good.Digest}}},
		{name: "reserved path", branch: "main", manifest: []domain.DeployAsset{{Path: ManifestFile, Digest: good.Digest}}},
		{name: "duplicate path", branch: "main", manifest: []domain.DeployAsset{good, good}},
		{name: "bad digest", branch: "main", manifest: []domain.DeployAsset{{Path: "a", Digest: "md5:abc"}}},
		{name: "non canonical digest", branch: "main", manifest: []domain.DeployAsset{{Path: "a", Digest: "sha512:" + strings.Repeat("ab", 64)}}},
		{name: "negative length", branch: "main", manifest: []domain.DeployAsset{{Path: "a", Digest: good.Digest, ContentLength: -1}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newTestEngine(t)
			target := f.target(tc.branch)
			_, err := f.engine.BeginIncremental(context.Background(), BeginCommand{Target: target, Manifest: tc.manifest})
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			if _, err := f.repo.GetBranchBySlug(context.Background(), f.game.ID, NormalizeSlug(tc.branch)); !errors.Is(err, repository.ErrNotFound) {
				t.Fatalf("expected no branch to be created, got %v", err)
			}
		})
	}
}
