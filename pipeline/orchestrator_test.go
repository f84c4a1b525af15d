package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/jupark12/karaoke-worker/audio"
	"github.com/jupark12/karaoke-worker/catalog"
	"github.com/jupark12/karaoke-worker/identity"
	"github.com/jupark12/karaoke-worker/logging"
	"github.com/jupark12/karaoke-worker/models"
	"github.com/jupark12/karaoke-worker/pipeline"
	"github.com/jupark12/karaoke-worker/progress"
	"github.com/jupark12/karaoke-worker/storage"
	"github.com/jupark12/karaoke-worker/tools"
)

var testBuckets = storage.BucketSet{
	PublicOriginal:   "public-original-files",
	PublicProcessed:  "public-processed-stems",
	PublicFinal:      "public-final-instrumentals",
	PrivateOriginal:  "private-original-files",
	PrivateProcessed: "private-processed-stems",
	PrivateFinal:     "private-final-instrumentals",
}

// fakeSeparator writes one WAV placeholder per stem in produce.
type fakeSeparator struct {
	mu      sync.Mutex
	produce []string
	err     error
	calls   int
}

func (f *fakeSeparator) Separate(_ context.Context, inputPath, workDir, model string) (tools.StemPaths, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	base := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	dir := filepath.Join(workDir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	stems := tools.StemPaths{}
	for _, stem := range f.produce {
		path := filepath.Join(dir, stem+".wav")
		if err := os.WriteFile(path, []byte("wav:"+stem), 0o644); err != nil {
			return nil, err
		}
		stems[stem] = path
	}
	return stems, nil
}

func (f *fakeSeparator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeTranscoder fails with err once it reaches failOn.
type fakeTranscoder struct {
	failOn string
	err    error
}

func (f fakeTranscoder) ToMP3(_ context.Context, wavPath string) (string, error) {
	if f.err != nil && strings.TrimSuffix(filepath.Base(wavPath), ".wav") == f.failOn {
		return "", f.err
	}
	data, err := os.ReadFile(wavPath)
	if err != nil {
		return "", err
	}
	out := strings.TrimSuffix(wavPath, ".wav") + ".mp3"
	return out, os.WriteFile(out, bytes.Replace(data, []byte("wav:"), []byte("mp3:"), 1), 0o644)
}

// fakeMixer concatenates its inputs so tests can see what went in.
type fakeMixer struct {
	inputs []string
	err    error
}

func (m *fakeMixer) Merge(_ context.Context, inputs []string, output string) error {
	m.inputs = nil
	if m.err != nil {
		return m.err
	}
	var buf bytes.Buffer
	for _, in := range inputs {
		data, err := os.ReadFile(in)
		if err != nil {
			return err
		}
		m.inputs = append(m.inputs, strings.TrimPrefix(string(data), "mp3:"))
		buf.Write(data)
		buf.WriteByte('\n')
	}
	return os.WriteFile(output, buf.Bytes(), 0o644)
}

type fakeValidator struct{ playable bool }

func (v fakeValidator) IsPlayable(context.Context, string) bool { return v.playable }

func inspectorWithSilent(silent ...string) pipeline.Inspector {
	return func(path string) (audio.WAVInfo, error) {
		stem := strings.TrimSuffix(filepath.Base(path), ".wav")
		for _, s := range silent {
			if s == stem {
				return audio.WAVInfo{Frames: 44100}, nil
			}
		}
		return audio.WAVInfo{Frames: 44100, Peak: 0.5}, nil
	}
}

type harness struct {
	orch      *pipeline.Orchestrator
	separator *fakeSeparator
	mixer     *fakeMixer
	tracker   *progress.Tracker
	catalog   catalog.Catalog
	gateway   *storage.Gateway
	deps      pipeline.Deps
	opts      []pipeline.Option
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	produce  []string
	sepErr   error
	playable bool
	silent   []string
	failStem string
	transErr error
	mixErr   error
	drop     []string
}

func withStems(stems ...string) harnessOption {
	return func(c *harnessConfig) { c.produce = stems }
}

func withSeparatorError(err error) harnessOption {
	return func(c *harnessConfig) { c.sepErr = err }
}

func withUnplayable() harnessOption {
	return func(c *harnessConfig) { c.playable = false }
}

func withSilent(stems ...string) harnessOption {
	return func(c *harnessConfig) { c.silent = stems }
}

func withTranscodeError(stem string, err error) harnessOption {
	return func(c *harnessConfig) { c.failStem, c.transErr = stem, err }
}

func withMixError(err error) harnessOption {
	return func(c *harnessConfig) { c.mixErr = err }
}

// withoutBuckets removes buckets after the harness creates them.
func withoutBuckets(buckets ...string) harnessOption {
	return func(c *harnessConfig) { c.drop = buckets }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{
		produce:  []string{"vocals", "piano", "drums", "bass", "other"},
		playable: true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx := context.Background()
	root := t.TempDir()
	store, err := storage.NewLocal(filepath.Join(root, "objects"))
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	gateway := storage.NewGateway(store, testBuckets, logging.NewNop())
	if _, err := gateway.CreateMissingBuckets(ctx); err != nil {
		t.Fatalf("create buckets: %v", err)
	}
	for _, bucket := range cfg.drop {
		if err := os.RemoveAll(filepath.Join(root, "objects", bucket)); err != nil {
			t.Fatalf("remove bucket %s: %v", bucket, err)
		}
	}
	cat, err := catalog.Open(ctx, catalog.DriverSQLite, filepath.Join(root, "catalog.db"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })

	tracker := progress.NewTracker(progress.NewMemory())
	sep := &fakeSeparator{produce: cfg.produce, err: cfg.sepErr}
	mixer := &fakeMixer{err: cfg.mixErr}
	deps := pipeline.Deps{
		Catalog:    cat,
		Tracker:    tracker,
		Gateway:    gateway,
		Separator:  sep,
		Transcoder: fakeTranscoder{failOn: cfg.failStem, err: cfg.transErr},
		Mixer:      mixer,
		Validator:  fakeValidator{playable: cfg.playable},
	}
	pipelineOpts := []pipeline.Option{
		pipeline.WithWorkRoot(filepath.Join(root, "work")),
		pipeline.WithInspector(inspectorWithSilent(cfg.silent...)),
		pipeline.WithLogger(logging.NewNop()),
	}
	orch, err := pipeline.New(deps, pipelineOpts...)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	return &harness{orch: orch, separator: sep, mixer: mixer, tracker: tracker, catalog: cat, gateway: gateway, deps: deps, opts: pipelineOpts}
}

// rebuild returns an orchestrator sharing the harness backends but using cat.
func (h *harness) rebuild(t *testing.T, cat catalog.Catalog) *pipeline.Orchestrator {
	t.Helper()
	deps := h.deps
	deps.Catalog = cat
	orch, err := pipeline.New(deps, h.opts...)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	return orch
}

// racingCatalog hides an existing row from lookups, as if another run
// registered the task after this run checked.
type racingCatalog struct {
	catalog.Catalog
}

func (racingCatalog) Lookup(context.Context, string) (models.CatalogEntry, error) {
	return models.CatalogEntry{}, catalog.ErrNotFound
}

func (r racingCatalog) RegisterOrUpdate(ctx context.Context, entry models.CatalogEntry) error {
	if entry.Status == models.CatalogProcessing {
		return catalog.ErrDuplicate
	}
	return r.Catalog.RegisterOrUpdate(ctx, entry)
}

func (h *harness) finalExists(t *testing.T, id identity.TaskID, tier models.Tier) bool {
	t.Helper()
	info, err := h.gateway.Stat(context.Background(), tier, storage.ClassFinal, storage.FinalKey(id, "mp3"))
	if err != nil {
		t.Fatalf("stat final: %v", err)
	}
	return info.Exists
}

func request(filename string) pipeline.Request {
	return pipeline.Request{Filename: filename, Content: []byte("ID3 audio for " + filename)}
}

func TestRunPublishesPublicInstrumental(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.orch.Run(ctx, request("01 - She Hates Me - Dierks Bentley.mp3"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !regexp.MustCompile(`^she_hates_me_dierks_bentley_[0-9a-f]{8}\.mp3$`).MatchString(res.TaskID.String()) {
		t.Fatalf("unexpected task id %q", res.TaskID)
	}
	if res.Tier != models.TierPublic || res.Model != "5stems" {
		t.Fatalf("unexpected tier/model %q/%q", res.Tier, res.Model)
	}
	base := res.TaskID.Base()
	if res.Final.Bucket != "public-final-instrumentals" || res.Final.Key != base+"/"+base+"_instrumental.mp3" {
		t.Fatalf("unexpected final locator %s", res.Final)
	}
	if res.Original.Bucket != "public-original-files" || res.Original.Key != res.TaskID.String() {
		t.Fatalf("unexpected original locator %s", res.Original)
	}
	if got := res.Stems["drums"]; got.Bucket != "public-processed-stems" || got.Key != base+"/"+base+"_drums.mp3" {
		t.Fatalf("unexpected drums locator %s", got)
	}
	if len(res.Stems) != 5 {
		t.Fatalf("expected 5 stored stems, got %d", len(res.Stems))
	}
	if !h.finalExists(t, res.TaskID, models.TierPublic) {
		t.Fatal("final instrumental not stored")
	}

	want := []string{"piano", "drums", "bass", "other"}
	if strings.Join(h.mixer.inputs, ",") != strings.Join(want, ",") {
		t.Fatalf("mix inputs = %v, want %v", h.mixer.inputs, want)
	}

	rec, err := h.tracker.Read(ctx, res.TaskID.String())
	if err != nil {
		t.Fatalf("Read progress: %v", err)
	}
	if rec.Status != models.ProgressCompleted || rec.Percent != 100 || rec.Error != "" {
		t.Fatalf("unexpected progress %+v", rec)
	}

	entry, err := h.catalog.Lookup(ctx, res.TaskID.String())
	if err != nil {
		t.Fatalf("catalog lookup: %v", err)
	}
	if entry.Status != models.CatalogCompleted || entry.FinalURL != res.FinalURL || entry.Tier != models.TierPublic {
		t.Fatalf("unexpected catalog entry %+v", entry)
	}
	if entry.Title != "She Hates Me - Dierks Bentley" {
		t.Fatalf("unexpected title %q", entry.Title)
	}
}

func TestRunRoutesManualUploadsPrivate(t *testing.T) {
	h := newHarness(t)
	req := request("demo.wav")
	req.Source = "Manual"

	res, err := h.orch.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Tier != models.TierPrivate {
		t.Fatalf("expected private tier, got %q", res.Tier)
	}
	if res.Original.Bucket != "private-original-files" {
		t.Fatalf("original in %s", res.Original.Bucket)
	}
	for stem, loc := range res.Stems {
		if loc.Bucket != "private-processed-stems" {
			t.Fatalf("stem %s in %s", stem, loc.Bucket)
		}
	}
	if res.Final.Bucket != "private-final-instrumentals" {
		t.Fatalf("final in %s", res.Final.Bucket)
	}
	if h.finalExists(t, res.TaskID, models.TierPublic) {
		t.Fatal("private job wrote to the public final bucket")
	}
}

func TestRunMissingDrumsFails(t *testing.T) {
	h := newHarness(t, withStems("vocals", "piano", "bass", "other"))
	ctx := context.Background()
	req := request("no drums.mp3")
	id := identity.ComputeTaskID(req.Filename, req.Content)

	_, err := h.orch.Run(ctx, req)
	var missing *pipeline.MissingStemError
	if !errors.As(err, &missing) || missing.Stem != "drums" {
		t.Fatalf("expected MissingStemError for drums, got %v", err)
	}
	var jobErr *pipeline.JobError
	if !errors.As(err, &jobErr) || jobErr.Stage != models.StageTranscoding {
		t.Fatalf("expected transcoding JobError, got %v", err)
	}

	rec, err := h.tracker.Read(ctx, id.String())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if rec.Status != models.ProgressFailed || !strings.HasPrefix(rec.Error, "transcoding: ") {
		t.Fatalf("unexpected progress %+v", rec)
	}
	if h.finalExists(t, id, models.TierPublic) {
		t.Fatal("failed job wrote a final object")
	}
	entry, err := h.catalog.Lookup(ctx, id.String())
	if err != nil || entry.Status != models.CatalogFailed {
		t.Fatalf("expected Failed catalog entry, got %+v (%v)", entry, err)
	}
}

func TestRunMissingVocalsStillCompletes(t *testing.T) {
	h := newHarness(t, withStems("piano", "drums", "bass", "other"))

	res, err := h.orch.Run(context.Background(), request("instrumental only.mp3"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := res.Stems["vocals"]; ok {
		t.Fatal("vocals should not have been stored")
	}
	if len(h.mixer.inputs) != 4 {
		t.Fatalf("expected four mixed stems, got %v", h.mixer.inputs)
	}
}

func TestRunSeparatorFailureMarksFailed(t *testing.T) {
	toolErr := &tools.ToolError{Stage: tools.StageSeparate, Tool: "python", ExitCode: 1, Err: errors.New("exit status 1")}
	h := newHarness(t, withSeparatorError(toolErr))
	ctx := context.Background()
	req := request("crash.mp3")
	id := identity.ComputeTaskID(req.Filename, req.Content)

	_, err := h.orch.Run(ctx, req)
	var te *tools.ToolError
	if !errors.As(err, &te) || te.Stage != tools.StageSeparate {
		t.Fatalf("expected separate ToolError, got %v", err)
	}
	rec, err := h.tracker.Read(ctx, id.String())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if rec.Status != models.ProgressFailed || !strings.HasPrefix(rec.Error, "separating: ") {
		t.Fatalf("unexpected progress %+v", rec)
	}
	if h.finalExists(t, id, models.TierPublic) {
		t.Fatal("failed job wrote a final object")
	}
	// The original is kept for inspection.
	info, err := h.gateway.Stat(ctx, models.TierPublic, storage.ClassOriginal, storage.OriginalKey(id))
	if err != nil || !info.Exists {
		t.Fatalf("expected original to be stored, info=%+v err=%v", info, err)
	}
}

func TestRunRejectsDuplicateWithoutSideEffects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := request("twice.mp3")

	first, err := h.orch.Run(ctx, req)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	before, _ := h.tracker.Read(ctx, first.TaskID.String())

	_, err = h.orch.Run(ctx, req)
	var dup *pipeline.DuplicateSubmissionError
	if !errors.As(err, &dup) || dup.TaskID != first.TaskID.String() {
		t.Fatalf("expected DuplicateSubmissionError, got %v", err)
	}
	if h.separator.callCount() != 1 {
		t.Fatalf("separator ran %d times", h.separator.callCount())
	}
	after, _ := h.tracker.Read(ctx, first.TaskID.String())
	if after != before {
		t.Fatalf("progress changed on duplicate: %+v -> %+v", before, after)
	}
}

func TestRunRejectsWhileClaimed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := request("in flight.mp3")
	id := identity.ComputeTaskID(req.Filename, req.Content)

	if ok, err := h.tracker.Claim(ctx, id.String(), "other-worker", pipeline.DefaultClaimTTL); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	_, err := h.orch.Run(ctx, req)
	var dup *pipeline.DuplicateSubmissionError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateSubmissionError, got %v", err)
	}
	if _, err := h.tracker.Read(ctx, id.String()); !errors.Is(err, progress.ErrNotFound) {
		t.Fatalf("expected no progress record, got %v", err)
	}
	if _, err := h.catalog.Lookup(ctx, id.String()); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("expected no catalog entry, got %v", err)
	}
}

func TestRunResubmitsAfterFailure(t *testing.T) {
	h := newHarness(t, withStems("vocals"))
	ctx := context.Background()
	req := request("retry.mp3")
	req.Model = "2stems"

	if _, err := h.orch.Run(ctx, req); err == nil {
		t.Fatal("expected first run to fail without accompaniment")
	}
	h.separator.produce = []string{"vocals", "accompaniment"}
	res, err := h.orch.Run(ctx, req)
	if err != nil {
		t.Fatalf("retry Run: %v", err)
	}
	rec, _ := h.tracker.Read(ctx, res.TaskID.String())
	if rec.Status != models.ProgressCompleted || rec.Error != "" {
		t.Fatalf("unexpected progress after retry %+v", rec)
	}
}

func TestRunRetryKeepsOriginalTier(t *testing.T) {
	h := newHarness(t, withStems("vocals"))
	ctx := context.Background()
	req := request("retry tier.mp3")
	req.Model = "2stems"

	if _, err := h.orch.Run(ctx, req); err == nil {
		t.Fatal("expected first run to fail without accompaniment")
	}
	h.separator.produce = []string{"vocals", "accompaniment"}
	req.Source = "manual"
	res, err := h.orch.Run(ctx, req)
	if err != nil {
		t.Fatalf("retry Run: %v", err)
	}
	if res.Tier != models.TierPublic || res.Final.Bucket != "public-final-instrumentals" {
		t.Fatalf("retry moved tiers: tier=%q final=%s", res.Tier, res.Final)
	}
	if h.finalExists(t, res.TaskID, models.TierPrivate) {
		t.Fatal("retry wrote to the private final bucket")
	}
	entry, err := h.catalog.Lookup(ctx, res.TaskID.String())
	if err != nil || entry.Tier != models.TierPublic {
		t.Fatalf("unexpected catalog entry %+v (%v)", entry, err)
	}
}

// assertFailedAt checks the job failed at stage with no final object.
func (h *harness) assertFailedAt(t *testing.T, err error, req pipeline.Request, stage models.Stage) {
	t.Helper()
	var jobErr *pipeline.JobError
	if !errors.As(err, &jobErr) || jobErr.Stage != stage {
		t.Fatalf("expected %s JobError, got %v", stage, err)
	}
	id := identity.ComputeTaskID(req.Filename, req.Content)
	rec, rerr := h.tracker.Read(context.Background(), id.String())
	if rerr != nil {
		t.Fatalf("Read: %v", rerr)
	}
	if rec.Status != models.ProgressFailed || !strings.HasPrefix(rec.Error, string(stage)+": ") {
		t.Fatalf("unexpected progress %+v", rec)
	}
	if h.finalExists(t, id, models.TierPublic) {
		t.Fatal("failed job wrote a final object")
	}
	entry, lerr := h.catalog.Lookup(context.Background(), id.String())
	if lerr != nil || entry.Status != models.CatalogFailed {
		t.Fatalf("expected Failed catalog entry, got %+v (%v)", entry, lerr)
	}
}

func TestRunTranscodeFailureFailsJob(t *testing.T) {
	toolErr := &tools.ToolError{Stage: tools.StageTranscode, Tool: "ffmpeg", ExitCode: 1, Err: errors.New("exit status 1")}
	h := newHarness(t, withTranscodeError("bass", toolErr))
	req := request("bad bass.mp3")

	_, err := h.orch.Run(context.Background(), req)
	var te *tools.ToolError
	if !errors.As(err, &te) || te.Stage != tools.StageTranscode {
		t.Fatalf("expected transcode ToolError, got %v", err)
	}
	h.assertFailedAt(t, err, req, models.StageTranscoding)
}

func TestRunStemUploadFailureFailsJob(t *testing.T) {
	h := newHarness(t, withoutBuckets(testBuckets.PublicProcessed))
	req := request("no stem bucket.mp3")

	_, err := h.orch.Run(context.Background(), req)
	var se *pipeline.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	h.assertFailedAt(t, err, req, models.StageTranscoding)
	if h.mixer.inputs != nil {
		t.Fatal("mixer ran after a stem upload failed")
	}
}

func TestRunMixFailureFailsJob(t *testing.T) {
	toolErr := &tools.ToolError{Stage: tools.StageMix, Tool: "ffmpeg", ExitCode: 1, Err: errors.New("exit status 1")}
	h := newHarness(t, withMixError(toolErr))
	req := request("bad mix.mp3")

	_, err := h.orch.Run(context.Background(), req)
	var te *tools.ToolError
	if !errors.As(err, &te) || te.Stage != tools.StageMix {
		t.Fatalf("expected mix ToolError, got %v", err)
	}
	h.assertFailedAt(t, err, req, models.StageMixing)
}

func TestRunLosingRegistrationLeavesProgress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := request("owned elsewhere.mp3")
	id := identity.ComputeTaskID(req.Filename, req.Content).String()

	// Another run owns the task in the catalog but its claim has lapsed.
	if err := h.tracker.Init(ctx, id); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := h.tracker.Advance(ctx, id, 60, models.StageTranscoding, "busy"); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	racing := &racingCatalog{Catalog: h.catalog}
	orch := h.rebuild(t, racing)

	_, err := orch.Run(ctx, req)
	var dup *pipeline.DuplicateSubmissionError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateSubmissionError, got %v", err)
	}
	rec, err := h.tracker.Read(ctx, id)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if rec.Status != models.ProgressProcessing || rec.Percent != 60 {
		t.Fatalf("progress of the owning run was reset: %+v", rec)
	}
}

func TestRunTwoStemsUsesAccompanimentOnly(t *testing.T) {
	h := newHarness(t, withStems("vocals", "accompaniment"))
	req := request("karaoke.mp3")
	req.Model = "2stems"

	res, err := h.orch.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(h.mixer.inputs) != 1 || h.mixer.inputs[0] != "accompaniment" {
		t.Fatalf("unexpected mix inputs %v", h.mixer.inputs)
	}
	if strings.Join(res.Mixed, ",") != "accompaniment" {
		t.Fatalf("unexpected mixed stems %v", res.Mixed)
	}
}

func TestRunSilentStemsAreLeftOut(t *testing.T) {
	h := newHarness(t, withSilent("piano"))

	res, err := h.orch.Run(context.Background(), request("no keys.mp3"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.Join(res.Mixed, ",") != "drums,bass,other" {
		t.Fatalf("unexpected mixed stems %v", res.Mixed)
	}
	if _, ok := res.Stems["piano"]; !ok {
		t.Fatal("silent stem should still be stored")
	}
}

func TestRunAllInstrumentalStemsSilent(t *testing.T) {
	h := newHarness(t, withStems("vocals", "accompaniment"), withSilent("accompaniment"))
	req := request("a cappella.mp3")
	req.Model = "2stems"

	_, err := h.orch.Run(context.Background(), req)
	var none *pipeline.NoInstrumentalStemsError
	if !errors.As(err, &none) {
		t.Fatalf("expected NoInstrumentalStemsError, got %v", err)
	}
	var jobErr *pipeline.JobError
	if !errors.As(err, &jobErr) || jobErr.Stage != models.StageMixing {
		t.Fatalf("expected mixing stage, got %v", err)
	}
}

func TestRunValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := map[string]pipeline.Request{
		"empty content": {Filename: "a.mp3"},
		"no filename":   {Content: []byte("x")},
		"unknown model": {Filename: "a.mp3", Content: []byte("x"), Model: "7stems"},
	}
	for name, req := range cases {
		_, err := h.orch.Run(ctx, req)
		var ve *pipeline.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("%s: expected ValidationError, got %v", name, err)
		}
	}
	if h.separator.callCount() != 0 {
		t.Fatal("separator ran for invalid input")
	}
}

func TestRunUnplayableUploadFails(t *testing.T) {
	h := newHarness(t, withUnplayable())
	ctx := context.Background()
	req := request("garbage.mp3")
	id := identity.ComputeTaskID(req.Filename, req.Content)

	_, err := h.orch.Run(ctx, req)
	var ve *pipeline.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if h.separator.callCount() != 0 {
		t.Fatal("separator ran for unplayable input")
	}
	rec, _ := h.tracker.Read(ctx, id.String())
	if rec.Status != models.ProgressFailed || !strings.HasPrefix(rec.Error, "separating: ") {
		t.Fatalf("unexpected progress %+v", rec)
	}
}

func TestRunMissingBucketIsStorageError(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := storage.NewLocal(root)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	cat, err := catalog.Open(ctx, catalog.DriverSQLite, filepath.Join(root, "catalog.db"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	defer cat.Close()
	tracker := progress.NewTracker(progress.NewMemory())
	orch, err := pipeline.New(pipeline.Deps{
		Catalog:    cat,
		Tracker:    tracker,
		Gateway:    storage.NewGateway(store, testBuckets, logging.NewNop()),
		Separator:  &fakeSeparator{},
		Transcoder: fakeTranscoder{},
		Mixer:      &fakeMixer{},
		Validator:  fakeValidator{playable: true},
	}, pipeline.WithLogger(logging.NewNop()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := request("nowhere.mp3")
	_, err = orch.Run(ctx, req)
	var se *pipeline.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	rec, _ := tracker.Read(ctx, identity.ComputeTaskID(req.Filename, req.Content).String())
	if rec.Status != models.ProgressFailed || !strings.HasPrefix(rec.Error, "uploading: ") {
		t.Fatalf("unexpected progress %+v", rec)
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := pipeline.New(pipeline.Deps{}); err == nil {
		t.Fatal("expected error for missing dependencies")
	}
}
