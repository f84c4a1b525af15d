// Package pipeline runs one submission through separation and assembly:
//
//	received -> uploading -> separating -> transcoding -> mixing -> publishing -> completed
//
// Any failure after the upload begins moves the task to Failed, which is
// absorbing. Steps within a job are strictly sequential; independent jobs
// may run concurrently on one Orchestrator.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jupark12/karaoke-worker/audio"
	"github.com/jupark12/karaoke-worker/catalog"
	"github.com/jupark12/karaoke-worker/identity"
	"github.com/jupark12/karaoke-worker/logging"
	"github.com/jupark12/karaoke-worker/models"
	"github.com/jupark12/karaoke-worker/progress"
	"github.com/jupark12/karaoke-worker/storage"
	"github.com/jupark12/karaoke-worker/tools"
)

// DefaultClaimTTL bounds how long a crashed run can block its task id.
const DefaultClaimTTL = 2 * time.Hour

const mp3ContentType = "audio/mpeg"

// Separator splits an input file into stems.
type Separator interface {
	Separate(ctx context.Context, inputPath, workDir, model string) (tools.StemPaths, error)
}

// Transcoder converts one WAV stem to MP3.
type Transcoder interface {
	ToMP3(ctx context.Context, wavPath string) (string, error)
}

// Mixer merges MP3 stems into one track.
type Mixer interface {
	Merge(ctx context.Context, inputs []string, output string) error
}

// Validator reports whether a file decodes as audio.
type Validator interface {
	IsPlayable(ctx context.Context, path string) bool
}

// Inspector reads stem metadata.
type Inspector func(path string) (audio.WAVInfo, error)

// Deps are the collaborators an Orchestrator needs. All are required.
type Deps struct {
	Catalog    catalog.Catalog
	Tracker    *progress.Tracker
	Gateway    *storage.Gateway
	Separator  Separator
	Transcoder Transcoder
	Mixer      Mixer
	Validator  Validator
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logging.NewComponentLogger(logger, "pipeline") }
}

// WithWorkRoot sets the parent of per-job working directories.
func WithWorkRoot(dir string) Option {
	return func(o *Orchestrator) { o.workRoot = dir }
}

// WithClaimTTL overrides DefaultClaimTTL.
func WithClaimTTL(ttl time.Duration) Option {
	return func(o *Orchestrator) {
		if ttl > 0 {
			o.claimTTL = ttl
		}
	}
}

// WithInspector replaces audio.InspectWAV.
func WithInspector(fn Inspector) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.inspect = fn
		}
	}
}

// Orchestrator drives jobs through the pipeline.
type Orchestrator struct {
	catalog    catalog.Catalog
	tracker    *progress.Tracker
	gateway    *storage.Gateway
	separator  Separator
	transcoder Transcoder
	mixer      Mixer
	validator  Validator
	inspect    Inspector
	workRoot   string
	claimTTL   time.Duration
	logger     *slog.Logger
	newOwner   func() string
}

// New builds an Orchestrator.
func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Catalog == nil:
		return nil, errors.New("pipeline: catalog is required")
	case deps.Tracker == nil:
		return nil, errors.New("pipeline: progress tracker is required")
	case deps.Gateway == nil:
		return nil, errors.New("pipeline: storage gateway is required")
	case deps.Separator == nil, deps.Transcoder == nil, deps.Mixer == nil, deps.Validator == nil:
		return nil, errors.New("pipeline: separator, transcoder, mixer and validator are required")
	}
	o := &Orchestrator{
		catalog:    deps.Catalog,
		tracker:    deps.Tracker,
		gateway:    deps.Gateway,
		separator:  deps.Separator,
		transcoder: deps.Transcoder,
		mixer:      deps.Mixer,
		validator:  deps.Validator,
		inspect:    audio.InspectWAV,
		claimTTL:   DefaultClaimTTL,
		logger:     logging.NewComponentLogger(nil, "pipeline"),
		newOwner:   func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Request is one submission to process.
type Request struct {
	Filename string
	Title    string
	Model    string
	Source   string
	Content  []byte
}

// Result describes a completed job.
type Result struct {
	TaskID   identity.TaskID
	Model    string
	Tier     models.Tier
	Original storage.Locator
	Stems    map[string]storage.Locator
	Mixed    []string
	Final    storage.Locator
	FinalURL string
	Elapsed  time.Duration
}

// job carries per-run state between steps.
type job struct {
	id         identity.TaskID
	title      string
	tier       models.Tier
	stems      models.StemSet
	content    []byte
	registered bool
	logger     *slog.Logger
	result     *Result
}

// Run processes req to completion. Duplicate and validation errors raised
// before the upload leave no trace; any later failure is recorded as Failed
// and returned as a *JobError.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()
	j, err := o.receive(ctx, req)
	if err != nil {
		return nil, err
	}

	owner := o.newOwner()
	claimed, err := o.tracker.Claim(ctx, j.id.String(), owner, o.claimTTL)
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", j.id, err)
	}
	if !claimed {
		return nil, &DuplicateSubmissionError{TaskID: j.id.String()}
	}
	defer func() {
		if err := o.tracker.Release(context.WithoutCancel(ctx), j.id.String(), owner); err != nil {
			j.logger.Warn("release claim failed", logging.Error(err))
		}
	}()
	// A run that finished between the lookup and the claim is visible now.
	prior, err := o.checkCatalog(ctx, j.id)
	if err != nil {
		return nil, err
	}
	j.keepTier(prior)

	j.logger.Info("job received",
		logging.String("model", j.stems.Model),
		logging.String("tier", string(j.tier)),
		logging.Int("bytes", len(j.content)),
	)

	if err := o.upload(ctx, j); err != nil {
		var dup *DuplicateSubmissionError
		if errors.As(err, &dup) {
			return nil, err
		}
		return nil, o.fail(ctx, j, models.StageUploading, err)
	}

	// Tool execution is not cancelled mid-job.
	runCtx := context.WithoutCancel(ctx)
	workDir, err := o.makeWorkDir()
	if err != nil {
		return nil, o.fail(runCtx, j, models.StageSeparating, err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			j.logger.Warn("remove work dir failed", logging.String("dir", workDir), logging.Error(err))
		}
	}()

	stemFiles, err := o.separate(runCtx, j, workDir)
	if err != nil {
		return nil, o.fail(runCtx, j, models.StageSeparating, err)
	}
	mixInputs, err := o.transcode(runCtx, j, stemFiles)
	if err != nil {
		return nil, o.fail(runCtx, j, models.StageTranscoding, err)
	}
	finalPath, err := o.mix(runCtx, j, workDir, mixInputs)
	if err != nil {
		return nil, o.fail(runCtx, j, models.StageMixing, err)
	}
	if err := o.publish(runCtx, j, finalPath); err != nil {
		return nil, o.fail(runCtx, j, models.StagePublishing, err)
	}

	j.result.Elapsed = time.Since(started)
	j.logger.Info("job completed",
		logging.String("final", j.result.Final.String()),
		logging.Duration("elapsed", j.result.Elapsed),
	)
	return j.result, nil
}

// receive validates the request, computes the task id and checks the catalog.
func (o *Orchestrator) receive(ctx context.Context, req Request) (*job, error) {
	if strings.TrimSpace(req.Filename) == "" {
		return nil, &ValidationError{Reason: "filename is required"}
	}
	if len(req.Content) == 0 {
		return nil, &ValidationError{Reason: "file is empty"}
	}
	stems, err := models.StemSetFor(req.Model)
	if err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}

	id := identity.ComputeTaskID(req.Filename, req.Content)
	prior, err := o.checkCatalog(ctx, id)
	if err != nil {
		return nil, err
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = identity.Title(req.Filename)
	}
	tier := identity.SelectTier(req.Source)
	j := &job{
		id:      id,
		title:   title,
		tier:    tier,
		stems:   stems,
		content: req.Content,
		logger:  o.logger.With(logging.TaskID(id.String())),
		result: &Result{
			TaskID: id,
			Model:  stems.Model,
			Tier:   tier,
			Stems:  make(map[string]storage.Locator),
		},
	}
	j.keepTier(prior)
	return j, nil
}

// checkCatalog rejects ids whose catalog entry is processing or completed.
// It returns the entry of a failed earlier run, or nil when there is none.
func (o *Orchestrator) checkCatalog(ctx context.Context, id identity.TaskID) (*models.CatalogEntry, error) {
	existing, err := o.catalog.Lookup(ctx, id.String())
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("catalog lookup %s: %w", id, err)
	case existing.BlocksResubmission():
		return nil, &DuplicateSubmissionError{TaskID: id.String(), Status: string(existing.Status)}
	}
	return &existing, nil
}

// keepTier pins a retry to the tier its task was created with.
func (j *job) keepTier(prior *models.CatalogEntry) {
	if prior == nil || prior.Tier == "" || prior.Tier == j.tier {
		return
	}
	j.logger.Warn("retry keeps the tier of the earlier run",
		logging.String("requested", string(j.tier)),
		logging.String("tier", string(prior.Tier)),
	)
	j.tier = prior.Tier
	j.result.Tier = prior.Tier
}

func (o *Orchestrator) upload(ctx context.Context, j *job) error {
	loc, err := o.gateway.Put(ctx, j.tier, storage.ClassOriginal, storage.OriginalKey(j.id), j.content, contentTypeFor(j.id.Ext()))
	if err != nil {
		return &StorageError{Op: "upload original", Locator: loc.String(), Err: err}
	}
	j.result.Original = loc

	// Progress is reset only after the catalog row is ours.
	err = o.catalog.RegisterOrUpdate(ctx, models.CatalogEntry{
		TaskID: j.id.String(),
		Title:  j.title,
		Status: models.CatalogProcessing,
		Tier:   j.tier,
	})
	if errors.Is(err, catalog.ErrDuplicate) {
		return &DuplicateSubmissionError{TaskID: j.id.String()}
	}
	if err != nil {
		return fmt.Errorf("register %s: %w", j.id, err)
	}
	j.registered = true
	return o.tracker.Init(ctx, j.id.String())
}

func (o *Orchestrator) separate(ctx context.Context, j *job, workDir string) (tools.StemPaths, error) {
	o.advance(ctx, j, 10, models.StageSeparating, "Validating upload")
	input := filepath.Join(workDir, j.id.String())
	if err := os.WriteFile(input, j.content, 0o644); err != nil {
		return nil, fmt.Errorf("write input: %w", err)
	}
	if !o.validator.IsPlayable(ctx, input) {
		return nil, &ValidationError{TaskID: j.id.String(), Reason: "file is not playable audio"}
	}

	o.advance(ctx, j, 20, models.StageSeparating, "Separating stems with "+j.stems.Model)
	stems, err := o.separator.Separate(ctx, input, filepath.Join(workDir, "separated"), j.stems.Model)
	if err != nil {
		return nil, err
	}
	o.advance(ctx, j, 60, models.StageTranscoding, fmt.Sprintf("Separated %d stems", len(stems)))
	return stems, nil
}

// transcode converts and stores every stem of the model's set and returns
// the MP3 paths of the stems that go into the mix, keyed by stem.
func (o *Orchestrator) transcode(ctx context.Context, j *job, stems tools.StemPaths) (map[string]string, error) {
	mixInputs := make(map[string]string)
	total := len(j.stems.Stems)
	for i, stem := range j.stems.Stems {
		wavPath, ok := stems[stem]
		if !ok {
			if !j.stems.Required(stem) {
				j.logger.Warn("stem missing, continuing without it", logging.String("stem", stem))
				continue
			}
			return nil, &MissingStemError{TaskID: j.id.String(), Model: j.stems.Model, Stem: stem}
		}

		silent := false
		if info, err := o.inspect(wavPath); err != nil {
			j.logger.Warn("stem inspection failed", logging.String("stem", stem), logging.Error(err))
		} else if info.Empty() {
			silent = true
			if stem != models.StemVocals {
				j.logger.Info("stem is silent, leaving it out of the mix",
					logging.String("stem", stem),
					logging.Duration("duration", info.Duration),
				)
			}
		}

		mp3Path, err := o.transcoder.ToMP3(ctx, wavPath)
		if err != nil {
			return nil, err
		}
		loc, err := o.gateway.PutFile(ctx, j.tier, storage.ClassProcessed, storage.StemKey(j.id, stem, "mp3"), mp3Path, mp3ContentType)
		if err != nil {
			return nil, &StorageError{Op: "upload stem " + stem, Locator: loc.String(), Err: err}
		}
		j.result.Stems[stem] = loc
		if stem != models.StemVocals && !silent {
			mixInputs[stem] = mp3Path
		}
		o.advance(ctx, j, 60+(i+1)*25/total, models.StageTranscoding, "Converted "+stem)
	}
	return mixInputs, nil
}

func (o *Orchestrator) mix(ctx context.Context, j *job, workDir string, converted map[string]string) (string, error) {
	inputs := make([]string, 0, len(converted))
	for _, stem := range j.stems.Instrumental() {
		if path, ok := converted[stem]; ok {
			inputs = append(inputs, path)
			j.result.Mixed = append(j.result.Mixed, stem)
		}
	}
	if len(inputs) == 0 {
		return "", &NoInstrumentalStemsError{TaskID: j.id.String(), Model: j.stems.Model}
	}

	o.advance(ctx, j, 88, models.StageMixing, fmt.Sprintf("Mixing %d stems", len(inputs)))
	output := filepath.Join(workDir, j.id.Base()+"_instrumental.mp3")
	if err := o.mixer.Merge(ctx, inputs, output); err != nil {
		return "", err
	}
	return output, nil
}

func (o *Orchestrator) publish(ctx context.Context, j *job, finalPath string) error {
	o.advance(ctx, j, 95, models.StagePublishing, "Publishing instrumental")
	loc, err := o.gateway.PutFile(ctx, j.tier, storage.ClassFinal, storage.FinalKey(j.id, "mp3"), finalPath, mp3ContentType)
	if err != nil {
		return &StorageError{Op: "upload instrumental", Locator: loc.String(), Err: err}
	}
	j.result.Final = loc
	j.result.FinalURL = o.gateway.URL(loc)

	// The final object exists from here on, so later errors are logged
	// rather than failing the job.
	err = o.catalog.RegisterOrUpdate(ctx, models.CatalogEntry{
		TaskID:   j.id.String(),
		Title:    j.title,
		Status:   models.CatalogCompleted,
		FinalURL: j.result.FinalURL,
		Tier:     j.tier,
	})
	if err != nil {
		j.logger.Error("catalog completion failed", logging.Error(err))
	}
	if err := o.tracker.Complete(ctx, j.id.String()); err != nil {
		j.logger.Error("progress completion failed", logging.Error(err))
	}
	return nil
}

// fail records the failure everywhere it is visible and returns the error
// the caller sees.
func (o *Orchestrator) fail(ctx context.Context, j *job, stage models.Stage, cause error) error {
	ctx = context.WithoutCancel(ctx)
	j.logger.Error("job failed", logging.String(logging.FieldStage, string(stage)), logging.Error(cause))
	if err := o.tracker.Fail(ctx, j.id.String(), stage, cause.Error()); err != nil {
		j.logger.Warn("record progress failure", logging.Error(err))
	}
	if j.registered {
		err := o.catalog.RegisterOrUpdate(ctx, models.CatalogEntry{
			TaskID: j.id.String(),
			Title:  j.title,
			Status: models.CatalogFailed,
			Tier:   j.tier,
		})
		if err != nil {
			j.logger.Warn("record catalog failure", logging.Error(err))
		}
	}
	return &JobError{TaskID: j.id.String(), Stage: stage, Err: cause}
}

func (o *Orchestrator) advance(ctx context.Context, j *job, pct int, stage models.Stage, note string) {
	if err := o.tracker.Advance(ctx, j.id.String(), pct, stage, note); err != nil {
		j.logger.Warn("progress update failed", logging.Error(err))
	}
}

func (o *Orchestrator) makeWorkDir() (string, error) {
	if o.workRoot != "" {
		if err := os.MkdirAll(o.workRoot, 0o755); err != nil {
			return "", fmt.Errorf("create work root: %w", err)
		}
	}
	dir, err := os.MkdirTemp(o.workRoot, "job-*")
	if err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	return dir, nil
}

func contentTypeFor(ext string) string {
	switch strings.ToLower(ext) {
	case ".mp3":
		return mp3ContentType
	case ".wav":
		return "audio/wav"
	case ".flac":
		return "audio/flac"
	case ".m4a":
		return "audio/mp4"
	case ".ogg":
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}
