package pipelinemodule

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/mantonx/pixelpipe/internal/config"
	"github.com/mantonx/pixelpipe/internal/database"
	"github.com/mantonx/pixelpipe/internal/mediasource"
	"github.com/mantonx/pixelpipe/internal/modules/cachemodule"
	"github.com/mantonx/pixelpipe/internal/queue"
	"github.com/mantonx/pixelpipe/internal/utils"
)

type consumerFixture struct {
	db      *gorm.DB
	broker  *queue.Broker
	tracker *Tracker
	records *RecordStore
	folders *cachemodule.Manager
	cfg     *config.Config
	job     *database.PipelineJob

	process  *ProcessConsumer
	generate *GenerateConsumer
}

// newConsumerFixture builds a full consumer stack over a scratch database
// with one running job whose post-scan totals are finalized to n files.
func newConsumerFixture(t *testing.T, totalFiles int64) *consumerFixture {
	t.Helper()
	db := setupPipelineDB(t)
	ctx := context.Background()

	cfg := config.DefaultConfig()
	cfg.Cache.Folders = []config.CacheFolderConfig{
		{Path: filepath.Join(t.TempDir(), "cache"), Priority: 1},
	}

	broker := queue.NewBroker(db, cfg.Queue, hclog.NewNullLogger())
	tracker := NewTracker(db, nil, hclog.NewNullLogger())
	records := NewRecordStore(db)

	folders := cachemodule.NewManager(db, hclog.NewNullLogger())
	require.NoError(t, folders.SyncFolders(ctx, cfg.Cache.Folders))

	job, err := tracker.CreateJob(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, tracker.StartJob(ctx, job.ID))
	for _, stage := range []string{database.StageProcess, database.StageThumbnail, database.StageCache} {
		require.NoError(t, tracker.FinalizeTotal(ctx, job.ID, stage, totalFiles))
	}

	return &consumerFixture{
		db:       db,
		broker:   broker,
		tracker:  tracker,
		records:  records,
		folders:  folders,
		cfg:      cfg,
		job:      job,
		process:  NewProcessConsumer(db, broker, tracker, records, cfg, hclog.NewNullLogger()),
		generate: NewGenerateConsumer(db, tracker, records, folders, cfg, hclog.NewNullLogger()),
	}
}

func delivery(t *testing.T, payload interface{}) *queue.Delivery {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return &queue.Delivery{ID: 1, Body: body, Attempts: 1}
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 100, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func writeTestFile(t *testing.T, root, name string, data []byte) mediasource.MediaDescriptor {
	t.Helper()
	path := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))
	desc, err := mediasource.DescribeFile(root, path)
	require.NoError(t, err)
	return desc
}

func TestProcessExtractsDimensionsAndFansOut(t *testing.T) {
	f := newConsumerFixture(t, 1)
	ctx := context.Background()
	root := t.TempDir()

	desc := writeTestFile(t, root, "pic.png", pngBytes(t, 8, 6))
	req := queue.ImageProcessRequest{JobID: f.job.ID, CollectionID: 1, Descriptor: desc}

	require.NoError(t, f.process.Handle(ctx, delivery(t, req)))

	rec, err := f.records.GetImageRecord(ctx, 1, desc.ContainerPath, desc.EntryKey)
	require.NoError(t, err)
	assert.Equal(t, 8, rec.Width)
	assert.Equal(t, 6, rec.Height)
	assert.Equal(t, "png", rec.Format)
	assert.False(t, rec.Failed)

	stage := stageByName(t, f.tracker, f.job.ID, database.StageProcess)
	assert.Equal(t, int64(1), stage.Completed)
	assert.Equal(t, database.StageCompleted, stage.Status)

	thumbDepth, err := f.broker.Depth(queue.QueueThumbnail)
	require.NoError(t, err)
	cacheDepth, err := f.broker.Depth(queue.QueueCache)
	require.NoError(t, err)
	assert.Equal(t, int64(1), thumbDepth)
	assert.Equal(t, int64(1), cacheDepth)
}

func TestProcessTruncatedFileConvergesAllStages(t *testing.T) {
	f := newConsumerFixture(t, 1)
	ctx := context.Background()
	root := t.TempDir()

	// A JPEG header with nothing behind it: undecodable, but a real file.
	desc := writeTestFile(t, root, "broken.jpg", []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00})
	req := queue.ImageProcessRequest{JobID: f.job.ID, CollectionID: 1, Descriptor: desc}

	// The handler acknowledges: a corrupt file must not redeliver forever.
	require.NoError(t, f.process.Handle(ctx, delivery(t, req)))

	rec, err := f.records.GetImageRecord(ctx, 1, desc.ContainerPath, desc.EntryKey)
	require.NoError(t, err)
	assert.True(t, rec.Failed)
	assert.Equal(t, ErrTypeCorruptMedia, rec.ErrorType)
	assert.NotEmpty(t, rec.Reason)

	// Dummy artifacts stand in downstream, so every stage still converges.
	thumb, err := f.records.GetThumbnailRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, thumb.Failed)
	cache, err := f.records.GetCacheRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, cache.Failed)

	job, stages, err := f.tracker.GetJob(ctx, f.job.ID)
	require.NoError(t, err)
	for _, s := range stages {
		if s.Name == database.StageScan {
			continue
		}
		assert.Equal(t, int64(1), s.Failed, s.Name)
		assert.Equal(t, database.StageCompleted, s.Status, s.Name)
	}
	assert.Equal(t, database.JobRunning, job.Status, "scan stage still open")
}

func TestProcessRedeliveryIsIdempotent(t *testing.T) {
	f := newConsumerFixture(t, 1)
	ctx := context.Background()
	root := t.TempDir()

	desc := writeTestFile(t, root, "pic.png", pngBytes(t, 4, 4))
	req := queue.ImageProcessRequest{JobID: f.job.ID, CollectionID: 1, Descriptor: desc}

	require.NoError(t, f.process.Handle(ctx, delivery(t, req)))
	require.NoError(t, f.process.Handle(ctx, delivery(t, req)))

	var count int64
	f.db.Model(&database.ImageRecord{}).Count(&count)
	assert.Equal(t, int64(1), count, "one record per file regardless of deliveries")

	stage := stageByName(t, f.tracker, f.job.ID, database.StageProcess)
	assert.Equal(t, int64(1), stage.Completed, "counter moves once per file")
}

func TestProcessOversizedFileIsSkipped(t *testing.T) {
	f := newConsumerFixture(t, 1)
	f.cfg.Pipeline.MaxFileBytes = 16
	ctx := context.Background()
	root := t.TempDir()

	desc := writeTestFile(t, root, "huge.png", pngBytes(t, 32, 32))
	req := queue.ImageProcessRequest{JobID: f.job.ID, CollectionID: 1, Descriptor: desc}

	require.NoError(t, f.process.Handle(ctx, delivery(t, req)))

	rec, err := f.records.GetImageRecord(ctx, 1, desc.ContainerPath, desc.EntryKey)
	require.NoError(t, err)
	assert.True(t, rec.Failed)
	assert.Equal(t, ErrTypeCapacityExceeded, rec.ErrorType)
}

func TestThumbnailDirectAccessReferencesOriginal(t *testing.T) {
	f := newConsumerFixture(t, 1)
	ctx := context.Background()
	root := t.TempDir()

	desc := writeTestFile(t, root, "pic.png", pngBytes(t, 4, 4))
	imageID := utils.GenerateUUID()
	req := queue.ThumbnailRequest{
		JobID: f.job.ID, CollectionID: 1, ImageID: imageID,
		Descriptor: desc, Width: 300, Height: 300, DirectAccess: true,
	}

	require.NoError(t, f.generate.HandleThumbnail(ctx, delivery(t, req)))

	rec, err := f.records.GetThumbnailRecord(ctx, imageID)
	require.NoError(t, err)
	assert.True(t, rec.DirectRef)
	assert.Equal(t, desc.FilePath(), rec.Path)
	assert.False(t, rec.Failed)

	stage := stageByName(t, f.tracker, f.job.ID, database.StageThumbnail)
	assert.Equal(t, int64(1), stage.Completed)

	// Direct references consume no cache capacity.
	folders, err := f.folders.ActiveFolders(ctx)
	require.NoError(t, err)
	assert.Zero(t, folders[0].FileCount)
}

func TestThumbnailArchiveEntryAlwaysRenders(t *testing.T) {
	f := newConsumerFixture(t, 1)
	ctx := context.Background()
	dir := t.TempDir()

	archive := filepath.Join(dir, "album.zip")
	af, err := os.Create(archive)
	require.NoError(t, err)
	zw := zip.NewWriter(af)
	w, err := zw.Create("scans/pic.png")
	require.NoError(t, err)
	_, err = w.Write(pngBytes(t, 40, 30))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, af.Close())

	zr, err := zip.OpenReader(archive)
	require.NoError(t, err)
	desc := mediasource.DescribeArchiveEntry(archive, zr.File[0])
	require.NoError(t, zr.Close())

	imageID := utils.GenerateUUID()
	// Direct access cannot apply to an archive entry: there is no standalone
	// file to point at.
	req := queue.ThumbnailRequest{
		JobID: f.job.ID, CollectionID: 1, ImageID: imageID,
		Descriptor: desc, Width: 16, Height: 16, DirectAccess: true,
	}
	require.NoError(t, f.generate.HandleThumbnail(ctx, delivery(t, req)))

	rec, err := f.records.GetThumbnailRecord(ctx, imageID)
	require.NoError(t, err)
	assert.False(t, rec.DirectRef)
	assert.False(t, rec.Failed)
	assert.FileExists(t, rec.Path)
	assert.LessOrEqual(t, rec.Width, 16)
	assert.LessOrEqual(t, rec.Height, 16)

	folders, err := f.folders.ActiveFolders(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), folders[0].FileCount)
	assert.Equal(t, rec.SizeBytes, folders[0].UsedBytes)
}

func TestThumbnailCorruptSourceWritesDummy(t *testing.T) {
	f := newConsumerFixture(t, 1)
	ctx := context.Background()
	root := t.TempDir()

	desc := writeTestFile(t, root, "bad.png", []byte("not a png at all"))
	imageID := utils.GenerateUUID()
	req := queue.ThumbnailRequest{
		JobID: f.job.ID, CollectionID: 1, ImageID: imageID,
		Descriptor: desc, Width: 300, Height: 300,
	}

	require.NoError(t, f.generate.HandleThumbnail(ctx, delivery(t, req)))

	rec, err := f.records.GetThumbnailRecord(ctx, imageID)
	require.NoError(t, err)
	assert.True(t, rec.Failed)
	assert.Equal(t, ErrTypeCorruptMedia, rec.ErrorType)

	stage := stageByName(t, f.tracker, f.job.ID, database.StageThumbnail)
	assert.Equal(t, int64(1), stage.Failed)
}

func TestGenerateSkipsExistingRecord(t *testing.T) {
	f := newConsumerFixture(t, 1)
	ctx := context.Background()
	root := t.TempDir()

	desc := writeTestFile(t, root, "pic.png", pngBytes(t, 4, 4))
	imageID := utils.GenerateUUID()
	req := queue.ThumbnailRequest{
		JobID: f.job.ID, CollectionID: 1, ImageID: imageID,
		Descriptor: desc, Width: 300, Height: 300, DirectAccess: true,
	}

	require.NoError(t, f.generate.HandleThumbnail(ctx, delivery(t, req)))
	require.NoError(t, f.generate.HandleThumbnail(ctx, delivery(t, req)))

	stage := stageByName(t, f.tracker, f.job.ID, database.StageThumbnail)
	assert.Equal(t, int64(1), stage.Completed, "redelivery moves no counters")

	var count int64
	f.db.Model(&database.ThumbnailRecord{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestLostInsertRaceKeepsWinningArtifact(t *testing.T) {
	f := newConsumerFixture(t, 1)
	ctx := context.Background()

	imageID := utils.GenerateUUID()
	dir := t.TempDir()
	artifact := filepath.Join(dir, imageID+"_thumb.webp")
	require.NoError(t, os.WriteFile(artifact, []byte("rendered"), 0644))

	winner := &database.ThumbnailRecord{
		ImageID: imageID, CollectionID: 1, Path: artifact, SizeBytes: 8,
	}
	created, err := f.records.EnsureThumbnailRecord(ctx, winner)
	require.NoError(t, err)
	require.True(t, created)

	// A concurrent delivery rendered to the same deterministic path and lost
	// the record insert. Its cleanup must not touch the winner's file.
	req := queue.ThumbnailRequest{JobID: f.job.ID, CollectionID: 1, ImageID: imageID}
	loser := &database.ThumbnailRecord{ImageID: imageID, CollectionID: 1, Path: artifact, SizeBytes: 8}
	require.NoError(t, f.generate.finishThumbnail(ctx, &req, loser, nil, 0))

	assert.FileExists(t, artifact, "the winning record's artifact survives the race")

	// A loser whose render landed somewhere else is still cleaned up.
	stray := filepath.Join(dir, imageID+"_thumb_stray.webp")
	require.NoError(t, os.WriteFile(stray, []byte("rendered"), 0644))
	loser = &database.ThumbnailRecord{ImageID: imageID, CollectionID: 1, Path: stray, SizeBytes: 8}
	require.NoError(t, f.generate.finishThumbnail(ctx, &req, loser, nil, 0))
	assert.NoFileExists(t, stray)
	assert.FileExists(t, artifact)
}

func TestThumbnailRegeneratedWhenArtifactFileLost(t *testing.T) {
	f := newConsumerFixture(t, 1)
	ctx := context.Background()
	root := t.TempDir()

	desc := writeTestFile(t, root, "pic.png", pngBytes(t, 16, 12))
	imageID := utils.GenerateUUID()
	req := queue.ThumbnailRequest{
		JobID: f.job.ID, CollectionID: 1, ImageID: imageID,
		Descriptor: desc, Width: 8, Height: 8,
	}

	require.NoError(t, f.generate.HandleThumbnail(ctx, delivery(t, req)))
	rec, err := f.records.GetThumbnailRecord(ctx, imageID)
	require.NoError(t, err)
	require.FileExists(t, rec.Path)

	// The artifact file is lost out of band; the record alone must not make
	// a redelivery skip.
	require.NoError(t, os.Remove(rec.Path))
	require.NoError(t, f.generate.HandleThumbnail(ctx, delivery(t, req)))

	assert.FileExists(t, rec.Path, "redelivery restores the missing artifact")

	var count int64
	f.db.Model(&database.ThumbnailRecord{}).Count(&count)
	assert.Equal(t, int64(1), count)
	stage := stageByName(t, f.tracker, f.job.ID, database.StageThumbnail)
	assert.Equal(t, int64(1), stage.Completed, "regeneration moves no counters")
}

func TestPreserveOriginalsServesCacheDirectly(t *testing.T) {
	f := newConsumerFixture(t, 1)
	f.cfg.Pipeline.PreserveOriginals = true
	ctx := context.Background()
	root := t.TempDir()

	desc := writeTestFile(t, root, "pic.png", pngBytes(t, 12, 12))
	req := queue.ImageProcessRequest{JobID: f.job.ID, CollectionID: 1, Descriptor: desc}
	require.NoError(t, f.process.Handle(ctx, delivery(t, req)))

	var msg database.QueueMessage
	require.NoError(t, f.db.Where("queue = ?", queue.QueueCache).First(&msg).Error)
	var creq queue.CacheRequest
	require.NoError(t, json.Unmarshal([]byte(msg.Body), &creq))
	assert.True(t, creq.PreserveOriginal)

	require.NoError(t, f.generate.HandleCache(ctx, delivery(t, creq)))

	rec, err := f.records.GetCacheRecord(ctx, creq.ImageID)
	require.NoError(t, err)
	assert.True(t, rec.DirectRef)
	assert.Equal(t, desc.FilePath(), rec.Path)
}

func TestVideoFileGetsDirectReferenceArtifacts(t *testing.T) {
	f := newConsumerFixture(t, 1)
	ctx := context.Background()
	root := t.TempDir()

	desc := writeTestFile(t, root, "clip.mp4", []byte("ftypisom"))
	imageID := utils.GenerateUUID()

	// No direct access configured: a regular video file is still referenced
	// in place rather than counted as a failure.
	thumbReq := queue.ThumbnailRequest{
		JobID: f.job.ID, CollectionID: 1, ImageID: imageID,
		Descriptor: desc, Width: 300, Height: 300,
	}
	require.NoError(t, f.generate.HandleThumbnail(ctx, delivery(t, thumbReq)))

	thumb, err := f.records.GetThumbnailRecord(ctx, imageID)
	require.NoError(t, err)
	assert.True(t, thumb.DirectRef)
	assert.False(t, thumb.Failed)
	assert.Equal(t, desc.FilePath(), thumb.Path)

	cacheReq := queue.CacheRequest{
		JobID: f.job.ID, CollectionID: 1, ImageID: imageID,
		Descriptor: desc, Width: 1600, Height: 1200, Quality: 90, Format: "webp",
	}
	require.NoError(t, f.generate.HandleCache(ctx, delivery(t, cacheReq)))

	cache, err := f.records.GetCacheRecord(ctx, imageID)
	require.NoError(t, err)
	assert.True(t, cache.DirectRef)
	assert.False(t, cache.Failed)

	for _, stage := range []string{database.StageThumbnail, database.StageCache} {
		s := stageByName(t, f.tracker, f.job.ID, stage)
		assert.Equal(t, int64(1), s.Completed, stage)
		assert.Zero(t, s.Failed, stage)
	}
}

func TestCacheRenditionRecordsFormatAndUsage(t *testing.T) {
	f := newConsumerFixture(t, 1)
	ctx := context.Background()
	root := t.TempDir()

	desc := writeTestFile(t, root, "pic.png", pngBytes(t, 64, 48))
	imageID := utils.GenerateUUID()
	req := queue.CacheRequest{
		JobID: f.job.ID, CollectionID: 1, ImageID: imageID,
		Descriptor: desc, Width: 32, Height: 32, Quality: 85, Format: "jpeg",
	}

	require.NoError(t, f.generate.HandleCache(ctx, delivery(t, req)))

	rec, err := f.records.GetCacheRecord(ctx, imageID)
	require.NoError(t, err)
	assert.False(t, rec.Failed)
	assert.Equal(t, "jpeg", rec.Format)
	assert.Equal(t, 85, rec.Quality)
	assert.FileExists(t, rec.Path)
	assert.Greater(t, rec.SizeBytes, int64(0))

	stage := stageByName(t, f.tracker, f.job.ID, database.StageCache)
	assert.Equal(t, int64(1), stage.Completed)
	assert.Equal(t, database.StageCompleted, stage.Status)
}
