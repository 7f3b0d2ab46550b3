// Package upload implements an adaptive, resumable, parallel chunked-upload
// engine. Large files are cut into chunks sized from a live throughput
// estimate, pushed through a ranked set of storage nodes in bounded parallel
// waves, verified against the remote's authoritative chunk bookkeeping, and
// finalized into a single stored object. Interrupted transfers persist their
// state and resume by uploading exactly the missing chunks.
package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/driveport-io/go-uploadkit/upload/chunkuploader"
	"github.com/driveport-io/go-uploadkit/upload/hooks"
	"github.com/driveport-io/go-uploadkit/upload/network"
	"github.com/driveport-io/go-uploadkit/upload/router"
	"github.com/driveport-io/go-uploadkit/upload/sessionstore"
	"github.com/driveport-io/go-uploadkit/upload/speed"
)

// UploadInput describes one file to upload.
type UploadInput struct {
	// Path is the source file. In UploadMany it may contain doublestar
	// patterns such as `**/*.mp4`.
	Path string

	// FileName overrides the name recorded in the catalog.
	// Defaults to the base of Path.
	FileName string

	// MimeType overrides content-type detection.
	MimeType string

	// DestinationFolderID is the catalog folder. Empty means root.
	DestinationFolderID string

	// ResumeUploadID continues a previously interrupted session.
	ResumeUploadID string

	OnProgress ProgressFunc
}

// Uploader moves files into remote storage.
type Uploader interface {
	Upload(ctx context.Context, input UploadInput) (*FileRecord, error)
	UploadMany(ctx context.Context, inputs []UploadInput, onProgress func(index int, progress Progress)) ([]*FileRecord, error)
	ResumableSessions(ctx context.Context) ([]*sessionstore.Session, error)
	Abandon(ctx context.Context, uploadID string) error
}

type uploader struct {
	config       Config
	router       *router.Router
	store        sessionstore.Store
	catalog      CatalogClient
	dispatcher   *hooks.Dispatcher
	speedCache   *speed.Cache
	logger       log.Logger
	pathChecker  pathutil.PathChecker
	pathModifier pathutil.PathModifier
}

// NewUploader creates the upload engine. Expired sessions are garbage
// collected opportunistically here and at the start of every upload.
func NewUploader(
	config Config,
	storageRouter *router.Router,
	store sessionstore.Store,
	catalog CatalogClient,
	dispatcher *hooks.Dispatcher,
	logger log.Logger,
	pathChecker pathutil.PathChecker,
	pathModifier pathutil.PathModifier,
) *uploader {
	u := &uploader{
		config:       config,
		router:       storageRouter,
		store:        store,
		catalog:      catalog,
		dispatcher:   dispatcher,
		speedCache:   speed.NewCache(config.ProfileTTL),
		logger:       logger,
		pathChecker:  pathChecker,
		pathModifier: pathModifier,
	}
	u.pruneExpired(context.Background())
	return u
}

// Upload moves one file into remote storage and returns its catalog record.
//
// Files at or below the chunk threshold go up in a single direct request.
// Larger files are chunked, uploaded in adaptive parallel waves, verified
// against the remote and finalized. Cancelling ctx pauses the transfer: the
// session stays in the store and a later call with ResumeUploadID continues
// where it stopped.
func (u *uploader) Upload(ctx context.Context, input UploadInput) (*FileRecord, error) {
	start := time.Now()
	u.emit(input, newProgress(StatusPreparing, 0, 0, 0, nil))

	absPath, err := u.pathModifier.AbsPath(input.Path)
	if err != nil {
		return nil, u.fail(input, 0, 0, fmt.Errorf("resolve path %s: %w", input.Path, err))
	}
	exists, err := u.pathChecker.IsPathExists(absPath)
	if err != nil {
		return nil, u.fail(input, 0, 0, fmt.Errorf("check path %s: %w", absPath, err))
	}
	if !exists {
		return nil, u.fail(input, 0, 0, fmt.Errorf("source file does not exist: %s", absPath))
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, u.fail(input, 0, 0, fmt.Errorf("stat %s: %w", absPath, err))
	}
	if info.IsDir() {
		return nil, u.fail(input, 0, 0, fmt.Errorf("source is a directory: %s", absPath))
	}

	size := info.Size()
	fileName := input.FileName
	if fileName == "" {
		fileName = filepath.Base(absPath)
	}
	mimeType := resolveMimeType(input.MimeType, fileName)

	u.pruneExpired(ctx)

	node, err := u.router.SelectNode(size)
	if err != nil {
		return nil, u.fail(input, 0, size, &CapacityError{Required: size})
	}
	u.logger.Infof("Uploading %s (%s) to node %s", fileName, units.HumanSizeWithPrecision(float64(size), 3), node.ID)

	if size == 0 || (size <= u.config.ChunkThreshold && input.ResumeUploadID == "") {
		return u.uploadDirect(ctx, input, node, absPath, fileName, mimeType, size, start)
	}
	return u.uploadChunked(ctx, input, node, absPath, fileName, mimeType, size, start)
}

// ResumableSessions lists the persisted sessions that can be resumed.
func (u *uploader) ResumableSessions(ctx context.Context) ([]*sessionstore.Session, error) {
	return u.store.ListAll(ctx)
}

// Abandon drops a persisted session and tells the remote to discard the
// partial upload. The remote abort is advisory; its failure only logs.
func (u *uploader) Abandon(ctx context.Context, uploadID string) error {
	session, err := u.store.Load(ctx, uploadID)
	if err != nil {
		if errors.Is(err, sessionstore.ErrNotFound) || errors.Is(err, sessionstore.ErrCorrupt) {
			return nil
		}
		return fmt.Errorf("load session %s: %w", uploadID, err)
	}

	if node, ok := u.router.Node(session.NodeID); ok {
		if err := node.Transport.Abort(ctx, statusRequest(session)); err != nil {
			u.logger.Warnf("Advisory abort for %s failed: %s", uploadID, err)
		}
	}

	return u.store.Remove(ctx, uploadID)
}

func (u *uploader) uploadDirect(ctx context.Context, input UploadInput, node *router.Node, absPath, fileName, mimeType string, size int64, start time.Time) (*FileRecord, error) {
	u.logger.Debugf("Direct upload path chosen for %s", fileName)

	file, err := os.Open(absPath)
	if err != nil {
		return nil, u.fail(input, 0, size, fmt.Errorf("open %s: %w", absPath, err))
	}
	defer func() {
		if err := file.Close(); err != nil {
			u.logger.Printf("Failed to close file: %s", err)
		}
	}()

	storageFileName := mintStorageFileName(fileName)
	result, err := node.Transport.UploadDirect(ctx, network.DirectRequest{
		FileName:        fileName,
		StorageFileName: storageFileName,
		MimeType:        mimeType,
		Body:            file,
		Size:            size,
		Progress: func(loaded int64) {
			var bytesPerSec float64
			if elapsed := time.Since(start).Seconds(); elapsed > 0 {
				bytesPerSec = float64(loaded) / elapsed
			}
			u.emit(input, newProgress(StatusUploading, loaded, size, bytesPerSec, nil))
		},
	})
	if err != nil {
		return nil, u.fail(input, 0, size, classifyTransportError("direct upload", err))
	}
	if result.StorageFileName != "" {
		storageFileName = result.StorageFileName
	}

	return u.complete(ctx, input, completion{
		node:            node,
		fileName:        fileName,
		storageFileName: storageFileName,
		mimeType:        mimeType,
		folderID:        input.DestinationFolderID,
		size:            size,
		path:            result.Path,
		start:           start,
	})
}

func (u *uploader) uploadChunked(ctx context.Context, input UploadInput, node *router.Node, absPath, fileName, mimeType string, size int64, start time.Time) (*FileRecord, error) {
	profiler := speed.NewProfiler(u.config.Speed, u.speedCache, profileScope(u.config.Speed.NetworkClass))

	session, node, err := u.initSession(ctx, input, node, profiler, absPath, fileName, mimeType, size)
	if err != nil {
		return nil, u.fail(input, 0, size, err)
	}

	source, err := chunkuploader.OpenFileSource(absPath)
	if err != nil {
		return nil, u.fail(input, 0, size, fmt.Errorf("open source: %w", err))
	}
	defer func() {
		if err := source.Close(); err != nil {
			u.logger.Printf("Failed to close source: %s", err)
		}
	}()

	pool := chunkuploader.New(node.Transport, u.config.Pool, u.logger)
	onAck := func(ack chunkuploader.Ack) {
		profiler.Record(ack.Size, ack.Took)
		u.saveSession(ctx, session)
		u.emitChunkProgress(input, session, profiler)
	}

	u.logger.Infof("Uploading in %d chunks of %s", session.TotalChunks, units.HumanSizeWithPrecision(float64(session.ChunkSize), 3))

	// Waves over the locally unacknowledged set. A wave that makes no
	// progress stops the loop; verification owns the bounded retries.
	for {
		remaining := session.UnacknowledgedChunks()
		if len(remaining) == 0 {
			break
		}
		profile := profiler.Estimate()
		u.logger.Debugf("Dispatching %d chunks with parallelism %d", len(remaining), profile.Parallelism)
		result, err := pool.UploadWave(ctx, session, source, remaining, profile.Parallelism, onAck)
		if err != nil {
			u.saveSession(context.Background(), session)
			return nil, u.fail(input, session.AcknowledgedBytes(), size, classifyTransportError("chunk upload", err))
		}
		if !result.Progress() {
			u.logger.Warnf("Upload wave made no progress, checking remote state")
			break
		}
	}

	if err := u.verify(ctx, session, source, pool, profiler, node, onAck); err != nil {
		u.saveSession(context.Background(), session)
		return nil, u.fail(input, session.AcknowledgedBytes(), size, err)
	}

	u.emit(input, newProgress(StatusProcessing, size, size, 0, sortedIndices(session.AcknowledgedChunks)))
	storedPath, err := u.finalizeSession(ctx, session, source, pool, profiler, node, onAck)
	if err != nil {
		u.saveSession(context.Background(), session)
		return nil, u.fail(input, session.AcknowledgedBytes(), size, err)
	}

	folderID := input.DestinationFolderID
	if folderID == "" {
		folderID = session.DestinationFolderID
	}

	return u.complete(ctx, input, completion{
		node:            node,
		session:         session,
		fileName:        session.FileName,
		storageFileName: session.StorageFileName,
		mimeType:        session.MimeType,
		folderID:        folderID,
		size:            size,
		path:            storedPath,
		chunkIndices:    sortedIndices(session.AcknowledgedChunks),
		start:           start,
	})
}

// initSession loads or creates the session for a chunked upload. Resume
// prefers the session's original node when it is still online; otherwise the
// transfer restarts on the freshly selected one.
func (u *uploader) initSession(ctx context.Context, input UploadInput, node *router.Node, profiler *speed.Profiler, absPath, fileName, mimeType string, size int64) (*sessionstore.Session, *router.Node, error) {
	fingerprint, err := fingerprintOfFile(absPath)
	if err != nil {
		return nil, nil, fmt.Errorf("fingerprint source: %w", err)
	}

	if input.ResumeUploadID != "" {
		session, resumeNode, err := u.loadResumable(ctx, input.ResumeUploadID, fingerprint, size, node)
		if err != nil {
			return nil, nil, err
		}
		if session != nil {
			session.SourcePath = absPath
			u.saveSession(ctx, session)
			acked := session.TotalChunks - len(session.UnacknowledgedChunks())
			u.logger.Infof("Resuming upload %s: %d of %d chunks already acknowledged", session.UploadID, acked, session.TotalChunks)
			return session, resumeNode, nil
		}
	}

	profile := profiler.Estimate()
	chunkSize := profile.ChunkSize
	totalChunks := int((size + chunkSize - 1) / chunkSize)
	if totalChunks < 1 {
		totalChunks = 1
	}

	session := &sessionstore.Session{
		UploadID:            uuid.NewString(),
		FileName:            fileName,
		SourcePath:          absPath,
		SourceFingerprint:   fingerprint,
		TotalSize:           size,
		MimeType:            mimeType,
		DestinationFolderID: input.DestinationFolderID,
		ChunkSize:           chunkSize,
		TotalChunks:         totalChunks,
		NodeID:              node.ID,
		CreatedAt:           time.Now(),
	}
	u.saveSession(ctx, session)
	u.logger.Debugf("Created upload session %s", session.UploadID)
	return session, node, nil
}

// loadResumable returns a nil session when resume is impossible and the
// upload should start fresh.
func (u *uploader) loadResumable(ctx context.Context, uploadID, fingerprint string, size int64, selected *router.Node) (*sessionstore.Session, *router.Node, error) {
	session, err := u.store.Load(ctx, uploadID)
	if err != nil {
		stateErr := &LocalStateError{UploadID: uploadID, Err: err}
		u.logger.Warnf("%s, starting fresh", stateErr)
		return nil, nil, nil
	}

	if session.SourceFingerprint != fingerprint || session.TotalSize != size {
		stateErr := &LocalStateError{UploadID: uploadID, Err: errors.New("source file changed since the session was created")}
		u.logger.Warnf("%s, starting fresh", stateErr)
		u.removeSession(ctx, uploadID)
		return nil, nil, nil
	}

	node := selected
	if session.NodeID != selected.ID {
		if original, ok := u.router.Node(session.NodeID); ok && original.Status == router.StatusOnline {
			node = original
		} else {
			u.logger.Warnf("Node %s of session %s is not available, restarting the transfer on %s", session.NodeID, uploadID, selected.ID)
			session.StorageFileName = ""
			session.SetAcknowledged(nil)
			session.NodeID = selected.ID
		}
	}

	// The remote set is authoritative; local acks are only a scheduling
	// hint and may miss chunks whose response was lost.
	remote, err := node.Transport.UploadedChunks(ctx, statusRequest(session))
	if err != nil {
		if errors.Is(err, network.ErrUnauthorized) {
			return nil, nil, &AuthError{Err: err}
		}
		if isCancellation(err) {
			return nil, nil, err
		}
		u.logger.Warnf("Could not fetch remote chunk state for %s, trusting local state: %s", uploadID, err)
	} else {
		session.SetAcknowledged(remote)
	}

	return session, node, nil
}

// verify reconciles the local acknowledged set with the remote's
// authoritative one and re-dispatches what the remote is missing, within a
// bounded number of rounds.
func (u *uploader) verify(ctx context.Context, session *sessionstore.Session, source chunkuploader.Source, pool *chunkuploader.Pool, profiler *speed.Profiler, node *router.Node, onAck func(chunkuploader.Ack)) error {
	rounds := u.config.VerifyRounds
	if rounds < 1 {
		rounds = 1
	}

	return retry.Times(rounds - 1).Wait(u.config.VerifyWait).TryWithAbort(func(attempt uint) (error, bool) {
		if err := ctx.Err(); err != nil {
			return err, true
		}
		if attempt > 0 {
			u.logger.Warnf("Verification round %d/%d for %s", attempt+1, rounds, session.UploadID)
		}

		remote, err := node.Transport.UploadedChunks(ctx, statusRequest(session))
		if err != nil {
			if errors.Is(err, network.ErrUnauthorized) {
				return &AuthError{Err: err}, true
			}
			if isCancellation(err) {
				return err, true
			}
			return &TransientNetworkError{Op: "verify remote chunk state", Err: err}, false
		}

		session.SetAcknowledged(remote)
		u.saveSession(ctx, session)

		missing := session.UnacknowledgedChunks()
		if len(missing) == 0 {
			return nil, false
		}

		u.logger.Warnf("Remote is missing %d of %d chunks, re-dispatching", len(missing), session.TotalChunks)
		profile := profiler.Estimate()
		if _, err := pool.UploadWave(ctx, session, source, missing, profile.Parallelism, onAck); err != nil {
			return classifyTransportError("chunk re-upload", err), true
		}
		if !session.Complete() {
			return &TransientNetworkError{Op: "verification", Err: fmt.Errorf("%d chunks still unacknowledged", len(session.UnacknowledgedChunks()))}, false
		}
		return nil, false
	})
}

// finalizeSession asks the remote to assemble the chunks. Finalize errors
// naming failed or missing chunks trigger a targeted re-upload of exactly
// those indices before the next attempt.
func (u *uploader) finalizeSession(ctx context.Context, session *sessionstore.Session, source chunkuploader.Source, pool *chunkuploader.Pool, profiler *speed.Profiler, node *router.Node, onAck func(chunkuploader.Ack)) (string, error) {
	attempts := u.config.FinalizeAttempts
	if attempts < 1 {
		attempts = 1
	}

	var storedPath string
	err := retry.Times(attempts - 1).Wait(u.config.FinalizeWait).TryWithAbort(func(attempt uint) (error, bool) {
		if err := ctx.Err(); err != nil {
			return err, true
		}
		if attempt > 0 {
			u.logger.Warnf("Finalize attempt %d/%d for %s", attempt+1, attempts, session.UploadID)
		}

		result, err := node.Transport.Finalize(ctx, network.FinalizeRequest{
			UploadID:        session.UploadID,
			FileName:        session.FileName,
			StorageFileName: session.StorageFileName,
			TotalChunks:     session.TotalChunks,
			MimeType:        session.MimeType,
		})
		if err == nil {
			storedPath = result.Path
			return nil, false
		}
		if errors.Is(err, network.ErrUnauthorized) {
			return &AuthError{Err: err}, true
		}
		if isCancellation(err) {
			return err, true
		}

		var finalizeErr *network.FinalizeError
		if !errors.As(err, &finalizeErr) {
			return &TransientNetworkError{Op: "finalize upload", Err: err}, false
		}

		integrity := &IntegrityError{
			UploadID:      session.UploadID,
			Message:       finalizeErr.Message,
			FailedChunks:  finalizeErr.FailedChunks,
			MissingChunks: finalizeErr.MissingChunks,
		}
		if !finalizeErr.Repairable() {
			return integrity, true
		}

		if attempt+1 < attempts {
			repair := finalizeErr.RepairIndices()
			u.logger.Warnf("Finalize reports %d broken chunks for %s, re-uploading them", len(repair), session.UploadID)
			profile := profiler.Estimate()
			if _, err := pool.UploadWave(ctx, session, source, repair, profile.Parallelism, onAck); err != nil {
				return classifyTransportError("chunk repair", err), true
			}
		}
		return integrity, false
	})
	return storedPath, err
}

type completion struct {
	node            *router.Node
	session         *sessionstore.Session
	fileName        string
	storageFileName string
	mimeType        string
	folderID        string
	size            int64
	path            string
	chunkIndices    []int
	start           time.Time
}

// complete records the file in the catalog, charges node usage, drops the
// session and fires the post-upload hooks, in that order.
func (u *uploader) complete(ctx context.Context, input UploadInput, c completion) (*FileRecord, error) {
	uploadID := ""
	if c.session != nil {
		uploadID = c.session.UploadID
	}

	record, err := u.catalog.CreateFileRecord(ctx, FileRecordInput{
		UserID:          u.config.UserID,
		FolderID:        c.folderID,
		Name:            c.fileName,
		MimeType:        c.mimeType,
		SizeBytes:       c.size,
		StoragePath:     c.path,
		StorageFileName: c.storageFileName,
		NodeID:          c.node.ID,
	})
	if err != nil {
		return nil, u.fail(input, c.size, c.size, classifyTransportError("create file record", err))
	}

	u.router.RecordUsage(c.node.ID, c.size)

	if c.session != nil {
		u.removeSession(ctx, c.session.UploadID)
	}

	took := time.Since(c.start)
	var bytesPerSec float64
	if seconds := took.Seconds(); seconds > 0 {
		bytesPerSec = float64(c.size) / seconds
	}
	u.emit(input, newProgress(StatusComplete, c.size, c.size, bytesPerSec, c.chunkIndices))
	u.logger.Donef("Uploaded %s (%s) in %s", c.fileName, units.HumanSizeWithPrecision(float64(c.size), 3), took.Round(time.Second))

	u.dispatcher.Dispatch(context.Background(), hooks.Event{
		UploadID:        uploadID,
		UserID:          u.config.UserID,
		FileName:        c.fileName,
		StorageFileName: c.storageFileName,
		Path:            c.path,
		MimeType:        c.mimeType,
		Size:            c.size,
		FolderID:        c.folderID,
		NodeID:          c.node.ID,
		Took:            took,
	})

	return record, nil
}

func (u *uploader) emit(input UploadInput, progress Progress) {
	if input.OnProgress != nil {
		input.OnProgress(progress)
	}
}

func (u *uploader) emitChunkProgress(input UploadInput, session *sessionstore.Session, profiler *speed.Profiler) {
	profile := profiler.Estimate()
	loaded := session.AcknowledgedBytes()
	u.emit(input, newProgress(StatusUploading, loaded, session.TotalSize, float64(profile.BytesPerSec), sortedIndices(session.AcknowledgedChunks)))
}

// fail emits the terminal progress event for err and returns it.
// Cancellation pauses instead of failing: the session stays resumable.
func (u *uploader) fail(input UploadInput, loaded, total int64, err error) error {
	if isCancellation(err) {
		u.logger.Warnf("Upload paused: %s", err)
		u.emit(input, newProgress(StatusPaused, loaded, total, 0, nil))
		return err
	}

	u.logger.Errorf("Upload failed: %s", err)
	progress := newProgress(StatusError, loaded, total, 0, nil)
	progress.Message = err.Error()
	u.emit(input, progress)
	return err
}

func (u *uploader) saveSession(ctx context.Context, session *sessionstore.Session) {
	if err := u.store.Save(ctx, session); err != nil {
		u.logger.Warnf("Could not persist session %s: %s", session.UploadID, err)
	}
}

func (u *uploader) removeSession(ctx context.Context, uploadID string) {
	if err := u.store.Remove(ctx, uploadID); err != nil {
		u.logger.Warnf("Could not remove session %s: %s", uploadID, err)
	}
}

func (u *uploader) pruneExpired(ctx context.Context) {
	pruned, err := u.store.PruneExpired(ctx, u.config.Retention)
	if err != nil {
		u.logger.Debugf("Session GC failed: %s", err)
		return
	}
	if pruned > 0 {
		u.logger.Debugf("Pruned %d expired upload sessions", pruned)
	}
}

func statusRequest(session *sessionstore.Session) network.StatusRequest {
	return network.StatusRequest{
		UploadID:        session.UploadID,
		FileName:        session.FileName,
		StorageFileName: session.StorageFileName,
	}
}

func profileScope(class speed.NetworkClass) string {
	if class == speed.NetworkUnknown {
		return "default"
	}
	return string(class)
}
