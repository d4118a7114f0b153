// Package filestore is the File Store (C5): object-store-backed session
// file storage with a Redis metadata index, mirroring the original file
// service's key layout (sessions/<sid>/{uploads,outputs}/<fid> objects,
// files:<sid>:<fid> hash, session_files:<sid> set).
package filestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coderun/dispatcher/internal/idgen"
	"github.com/coderun/dispatcher/internal/logging"
	"github.com/coderun/dispatcher/internal/objectstore"
)

// Origin distinguishes uploaded inputs from snippet-generated outputs.
type Origin string

const (
	OriginUpload Origin = "upload"
	OriginOutput Origin = "output"
)

// ErrNotFound is returned when a file id does not resolve to metadata.
var ErrNotFound = errors.New("filestore: file not found")

const (
	metaKeyFmt    = "files:%s:%s"
	sessionSetFmt = "session_files:%s"

	presignTTL = time.Hour
)

// Entry is the registry's view of one file.
type Entry struct {
	FileID      string
	SessionID   string
	Filename    string
	ContentType string
	ObjectKey   string
	CreatedAt   time.Time
	Size        int64
	Origin      Origin
}

// Store manages session files across Redis metadata and an S3-compatible
// object store.
type Store struct {
	redis   *redis.Client
	objects *objectstore.Store
	ttl     time.Duration
}

func New(redisClient *redis.Client, objects *objectstore.Store, sessionTTL time.Duration) *Store {
	return &Store{redis: redisClient, objects: objects, ttl: sessionTTL}
}

func objectKey(sessionID, fileID string, origin Origin) string {
	dir := "uploads"
	if origin == OriginOutput {
		dir = "outputs"
	}
	return fmt.Sprintf("sessions/%s/%s/%s", sessionID, dir, fileID)
}

func metaKey(sessionID, fileID string) string { return fmt.Sprintf(metaKeyFmt, sessionID, fileID) }
func sessionSetKey(sessionID string) string   { return fmt.Sprintf(sessionSetFmt, sessionID) }

// UploadURL presigns a PUT for a not-yet-confirmed upload and records
// placeholder metadata with size=0.
func (s *Store) UploadURL(ctx context.Context, sessionID, filename, contentType string) (fileID, url string, err error) {
	fileID = idgen.NewFileID()
	key := objectKey(sessionID, fileID, OriginUpload)

	entry := Entry{
		FileID:      fileID,
		SessionID:   sessionID,
		Filename:    filename,
		ContentType: contentType,
		ObjectKey:   key,
		CreatedAt:   time.Now(),
		Size:        0,
		Origin:      OriginUpload,
	}
	if err := s.storeMeta(ctx, entry); err != nil {
		return "", "", err
	}

	url, err = s.objects.PresignPut(ctx, key, presignTTL)
	if err != nil {
		return "", "", err
	}
	return fileID, url, nil
}

// ConfirmUpload stats the object and refreshes the metadata's recorded size.
func (s *Store) ConfirmUpload(ctx context.Context, sessionID, fileID string) error {
	entry, err := s.get(ctx, sessionID, fileID)
	if err != nil {
		return err
	}
	size, _, err := s.objects.Stat(ctx, entry.ObjectKey)
	if err != nil {
		return err
	}
	entry.Size = size
	return s.storeMeta(ctx, entry)
}

// StoreUploadedFile is the direct, non-presigned upload path used by the
// orchestrator when it already has the bytes in hand.
func (s *Store) StoreUploadedFile(ctx context.Context, sessionID, filename string, data []byte, contentType string) (Entry, error) {
	return s.store(ctx, sessionID, filename, data, contentType, OriginUpload)
}

// StoreOutputFile stores a snippet-generated artifact under /outputs.
func (s *Store) StoreOutputFile(ctx context.Context, sessionID, filename string, data []byte) (Entry, error) {
	return s.store(ctx, sessionID, filename, data, "", OriginOutput)
}

func (s *Store) store(ctx context.Context, sessionID, filename string, data []byte, contentType string, origin Origin) (Entry, error) {
	fileID := idgen.NewFileID()
	key := objectKey(sessionID, fileID, origin)

	if err := s.objects.Put(ctx, key, data, contentType); err != nil {
		return Entry{}, err
	}

	entry := Entry{
		FileID:      fileID,
		SessionID:   sessionID,
		Filename:    filename,
		ContentType: contentType,
		ObjectKey:   key,
		CreatedAt:   time.Now(),
		Size:        int64(len(data)),
		Origin:      origin,
	}
	if err := s.storeMeta(ctx, entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// GetContent downloads a file's bytes. The S3 SDK call itself blocks on
// network I/O; callers on a cooperative-scheduling runtime should dispatch
// this behind a worker pool, matching the concurrency model's "never block
// the I/O loop" rule.
func (s *Store) GetContent(ctx context.Context, sessionID, fileID string) ([]byte, error) {
	entry, err := s.get(ctx, sessionID, fileID)
	if err != nil {
		return nil, err
	}
	data, err := s.objects.Get(ctx, entry.ObjectKey)
	if errors.Is(err, objectstore.ErrNotFound) {
		return nil, ErrNotFound
	}
	return data, err
}

// DownloadURL presigns a GET for an existing file.
func (s *Store) DownloadURL(ctx context.Context, sessionID, fileID string) (string, error) {
	entry, err := s.get(ctx, sessionID, fileID)
	if err != nil {
		return "", err
	}
	return s.objects.PresignGet(ctx, entry.ObjectKey, presignTTL)
}

// List returns every file for a session, sorted by creation time.
func (s *Store) List(ctx context.Context, sessionID string) ([]Entry, error) {
	ids, err := s.redis.SMembers(ctx, sessionSetKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		e, err := s.get(ctx, sessionID, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
	return entries, nil
}

// Delete removes a file's object and metadata. Returns false if it did not exist.
func (s *Store) Delete(ctx context.Context, sessionID, fileID string) (bool, error) {
	entry, err := s.get(ctx, sessionID, fileID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := s.objects.Delete(ctx, entry.ObjectKey); err != nil {
		logging.Op().Warn("filestore: object delete failed", "key", entry.ObjectKey, "error", err)
	}

	pipe := s.redis.TxPipeline()
	pipe.Del(ctx, metaKey(sessionID, fileID))
	pipe.SRem(ctx, sessionSetKey(sessionID), fileID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// CleanupSessionFiles deletes every file belonging to a session, used when
// a session is explicitly deleted or expires. Each file's deletion is
// attempted independently; errors are logged, not aggregated, to keep the
// sweep from aborting on the first failure.
func (s *Store) CleanupSessionFiles(ctx context.Context, sessionID string) (int, error) {
	entries, err := s.List(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, e := range entries {
		ok, err := s.Delete(ctx, sessionID, e.FileID)
		if err != nil {
			logging.Op().Warn("filestore: cleanup delete failed", "session_id", sessionID, "file_id", e.FileID, "error", err)
			continue
		}
		if ok {
			deleted++
		}
	}
	s.redis.Del(ctx, sessionSetKey(sessionID))
	return deleted, nil
}

// ActiveSessionChecker reports whether a session id is currently known to
// the session registry. CleanupOrphans uses it to avoid deleting files for
// sessions that merely haven't been listed yet.
type ActiveSessionChecker interface {
	IsActive(ctx context.Context, sessionID string) (bool, error)
}

// CleanupOrphans scans the sessions/ prefix and deletes objects whose parsed
// session id is absent from the active index AND whose age exceeds the
// session TTL. It is a safety no-op whenever the active-session index
// reports empty, to defend against a cold-start wipe wrongly deleting
// everything.
func (s *Store) CleanupOrphans(ctx context.Context, checker ActiveSessionChecker, activeIndexEmpty bool, batchLimit int) (int, error) {
	if activeIndexEmpty {
		return 0, nil
	}

	objects, err := s.objects.ListPrefix(ctx, "sessions/")
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-s.ttl)
	deleted := 0
	for _, obj := range objects {
		if deleted >= batchLimit {
			break
		}
		sessionID, ok := sessionIDFromKey(obj.Key)
		if !ok {
			continue
		}
		active, err := checker.IsActive(ctx, sessionID)
		if err != nil {
			logging.Op().Warn("filestore: orphan check failed", "key", obj.Key, "error", err)
			continue
		}
		if active {
			continue
		}
		if obj.LastModified.After(cutoff) {
			continue
		}
		if err := s.objects.Delete(ctx, obj.Key); err != nil {
			logging.Op().Warn("filestore: orphan delete failed", "key", obj.Key, "error", err)
			continue
		}
		deleted++
	}
	return deleted, nil
}

func sessionIDFromKey(key string) (string, bool) {
	// sessions/<sid>/{uploads,outputs}/<fid>
	const prefix = "sessions/"
	if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
		return "", false
	}
	rest := key[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], true
		}
	}
	return "", false
}

func (s *Store) get(ctx context.Context, sessionID, fileID string) (Entry, error) {
	fields, err := s.redis.HGetAll(ctx, metaKey(sessionID, fileID)).Result()
	if err != nil {
		return Entry{}, err
	}
	if len(fields) == 0 {
		return Entry{}, ErrNotFound
	}
	return entryFromFields(fileID, sessionID, fields)
}

func (s *Store) storeMeta(ctx context.Context, e Entry) error {
	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, metaKey(e.SessionID, e.FileID), entryToFields(e))
	pipe.Expire(ctx, metaKey(e.SessionID, e.FileID), s.ttl)
	pipe.SAdd(ctx, sessionSetKey(e.SessionID), e.FileID)
	pipe.Expire(ctx, sessionSetKey(e.SessionID), s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func entryToFields(e Entry) map[string]interface{} {
	return map[string]interface{}{
		"filename":     e.Filename,
		"content_type": e.ContentType,
		"object_key":   e.ObjectKey,
		"created_at":   e.CreatedAt.Format(time.RFC3339Nano),
		"size":         strconv.FormatInt(e.Size, 10),
		"origin":       string(e.Origin),
	}
}

func entryFromFields(fileID, sessionID string, fields map[string]string) (Entry, error) {
	size, _ := strconv.ParseInt(fields["size"], 10, 64)
	createdAt, _ := time.Parse(time.RFC3339Nano, fields["created_at"])
	return Entry{
		FileID:      fileID,
		SessionID:   sessionID,
		Filename:    fields["filename"],
		ContentType: fields["content_type"],
		ObjectKey:   fields["object_key"],
		CreatedAt:   createdAt,
		Size:        size,
		Origin:      Origin(fields["origin"]),
	}, nil
}
